package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/normalize"
)

const inlineOrder = "Pick Up Date/Time Wed Jun 5, 2024 @ 2:30 PM\nCustomer Name Jane Doe\nCake Type Chocolate 6/5/2024"

func TestExtract_Inline(t *testing.T) {
	got := Default().Extract(normalize.Document{Text: inlineOrder})

	assert.Equal(t, "Wed Jun 5, 2024 @ 2:30 PM", got.Pickup.Value)
	assert.Equal(t, "Jane Doe", got.Customer.Value)
	assert.Equal(t, "Chocolate", got.Cake.Value)

	for _, f := range model.Fields {
		c := got.Get(f)
		assert.Equal(t, f, c.Field)
		assert.Equal(t, StrategyPattern, c.Strategy, f)
	}
	assert.Equal(t, "Customer Name", got.Customer.Label)
}

func TestExtract_SingleLine(t *testing.T) {
	text := "Pick Up Date/Time: Sat Jun 8, 2024 @ 10:15 AM Customer Name: Priya Patel   Cake Type: Red Velvet"

	got := Default().Extract(normalize.Document{Text: text})

	assert.Equal(t, "Sat Jun 8, 2024 @ 10:15 AM", got.Pickup.Value)
	assert.Equal(t, "Priya Patel", got.Customer.Value)
	assert.Equal(t, "Red Velvet", got.Cake.Value)
}

func TestExtract_LabelVariants(t *testing.T) {
	text := "Pickup Date/Time\nThu Jul 4, 2024 10:00 AM\nName on Order\nSam Lee\nCake Flavor\nLemon"

	got := Default().Extract(normalize.Document{Text: text})

	assert.Equal(t, "Thu Jul 4, 2024 10:00 AM", got.Pickup.Value)
	assert.Equal(t, "Pickup Date/Time", got.Pickup.Label)
	assert.Equal(t, "Sam Lee", got.Customer.Value)
	assert.Equal(t, "Name on Order", got.Customer.Label)
	assert.Equal(t, "Lemon", got.Cake.Value)
}

func TestExtract_StructuredBeatsPattern(t *testing.T) {
	doc := normalize.HTML(`<p>Pick Up Date/Time: TBD</p>
<table>
<tr><td>Pick Up Date/Time</td><td>Thu Jul 4, 2024 @ 10:00 AM</td></tr>
<tr><td>Customer Name:</td><td>Sam Lee</td></tr>
<tr><td>Cake Type</td><td>Vanilla</td></tr>
</table>`)

	got := Default().Extract(doc)

	assert.Equal(t, "Thu Jul 4, 2024 @ 10:00 AM", got.Pickup.Value)
	assert.Equal(t, StrategyStructured, got.Pickup.Strategy)
	assert.Equal(t, "Sam Lee", got.Customer.Value)
	assert.Equal(t, StrategyStructured, got.Customer.Strategy)
	assert.Equal(t, "Vanilla", got.Cake.Value)
}

func TestExtract_StructuredSkipsLabelCells(t *testing.T) {
	doc := normalize.Document{
		Text:  "Customer Name Jane Doe",
		Cells: []string{"Customer Name", "Cake Type", "Chocolate"},
	}

	got := Default().Extract(doc)

	assert.Equal(t, "Jane Doe", got.Customer.Value)
	assert.Equal(t, StrategyPattern, got.Customer.Strategy)
	assert.Equal(t, "Chocolate", got.Cake.Value)
	assert.Equal(t, StrategyStructured, got.Cake.Strategy)
}

func TestExtract_NoLeakageIntoNextField(t *testing.T) {
	got := Default().Extract(normalize.Document{Text: "Customer Name\nCake Type Chocolate"})

	assert.False(t, got.Customer.Present(), "customer = %q", got.Customer.Value)
	assert.Equal(t, "Chocolate", got.Cake.Value)
	assert.False(t, got.Pickup.Present())
}

func TestExtract_ContinuationLineDropped(t *testing.T) {
	got := Default().Extract(normalize.Document{Text: "Customer Name Jane Doe\n6/5/2024 12:00\nCake Type Lemon"})

	assert.Equal(t, "Jane Doe", got.Customer.Value)
}

func TestExtract_Empty(t *testing.T) {
	got := Default().Extract(normalize.Document{})

	for _, f := range model.Fields {
		c := got.Get(f)
		assert.False(t, c.Present(), f)
		assert.Empty(t, c.Strategy, f)
	}
	assert.Equal(t, Candidate{Field: "other"}, got.Get("other"))
}

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs([]byte(`
fields:
  - field: pickup
    labels: ["Collection Time"]
  - field: Customer
    labels: ["  Order   For ", ""]
    terminators: ["regex:\\(", end-of-line]
    strategies: [pattern]
  - field: cake
    labels: [Cake]
`))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, model.FieldCustomer, specs[1].Field)
	assert.Equal(t, []string{"Order For"}, specs[1].Labels)
	assert.Equal(t, []Strategy{StrategyPattern}, specs[1].Strategies)
	assert.Equal(t, []Strategy{StrategyStructured, StrategyPattern}, specs[0].Strategies)
	assert.Equal(t, []string{TerminatorNextLabel, TerminatorWideSpace}, specs[0].Terminators)

	x, err := New(specs)
	require.NoError(t, err)

	got := x.Extract(normalize.Document{
		Text:  "Collection Time 2024-06-05 14:30\nOrder For Jane (regular)\nCake Carrot",
		Cells: []string{"Order For", "Mallory"},
	})
	assert.Equal(t, "2024-06-05 14:30", got.Pickup.Value)
	assert.Equal(t, "Jane", got.Customer.Value)
	assert.Equal(t, StrategyPattern, got.Customer.Strategy)
	assert.Equal(t, "Carrot", got.Cake.Value)
}

func TestParseSpecs_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"missing field", "fields:\n  - {field: pickup, labels: [a]}\n  - {field: cake, labels: [b]}\n", ErrMissingField},
		{"no labels", "fields:\n  - {field: pickup, labels: ['  ']}\n", ErrNoLabels},
		{"unknown field", "fields:\n  - {field: flavour, labels: [a]}\n", nil},
		{"unknown strategy", "fields:\n  - {field: pickup, labels: [a], strategies: [fuzzy]}\n", nil},
		{"unknown terminator", "fields:\n  - {field: pickup, labels: [a], terminators: [semicolon]}\n", nil},
		{"bad regex", "fields:\n  - {field: pickup, labels: [a], terminators: ['regex:(']}\n", nil},
		{"not yaml", "fields: [", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpecs([]byte(tt.yaml))
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "error = %v", err)
			}
		})
	}
}

func TestLoadSpecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.yaml")
	data := "fields:\n  - {field: pickup, labels: [When]}\n  - {field: customer, labels: [Who]}\n  - {field: cake, labels: [What]}\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	specs, err := LoadSpecs(path)
	require.NoError(t, err)
	assert.Len(t, specs, 3)

	_, err = LoadSpecs(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNew_DoesNotMutateInput(t *testing.T) {
	specs := DefaultSpecs()
	specs[0].Labels = append(specs[0].Labels, "   ")
	before := append([]string(nil), specs[0].Labels...)

	_, err := New(specs)
	require.NoError(t, err)
	assert.Equal(t, before, specs[0].Labels)
}

func TestExtract_LabelsAreCaseSensitive(t *testing.T) {
	text := "Please double check the cake type and name below.\nPick Up Date/Time Wed Jun 5, 2024 @ 2:30 PM\nCustomer Name Jane Doe"

	got := Default().Extract(normalize.Document{Text: text})

	assert.False(t, got.Cake.Present(), "cake = %q", got.Cake.Value)
	assert.Equal(t, "Jane Doe", got.Customer.Value)
}

func TestExtract_LineStartLabelBeatsProse(t *testing.T) {
	text := "We will confirm your Cake Type and Customer Name by phone.\nPick Up Date/Time Wed Jun 5, 2024 @ 2:30 PM\nCustomer Name Jane Doe\nCake Type Chocolate"

	got := Default().Extract(normalize.Document{Text: text})

	assert.Equal(t, "Chocolate", got.Cake.Value)
	assert.Equal(t, "Jane Doe", got.Customer.Value)
}

func TestExtract_StructuredCellKeepsFirstLine(t *testing.T) {
	doc := normalize.HTML("<table><tr><td>Customer Name</td><td>Jane Doe<br>\n6/5/2024</td></tr></table>")

	got := Default().Extract(doc)

	assert.Equal(t, "Jane Doe", got.Customer.Value)
	assert.Equal(t, StrategyStructured, got.Customer.Strategy)
}

func TestExtract_WideSpaceInMarkup(t *testing.T) {
	doc := normalize.HTML("<p>Cake Type Chocolate    Thank you for ordering</p>")

	got := Default().Extract(doc)

	assert.Equal(t, "Chocolate", got.Cake.Value)
}

func TestExtract_AlternativeText(t *testing.T) {
	got := Default().Extract(normalize.Document{
		Text:        "Customer Name Sam Lee\nThis message is best viewed in HTML.",
		Alternative: "Customer Name Mallory\nCake Type Lemon",
	})

	assert.Equal(t, "Sam Lee", got.Customer.Value)
	assert.Equal(t, "Lemon", got.Cake.Value)
	assert.Equal(t, StrategyPattern, got.Cake.Strategy)
}
