package extract

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hawkdelights/cake-orders/model"
)

// Strategy names a way of locating a field value.
type Strategy string

const (
	// StrategyStructured reads the table cell that follows a label cell.
	StrategyStructured Strategy = "structured"
	// StrategyPattern scans the text for a label and a terminating anchor.
	StrategyPattern Strategy = "pattern"
)

// Terminators understood by FieldSpec. A terminator ends the lazy capture
// that follows a label.
const (
	TerminatorNextLabel = "next-label"
	TerminatorDateToken = "date-token"
	TerminatorWideSpace = "wide-space"
	TerminatorEndOfLine = "end-of-line"

	regexTerminatorPrefix = "regex:"
)

const dateToken = `\d{1,2}/\d{1,2}/\d{2,4}`

var (
	ErrMissingField = errors.New("no field spec for field")
	ErrNoLabels     = errors.New("field spec has no labels")
)

// FieldSpec declares how one order field is found. New template variants
// are added as additional specs, not new code.
type FieldSpec struct {
	Field       model.Field `yaml:"field"`
	Labels      []string    `yaml:"labels"`
	Terminators []string    `yaml:"terminators"`
	Strategies  []Strategy  `yaml:"strategies"`
}

type specFile struct {
	Fields []FieldSpec `yaml:"fields"`
}

// DefaultSpecs matches the "CAKE ORDER FORM Completed" notification and the
// label spellings seen in its revisions.
func DefaultSpecs() []FieldSpec {
	both := []Strategy{StrategyStructured, StrategyPattern}
	return []FieldSpec{
		{
			Field:       model.FieldPickup,
			Labels:      []string{"Pick Up Date/Time", "Pickup Date/Time", "Pick-Up Date/Time", "Pick Up Date & Time"},
			Terminators: []string{TerminatorNextLabel, TerminatorWideSpace},
			Strategies:  both,
		},
		{
			Field:       model.FieldCustomer,
			Labels:      []string{"Customer Name", "Name on Order"},
			Terminators: []string{TerminatorNextLabel, TerminatorDateToken, TerminatorWideSpace},
			Strategies:  both,
		},
		{
			Field:       model.FieldCake,
			Labels:      []string{"Cake Type", "Cake Flavor", "Type of Cake"},
			Terminators: []string{TerminatorNextLabel, TerminatorDateToken, TerminatorWideSpace},
			Strategies:  both,
		},
	}
}

// LoadSpecs reads field specs from a YAML file of the form
//
//	fields:
//	  - field: pickup
//	    labels: ["Pick Up Date/Time"]
//	    terminators: [next-label, wide-space]
//	    strategies: [structured, pattern]
func LoadSpecs(path string) ([]FieldSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field specs: %w", err)
	}
	specs, err := ParseSpecs(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// ParseSpecs decodes and validates YAML field specs.
func ParseSpecs(data []byte) ([]FieldSpec, error) {
	var file specFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode field specs: %w", err)
	}
	for i := range file.Fields {
		if err := file.Fields[i].normalize(); err != nil {
			return nil, fmt.Errorf("field spec %d: %w", i, err)
		}
	}
	if err := checkCoverage(file.Fields); err != nil {
		return nil, err
	}
	return file.Fields, nil
}

func (s *FieldSpec) normalize() error {
	field, err := model.ParseField(string(s.Field))
	if err != nil {
		return err
	}
	s.Field = field

	labels := s.Labels[:0]
	for _, label := range s.Labels {
		if label = collapse(label); label != "" {
			labels = append(labels, label)
		}
	}
	if len(labels) == 0 {
		return fmt.Errorf("%w: %s", ErrNoLabels, s.Field)
	}
	s.Labels = labels

	if len(s.Strategies) == 0 {
		s.Strategies = []Strategy{StrategyStructured, StrategyPattern}
	}
	for _, strategy := range s.Strategies {
		switch strategy {
		case StrategyStructured, StrategyPattern:
		default:
			return fmt.Errorf("unknown strategy %q", strategy)
		}
	}

	if len(s.Terminators) == 0 {
		s.Terminators = []string{TerminatorNextLabel, TerminatorWideSpace}
	}
	for _, t := range s.Terminators {
		if _, err := terminatorExpr(t, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s FieldSpec) uses(strategy Strategy) bool {
	for _, candidate := range s.Strategies {
		if candidate == strategy {
			return true
		}
	}
	return false
}

func checkCoverage(specs []FieldSpec) error {
	covered := make(map[model.Field]bool, len(model.Fields))
	for _, s := range specs {
		covered[s.Field] = true
	}
	for _, f := range model.Fields {
		if !covered[f] {
			return fmt.Errorf("%w %s", ErrMissingField, f)
		}
	}
	return nil
}

// terminatorExpr returns the RE2 alternative for a terminator name. others
// are the labels of every other field, used by next-label.
func terminatorExpr(name string, others []string) (string, error) {
	switch {
	case name == TerminatorNextLabel:
		if len(others) == 0 {
			return "", nil
		}
		return alternation(others), nil
	case name == TerminatorDateToken:
		return dateToken, nil
	case name == TerminatorWideSpace:
		return `[ \t]{2,}`, nil
	case name == TerminatorEndOfLine:
		return `\n`, nil
	case strings.HasPrefix(name, regexTerminatorPrefix):
		expr := strings.TrimPrefix(name, regexTerminatorPrefix)
		if _, err := regexp.Compile(expr); err != nil {
			return "", fmt.Errorf("terminator %q: %w", name, err)
		}
		return "(?:" + expr + ")", nil
	}
	return "", fmt.Errorf("unknown terminator %q", name)
}

func alternation(labels []string) string {
	quoted := make([]string, 0, len(labels))
	for _, label := range labels {
		quoted = append(quoted, labelExpr(label))
	}
	return "(?:" + strings.Join(quoted, "|") + ")"
}

// labelExpr quotes a label and lets any whitespace run inside it match any
// whitespace run in the text.
func labelExpr(label string) string {
	words := strings.Fields(label)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(words, `\s+`)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
