// Package extract locates the pickup time, customer name and cake type in a
// normalized order email.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/normalize"
)

// Candidate is the raw value found for one field. Value is empty and
// Strategy unset when the field is absent.
type Candidate struct {
	Field    model.Field
	Value    string
	Label    string
	Strategy Strategy
}

// Present reports whether a value was found.
func (c Candidate) Present() bool {
	return c.Value != ""
}

// Candidates holds one Candidate per order field.
type Candidates struct {
	Pickup   Candidate
	Customer Candidate
	Cake     Candidate
}

// Get returns the candidate for f.
func (c Candidates) Get(f model.Field) Candidate {
	switch f {
	case model.FieldPickup:
		return c.Pickup
	case model.FieldCustomer:
		return c.Customer
	case model.FieldCake:
		return c.Cake
	}
	return Candidate{Field: f}
}

func (c *Candidates) set(cand Candidate) {
	switch cand.Field {
	case model.FieldPickup:
		c.Pickup = cand
	case model.FieldCustomer:
		c.Customer = cand
	case model.FieldCake:
		c.Cake = cand
	}
}

type compiledSpec struct {
	spec FieldSpec
	// patterns holds the line-anchored form first, then the free form.
	patterns []*regexp.Regexp
	labels   map[string]string
}

// Extractor applies a fixed list of field specs. It holds no mutable state
// and is safe for concurrent use.
type Extractor struct {
	specs     []compiledSpec
	allLabels map[string]bool
}

// New compiles specs. Every order field needs at least one spec.
func New(specs []FieldSpec) (*Extractor, error) {
	normalized := make([]FieldSpec, len(specs))
	for i, s := range specs {
		s.Labels = append([]string(nil), s.Labels...)
		if err := s.normalize(); err != nil {
			return nil, fmt.Errorf("field spec %d: %w", i, err)
		}
		normalized[i] = s
	}
	if err := checkCoverage(normalized); err != nil {
		return nil, err
	}

	x := &Extractor{allLabels: make(map[string]bool)}
	for _, s := range normalized {
		for _, label := range s.Labels {
			x.allLabels[label] = true
		}
	}

	for _, s := range normalized {
		var others []string
		for _, o := range normalized {
			if o.Field != s.Field {
				others = append(others, o.Labels...)
			}
		}
		patterns, err := compilePatterns(s, others)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", s.Field, err)
		}
		labels := make(map[string]string, len(s.Labels))
		for _, label := range s.Labels {
			labels[label] = label
		}
		x.specs = append(x.specs, compiledSpec{spec: s, patterns: patterns, labels: labels})
	}
	return x, nil
}

// Default returns an Extractor built from DefaultSpecs.
func Default() *Extractor {
	x, err := New(DefaultSpecs())
	if err != nil {
		panic(err)
	}
	return x
}

// compilePatterns builds the label-anchored expressions for s. Labels are
// case-sensitive so prose such as "check the cake type" is not a label.
func compilePatterns(s FieldSpec, others []string) ([]*regexp.Regexp, error) {
	var ends []string
	for _, t := range s.Terminators {
		expr, err := terminatorExpr(t, others)
		if err != nil {
			return nil, err
		}
		if expr != "" {
			ends = append(ends, expr)
		}
	}
	ends = append(ends, `\z`)

	tail := `)[ \t]*:?\s*(.*?)\s*(?:` + strings.Join(ends, "|") + `)`
	var out []*regexp.Regexp
	for _, head := range []string{`(?s)(?m:^)[ \t]*(`, `(?s)(`} {
		re, err := regexp.Compile(head + alternation(s.Labels) + tail)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Extract finds every field in doc. For each field all structured lookups
// run before any pattern lookup, so a table cell wins over free text. Pattern
// lookups read doc.Text before doc.Alternative, and prefer a label at the
// start of a line over one inside a sentence.
func (x *Extractor) Extract(doc normalize.Document) Candidates {
	var out Candidates
	for _, f := range model.Fields {
		out.set(x.field(f, doc))
	}
	return out
}

func (x *Extractor) field(f model.Field, doc normalize.Document) Candidate {
	for _, strategy := range []Strategy{StrategyStructured, StrategyPattern} {
		for _, cs := range x.specs {
			if cs.spec.Field != f || !cs.spec.uses(strategy) {
				continue
			}

			var value, label string
			switch strategy {
			case StrategyStructured:
				value, label = x.structured(cs, doc.Cells)
			case StrategyPattern:
				value, label = x.pattern(cs, doc.Text, doc.Alternative)
			}
			if value != "" {
				return Candidate{Field: f, Value: value, Label: label, Strategy: strategy}
			}
		}
	}
	return Candidate{Field: f}
}

// structured returns the cell right after the first cell whose text is
// exactly one of the FieldSpec labels, ignoring a trailing colon.
func (x *Extractor) structured(cs compiledSpec, cells []string) (string, string) {
	for i := 0; i+1 < len(cells); i++ {
		label, ok := cs.labels[cellLabel(cells[i])]
		if !ok {
			continue
		}
		value := firstLine(cells[i+1])
		if value == "" || x.allLabels[cellLabel(value)] {
			continue
		}
		return value, label
	}
	return "", ""
}

func (x *Extractor) pattern(cs compiledSpec, texts ...string) (string, string) {
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, re := range cs.patterns {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				if value := firstLine(m[2]); value != "" {
					return value, collapse(m[1])
				}
			}
		}
	}
	return "", ""
}

func cellLabel(cell string) string {
	return strings.TrimSpace(strings.TrimSuffix(collapse(cell), ":"))
}

// firstLine keeps the first line of a capture. Inline layouts can join two
// logical values with a single line break; the continuation is dropped so a
// date never leaks into a name and vice versa.
func firstLine(s string) string {
	s = strings.TrimLeft(s, " \t\r\n")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
