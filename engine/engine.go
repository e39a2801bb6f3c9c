// Package engine turns raw order emails into validated orders.
//
// Each message moves through fetched, normalized, fields_extracted and ends
// in validated (one Order) or rejected (one Failure). Messages are
// independent; the Engine keeps no state between them.
package engine

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hawkdelights/cake-orders/extract"
	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/normalize"
	"github.com/hawkdelights/cake-orders/pickuptime"
)

type State string

const (
	StateFetched         State = "fetched"
	StateNormalized      State = "normalized"
	StateFieldsExtracted State = "fields_extracted"
	StateValidated       State = "validated"
	StateRejected        State = "rejected"
)

type Options struct {
	// Specs defaults to extract.DefaultSpecs.
	Specs []extract.FieldSpec
	// Timezone is an IANA zone name, default pickuptime.DefaultTimezone.
	// Location takes precedence when set.
	Timezone string
	Location *time.Location
	// Layouts are tried after pickuptime.DefaultLayouts.
	Layouts []string
	Logger  *slog.Logger
}

type Engine struct {
	extractor *extract.Extractor
	parser    *pickuptime.Parser
	logger    *slog.Logger
}

func New(opts Options) (*Engine, error) {
	specs := opts.Specs
	if len(specs) == 0 {
		specs = extract.DefaultSpecs()
	}
	extractor, err := extract.New(specs)
	if err != nil {
		return nil, fmt.Errorf("field specs: %w", err)
	}

	var parser *pickuptime.Parser
	if opts.Location != nil {
		parser = pickuptime.NewParser(opts.Location, opts.Layouts...)
	} else {
		zone := opts.Timezone
		if zone == "" {
			zone = pickuptime.DefaultTimezone
		}
		parser, err = pickuptime.NewParserForZone(zone, opts.Layouts...)
		if err != nil {
			return nil, err
		}
	}

	return &Engine{extractor: extractor, parser: parser, logger: opts.Logger}, nil
}

// Location returns the business timezone orders are expressed in.
func (e *Engine) Location() *time.Location {
	return e.parser.Location()
}

// Result is the terminal outcome for one message.
type Result struct {
	MessageID  string
	State      State
	Order      model.Order
	Failure    model.Failure
	Candidates extract.Candidates
}

// OK reports whether the message produced an order.
func (r Result) OK() bool {
	return r.State == StateValidated
}

// Process runs one message through every stage. It never panics on bad
// input and never returns an error: rejections are part of the Result.
func (e *Engine) Process(msg model.Message) Result {
	id := msg.Key()
	doc := normalize.Body(msg)
	if doc.Empty() && e.logger != nil {
		e.logger.Debug("message has no textual part", "messageID", id)
	}

	candidates := e.extractor.Extract(doc)
	if e.logger != nil {
		e.logger.Debug("fields extracted", "messageID", id,
			"pickup", candidates.Pickup.Value, "pickupStrategy", candidates.Pickup.Strategy,
			"customer", candidates.Customer.Value, "customerStrategy", candidates.Customer.Strategy,
			"cake", candidates.Cake.Value, "cakeStrategy", candidates.Cake.Strategy)
	}

	return e.Assemble(id, candidates)
}

// Assemble validates extracted candidates and builds the Order. The first
// failing field in the order pickup, customer, cake is reported.
func (e *Engine) Assemble(messageID string, c extract.Candidates) Result {
	reject := func(f model.Field, reason model.Reason, raw string) Result {
		return Result{
			MessageID:  messageID,
			State:      StateRejected,
			Failure:    model.Failure{MessageID: messageID, Field: f, Reason: reason, Raw: raw},
			Candidates: c,
		}
	}

	if !c.Pickup.Present() {
		return reject(model.FieldPickup, model.ReasonFieldAbsent, "")
	}
	pickupAt, err := e.parser.Parse(c.Pickup.Value)
	if err != nil {
		return reject(model.FieldPickup, model.ReasonDateFormatMismatch, c.Pickup.Value)
	}

	name := CleanValue(c.Customer.Value)
	if name == "" {
		return reject(model.FieldCustomer, model.ReasonFieldAbsent, c.Customer.Value)
	}
	cake := CleanValue(c.Cake.Value)
	if cake == "" {
		return reject(model.FieldCake, model.ReasonFieldAbsent, c.Cake.Value)
	}

	order, err := model.NewOrder(messageID, name, cake, pickupAt)
	if err != nil {
		return reject(model.FieldPickup, model.ReasonDateFormatMismatch, c.Pickup.Value)
	}

	return Result{
		MessageID:  messageID,
		State:      StateValidated,
		Order:      order,
		Candidates: c,
	}
}

var (
	tagFragment      = regexp.MustCompile(`<[^>]*>`)
	leadingFragment  = regexp.MustCompile(`(?i)^\s*/?(?:td|th|tr|table|tbody|p|div|span|font|b|strong|em|br)\s*/?>`)
	trailingFragment = regexp.MustCompile(`(?i)<\s*/?(?:td|th|tr|table|tbody|p|div|span|font|b|strong|em|br)\b[^>]*$`)
)

// CleanValue strips markup residue and surrounding whitespace from a
// customer name or cake type.
func CleanValue(s string) string {
	s = tagFragment.ReplaceAllString(s, " ")
	s = leadingFragment.ReplaceAllString(s, "")
	s = trailingFragment.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
