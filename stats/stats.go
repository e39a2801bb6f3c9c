package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageMbox     Stage = "mbox"
	StageIMAP     Stage = "imap"
	StageExtract  Stage = "extract"
	StageCalendar Stage = "calendar"
)

type EventType string

const (
	EventTypeDiscovered       EventType = "discovered"
	EventTypeScanned          EventType = "scanned"
	EventTypeExtracted        EventType = "extracted"
	EventTypeRejected         EventType = "rejected"
	EventTypeDuplicate        EventType = "duplicate"
	EventTypeScheduled        EventType = "scheduled"
	EventTypeDryRunScheduled  EventType = "dry_run_scheduled"
	EventTypeAlreadyScheduled EventType = "already_scheduled"
	EventTypeError            EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
	// Count is set on discovered events.
	Count int
}

type Summary struct {
	Discovered       int
	Scanned          int
	Extracted        int
	Rejected         int
	Duplicates       int
	Scheduled        int
	DryRunScheduled  int
	AlreadyScheduled int
	Errors           int
	LastError        error
	// Reasons counts rejections by "field/reason".
	Reasons map[string]int
}

// Headline is the one-line batch summary.
func (s Summary) Headline() string {
	return fmt.Sprintf("%d orders found, %d rejected", s.Extracted, s.Rejected)
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"discovered", s.Discovered,
		"scanned", s.Scanned,
		"extracted", s.Extracted,
		"rejected", s.Rejected,
		"duplicates", s.Duplicates,
		"scheduled", s.Scheduled,
		"dryRunScheduled", s.DryRunScheduled,
		"alreadyScheduled", s.AlreadyScheduled,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	if c.summary.Reasons != nil {
		summary.Reasons = make(map[string]int, len(c.summary.Reasons))
		for k, v := range c.summary.Reasons {
			summary.Reasons[k] = v
		}
	}
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeDiscovered:
		c.summary.Discovered += evt.Count
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeRejected:
		c.summary.Rejected++
		if evt.Detail != "" {
			if c.summary.Reasons == nil {
				c.summary.Reasons = make(map[string]int)
			}
			c.summary.Reasons[evt.Detail]++
		}
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeScheduled:
		c.summary.Scheduled++
	case EventTypeDryRunScheduled:
		c.summary.DryRunScheduled++
	case EventTypeAlreadyScheduled:
		c.summary.AlreadyScheduled++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info(summary.Headline(), attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	pairs := make([]pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value == pairs[j].Value {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value > pairs[j].Value
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
