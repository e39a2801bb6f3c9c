package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/hawkdelights/cake-orders/stats"
)

// Bar tracks scanned order emails. The total is learned from the source's
// discovered event.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	scanned int
	mu      sync.Mutex
	enabled bool
}

// New creates a disabled bar unless enabled is set.
func New(enabled bool) *Bar {
	return &Bar{enabled: enabled}
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeDiscovered:
		b.total += evt.Count
		if b.pb == nil {
			pterm.Info.Printf("Order emails found: %d\n", b.total)
			pb, _ := pterm.DefaultProgressbar.
				WithTotal(max(b.total, 1)).
				WithTitle("Extracting orders").
				Start()
			b.pb = pb
			b.pb.Current = b.scanned
		} else {
			b.pb.Total = max(b.total, 1)
		}
	case stats.EventTypeScanned:
		b.scanned++
		if b.pb == nil {
			return
		}
		b.pb.Increment()
		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Extracting: " + displayID)
		}
	case stats.EventTypeRejected:
		if evt.Err != nil {
			pterm.Warning.Printf("Rejected: %v\n", evt.Err)
		}
	case stats.EventTypeError:
		// Show error messages above the progress bar
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Processing complete!")
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress bar functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer to stream.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

// collectStats collects statistics and prints final summary.
func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Emails found: %d\n", summary.Discovered)
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Orders extracted: %d\n", summary.Extracted)
	pterm.Info.Printf("Rejected: %d\n", summary.Rejected)
	pterm.Info.Printf("Already handled (skipped): %d\n", summary.Duplicates)
	pterm.Info.Printf("Events created: %d\n", summary.Scheduled)
	pterm.Info.Printf("Events already present: %d\n", summary.AlreadyScheduled)
	pterm.Info.Printf("Dry-run events: %d\n", summary.DryRunScheduled)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if pr.logger != nil {
		pr.logger.Debug("progress summary printed", summary.LogAttrs()...)
	}

	return nil
}
