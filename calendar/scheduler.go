package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/runner"
	"github.com/hawkdelights/cake-orders/stats"
)

type Outcome string

const (
	OutcomeScheduled        Outcome = "scheduled"
	OutcomeAlreadyScheduled Outcome = "already_scheduled"
	OutcomeDryRun           Outcome = "dry_run"
)

// Scheduler inserts one event per order. It never retries.
type Scheduler struct {
	inserter Inserter
	opts     Options
	logger   *slog.Logger
}

// NewScheduler returns a Scheduler. inserter may be nil in dry-run mode.
func NewScheduler(inserter Inserter, opts Options, logger *slog.Logger) (*Scheduler, error) {
	opts = opts.withDefaults()
	if inserter == nil && !opts.DryRun {
		return nil, fmt.Errorf("calendar inserter is nil")
	}
	return &Scheduler{inserter: inserter, opts: opts, logger: logger}, nil
}

// Schedule creates the pickup event for order and returns its id.
func (s *Scheduler) Schedule(ctx context.Context, order model.Order) (Outcome, string, error) {
	event := BuildEvent(order, s.opts)

	if s.opts.DryRun {
		if s.logger != nil {
			s.logger.Info("dry-run event", "messageID", order.MessageID(), "eventID", event.Id,
				"summary", event.Summary, "description", event.Description,
				"start", event.Start.DateTime, "end", event.End.DateTime, "timezone", event.Start.TimeZone)
		}
		return OutcomeDryRun, event.Id, nil
	}

	created, err := s.inserter.Insert(ctx, s.opts.CalendarID, event)
	if err != nil {
		if errors.Is(err, ErrAlreadyScheduled) {
			if s.logger != nil {
				s.logger.Info("event already exists", "messageID", order.MessageID(), "eventID", event.Id)
			}
			return OutcomeAlreadyScheduled, event.Id, nil
		}
		return "", event.Id, fmt.Errorf("schedule %s: %w", order.MessageID(), err)
	}

	if s.logger != nil {
		s.logger.Info("event created", "messageID", order.MessageID(), "eventID", created.Id,
			"summary", created.Summary, "link", created.HtmlLink)
	}
	id := created.Id
	if id == "" {
		id = event.Id
	}
	return OutcomeScheduled, id, nil
}

// Stage consumes the runner's orders and records every scheduled order in
// the seen-set.
type Stage struct {
	scheduler *Scheduler
	runner    *runner.Runner
	logger    *slog.Logger
}

func NewStage(s *Scheduler, r *runner.Runner, logger *slog.Logger) *Stage {
	stage := &Stage{scheduler: s, runner: r, logger: logger}
	r.AddStage("calendar", stage.run)
	return stage
}

func (st *Stage) run(ctx context.Context) error {
	orders := st.runner.Orders()
	tracker := st.runner.Tracker()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case order, ok := <-orders:
			if !ok {
				return nil
			}

			outcome, eventID, err := st.scheduler.Schedule(ctx, order)
			if err != nil {
				if st.logger != nil {
					st.logger.Error("calendar insert failed", "messageID", order.MessageID(), "err", err)
				}
				st.runner.EmitEvent(stats.Event{Stage: stats.StageCalendar, Type: stats.EventTypeError, MessageID: order.MessageID(), Err: err})
				continue
			}

			if err := tracker.MarkSeen(order.MessageID(), eventID); err != nil {
				return fmt.Errorf("record scheduled order %s: %w", order.MessageID(), err)
			}

			evt := stats.Event{Stage: stats.StageCalendar, MessageID: order.MessageID(), Detail: eventID}
			switch outcome {
			case OutcomeDryRun:
				evt.Type = stats.EventTypeDryRunScheduled
			case OutcomeAlreadyScheduled:
				evt.Type = stats.EventTypeAlreadyScheduled
			default:
				evt.Type = stats.EventTypeScheduled
			}
			st.runner.EmitEvent(evt)
		}
	}
}
