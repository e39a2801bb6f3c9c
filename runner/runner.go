// Package runner wires mailbox sources, the extraction engine and the
// calendar stage into one channel pipeline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hawkdelights/cake-orders/config"
	"github.com/hawkdelights/cake-orders/engine"
	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/state"
	"github.com/hawkdelights/cake-orders/stats"
)

var ErrMessageKeyMissing = errors.New("message has neither id nor hash")

type StageFunc func(context.Context) error

type Runner struct {
	cfg    config.Config
	engine *engine.Engine
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	orders   chan model.Order

	subMu       sync.RWMutex
	subscribers []chan stats.Event

	tracker state.Tracker

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	resultsMu sync.Mutex
	extracted []model.Order
	failures  []model.Failure

	closeMailboxOnce sync.Once
	closeOrdersOnce  sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

// New opens the seen-set and starts the extract stage. Stats subscribers
// must be registered before any source stage is added.
func New(cfg config.Config, eng *engine.Engine, logger *slog.Logger) (*Runner, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	tracker, err := state.Open(cfg.StateBackend, cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:      cfg,
		engine:   eng,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		orders:   make(chan model.Order, 32),
		tracker:  tracker,
	}

	r.AddStage("extract", r.extract)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// Orders delivers validated orders that were not seen by a previous run.
func (r *Runner) Orders() <-chan model.Order {
	return r.orders
}

// Extracted returns the orders of this run. Call it after Start returns.
func (r *Runner) Extracted() []model.Order {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()
	return append([]model.Order(nil), r.extracted...)
}

// Failures returns the rejections of this run. Call it after Start returns.
func (r *Runner) Failures() []model.Failure {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()
	return append([]model.Failure(nil), r.failures...)
}

func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats gives fn its own copy of the event stream.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Stop cancels every stage. Start still returns once they have exited.
func (r *Runner) Stop() {
	r.cancel()
}

// Start waits for all stages and stats subscribers, then closes the
// seen-set.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("close state tracker: %w", err))
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) sourceStage() stats.Stage {
	if r.cfg.Source == config.SourceMbox {
		return stats.StageMbox
	}
	return stats.StageIMAP
}

func (r *Runner) extract(ctx context.Context) error {
	defer r.closeOrders()
	source := r.sourceStage()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			// A broken message never stops the batch.
			if envelope.Err != nil {
				r.logger.Warn("skipping unreadable message", "source", source, "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: source, Type: stats.EventTypeError, Err: envelope.Err})
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: source, Type: stats.EventTypeScanned, MessageID: msg.ID})

			key := msg.Key()
			if key == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeError, Err: ErrMessageKeyMissing})
				continue
			}

			if r.tracker.Seen(key) {
				r.logger.Debug("order already scheduled", "messageID", key)
				r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeDuplicate, MessageID: key})
				continue
			}

			res := r.engine.Process(msg)
			if !res.OK() {
				f := res.Failure
				r.resultsMu.Lock()
				r.failures = append(r.failures, f)
				r.resultsMu.Unlock()
				r.logger.Warn("order rejected", "messageID", f.MessageID, "field", f.Field, "reason", f.Reason, "raw", f.Raw)
				r.EmitEvent(stats.Event{
					Stage:     stats.StageExtract,
					Type:      stats.EventTypeRejected,
					MessageID: f.MessageID,
					Err:       f,
					Detail:    string(f.Field) + "/" + string(f.Reason),
				})
				continue
			}

			r.resultsMu.Lock()
			r.extracted = append(r.extracted, res.Order)
			r.resultsMu.Unlock()
			r.EmitEvent(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeExtracted, MessageID: res.MessageID, Detail: res.Order.String()})

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.orders <- res.Order:
			}
		}
	}
}

func (r *Runner) closeOrders() {
	r.closeOrdersOnce.Do(func() {
		close(r.orders)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
