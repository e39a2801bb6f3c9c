package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkdelights/cake-orders/config"
	"github.com/hawkdelights/cake-orders/engine"
	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/state"
	"github.com/hawkdelights/cake-orders/stats"
)

const orderBody = "Pick Up Date/Time Wed Jun 5, 2024 @ 2:30 PM\nCustomer Name Jane Doe\nCake Type Chocolate\n"

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	eng, err := engine.New(engine.Options{})
	require.NoError(t, err)

	cfg := config.Config{Source: config.SourceIMAP, StateBackend: state.BackendMemory, StateDir: t.TempDir()}
	r, err := New(cfg, eng, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r
}

type eventLog struct {
	mu     sync.Mutex
	events []stats.Event
}

func (l *eventLog) consume(ctx context.Context, events <-chan stats.Event) error {
	for evt := range events {
		l.mu.Lock()
		l.events = append(l.events, evt)
		l.mu.Unlock()
	}
	return nil
}

func (l *eventLog) count(typ stats.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func drainOrders(r *Runner, into *[]model.Order) {
	r.AddStage("drain", func(ctx context.Context) error {
		for o := range r.Orders() {
			*into = append(*into, o)
		}
		return nil
	})
}

func TestRunner_ExtractStage(t *testing.T) {
	r := newTestRunner(t)
	first, second := &eventLog{}, &eventLog{}
	r.SubscribeStats("first", first.consume)
	r.SubscribeStats("second", second.consume)

	require.NoError(t, r.Tracker().MarkSeen("old@forms.example", "evt"))

	var orders []model.Order
	drainOrders(r, &orders)

	go func() {
		w := r.MailboxWriter()
		w <- model.Envelope{Message: model.Message{ID: "a@forms.example", ContentType: "text/plain", Raw: []byte(orderBody)}}
		w <- model.Envelope{Message: model.Message{ID: "b@forms.example", ContentType: "text/plain", Raw: []byte("Customer Name Bob\nCake Type Lemon\n")}}
		w <- model.Envelope{Message: model.Message{ID: "old@forms.example", ContentType: "text/plain", Raw: []byte(orderBody)}}
		w <- model.Envelope{Err: errors.New("fetch failed for one message")}
		w <- model.Envelope{Message: model.Message{ContentType: "text/plain", Raw: []byte(orderBody)}}
		r.CloseMailbox()
	}()

	require.NoError(t, r.Start())

	require.Len(t, orders, 1)
	assert.Equal(t, "a@forms.example", orders[0].MessageID())
	assert.Equal(t, "Jane Doe", orders[0].CustomerName())

	failures := r.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, model.FieldPickup, failures[0].Field)
	assert.Equal(t, model.ReasonFieldAbsent, failures[0].Reason)
	assert.Len(t, r.Extracted(), 1)

	for _, l := range []*eventLog{first, second} {
		assert.Equal(t, 4, l.count(stats.EventTypeScanned), "every subscriber sees every event")
		assert.Equal(t, 1, l.count(stats.EventTypeExtracted))
		assert.Equal(t, 1, l.count(stats.EventTypeRejected))
		assert.Equal(t, 1, l.count(stats.EventTypeDuplicate))
		assert.Equal(t, 2, l.count(stats.EventTypeError), "unreadable envelope and message without id or hash")
	}
}

func TestRunner_StageFailure(t *testing.T) {
	r := newTestRunner(t)
	boom := errors.New("boom")

	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseMailbox()
		return boom
	})

	err := r.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRunner_Stop(t *testing.T) {
	r := newTestRunner(t)

	r.AddStage("source", func(ctx context.Context) error {
		defer r.CloseMailbox()
		<-ctx.Done()
		return ctx.Err()
	})
	r.Stop()

	assert.NoError(t, r.Start())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(config.Config{StateBackend: state.BackendMemory}, nil, nil)
	assert.Error(t, err)

	eng, err := engine.New(engine.Options{})
	require.NoError(t, err)
	_, err = New(config.Config{StateBackend: "redis", StateDir: t.TempDir()}, eng, nil)
	assert.Error(t, err)
}
