package calendar

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/hawkdelights/cake-orders/config"
	"github.com/hawkdelights/cake-orders/engine"
	"github.com/hawkdelights/cake-orders/model"
	"github.com/hawkdelights/cake-orders/runner"
	"github.com/hawkdelights/cake-orders/state"
	"github.com/hawkdelights/cake-orders/stats"
)

func orderMail(pickup, name, cake string) []byte {
	return []byte("Subject: Hawk Delights LLC CAKE ORDER FORM Completed\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" +
		"Pick Up Date/Time " + pickup + "\r\n" +
		"Customer Name " + name + "\r\n" +
		"Cake Type " + cake + "\r\n")
}

func TestStage_Pipeline(t *testing.T) {
	eng, err := engine.New(engine.Options{})
	require.NoError(t, err)

	cfg := config.Config{Source: config.SourceMbox, StateBackend: state.BackendMemory, StateDir: t.TempDir()}
	r, err := runner.New(cfg, eng, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	reporter := stats.NewReporter(r, nil)

	require.NoError(t, r.Tracker().MarkSeen("seen@forms.example", "evt-old"))

	ins := newMockInserter(t)
	ins.On("Insert", mock.Anything, "primary", mock.MatchedBy(func(ev *gcal.Event) bool {
		return ev.Summary == "Cake Pickup for Jane Doe"
	})).Return(&gcal.Event{Id: "evt-jane"}, nil).Once()
	ins.On("Insert", mock.Anything, "primary", mock.MatchedBy(func(ev *gcal.Event) bool {
		return ev.Summary == "Cake Pickup for Sam Lee"
	})).Return(nil, errors.New("backend error")).Once()

	sched, err := NewScheduler(ins, Options{TimeZone: "America/New_York"}, nil)
	require.NoError(t, err)
	NewStage(sched, r, nil)

	go func() {
		w := r.MailboxWriter()
		w <- model.Envelope{Message: model.Message{ID: "jane@forms.example", Raw: orderMail("Wed Jun 5, 2024 @ 2:30 PM", "Jane Doe", "Chocolate")}}
		w <- model.Envelope{Message: model.Message{ID: "tbd@forms.example", Raw: orderMail("TBD", "Ann", "Lemon")}}
		w <- model.Envelope{Err: errors.New("truncated message")}
		w <- model.Envelope{Message: model.Message{ID: "seen@forms.example", Raw: orderMail("Wed Jun 5, 2024 @ 2:30 PM", "Old", "Carrot")}}
		w <- model.Envelope{Message: model.Message{ID: "sam@forms.example", Raw: orderMail("Fri Jun 7, 2024 11:00 AM", "Sam Lee", "Vanilla")}}
		r.CloseMailbox()
	}()

	require.NoError(t, r.Start())

	summary := reporter.Summary()
	assert.Equal(t, 4, summary.Scanned)
	assert.Equal(t, 2, summary.Extracted)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 1, summary.Scheduled)
	assert.Equal(t, 2, summary.Errors, "unreadable message and failed insert")
	assert.Equal(t, "2 orders found, 1 rejected", summary.Headline())

	tracker := r.Tracker()
	assert.True(t, tracker.Seen("jane@forms.example"))
	assert.False(t, tracker.Seen("sam@forms.example"), "failed insert must be retried next run")
	assert.False(t, tracker.Seen("tbd@forms.example"), "rejected message must be retried next run")

	failures := r.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, model.FieldPickup, failures[0].Field)
	assert.Equal(t, model.ReasonDateFormatMismatch, failures[0].Reason)
	assert.Equal(t, "TBD", failures[0].Raw)
	assert.Len(t, r.Extracted(), 2)
}

func TestStage_DryRunDoesNotPersist(t *testing.T) {
	eng, err := engine.New(engine.Options{})
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.Config{Source: config.SourceMbox, StateBackend: state.BackendJSONL, StateDir: dir, DryRun: true}
	r, err := runner.New(cfg, eng, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	reporter := stats.NewReporter(r, nil)

	sched, err := NewScheduler(nil, Options{DryRun: true}, nil)
	require.NoError(t, err)
	NewStage(sched, r, nil)

	go func() {
		r.MailboxWriter() <- model.Envelope{Message: model.Message{ID: "jane@forms.example", Raw: orderMail("Wed Jun 5, 2024 @ 2:30 PM", "Jane Doe", "Chocolate")}}
		r.CloseMailbox()
	}()
	require.NoError(t, r.Start())
	assert.Equal(t, 1, reporter.Summary().DryRunScheduled)

	reopened, err := state.NewFileTracker(dir, false)
	require.NoError(t, err)
	assert.False(t, reopened.Seen("jane@forms.example"))
}
