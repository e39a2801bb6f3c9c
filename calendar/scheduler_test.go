package calendar

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	gcal "google.golang.org/api/calendar/v3"
)

func TestScheduler_Schedule(t *testing.T) {
	order := newYorkOrder(t, "order-1@forms.example")
	ins := newMockInserter(t)
	ins.On("Insert", mock.Anything, "bakery", mock.MatchedBy(func(ev *gcal.Event) bool {
		return ev.Id == EventID(order) && ev.Summary == "Cake Pickup for Jane Doe"
	})).Return(&gcal.Event{Id: EventID(order)}, nil).Once()

	s, err := NewScheduler(ins, Options{CalendarID: "bakery", TimeZone: "America/New_York"}, nil)
	require.NoError(t, err)

	outcome, id, err := s.Schedule(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScheduled, outcome)
	assert.Equal(t, EventID(order), id)
}

func TestScheduler_AlreadyScheduled(t *testing.T) {
	order := newYorkOrder(t, "order-1@forms.example")
	ins := newMockInserter(t)
	ins.On("Insert", mock.Anything, "primary", mock.Anything).Return(nil, ErrAlreadyScheduled).Once()

	s, err := NewScheduler(ins, Options{}, nil)
	require.NoError(t, err)

	outcome, id, err := s.Schedule(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyScheduled, outcome)
	assert.Equal(t, EventID(order), id)
}

func TestScheduler_InsertFailure(t *testing.T) {
	ins := newMockInserter(t)
	ins.On("Insert", mock.Anything, "primary", mock.Anything).Return(nil, errors.New("quota exceeded")).Once()

	s, err := NewScheduler(ins, Options{}, nil)
	require.NoError(t, err)

	_, _, err = s.Schedule(context.Background(), newYorkOrder(t, "order-1@forms.example"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestScheduler_DryRun(t *testing.T) {
	ins := newMockInserter(t)

	s, err := NewScheduler(ins, Options{DryRun: true}, nil)
	require.NoError(t, err)

	outcome, id, err := s.Schedule(context.Background(), newYorkOrder(t, "order-1@forms.example"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, outcome)
	assert.NotEmpty(t, id)
	ins.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
}

func TestNewScheduler_RequiresInserter(t *testing.T) {
	_, err := NewScheduler(nil, Options{}, nil)
	assert.Error(t, err)

	_, err = NewScheduler(nil, Options{DryRun: true}, nil)
	assert.NoError(t, err)
}
