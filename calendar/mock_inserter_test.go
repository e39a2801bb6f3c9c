package calendar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	gcal "google.golang.org/api/calendar/v3"
)

type mockInserter struct {
	mock.Mock
}

func newMockInserter(t *testing.T) *mockInserter {
	m := &mockInserter{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *mockInserter) Insert(ctx context.Context, calendarID string, event *gcal.Event) (*gcal.Event, error) {
	args := m.Called(ctx, calendarID, event)
	var created *gcal.Event
	if v := args.Get(0); v != nil {
		created = v.(*gcal.Event)
	}
	return created, args.Error(1)
}
