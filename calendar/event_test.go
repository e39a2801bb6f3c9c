package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkdelights/cake-orders/model"
)

func newYorkOrder(t *testing.T, id string) model.Order {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	order, err := model.NewOrder(id, "Jane Doe", "Chocolate", time.Date(2024, 6, 5, 14, 30, 0, 0, loc))
	require.NoError(t, err)
	return order
}

func TestBuildEvent(t *testing.T) {
	order := newYorkOrder(t, "order-1@forms.example")

	ev := BuildEvent(order, Options{TimeZone: "America/New_York"})

	assert.Equal(t, "Cake Pickup for Jane Doe", ev.Summary)
	assert.Equal(t, "Cake Order: Chocolate", ev.Description)
	assert.Equal(t, "2024-06-05T14:30:00-04:00", ev.Start.DateTime)
	assert.Equal(t, "2024-06-05T15:30:00-04:00", ev.End.DateTime)
	assert.Equal(t, "America/New_York", ev.Start.TimeZone)
	assert.Equal(t, "America/New_York", ev.End.TimeZone)

	require.NotNil(t, ev.Reminders)
	assert.False(t, ev.Reminders.UseDefault)
	assert.Contains(t, ev.Reminders.ForceSendFields, "UseDefault")
	require.Len(t, ev.Reminders.Overrides, 2)
	assert.Equal(t, "popup", ev.Reminders.Overrides[0].Method)
	assert.EqualValues(t, 60, ev.Reminders.Overrides[0].Minutes)
	assert.EqualValues(t, 15, ev.Reminders.Overrides[1].Minutes)
}

func TestBuildEvent_DefaultsToOrderZone(t *testing.T) {
	ev := BuildEvent(newYorkOrder(t, "x"), Options{Duration: 30 * time.Minute, Reminders: []int64{}})

	assert.Equal(t, "America/New_York", ev.Start.TimeZone)
	assert.Equal(t, "2024-06-05T15:00:00-04:00", ev.End.DateTime)
	assert.Empty(t, ev.Reminders.Overrides)
}

func TestEventID(t *testing.T) {
	a := EventID(newYorkOrder(t, "order-1@forms.example"))
	b := EventID(newYorkOrder(t, "order-1@forms.example"))
	c := EventID(newYorkOrder(t, "order-2@forms.example"))

	assert.Equal(t, a, b, "same message must map to the same event id")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
	assert.Regexp(t, `^[0-9a-v]+$`, a, "event ids must use base32hex characters")
}
