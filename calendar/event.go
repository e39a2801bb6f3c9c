// Package calendar turns validated orders into Google Calendar pickup events.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/hawkdelights/cake-orders/model"
)

const (
	DefaultDuration = time.Hour
	ReminderMethod  = "popup"
)

// DefaultReminders are minutes before pickup.
var DefaultReminders = []int64{60, 15}

// eventNamespace scopes name-based event ids to this tool.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://hawkdelights.example/cake-orders"))

type Options struct {
	CalendarID string
	// TimeZone is the IANA name written next to start and end.
	TimeZone  string
	Duration  time.Duration
	Reminders []int64
	DryRun    bool
}

func (o Options) withDefaults() Options {
	if o.CalendarID == "" {
		o.CalendarID = "primary"
	}
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	if o.Reminders == nil {
		o.Reminders = DefaultReminders
	}
	return o
}

// EventID derives the calendar event id from the order's message id, so
// inserting the same order twice conflicts instead of duplicating.
func EventID(order model.Order) string {
	id := uuid.NewSHA1(eventNamespace, []byte(order.MessageID()))
	return strings.ReplaceAll(id.String(), "-", "")
}

// BuildEvent returns the pickup event for order.
func BuildEvent(order model.Order, opts Options) *gcal.Event {
	opts = opts.withDefaults()

	tz := opts.TimeZone
	if tz == "" {
		tz = order.PickupAt().Location().String()
	}

	start := order.PickupAt()
	end := start.Add(opts.Duration)

	overrides := make([]*gcal.EventReminder, 0, len(opts.Reminders))
	for _, minutes := range opts.Reminders {
		overrides = append(overrides, &gcal.EventReminder{Method: ReminderMethod, Minutes: minutes})
	}

	return &gcal.Event{
		Id:          EventID(order),
		Summary:     fmt.Sprintf("Cake Pickup for %s", order.CustomerName()),
		Description: fmt.Sprintf("Cake Order: %s", order.CakeType()),
		Start: &gcal.EventDateTime{
			DateTime: start.Format(time.RFC3339),
			TimeZone: tz,
		},
		End: &gcal.EventDateTime{
			DateTime: end.Format(time.RFC3339),
			TimeZone: tz,
		},
		Reminders: &gcal.EventReminders{
			UseDefault:      false,
			Overrides:       overrides,
			ForceSendFields: []string{"UseDefault"},
		},
	}
}
