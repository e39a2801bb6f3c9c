package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrAlreadyScheduled is returned when the event id already exists.
var ErrAlreadyScheduled = errors.New("event already scheduled")

// Inserter creates one event in a calendar.
type Inserter interface {
	Insert(ctx context.Context, calendarID string, event *gcal.Event) (*gcal.Event, error)
}

type GoogleInserter struct {
	svc *gcal.Service
}

// NewGoogleInserter builds the Calendar API client. Extra options, such as
// option.WithEndpoint, are passed through.
func NewGoogleInserter(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*GoogleInserter, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	return &GoogleInserter{svc: svc}, nil
}

func (g *GoogleInserter) Insert(ctx context.Context, calendarID string, event *gcal.Event) (*gcal.Event, error) {
	created, err := g.svc.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyScheduled, event.Id)
		}
		return nil, fmt.Errorf("insert event %s: %w", event.Id, err)
	}
	return created, nil
}
