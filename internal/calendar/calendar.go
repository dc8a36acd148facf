package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Event is one upcoming calendar entry, trimmed to what the app shows.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	MeetingLink string    `json:"meeting_link,omitempty"`
}

// Service reads upcoming events from a single Google calendar.
type Service struct {
	svc        *gcal.Service
	calendarID string
	now        func() time.Time
}

func NewService(ctx context.Context, calendarID string, opts ...option.ClientOption) (*Service, error) {
	if strings.TrimSpace(calendarID) == "" {
		calendarID = "primary"
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	return &Service{
		svc:        svc,
		calendarID: calendarID,
		now:        time.Now,
	}, nil
}

// UpcomingEvents lists events starting within the window, soonest first.
func (s *Service) UpcomingEvents(ctx context.Context, window time.Duration, max int64) ([]Event, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if max <= 0 {
		max = 20
	}

	now := s.now()
	res, err := s.svc.Events.List(s.calendarID).
		SingleEvents(true).
		ShowDeleted(false).
		OrderBy("startTime").
		TimeMin(now.Format(time.RFC3339)).
		TimeMax(now.Add(window).Format(time.RFC3339)).
		MaxResults(max).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}

	events := make([]Event, 0, len(res.Items))
	for _, item := range res.Items {
		ev, err := convertEvent(item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func convertEvent(item *gcal.Event) (Event, error) {
	ev := Event{
		ID:          item.Id,
		Title:       item.Summary,
		MeetingLink: item.HangoutLink,
	}

	var err error
	ev.Start, ev.AllDay, err = parseEventTime(item.Start)
	if err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	ev.End, _, err = parseEventTime(item.End)
	if err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", item.Id, err)
	}

	return ev, nil
}

// parseEventTime handles both timed events (DateTime) and all-day
// events, which only carry a civil date.
func parseEventTime(edt *gcal.EventDateTime) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, nil
	}
	if edt.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, edt.DateTime)
		return ts, false, err
	}
	if edt.Date != "" {
		ts, err := time.Parse("2006-01-02", edt.Date)
		return ts, true, err
	}
	return time.Time{}, false, nil
}
