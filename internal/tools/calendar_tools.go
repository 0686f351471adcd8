package tools

import (
	"context"

	"github.com/nugget/steward/internal/calendar"
)

func createEventTool(c Calendar) Handler {
	return &tool{
		schema: Schema{
			Name:        CreateEvent,
			Description: "Create a calendar event and invite the attendees. Only book a meeting after the attendee has confirmed the time.",
			Parameters: object([]string{"title", "start_time", "end_time"}, map[string]any{
				"title":      str("Event title"),
				"start_time": str("Start, ISO 8601 (e.g. 2026-03-04T14:00:00-06:00)"),
				"end_time":   str("End, ISO 8601"),
				"attendees":  strArray("Attendee email addresses"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			title, err := requireString(args, "title")
			if err != nil {
				return Result{}, err
			}
			start, err := timeArg(args, "start_time")
			if err != nil {
				return Result{}, err
			}
			end, err := timeArg(args, "end_time")
			if err != nil {
				return Result{}, err
			}
			if !end.After(start) {
				return Result{}, badArg("end_time must be after start_time")
			}
			ev, err := c.CreateEvent(ctx, userID, calendar.EventRequest{
				Title:     title,
				Start:     start,
				End:       end,
				Attendees: stringsArg(args, "attendees"),
			})
			if err != nil {
				return Result{}, err
			}
			return Result{Data: ev}, nil
		},
	}
}

func findFreeTimesTool(c Calendar) Handler {
	return &tool{
		schema: Schema{
			Name:        FindFreeTimes,
			Description: "Find free one-hour slots on the advisor's calendar during business hours.",
			Parameters: object(nil, map[string]any{
				"date_range": str("\"today\", \"next week\", or a date as YYYY-MM-DD (default today)"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			dateRange := stringArg(args, "date_range")
			slots, err := c.FreeTimes(ctx, userID, dateRange)
			if err != nil {
				return Result{}, err
			}
			if dateRange == "" {
				dateRange = "today"
			}
			return Result{Data: map[string]any{
				"date_range":      dateRange,
				"available_times": formatTimes(slots),
			}}, nil
		},
	}
}

func upcomingMeetingsTool(c Calendar) Handler {
	return &tool{
		schema: Schema{
			Name:        GetUpcomingMeetings,
			Description: "List upcoming meetings, optionally only those with a given contact.",
			Parameters: object(nil, map[string]any{
				"contact_email": str("Only meetings this address is invited to"),
			}),
		},
		run: func(ctx context.Context, userID string, args map[string]any) (Result, error) {
			events, err := c.Upcoming(ctx, userID, stringArg(args, "contact_email"))
			if err != nil {
				return Result{}, err
			}
			if events == nil {
				events = []calendar.Event{}
			}
			return Result{Data: map[string]any{
				"count":    len(events),
				"meetings": events,
			}}, nil
		},
	}
}
