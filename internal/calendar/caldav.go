package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/httpkit"
	"github.com/nugget/steward/internal/users"
)

const (
	upcomingLimit  = 20
	upcomingWindow = 90 * 24 * time.Hour
	productID      = "-//Steward//Assistant//EN"
)

// EventRequest describes an event to create.
type EventRequest struct {
	Title     string
	Start     time.Time
	End       time.Time
	Attendees []string
}

// Event is a calendar event as read back from the server.
type Event struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start_time"`
	End       time.Time `json:"end_time"`
	Attendees []string  `json:"attendees,omitempty"`
}

// HasAttendee reports whether addr is among the attendees, ignoring case.
func (e Event) HasAttendee(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	return slices.ContainsFunc(e.Attendees, func(a string) bool { return strings.ToLower(a) == addr })
}

// Credentials looks up a user's provider credential.
type Credentials interface {
	Credential(userID, provider string) (*users.Credential, error)
}

// objectClient is the subset of caldav.Client the provider uses.
type objectClient interface {
	QueryCalendar(ctx context.Context, path string, q *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
}

// Provider reads and writes each user's primary CalDAV calendar.
type Provider struct {
	cfg    config.CalendarConfig
	creds  Credentials
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	// dial connects as a user and returns the calendar collection path.
	dial func(ctx context.Context, userID string) (objectClient, string, error)

	mu    sync.Mutex
	paths map[string]string // user ID → calendar path
}

// NewProvider creates a CalDAV calendar provider.
func NewProvider(cfg config.CalendarConfig, creds Credentials, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("calendar timezone %q: %w", cfg.Timezone, err)
	}
	p := &Provider{
		cfg:    cfg,
		creds:  creds,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("component", "calendar"),
		paths:  make(map[string]string),
	}
	p.dial = p.dialCalDAV
	return p, nil
}

func (p *Provider) httpClient(userID string) (webdav.HTTPClient, error) {
	if p.cfg.Auth == "basic" {
		cred, err := p.creds.Credential(userID, users.ProviderGoogle)
		if err != nil {
			return nil, err
		}
		return webdav.HTTPClientWithBasicAuth(httpkit.NewClient(), cred.Account, cred.AccessToken), nil
	}
	// Fail fast rather than on the first request.
	if _, err := p.creds.Credential(userID, users.ProviderGoogle); err != nil {
		return nil, err
	}
	return httpkit.NewClient(httpkit.WithBearerToken(func() (string, error) {
		cred, err := p.creds.Credential(userID, users.ProviderGoogle)
		if err != nil {
			return "", err
		}
		return cred.AccessToken, nil
	})), nil
}

func (p *Provider) dialCalDAV(ctx context.Context, userID string) (objectClient, string, error) {
	if !p.cfg.Configured() {
		return nil, "", fmt.Errorf("calendar is not configured")
	}
	hc, err := p.httpClient(userID)
	if err != nil {
		return nil, "", err
	}
	client, err := caldav.NewClient(hc, p.cfg.URL)
	if err != nil {
		return nil, "", fmt.Errorf("caldav client: %w", err)
	}

	p.mu.Lock()
	path, ok := p.paths[userID]
	p.mu.Unlock()
	if ok {
		return client, path, nil
	}

	path, err = discoverCalendar(ctx, client)
	if err != nil {
		return nil, "", err
	}
	p.mu.Lock()
	p.paths[userID] = path
	p.mu.Unlock()
	return client, path, nil
}

// discoverCalendar walks principal → home set → first VEVENT calendar.
func discoverCalendar(ctx context.Context, client *caldav.Client) (string, error) {
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	home, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home: %w", err)
	}
	cals, err := client.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}
	for _, c := range cals {
		if len(c.SupportedComponentSet) == 0 || slices.Contains(c.SupportedComponentSet, ical.CompEvent) {
			return c.Path, nil
		}
	}
	return "", fmt.Errorf("no event calendar under %s", home)
}

// CreateEvent books an event and invites the attendees.
func (p *Provider) CreateEvent(ctx context.Context, userID string, req EventRequest) (*Event, error) {
	if !req.End.After(req.Start) {
		return nil, fmt.Errorf("event end %s is not after start %s", req.End.Format(time.RFC3339), req.Start.Format(time.RFC3339))
	}
	client, path, err := p.dial(ctx, userID)
	if err != nil {
		return nil, err
	}

	uid := uuid.NewString()
	cal := encodeEvent(uid, req, p.now())
	objPath := strings.TrimSuffix(path, "/") + "/" + uid + ".ics"
	if _, err := client.PutCalendarObject(ctx, objPath, cal); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	p.logger.Info("event created", "user_id", userID, "uid", uid, "title", req.Title, "attendees", len(req.Attendees))
	return &Event{ID: uid, Title: req.Title, Start: req.Start, End: req.End, Attendees: req.Attendees}, nil
}

// Events lists events overlapping [start, end), earliest first.
func (p *Provider) Events(ctx context.Context, userID string, start, end time.Time) ([]Event, error) {
	client, path, err := p.dial(ctx, userID)
	if err != nil {
		return nil, err
	}
	objs, err := client.QueryCalendar(ctx, path, &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: start, End: end}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var out []Event
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			e, err := decodeEvent(ev, p.loc)
			if err != nil {
				p.logger.Debug("skipping undecodable event", "path", obj.Path, "error", err)
				continue
			}
			if !e.End.After(start) || !e.Start.Before(end) {
				continue
			}
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b Event) int { return a.Start.Compare(b.Start) })
	return out, nil
}

// FreeTimes returns free one-hour slot starts within dateRange.
func (p *Provider) FreeTimes(ctx context.Context, userID, dateRange string) ([]time.Time, error) {
	start, end, err := ParseRange(dateRange, p.now().In(p.loc), p.cfg.DayStart, p.cfg.DayEnd)
	if err != nil {
		return nil, err
	}
	events, err := p.Events(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	busy := make([]Interval, 0, len(events))
	for _, e := range events {
		busy = append(busy, Interval{Start: e.Start, End: e.End})
	}
	now := p.now()
	slots := FreeSlots(start, end, busy, SlotLength)
	out := slots[:0]
	for _, s := range slots {
		if !s.Before(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Upcoming returns the next upcomingLimit events, filtered to those
// with contactEmail as an attendee when it is set.
func (p *Provider) Upcoming(ctx context.Context, userID, contactEmail string) ([]Event, error) {
	now := p.now()
	events, err := p.Events(ctx, userID, now, now.Add(upcomingWindow))
	if err != nil {
		return nil, err
	}
	if len(events) > upcomingLimit {
		events = events[:upcomingLimit]
	}
	if contactEmail == "" {
		return events, nil
	}
	out := []Event{}
	for _, e := range events {
		if e.HasAttendee(contactEmail) {
			out = append(out, e)
		}
	}
	return out, nil
}

func encodeEvent(uid string, req EventRequest, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetText(ical.PropSummary, req.Title)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ev.Props.SetDateTime(ical.PropDateTimeStart, req.Start.UTC())
	ev.Props.SetDateTime(ical.PropDateTimeEnd, req.End.UTC())
	for _, a := range req.Attendees {
		prop := ical.NewProp(ical.PropAttendee)
		prop.Value = "mailto:" + strings.TrimSpace(a)
		ev.Props.Add(prop)
	}
	cal.Children = append(cal.Children, ev.Component)
	return cal
}

func decodeEvent(ev ical.Event, loc *time.Location) (Event, error) {
	start, err := ev.DateTimeStart(loc)
	if err != nil {
		return Event{}, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil || end.IsZero() {
		end = start.Add(SlotLength)
	}
	e := Event{Start: start, End: end}
	if p := ev.Props.Get(ical.PropUID); p != nil {
		e.ID = p.Value
	}
	if p := ev.Props.Get(ical.PropSummary); p != nil {
		e.Title = p.Value
	}
	for _, a := range ev.Props.Values(ical.PropAttendee) {
		addr := a.Value
		if len(addr) > 7 && strings.EqualFold(addr[:7], "mailto:") {
			addr = addr[7:]
		}
		e.Attendees = append(e.Attendees, addr)
	}
	return e, nil
}
