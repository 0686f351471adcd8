package calendar

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/nugget/steward/internal/config"
)

type fakeCalDAV struct {
	objects map[string]*ical.Calendar
	err     error
}

func (f *fakeCalDAV) QueryCalendar(_ context.Context, _ string, _ *caldav.CalendarQuery) ([]caldav.CalendarObject, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []caldav.CalendarObject
	for path, cal := range f.objects {
		out = append(out, caldav.CalendarObject{Path: path, Data: cal})
	}
	return out, nil
}

func (f *fakeCalDAV) PutCalendarObject(_ context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.objects[path] = cal
	return &caldav.CalendarObject{Path: path, Data: cal}, nil
}

func newTestProvider(t *testing.T, now time.Time) (*Provider, *fakeCalDAV) {
	t.Helper()
	p, err := NewProvider(config.CalendarConfig{
		URL:      "https://dav.example.com/",
		Timezone: "America/Chicago",
		DayStart: 9,
		DayEnd:   17,
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	fake := &fakeCalDAV{objects: make(map[string]*ical.Calendar)}
	p.now = func() time.Time { return now }
	p.dial = func(context.Context, string) (objectClient, string, error) {
		return fake, "/calendars/alice/default/", nil
	}
	return p, fake
}

func addEvent(fake *fakeCalDAV, uid, title string, start, end time.Time, attendees ...string) {
	fake.objects["/calendars/alice/default/"+uid+".ics"] = encodeEvent(uid, EventRequest{
		Title: title, Start: start, End: end, Attendees: attendees,
	}, start)
}

func TestNewProvider_BadTimezone(t *testing.T) {
	if _, err := NewProvider(config.CalendarConfig{Timezone: "Mars/Olympus"}, nil, nil); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestCreateEvent(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	p, fake := newTestProvider(t, now)

	start := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	ev, err := p.CreateEvent(context.Background(), "u1", EventRequest{
		Title:     "Intro call",
		Start:     start,
		End:       start.Add(time.Hour),
		Attendees: []string{"bob@example.com"},
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if ev.ID == "" || ev.Title != "Intro call" {
		t.Errorf("event = %+v", ev)
	}

	cal, ok := fake.objects["/calendars/alice/default/"+ev.ID+".ics"]
	if !ok {
		t.Fatalf("object not stored; have %v", fake.objects)
	}
	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	got, err := decodeEvent(events[0], time.UTC)
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if !got.Start.Equal(start) || !got.End.Equal(start.Add(time.Hour)) {
		t.Errorf("times = %v..%v", got.Start, got.End)
	}
	if !got.HasAttendee("BOB@example.com") {
		t.Errorf("attendees = %v", got.Attendees)
	}
}

func TestCreateEvent_EndBeforeStart(t *testing.T) {
	p, fake := newTestProvider(t, time.Now())
	start := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	if _, err := p.CreateEvent(context.Background(), "u1", EventRequest{Title: "x", Start: start, End: start}); err == nil {
		t.Fatal("expected error")
	}
	if len(fake.objects) != 0 {
		t.Error("nothing should be written")
	}
}

func TestCreateEvent_ServerError(t *testing.T) {
	p, fake := newTestProvider(t, time.Now())
	fake.err = errors.New("507 insufficient storage")
	start := time.Now().Add(time.Hour)
	_, err := p.CreateEvent(context.Background(), "u1", EventRequest{Title: "x", Start: start, End: start.Add(time.Hour)})
	if err == nil || !strings.Contains(err.Error(), "507") {
		t.Fatalf("err = %v", err)
	}
}

func TestFreeTimes(t *testing.T) {
	loc, _ := time.LoadLocation("America/Chicago")
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, loc)
	p, fake := newTestProvider(t, now)

	// Busy 10:00-11:30 on March 4th.
	addEvent(fake, "busy", "Standup",
		time.Date(2026, 3, 4, 10, 0, 0, 0, loc),
		time.Date(2026, 3, 4, 11, 30, 0, 0, loc))

	slots, err := p.FreeTimes(context.Background(), "u1", "2026-03-04")
	if err != nil {
		t.Fatalf("FreeTimes: %v", err)
	}
	var hours []int
	for _, s := range slots {
		hours = append(hours, s.In(loc).Hour())
	}
	want := []int{9, 12, 13, 14, 15, 16}
	if len(hours) != len(want) {
		t.Fatalf("hours = %v, want %v", hours, want)
	}
	for i := range want {
		if hours[i] != want[i] {
			t.Fatalf("hours = %v, want %v", hours, want)
		}
	}
}

func TestFreeTimes_SkipsPast(t *testing.T) {
	loc, _ := time.LoadLocation("America/Chicago")
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, loc)
	p, _ := newTestProvider(t, now)

	slots, err := p.FreeTimes(context.Background(), "u1", "today")
	if err != nil {
		t.Fatalf("FreeTimes: %v", err)
	}
	for _, s := range slots {
		if s.Before(now) {
			t.Errorf("slot %v is in the past", s)
		}
	}
	if len(slots) != 2 {
		t.Errorf("slots = %v, want 15:00 and 16:00", slots)
	}
}

func TestFreeTimes_InvalidRange(t *testing.T) {
	p, _ := newTestProvider(t, time.Now())
	_, err := p.FreeTimes(context.Background(), "u1", "sometime soon")
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("err = %v, want ErrInvalidRange", err)
	}
}

func TestUpcoming(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	p, fake := newTestProvider(t, now)

	addEvent(fake, "past", "Old", now.Add(-48*time.Hour), now.Add(-47*time.Hour), "bob@example.com")
	addEvent(fake, "b", "Later", now.Add(72*time.Hour), now.Add(73*time.Hour), "bob@example.com")
	addEvent(fake, "a", "Sooner", now.Add(24*time.Hour), now.Add(25*time.Hour), "Bob@Example.com", "carol@example.com")
	addEvent(fake, "c", "Other", now.Add(30*time.Hour), now.Add(31*time.Hour), "carol@example.com")

	all, err := p.Upcoming(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if len(all) != 3 || all[0].Title != "Sooner" || all[2].Title != "Later" {
		t.Fatalf("all = %+v", all)
	}

	bob, err := p.Upcoming(context.Background(), "u1", "bob@example.com")
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if len(bob) != 2 || bob[0].ID != "a" || bob[1].ID != "b" {
		t.Fatalf("bob = %+v", bob)
	}

	none, err := p.Upcoming(context.Background(), "u1", "dave@example.com")
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("none = %#v, want empty non-nil", none)
	}
}
