package provider

import (
	"context"
	"net/url"

	"inksync/internal/auth"
	"inksync/internal/events"
	appLog "inksync/internal/log"
	"inksync/internal/model"
	"inksync/internal/store"
)

// Google pulls events from the Google Calendar v3 listing endpoint.
type Google struct {
	deps
	eventsURL string
}

// NewGoogle creates the Google adapter. eventsURL is the calendar
// listing endpoint (overridable for tests).
func NewGoogle(eventsURL string, am *auth.Manager, ev *store.Events, proj *events.Projector) *Google {
	return &Google{
		deps:      deps{auth: am, events: ev, projector: proj},
		eventsURL: eventsURL,
	}
}

func (g *Google) Source() model.Source {
	return model.SourceGoogle
}

// googleTime is Google's {dateTime|date} time field shape.
type googleTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

func (t googleTime) value() (s string, allDay bool) {
	if t.DateTime != "" {
		return t.DateTime, false
	}
	return t.Date, t.Date != ""
}

type googleEvent struct {
	ID      string     `json:"id"`
	Summary string     `json:"summary"`
	Start   googleTime `json:"start"`
	End     googleTime `json:"end"`
	// Location is accepted but deliberately never persisted.
	Location string `json:"location"`
}

type googleEventsPage struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// FetchAndStore pulls every page of the calendar listing, normalizes
// the events and replaces the google collection. Events without a
// usable start are stored anyway; the query engine filters them.
func (g *Google) FetchAndStore(ctx context.Context) (int, error) {
	tok, cfg, err := g.auth.Client(ctx, model.SourceGoogle)
	if err != nil {
		return 0, err
	}
	client := cfg.Client(ctx, tok)

	collected := make([]model.Event, 0)
	pageToken := ""

	for {
		u, err := url.Parse(g.eventsURL)
		if err != nil {
			return 0, err
		}
		q := u.Query()
		q.Set("singleEvents", "true")
		q.Set("maxResults", "250")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		u.RawQuery = q.Encode()

		var page googleEventsPage
		if err := fetchJSON(ctx, client, u.String(), &page); err != nil {
			appLog.Error("google fetch failed, keeping previous snapshot", err, "url", redactURL(g.eventsURL))
			return 0, err
		}

		for _, item := range page.Items {
			collected = append(collected, normalizeGoogle(item))
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return g.finish(model.SourceGoogle, collected)
}

func normalizeGoogle(item googleEvent) model.Event {
	start, startAllDay := item.Start.value()
	end, _ := item.End.value()

	ev := model.Event{
		ID:     eventID(model.SourceGoogle, item.ID, item.Summary, start, end),
		Name:   item.Summary,
		Start:  start,
		End:    end,
		AllDay: startAllDay,
	}
	ev.Normalize()
	return ev
}
