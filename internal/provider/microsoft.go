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

// Microsoft pulls events from the Microsoft Graph /me/events listing.
type Microsoft struct {
	deps
	eventsURL string
}

// NewMicrosoft creates the Microsoft adapter. eventsURL is the Graph
// listing endpoint (overridable for tests).
func NewMicrosoft(eventsURL string, am *auth.Manager, ev *store.Events, proj *events.Projector) *Microsoft {
	return &Microsoft{
		deps:      deps{auth: am, events: ev, projector: proj},
		eventsURL: eventsURL,
	}
}

func (m *Microsoft) Source() model.Source {
	return model.SourceMicrosoft
}

// graphTime is Graph's {dateTime, timeZone} time field shape. All-day
// is a separate event-level flag.
type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID       string    `json:"id"`
	Subject  string    `json:"subject"`
	IsAllDay bool      `json:"isAllDay"`
	Start    graphTime `json:"start"`
	End      graphTime `json:"end"`
	// Location is accepted but deliberately never persisted.
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
}

type graphEventsPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// FetchAndStore follows every @odata.nextLink until the listing is
// exhausted, then replaces the microsoft collection with the result.
func (m *Microsoft) FetchAndStore(ctx context.Context) (int, error) {
	tok, cfg, err := m.auth.Client(ctx, model.SourceMicrosoft)
	if err != nil {
		return 0, err
	}
	client := cfg.Client(ctx, tok)

	u, err := url.Parse(m.eventsURL)
	if err != nil {
		return 0, err
	}
	q := u.Query()
	q.Set("$top", "50")
	u.RawQuery = q.Encode()
	next := u.String()

	collected := make([]model.Event, 0)

	for next != "" {
		var page graphEventsPage
		if err := fetchJSON(ctx, client, next, &page); err != nil {
			appLog.Error("microsoft fetch failed, keeping previous snapshot", err, "url", redactURL(m.eventsURL))
			return 0, err
		}

		for _, item := range page.Value {
			collected = append(collected, normalizeGraph(item))
		}

		next = page.NextLink
	}

	return m.finish(model.SourceMicrosoft, collected)
}

func normalizeGraph(item graphEvent) model.Event {
	ev := model.Event{
		ID:     eventID(model.SourceMicrosoft, item.ID, item.Subject, item.Start.DateTime, item.End.DateTime),
		Name:   item.Subject,
		Start:  item.Start.DateTime,
		End:    item.End.DateTime,
		AllDay: item.IsAllDay,
	}
	ev.Normalize()
	return ev
}
