package web

import (
	"net/http"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"inksync/internal/events"
	appLog "inksync/internal/log"
)

// handleCalendarFeed publishes the merged union of all sources as an
// ICS feed, so external calendar clients can subscribe to the
// aggregate. Events with unparseable dates are skipped, same as in
// queries.
func (s *Server) handleCalendarFeed(w http.ResponseWriter, _ *http.Request) {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//inksync//calendar feed//EN")
	cal.SetXWRCalName("inksync")

	now := time.Now().UTC()

	for _, ev := range s.engine.Union() {
		start, err := events.ParseDate(ev.Start)
		if err != nil {
			appLog.Warn("feed: skipping event with unparseable start", "id", ev.ID, "start", ev.Start)
			continue
		}
		end, err := events.ParseDate(ev.End)
		if err != nil {
			appLog.Warn("feed: skipping event with unparseable end", "id", ev.ID, "end", ev.End)
			continue
		}

		ve := cal.AddEvent(ev.ID)
		ve.SetSummary(ev.Name)
		ve.SetDtStampTime(now)

		if ev.AllDay || !strings.Contains(ev.Start, "T") {
			ve.SetAllDayStartAt(start)
			// DTEND is exclusive for all-day events.
			ve.SetAllDayEndAt(end.AddDate(0, 0, 1))
		} else {
			ve.SetStartAt(start)
			ve.SetEndAt(end)
		}
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(cal.Serialize()))
}
