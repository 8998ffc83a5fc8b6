package events

import (
	"time"

	appLog "inksync/internal/log"
	"inksync/internal/model"
	"inksync/internal/store"
)

// Engine answers date-range queries over the union of all sources.
type Engine struct {
	store *store.Events
}

// NewEngine creates a query engine reading from the given event store.
func NewEngine(s *store.Events) *Engine {
	return &Engine{store: s}
}

// Union returns the concatenation of all sources' current collections
// in source iteration order. No filtering is applied.
func (e *Engine) Union() []model.Event {
	all := make([]model.Event, 0)
	for _, src := range model.Sources {
		all = append(all, e.store.ReadAll(src)...)
	}
	return all
}

// Query returns every event whose [start, end] calendar-date range
// overlaps [from, to]: start <= to && end >= from.
//
// Events whose start or end fails to parse are logged and skipped, not
// treated as a query error. from > to is not rejected; the predicate
// then only holds for events whose range covers both bounds. Output
// order is source concatenation order; sorting is a presentation
// concern.
func (e *Engine) Query(from, to time.Time) []model.Event {
	matched := make([]model.Event, 0)

	for _, ev := range e.Union() {
		start, err := ParseDate(ev.Start)
		if err != nil {
			appLog.Warn("skipping event with unparseable start", "id", ev.ID, "start", ev.Start, "err", err)
			continue
		}
		end, err := ParseDate(ev.End)
		if err != nil {
			appLog.Warn("skipping event with unparseable end", "id", ev.ID, "end", ev.End, "err", err)
			continue
		}

		if sameOrBefore(start, to) && sameOrBefore(from, end) {
			matched = append(matched, ev)
		}
	}

	return matched
}
