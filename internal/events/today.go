package events

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	appLog "inksync/internal/log"
	"inksync/internal/model"
	"inksync/internal/store"
)

// Projector materializes the derived "today" state: one {time, label}
// entry per event whose calendar-date range contains the current date.
//
// The projection is a pure function of the three event collections; it
// is fully recomputed on every mutation (internal save/delete, provider
// sync, logout), never patched incrementally. Recomputation is
// idempotent, so interleaved mutations from different sources converge
// once both have triggered it.
type Projector struct {
	engine *Engine
	path   string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
}

// NewProjector creates a projector that persists the state to path.
func NewProjector(engine *Engine, path string) *Projector {
	return &Projector{
		engine: engine,
		path:   path,
		Now:    time.Now,
	}
}

// Recompute rebuilds the projection from the raw union of all sources
// (no date-range filter beyond "contains today") and atomically
// replaces the persisted state file.
//
// Entries keep source iteration order, not chronological order; the
// device UI groups entries itself.
func (p *Projector) Recompute() (model.TodayState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	today := p.Now()
	state := model.TodayState{Events: []model.TodayEntry{}}

	for _, ev := range p.engine.Union() {
		start, err := ParseDate(ev.Start)
		if err != nil {
			appLog.Warn("skipping event with unparseable start", "id", ev.ID, "start", ev.Start, "err", err)
			continue
		}
		end := start
		if ev.End != "" {
			end, err = ParseDate(ev.End)
			if err != nil {
				appLog.Warn("skipping event with unparseable end", "id", ev.ID, "end", ev.End, "err", err)
				continue
			}
		}

		if !sameOrBefore(start, today) || !sameOrBefore(today, end) {
			continue
		}

		label := ev.Name
		if label == "" {
			label = model.DefaultEventName
		}
		state.Events = append(state.Events, model.TodayEntry{
			Time:  StartClock(ev.Start),
			Label: label,
		})
	}

	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return state, err
	}
	if err := store.WriteFileAtomic(p.path, data, 0o600); err != nil {
		return state, err
	}

	appLog.Debug("today state recomputed", "entries", len(state.Events))
	return state, nil
}

// Load returns the last persisted projection. Missing or corrupt state
// degrades to an empty projection.
func (p *Projector) Load() model.TodayState {
	state := model.TodayState{Events: []model.TodayEntry{}}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		appLog.Warn("today state corrupt, treating as empty", "err", err)
		return model.TodayState{Events: []model.TodayEntry{}}
	}
	if state.Events == nil {
		state.Events = []model.TodayEntry{}
	}
	return state
}
