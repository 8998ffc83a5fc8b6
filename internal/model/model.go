package model

// Source identifies one of the independent event origins.
type Source string

const (
	SourceInternal  Source = "internal"
	SourceGoogle    Source = "google"
	SourceMicrosoft Source = "microsoft"
)

// Sources lists all event sources in iteration order. Merge results and
// the today projection concatenate collections in this order.
var Sources = []Source{SourceInternal, SourceGoogle, SourceMicrosoft}

// Valid reports whether s names a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceInternal, SourceGoogle, SourceMicrosoft:
		return true
	}
	return false
}

// Provider reports whether s is an external provider source. Provider
// collections are read-only and fully replaced on every sync.
func (s Source) Provider() bool {
	return s == SourceGoogle || s == SourceMicrosoft
}

// DefaultEventName is used when an event carries no display name.
const DefaultEventName = "Unnamed Event"

// Event is the canonical cross-source event representation. Start and
// End are ISO-8601 strings, either a bare calendar date ("2024-03-01")
// or a date-time ("2024-03-01T09:30:00Z"). End defaults to Start when
// the origin supplies none. Start <= End is not enforced at write time;
// unparseable events are tolerated in storage and skipped at query time.
type Event struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Start  string `json:"start"`
	End    string `json:"end"`
	AllDay bool   `json:"allDay,omitempty"`
}

// Normalize fills defaults: empty Name becomes DefaultEventName and an
// empty End copies Start. It never rejects; malformed dates are kept
// as-is and filtered out by the query engine.
func (e *Event) Normalize() {
	if e.Name == "" {
		e.Name = DefaultEventName
	}
	if e.End == "" {
		e.End = e.Start
	}
}

// TodayEntry is one line of the derived today projection: the HH:MM
// start of an event intersecting the current date, or "00:00" for
// date-only events, plus its display name.
type TodayEntry struct {
	Time  string `json:"time"`
	Label string `json:"event"`
}

// TodayState is the persisted projection consumed by the device.
type TodayState struct {
	Events []TodayEntry `json:"events"`
}
