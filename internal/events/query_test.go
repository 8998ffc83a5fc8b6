package events

import (
	"path/filepath"
	"testing"
	"time"

	"inksync/internal/model"
	"inksync/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Events) {
	t.Helper()
	db := store.NewEvents(filepath.Join(t.TempDir(), "events"))
	return NewEngine(db), db
}

func mustDate(t *testing.T, v string) time.Time {
	t.Helper()
	d, err := ParseDate(v)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", v, err)
	}
	return d
}

func TestQuery_Overlap(t *testing.T) {
	e, db := newTestEngine(t)
	db.Append(model.SourceInternal, model.Event{ID: "e1", Name: "trip", Start: "2024-03-01", End: "2024-03-03"})

	got := e.Query(mustDate(t, "2024-03-02"), mustDate(t, "2024-03-02"))
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("got %+v, want [e1]", got)
	}

	got = e.Query(mustDate(t, "2024-03-04"), mustDate(t, "2024-03-05"))
	if len(got) != 0 {
		t.Fatalf("got %+v, want []", got)
	}
}

func TestQuery_BoundaryDays(t *testing.T) {
	e, db := newTestEngine(t)
	db.Append(model.SourceInternal, model.Event{ID: "e1", Start: "2024-03-01", End: "2024-03-03"})

	// Range ending exactly on the event's first day overlaps.
	if got := e.Query(mustDate(t, "2024-02-25"), mustDate(t, "2024-03-01")); len(got) != 1 {
		t.Fatalf("range touching start day should match, got %+v", got)
	}
	// Range starting exactly on the event's last day overlaps.
	if got := e.Query(mustDate(t, "2024-03-03"), mustDate(t, "2024-03-09")); len(got) != 1 {
		t.Fatalf("range touching end day should match, got %+v", got)
	}
}

func TestQuery_UnionAllSources(t *testing.T) {
	e, db := newTestEngine(t)
	db.Append(model.SourceInternal, model.Event{ID: "e1", Start: "2024-03-01", End: "2024-03-01"})
	db.ReplaceAll(model.SourceGoogle, []model.Event{{ID: "google:a", Start: "2024-03-01", End: "2024-03-01"}})
	db.ReplaceAll(model.SourceMicrosoft, []model.Event{{ID: "microsoft:b", Start: "2024-03-01", End: "2024-03-01"}})

	got := e.Query(mustDate(t, "2024-03-01"), mustDate(t, "2024-03-01"))
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	// Source concatenation order: internal, google, microsoft.
	if got[0].ID != "e1" || got[1].ID != "google:a" || got[2].ID != "microsoft:b" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestQuery_SkipsMalformed(t *testing.T) {
	e, db := newTestEngine(t)
	db.Append(model.SourceInternal, model.Event{ID: "bad", Start: "soon", End: "later"})
	db.Append(model.SourceInternal, model.Event{ID: "good", Start: "2024-03-01", End: "2024-03-01"})

	got := e.Query(mustDate(t, "2024-01-01"), mustDate(t, "2024-12-31"))
	if len(got) != 1 || got[0].ID != "good" {
		t.Fatalf("malformed event should be skipped, got %+v", got)
	}
}

func TestQuery_DateTimeEvents(t *testing.T) {
	e, db := newTestEngine(t)
	db.Append(model.SourceInternal, model.Event{ID: "meet", Start: "2024-06-10T09:30:00Z", End: "2024-06-10T10:00:00Z"})

	if got := e.Query(mustDate(t, "2024-06-10"), mustDate(t, "2024-06-10")); len(got) != 1 {
		t.Fatalf("timed event should match its calendar day, got %+v", got)
	}
	if got := e.Query(mustDate(t, "2024-06-11"), mustDate(t, "2024-06-12")); len(got) != 0 {
		t.Fatalf("timed event should not match other days, got %+v", got)
	}
}

func TestQuery_FromAfterTo(t *testing.T) {
	e, db := newTestEngine(t)
	db.Append(model.SourceInternal, model.Event{ID: "span", Start: "2024-03-01", End: "2024-03-03"})
	db.Append(model.SourceInternal, model.Event{ID: "inside", Start: "2024-03-02", End: "2024-03-02"})

	// Inverted bounds are not rejected. An event covering both bounds
	// still satisfies start <= to && end >= from; one strictly between
	// them does not.
	got := e.Query(mustDate(t, "2024-03-03"), mustDate(t, "2024-03-01"))
	if len(got) != 1 || got[0].ID != "span" {
		t.Fatalf("got %+v, want only the spanning event", got)
	}
}

func TestQuery_Idempotent(t *testing.T) {
	e, db := newTestEngine(t)
	db.Append(model.SourceInternal, model.Event{ID: "e1", Start: "2024-03-01", End: "2024-03-03"})

	from, to := mustDate(t, "2024-03-01"), mustDate(t, "2024-03-31")
	first := e.Query(from, to)
	second := e.Query(from, to)
	if len(first) != len(second) {
		t.Fatalf("repeated query differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("repeated query differs at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}
