package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"inksync/internal/auth"
	"inksync/internal/events"
	appLog "inksync/internal/log"
	"inksync/internal/model"
	"inksync/internal/store"
)

// eventPayload is the write shape for internal events. Location is a
// deprecated field: accepted here so old clients keep working, then
// stripped before persistence. Write-then-strip is the permanent
// normalization rule, not a transition.
type eventPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Start    string `json:"start"`
	End      string `json:"end"`
	AllDay   bool   `json:"allDay"`
	Location string `json:"location"`
}

// handleQueryEvents answers GET /api/events?from=&to= with the merged,
// overlap-filtered union of all sources.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "from and to query parameters are required")
		return
	}

	from, err := events.ParseDate(fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from date")
		return
	}
	to, err := events.ParseDate(toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to date")
		return
	}

	// from > to is not rejected; the overlap test simply matches nothing.
	writeJSON(w, http.StatusOK, s.engine.Query(from, to))
}

// handleSaveEvent appends an internal event and recomputes the today
// projection.
func (s *Server) handleSaveEvent(w http.ResponseWriter, r *http.Request) {
	var payload eventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	ev := model.Event{
		ID:     payload.ID,
		Name:   payload.Name,
		Start:  payload.Start,
		End:    payload.End,
		AllDay: payload.AllDay,
	}
	ev.Normalize()

	if err := s.eventsDB.Append(model.SourceInternal, ev); err != nil {
		appLog.Error("failed to save internal event", err, "id", ev.ID)
		writeError(w, http.StatusInternalServerError, "failed to save event")
		return
	}
	if _, err := s.projector.Recompute(); err != nil {
		appLog.Error("failed to recompute today state", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "event": ev})
}

// handleDeleteEvent removes an internal event by id and recomputes the
// today projection.
func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ID == "" {
		writeError(w, http.StatusBadRequest, "no id provided")
		return
	}

	removed, err := s.eventsDB.RemoveByID(model.SourceInternal, payload.ID)
	if err != nil {
		appLog.Error("failed to delete internal event", err, "id", payload.ID)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}
	if removed {
		if _, err := s.projector.Recompute(); err != nil {
			appLog.Error("failed to recompute today state", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": payload.ID})
}

// handleState returns the persisted today projection.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.projector.Load())
}

// pathProvider resolves the {provider} path segment into a provider
// source, or writes a 400/404 and returns false.
func (s *Server) pathProvider(w http.ResponseWriter, r *http.Request) (model.Source, bool) {
	src := model.Source(r.PathValue("provider"))
	if !src.Valid() || !src.Provider() {
		writeError(w, http.StatusBadRequest, "unknown service")
		return "", false
	}
	if _, ok := s.providers.Lookup(src); !ok {
		// Provider exists but is not configured with a client id.
		writeError(w, http.StatusNotFound, "service not enabled")
		return "", false
	}
	return src, true
}

// handleIntegrationStatus reports whether a durable token exists. This
// is a pure local read derived from the credential store, never a
// separately maintained flag.
func (s *Server) handleIntegrationStatus(w http.ResponseWriter, r *http.Request) {
	src, ok := s.pathProvider(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    string(src),
		"integrated": s.auth.Integrated(src),
	})
}

// handleLogin begins a device authorization attempt and returns the
// verification URL and user code (or short-circuits when a token
// already exists).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	src, ok := s.pathProvider(w, r)
	if !ok {
		return
	}

	prompt, err := s.auth.Begin(r.Context(), src)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

// handlePoll completes a pending device authorization. It blocks until
// the user approves, the provider answers terminally or the poll budget
// runs out; in the latter case the authorization is still pending and
// the client may poll again.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	src, ok := s.pathProvider(w, r)
	if !ok {
		return
	}

	if err := s.auth.Poll(r.Context(), src); err != nil {
		if errors.Is(err, auth.ErrNoPendingAuthorization) {
			writeError(w, http.StatusConflict, "no pending authorization")
			return
		}
		if errors.Is(err, auth.ErrAuthorizationPending) {
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending"})
			return
		}
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "authenticated"})
}

// handleLogout drops the provider credential and its cached events.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	src, ok := s.pathProvider(w, r)
	if !ok {
		return
	}

	if err := s.auth.Logout(src); err != nil {
		appLog.Error("logout failed", err, "provider", string(src))
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

// handleSync fetches the provider's events and replaces the local
// snapshot. A provider failure leaves the previous snapshot intact.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	src, ok := s.pathProvider(w, r)
	if !ok {
		return
	}
	adapter, _ := s.providers.Lookup(src)

	count, err := adapter.FetchAndStore(r.Context())
	if err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "count": count})
}

// writeProviderError surfaces provider error bodies verbatim so the
// operator can diagnose misconfigured credentials; anything else maps
// to a generic upstream failure.
func writeProviderError(w http.ResponseWriter, err error) {
	var perr *auth.ProviderError
	if errors.As(err, &perr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "provider error",
			"status": perr.Status,
			"code":   perr.Code,
			"body":   perr.Body,
		})
		return
	}
	appLog.Error("provider request failed", err)
	writeError(w, http.StatusBadGateway, "provider unreachable")
}

// defaultKeypadConfig is written on first read of a device keypad
// config, matching what the device firmware expects.
var defaultKeypadConfig = json.RawMessage(`{
  "KEY0": [null, null],
  "KEY1": [null, null],
  "KEY2": [null, null],
  "KEY3": [null, null],
  "KEY4": [null, null],
  "KEY5": [null, null],
  "KEY6": [null, null],
  "KEY7": [null, null],
  "KEY8": [null, null]
}`)

// handleModule serves a stored module document.
func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, err := s.modules.Read(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read module")
		return
	}
	writeRaw(w, data)
}

// handleCheck reports which module documents exist.
func (s *Server) handleCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"module1": s.modules.Exists("module1"),
		"module2": s.modules.Exists("module2"),
	})
}

// handleKeypadConfig returns the stored keypad config for a device
// uuid, creating the default on first access.
func (s *Server) handleKeypadConfig(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	data, err := s.keypads.Read(uuid)
	if err == nil {
		writeRaw(w, data)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to read config")
		return
	}

	if err := s.keypads.Write(uuid, defaultKeypadConfig); err != nil {
		appLog.Error("failed to create default keypad config", err)
		writeError(w, http.StatusInternalServerError, "failed to create config")
		return
	}
	writeRaw(w, defaultKeypadConfig)
}

// handleGetLayout returns the stored device layout, or an empty one.
func (s *Server) handleGetLayout(w http.ResponseWriter, _ *http.Request) {
	data, err := s.layouts.Read("layout")
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"elements": []any{}})
		return
	}
	writeRaw(w, data)
}

// handleSaveLayout stores the device layout document as given.
func (s *Server) handleSaveLayout(w http.ResponseWriter, r *http.Request) {
	var data json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, "no JSON payload")
		return
	}
	if err := s.layouts.Write("layout", data); err != nil {
		appLog.Error("failed to save layout", err)
		writeError(w, http.StatusInternalServerError, "failed to save layout")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
}

// handleGetAutomations returns the stored automation rules, or an
// empty list.
func (s *Server) handleGetAutomations(w http.ResponseWriter, _ *http.Request) {
	data, err := s.automations.Read("automations")
	if err != nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeRaw(w, data)
}

// handleSaveAutomations stores the automation rules. The payload must
// be a JSON list.
func (s *Server) handleSaveAutomations(w http.ResponseWriter, r *http.Request) {
	var rules []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, "payload must be a list")
		return
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save automations")
		return
	}
	if err := s.automations.Write("automations", data); err != nil {
		appLog.Error("failed to save automations", err)
		writeError(w, http.StatusInternalServerError, "failed to save automations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved"})
}

// writeRaw serves a stored JSON document without re-encoding it.
func writeRaw(w http.ResponseWriter, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
