package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"inksync/internal/config"
	"inksync/internal/events"
	"inksync/internal/model"
	"inksync/internal/store"
)

// fakeProvider simulates a provider's device-code and token endpoints.
type fakeProvider struct {
	mu sync.Mutex

	deviceCalls int
	tokenCalls  int

	// pendingLeft is how many token calls answer authorization_pending
	// before a token is issued.
	pendingLeft int
	// terminalError, if set, is returned by the token endpoint instead
	// of a token.
	terminalError string
	// deviceFail makes the device-code endpoint reject the client.
	deviceFail bool
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /device", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deviceCalls++
		fail := f.deviceFail
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-1",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://example.com/activate",
			"expires_in":       1800,
			"interval":         1,
		})
	})

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.tokenCalls++

		w.Header().Set("Content-Type", "application/json")
		if f.terminalError != "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             f.terminalError,
				"error_description": "the user denied the request",
			})
			return
		}
		if f.pendingLeft > 0 {
			f.pendingLeft--
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok-1",
			"refresh_token": "ref-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	return mux
}

type testAuth struct {
	manager  *Manager
	sessions *store.Sessions
	eventsDB *store.Events
	state    string
	fake     *fakeProvider
}

func newTestAuth(t *testing.T) *testAuth {
	t.Helper()

	fake := &fakeProvider{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Google.ClientID = "client-1"
	cfg.Google.DeviceAuthURL = srv.URL + "/device"
	cfg.Google.TokenURL = srv.URL + "/token"

	sessions := store.NewSessions(filepath.Join(dir, "sessions"))
	eventsDB := store.NewEvents(filepath.Join(dir, "events"))
	statePath := filepath.Join(dir, "state.json")
	projector := events.NewProjector(events.NewEngine(eventsDB), statePath)

	m := NewManager(cfg, sessions, eventsDB, projector)
	m.PollBudget = 15 * time.Second

	return &testAuth{
		manager:  m,
		sessions: sessions,
		eventsDB: eventsDB,
		state:    statePath,
		fake:     fake,
	}
}

func TestBegin_IssuesDeviceCode(t *testing.T) {
	ta := newTestAuth(t)

	prompt, err := ta.manager.Begin(context.Background(), model.SourceGoogle)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if prompt.Authenticated {
		t.Fatal("fresh session should not short-circuit")
	}
	if prompt.VerificationURI == "" || prompt.UserCode != "ABCD-EFGH" {
		t.Fatalf("unexpected prompt: %+v", prompt)
	}

	sess := ta.sessions.Load(model.SourceGoogle)
	if sess.DeviceCode != "dev-1" || sess.PollIntervalSeconds != 1 {
		t.Fatalf("device fields not persisted: %+v", sess)
	}
	if ta.manager.Integrated(model.SourceGoogle) {
		t.Fatal("device code alone must not count as integrated")
	}
}

func TestBegin_ShortCircuitsWhenAuthenticated(t *testing.T) {
	ta := newTestAuth(t)
	ta.sessions.Save(model.SourceGoogle, store.SessionPatch{AccessToken: store.Ptr("tok-old")})

	prompt, err := ta.manager.Begin(context.Background(), model.SourceGoogle)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !prompt.Authenticated {
		t.Fatal("Begin with a durable token should short-circuit")
	}
	if ta.fake.deviceCalls != 0 {
		t.Fatalf("device endpoint should not be called, got %d calls", ta.fake.deviceCalls)
	}
}

func TestBegin_ProviderErrorVerbatim(t *testing.T) {
	ta := newTestAuth(t)
	ta.fake.deviceFail = true

	_, err := ta.manager.Begin(context.Background(), model.SourceGoogle)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProviderError", err)
	}
	if perr.Status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", perr.Status)
	}
	// The provider's body is preserved for diagnosis.
	if perr.Body == "" {
		t.Fatal("provider error body should be preserved verbatim")
	}

	if ta.sessions.Load(model.SourceGoogle).Authorizing() {
		t.Fatal("failed Begin must leave the session unauthenticated")
	}
}

func TestPoll_NoPendingAuthorization(t *testing.T) {
	ta := newTestAuth(t)

	err := ta.manager.Poll(context.Background(), model.SourceGoogle)
	if !errors.Is(err, ErrNoPendingAuthorization) {
		t.Fatalf("got %v, want ErrNoPendingAuthorization", err)
	}
}

func TestPoll_PendingThenToken(t *testing.T) {
	ta := newTestAuth(t)
	ta.fake.pendingLeft = 2

	if _, err := ta.manager.Begin(context.Background(), model.SourceGoogle); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := ta.manager.Poll(context.Background(), model.SourceGoogle); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	sess := ta.sessions.Load(model.SourceGoogle)
	if !sess.HasToken() {
		t.Fatal("token should be persisted after Poll")
	}
	if sess.AccessToken != "tok-1" || sess.RefreshToken != "ref-1" {
		t.Fatalf("unexpected token fields: %+v", sess)
	}
	// Transients cleared in the same write: never a stale device_code
	// next to a fresh token.
	if sess.Authorizing() {
		t.Fatalf("device_code must be cleared, got %q", sess.DeviceCode)
	}
	if sess.TokenURL == "" || sess.ClientID != "client-1" {
		t.Fatalf("token endpoint metadata missing: %+v", sess)
	}
	if !ta.manager.Integrated(model.SourceGoogle) {
		t.Fatal("provider should now be integrated")
	}
	if ta.fake.tokenCalls < 3 {
		t.Fatalf("expected at least 3 token calls (2 pending + success), got %d", ta.fake.tokenCalls)
	}
}

func TestPoll_TerminalError(t *testing.T) {
	ta := newTestAuth(t)

	if _, err := ta.manager.Begin(context.Background(), model.SourceGoogle); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ta.fake.terminalError = "access_denied"

	err := ta.manager.Poll(context.Background(), model.SourceGoogle)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProviderError", err)
	}
	if perr.Code != "access_denied" {
		t.Fatalf("code = %q, want access_denied", perr.Code)
	}

	sess := ta.sessions.Load(model.SourceGoogle)
	if sess.Authorizing() {
		t.Fatal("dead authorization attempt should be cleared")
	}
	if sess.HasToken() {
		t.Fatal("terminal failure must not leave a token")
	}
}

func TestPoll_BudgetExhausted(t *testing.T) {
	ta := newTestAuth(t)
	ta.fake.pendingLeft = 1000
	ta.manager.PollBudget = 2 * time.Second

	if _, err := ta.manager.Begin(context.Background(), model.SourceGoogle); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err := ta.manager.Poll(context.Background(), model.SourceGoogle)
	if !errors.Is(err, ErrAuthorizationPending) {
		t.Fatalf("got %v, want ErrAuthorizationPending", err)
	}

	// The attempt is still alive: the device code survives so a later
	// Poll can resume it.
	sess := ta.sessions.Load(model.SourceGoogle)
	if !sess.Authorizing() {
		t.Fatal("device code must survive budget exhaustion")
	}
	if sess.HasToken() {
		t.Fatal("no token must be stored")
	}
}

func TestPoll_AlreadyAuthenticated(t *testing.T) {
	ta := newTestAuth(t)
	ta.sessions.Save(model.SourceGoogle, store.SessionPatch{AccessToken: store.Ptr("tok")})

	if err := ta.manager.Poll(context.Background(), model.SourceGoogle); err != nil {
		t.Fatalf("Poll on an authenticated session should be a no-op, got %v", err)
	}
	if ta.fake.tokenCalls != 0 {
		t.Fatalf("token endpoint should not be called, got %d calls", ta.fake.tokenCalls)
	}
}

func TestLogout(t *testing.T) {
	ta := newTestAuth(t)
	ta.sessions.Save(model.SourceGoogle, store.SessionPatch{AccessToken: store.Ptr("tok")})
	ta.eventsDB.ReplaceAll(model.SourceGoogle, []model.Event{
		{ID: "google:a", Name: "meeting", Start: "2024-01-01", End: "2024-01-01"},
	})

	if err := ta.manager.Logout(model.SourceGoogle); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if ta.manager.Integrated(model.SourceGoogle) {
		t.Fatal("token should be gone after logout")
	}
	if len(ta.eventsDB.ReadAll(model.SourceGoogle)) != 0 {
		t.Fatal("provider event collection should be deleted on logout")
	}
}

func TestLogout_NoSession(t *testing.T) {
	ta := newTestAuth(t)
	if err := ta.manager.Logout(model.SourceGoogle); err != nil {
		t.Fatalf("Logout without a session should be safe, got %v", err)
	}
}

func TestClient_NotAuthenticated(t *testing.T) {
	ta := newTestAuth(t)
	_, _, err := ta.manager.Client(context.Background(), model.SourceGoogle)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("got %v, want ErrNotAuthenticated", err)
	}
}

func TestUnknownProvider(t *testing.T) {
	ta := newTestAuth(t)
	if _, err := ta.manager.Begin(context.Background(), model.SourceInternal); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("got %v, want ErrUnknownProvider", err)
	}
}
