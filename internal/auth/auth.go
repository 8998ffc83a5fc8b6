// Package auth drives the OAuth 2.0 device-authorization grant
// (RFC 8628) for the external calendar providers and owns the durable
// per-provider session record.
//
// The flow is split so the caller can show the user-facing code while
// polling happens out of band:
//
//	Begin  -> issue device code, persist it, return verification URL + code
//	Poll   -> exchange the device code for a token (bounded retry loop)
//	Logout -> drop the credential and the provider's cached events
//
// Device flow needs no local callback listener, which matters here: the
// server is typically not reachable from the browser session issuing
// the login.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"inksync/internal/config"
	"inksync/internal/events"
	appLog "inksync/internal/log"
	"inksync/internal/model"
	"inksync/internal/store"
)

var (
	// ErrNotAuthenticated is returned when an operation requiring a
	// token is attempted without one.
	ErrNotAuthenticated = errors.New("provider not authenticated")

	// ErrNoPendingAuthorization is returned by Poll when Begin has not
	// issued a device code first.
	ErrNoPendingAuthorization = errors.New("no pending authorization")

	// ErrAuthorizationPending is returned by Poll when the poll budget
	// ran out while the provider still reported the authorization as
	// pending. The device code stays stored, so a later Poll can resume
	// the same attempt.
	ErrAuthorizationPending = errors.New("authorization still pending")

	// ErrUnknownProvider is returned for sources that are not backed by
	// an OAuth provider.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProviderError preserves a provider's error response verbatim so the
// operator can diagnose misconfigured client credentials.
type ProviderError struct {
	Status int
	Code   string
	Body   string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider returned %d (%s): %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// defaultPollBudget bounds the wall clock spent inside a single Poll
// call. An abandoned login must not pin a request forever.
const defaultPollBudget = 5 * time.Minute

// Prompt is what Begin hands back to the user.
type Prompt struct {
	VerificationURI string `json:"verification_uri,omitempty"`
	UserCode        string `json:"user_code,omitempty"`
	// Authenticated is set when Begin short-circuited because a durable
	// token already exists.
	Authenticated bool `json:"authenticated"`
}

// Manager runs the per-provider authorization state machine.
type Manager struct {
	sessions  *store.Sessions
	eventsDB  *store.Events
	projector *events.Projector

	providers map[model.Source]config.ProviderConfig

	// PollBudget is overridable in tests; defaults to defaultPollBudget.
	PollBudget time.Duration

	mu    sync.Mutex
	locks map[model.Source]*sync.Mutex
}

// NewManager wires the state machine to its stores. eventsDB and
// projector are used by Logout to drop the provider's cached collection
// and refresh the today projection.
func NewManager(cfg *config.Config, sessions *store.Sessions, eventsDB *store.Events, projector *events.Projector) *Manager {
	return &Manager{
		sessions:  sessions,
		eventsDB:  eventsDB,
		projector: projector,
		providers: map[model.Source]config.ProviderConfig{
			model.SourceGoogle:    cfg.Google,
			model.SourceMicrosoft: cfg.Microsoft,
		},
		PollBudget: defaultPollBudget,
		locks:      make(map[model.Source]*sync.Mutex),
	}
}

func (m *Manager) providerLock(provider model.Source) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[provider]
	if !ok {
		l = &sync.Mutex{}
		m.locks[provider] = l
	}
	return l
}

func (m *Manager) providerConfig(provider model.Source) (config.ProviderConfig, error) {
	pc, ok := m.providers[provider]
	if !ok {
		return config.ProviderConfig{}, ErrUnknownProvider
	}
	return pc, nil
}

func oauthConfig(pc config.ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		Scopes:       pc.Scopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: pc.DeviceAuthURL,
			TokenURL:      pc.TokenURL,
			// Both providers accept credentials in the request body;
			// skipping auto-detection avoids a probing round-trip.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Begin starts a device authorization attempt. If a durable token
// already exists it returns immediately without issuing a new device
// code. Otherwise it calls the provider's device-code endpoint,
// persists the transient device fields, and returns the verification
// URL and user code.
func (m *Manager) Begin(ctx context.Context, provider model.Source) (Prompt, error) {
	pc, err := m.providerConfig(provider)
	if err != nil {
		return Prompt{}, err
	}

	l := m.providerLock(provider)
	l.Lock()
	defer l.Unlock()

	if m.sessions.HasToken(provider) {
		appLog.Debug("begin login short-circuited, token present", "provider", string(provider))
		return Prompt{Authenticated: true}, nil
	}

	da, err := oauthConfig(pc).DeviceAuth(ctx)
	if err != nil {
		// The session stays unauthenticated; surface the provider's
		// response body verbatim.
		return Prompt{}, asProviderError(err)
	}

	interval := int(da.Interval)
	if interval <= 0 {
		interval = 5
	}

	patch := store.SessionPatch{
		DeviceCode:          store.Ptr(da.DeviceCode),
		PollIntervalSeconds: store.Ptr(interval),
		DeviceExpiry:        store.Ptr(da.Expiry),
	}
	if err := m.sessions.Save(provider, patch); err != nil {
		return Prompt{}, err
	}

	appLog.Info("device authorization started", "provider", string(provider), "interval_s", interval)

	uri := da.VerificationURIComplete
	if uri == "" {
		uri = da.VerificationURI
	}
	return Prompt{VerificationURI: uri, UserCode: da.UserCode}, nil
}

// Poll exchanges the pending device code for a token. It retries
// authorization_pending / slow_down at the stored interval until the
// provider answers terminally, the device code expires, or the poll
// budget runs out. Budget exhaustion returns ErrAuthorizationPending
// and keeps the device code, since the last provider answer was still
// "pending". On success the transient device fields are cleared and
// the credential persisted in a single atomic write, so the session is
// never observed with a stale device code next to a fresh token.
func (m *Manager) Poll(ctx context.Context, provider model.Source) error {
	pc, err := m.providerConfig(provider)
	if err != nil {
		return err
	}

	sess := m.sessions.Load(provider)
	if !sess.Authorizing() {
		if sess.HasToken() {
			return nil
		}
		return ErrNoPendingAuthorization
	}

	ctx, cancel := context.WithTimeout(ctx, m.PollBudget)
	defer cancel()

	da := &oauth2.DeviceAuthResponse{
		DeviceCode: sess.DeviceCode,
		Interval:   int64(sess.PollIntervalSeconds),
		Expiry:     sess.DeviceExpiry,
	}

	// No lock is held while the exchange loop sleeps between attempts;
	// only the final persistence step below serializes.
	tok, err := oauthConfig(pc).DeviceAccessToken(ctx, da)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			appLog.Info("poll budget exhausted, authorization still pending", "provider", string(provider))
			return ErrAuthorizationPending
		}
		perr := asProviderError(err)
		if terminalProviderError(err) {
			// The attempt is dead; drop the device code so the next
			// Begin starts fresh.
			clearErr := m.sessions.Save(provider, store.SessionPatch{
				DeviceCode:          store.Ptr(""),
				PollIntervalSeconds: store.Ptr(0),
				DeviceExpiry:        store.Ptr(time.Time{}),
			})
			if clearErr != nil {
				appLog.Error("failed to clear failed authorization attempt", clearErr, "provider", string(provider))
			}
		}
		return perr
	}

	l := m.providerLock(provider)
	l.Lock()
	defer l.Unlock()

	patch := store.SessionPatch{
		DeviceCode:          store.Ptr(""),
		PollIntervalSeconds: store.Ptr(0),
		DeviceExpiry:        store.Ptr(time.Time{}),
		AccessToken:         store.Ptr(tok.AccessToken),
		RefreshToken:        store.Ptr(tok.RefreshToken),
		TokenType:           store.Ptr(tok.TokenType),
		TokenExpiry:         store.Ptr(tok.Expiry),
		TokenURL:            store.Ptr(pc.TokenURL),
		ClientID:            store.Ptr(pc.ClientID),
		ClientSecret:        store.Ptr(pc.ClientSecret),
		Scopes:              store.Ptr(pc.Scopes),
	}
	if err := m.sessions.Save(provider, patch); err != nil {
		return err
	}

	appLog.Info("device authorization completed", "provider", string(provider))
	return nil
}

// Logout discards the durable credential, deletes the provider's cached
// event collection and recomputes the today projection. Safe to call
// when no session exists.
func (m *Manager) Logout(provider model.Source) error {
	if _, err := m.providerConfig(provider); err != nil {
		return err
	}

	l := m.providerLock(provider)
	l.Lock()
	defer l.Unlock()

	if err := m.sessions.Clear(provider); err != nil {
		return err
	}
	if err := m.eventsDB.Clear(provider); err != nil {
		return err
	}
	if _, err := m.projector.Recompute(); err != nil {
		return err
	}

	appLog.Info("provider logged out", "provider", string(provider))
	return nil
}

// Integrated reports whether a durable token exists for provider. Pure
// local read; never performs network I/O.
func (m *Manager) Integrated(provider model.Source) bool {
	return m.sessions.HasToken(provider)
}

// Client returns an HTTP client authenticated for provider, rebuilt
// from the persisted session (token plus token-endpoint metadata, so
// refresh works without re-prompting the user). Returns
// ErrNotAuthenticated when no credential is stored.
func (m *Manager) Client(ctx context.Context, provider model.Source) (*oauth2.Token, *oauth2.Config, error) {
	if _, err := m.providerConfig(provider); err != nil {
		return nil, nil, err
	}

	sess := m.sessions.Load(provider)
	if !sess.HasToken() {
		return nil, nil, ErrNotAuthenticated
	}

	cfg := &oauth2.Config{
		ClientID:     sess.ClientID,
		ClientSecret: sess.ClientSecret,
		Scopes:       sess.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  sess.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok := &oauth2.Token{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		TokenType:    sess.TokenType,
		Expiry:       sess.TokenExpiry,
	}
	return tok, cfg, nil
}

// asProviderError converts an oauth2 retrieval failure into a
// ProviderError carrying the verbatim response body. Other errors
// (network, context cancellation) pass through unchanged.
func asProviderError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &ProviderError{
			Status: status,
			Code:   re.ErrorCode,
			Body:   string(re.Body),
		}
	}
	return err
}

// terminalProviderError reports whether the token endpoint answered
// with a terminal error (anything other than the retryable pending /
// slow_down responses, which oauth2 already retries internally).
func terminalProviderError(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}
