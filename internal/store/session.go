package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	appLog "inksync/internal/log"
	"inksync/internal/model"
)

// Session is the durable per-provider authorization record. The device
// fields are transient and present only while an authorization attempt
// is in flight; the token fields plus the endpoint metadata are what an
// authenticated client is later rebuilt from.
//
// Presence of AccessToken is the sole authority for "this provider is
// integrated"; a session file without a token is not integrated.
type Session struct {
	DeviceCode          string    `json:"device_code,omitempty"`
	PollIntervalSeconds int       `json:"poll_interval_seconds,omitempty"`
	DeviceExpiry        time.Time `json:"device_expiry,omitzero"`

	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	TokenExpiry  time.Time `json:"token_expiry,omitzero"`

	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// HasToken reports whether the session holds a completed credential.
func (s Session) HasToken() bool {
	return s.AccessToken != ""
}

// Authorizing reports whether a device authorization attempt is in flight.
func (s Session) Authorizing() bool {
	return s.DeviceCode != ""
}

// SessionPatch is a partial update merged field-by-field into the
// stored session. A nil field leaves the stored value unchanged; a
// pointer to the zero value clears it. This keeps a stale login
// attempt's partial state from clobbering a valid token and lets the
// token-exchange success clear the device fields and set the token in
// one atomic write.
type SessionPatch struct {
	DeviceCode          *string
	PollIntervalSeconds *int
	DeviceExpiry        *time.Time

	AccessToken  *string
	RefreshToken *string
	TokenType    *string
	TokenExpiry  *time.Time

	TokenURL     *string
	ClientID     *string
	ClientSecret *string
	Scopes       *[]string
}

func (p SessionPatch) apply(s *Session) {
	if p.DeviceCode != nil {
		s.DeviceCode = *p.DeviceCode
	}
	if p.PollIntervalSeconds != nil {
		s.PollIntervalSeconds = *p.PollIntervalSeconds
	}
	if p.DeviceExpiry != nil {
		s.DeviceExpiry = *p.DeviceExpiry
	}
	if p.AccessToken != nil {
		s.AccessToken = *p.AccessToken
	}
	if p.RefreshToken != nil {
		s.RefreshToken = *p.RefreshToken
	}
	if p.TokenType != nil {
		s.TokenType = *p.TokenType
	}
	if p.TokenExpiry != nil {
		s.TokenExpiry = *p.TokenExpiry
	}
	if p.TokenURL != nil {
		s.TokenURL = *p.TokenURL
	}
	if p.ClientID != nil {
		s.ClientID = *p.ClientID
	}
	if p.ClientSecret != nil {
		s.ClientSecret = *p.ClientSecret
	}
	if p.Scopes != nil {
		s.Scopes = *p.Scopes
	}
}

// Ptr is a convenience for building SessionPatch literals.
func Ptr[T any](v T) *T {
	return &v
}

// Sessions persists one Session per provider under
// <dir>/<provider>.json with 0600 permissions (bearer tokens).
type Sessions struct {
	dir string
	mu  sync.Mutex
}

// NewSessions creates a credential store rooted at dir.
func NewSessions(dir string) *Sessions {
	return &Sessions{dir: dir}
}

func (s *Sessions) path(provider model.Source) string {
	return filepath.Join(s.dir, string(provider)+".json")
}

// Load returns the stored session for provider. A missing or corrupt
// record is equivalent to "never logged in" and yields an empty session.
func (s *Sessions) Load(provider model.Source) Session {
	var sess Session
	data, err := os.ReadFile(s.path(provider))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("session unreadable, treating as empty", "provider", string(provider), "err", err)
		}
		return sess
	}
	if err := json.Unmarshal(data, &sess); err != nil {
		appLog.Warn("session corrupt, treating as empty", "provider", string(provider), "err", err)
		return Session{}
	}
	return sess
}

// Save merges the patch into the stored session and persists the result
// in one atomic write.
func (s *Sessions) Save(provider model.Source, patch SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.Load(provider)
	patch.apply(&sess)

	data, err := json.MarshalIndent(&sess, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.path(provider), data, 0o600)
}

// HasToken reports whether a durable token exists for provider. Pure
// local read; never touches the network.
func (s *Sessions) HasToken(provider model.Source) bool {
	return s.Load(provider).HasToken()
}

// Clear discards the whole session. Safe to call when none exists.
func (s *Sessions) Clear(provider model.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(provider))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
