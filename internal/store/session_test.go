package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"inksync/internal/model"
)

func newTestSessions(t *testing.T) *Sessions {
	t.Helper()
	return NewSessions(filepath.Join(t.TempDir(), "sessions"))
}

func TestLoad_Missing(t *testing.T) {
	s := newTestSessions(t)
	sess := s.Load(model.SourceGoogle)
	if sess.HasToken() || sess.Authorizing() {
		t.Fatalf("missing session should be empty, got %+v", sess)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	s := NewSessions(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "google.json"), []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	sess := s.Load(model.SourceGoogle)
	if sess.HasToken() {
		t.Fatal("corrupt session must read as never-logged-in")
	}
}

func TestSave_MergesFields(t *testing.T) {
	s := newTestSessions(t)

	if err := s.Save(model.SourceGoogle, SessionPatch{
		DeviceCode:          Ptr("dev-123"),
		PollIntervalSeconds: Ptr(5),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(model.SourceGoogle, SessionPatch{
		AccessToken: Ptr("tok-abc"),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sess := s.Load(model.SourceGoogle)
	if sess.DeviceCode != "dev-123" {
		t.Fatalf("merge dropped device_code, got %q", sess.DeviceCode)
	}
	if sess.AccessToken != "tok-abc" {
		t.Fatalf("merge dropped access_token, got %q", sess.AccessToken)
	}
}

func TestSave_ClearsWithZeroPointer(t *testing.T) {
	s := newTestSessions(t)
	s.Save(model.SourceGoogle, SessionPatch{
		DeviceCode:          Ptr("dev-123"),
		PollIntervalSeconds: Ptr(5),
	})

	// Token persist clears the transient fields in the same write.
	if err := s.Save(model.SourceGoogle, SessionPatch{
		DeviceCode:          Ptr(""),
		PollIntervalSeconds: Ptr(0),
		DeviceExpiry:        Ptr(time.Time{}),
		AccessToken:         Ptr("tok-abc"),
		RefreshToken:        Ptr("ref-xyz"),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sess := s.Load(model.SourceGoogle)
	if sess.Authorizing() {
		t.Fatalf("device_code should be cleared, got %q", sess.DeviceCode)
	}
	if !sess.HasToken() || sess.RefreshToken != "ref-xyz" {
		t.Fatalf("token fields missing: %+v", sess)
	}
}

func TestHasToken(t *testing.T) {
	s := newTestSessions(t)
	if s.HasToken(model.SourceMicrosoft) {
		t.Fatal("no token should exist yet")
	}

	// A session file without a token is not integrated.
	s.Save(model.SourceMicrosoft, SessionPatch{DeviceCode: Ptr("dev-1")})
	if s.HasToken(model.SourceMicrosoft) {
		t.Fatal("device_code alone must not count as integrated")
	}

	s.Save(model.SourceMicrosoft, SessionPatch{AccessToken: Ptr("tok")})
	if !s.HasToken(model.SourceMicrosoft) {
		t.Fatal("token should now be present")
	}
}

func TestClear_Session(t *testing.T) {
	s := newTestSessions(t)
	s.Save(model.SourceGoogle, SessionPatch{AccessToken: Ptr("tok")})

	if err := s.Clear(model.SourceGoogle); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.HasToken(model.SourceGoogle) {
		t.Fatal("token should be gone after Clear")
	}

	// Clearing a missing session is safe.
	if err := s.Clear(model.SourceGoogle); err != nil {
		t.Fatalf("Clear on missing session: %v", err)
	}
}

func TestSessionFilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	s := NewSessions(dir)
	s.Save(model.SourceGoogle, SessionPatch{AccessToken: Ptr("tok")})

	info, err := os.Stat(filepath.Join(dir, "google.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("session file mode = %o, want 0600", perm)
	}
}
