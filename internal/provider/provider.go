// Package provider implements the event adapters for the external
// calendar providers. Each adapter pulls the provider's full event
// listing (following every pagination link), maps each raw event into
// the canonical schema and replaces the provider's local collection
// wholesale. The previous snapshot survives any HTTP-level failure;
// there is never a partial replacement.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"inksync/internal/auth"
	"inksync/internal/events"
	appLog "inksync/internal/log"
	"inksync/internal/model"
	"inksync/internal/store"
)

// Adapter syncs one provider source.
type Adapter interface {
	Source() model.Source
	// FetchAndStore pulls the provider's events, replaces the local
	// collection and recomputes the today projection. It returns the
	// number of stored events. Requires an authenticated session.
	FetchAndStore(ctx context.Context) (int, error)
}

// deps are the shared collaborators of both adapters.
type deps struct {
	auth      *auth.Manager
	events    *store.Events
	projector *events.Projector
}

// Registry holds the adapters that are actually configured. Providers
// without a client id are not registered, so their sync endpoints
// simply do not exist rather than failing at runtime.
type Registry struct {
	adapters map[model.Source]Adapter
}

// NewRegistry builds the adapter set for all enabled providers.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Source]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Source()] = a
	}
	return r
}

// Lookup returns the adapter for src, if registered.
func (r *Registry) Lookup(src model.Source) (Adapter, bool) {
	a, ok := r.adapters[src]
	return a, ok
}

// Sources lists the registered provider sources.
func (r *Registry) Sources() []model.Source {
	out := make([]model.Source, 0, len(r.adapters))
	for _, src := range model.Sources {
		if _, ok := r.adapters[src]; ok {
			out = append(out, src)
		}
	}
	return out
}

// fetchJSON performs one authenticated GET and decodes the response
// into out. Any non-2xx status aborts with the response body preserved
// verbatim.
func fetchJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &auth.ProviderError{Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("provider returned non-JSON body: %w", err)
	}
	return nil
}

// finish replaces the provider collection and recomputes the today
// projection. Called only after the whole fetch succeeded.
func (d deps) finish(src model.Source, list []model.Event) (int, error) {
	if err := d.events.ReplaceAll(src, list); err != nil {
		return 0, err
	}
	if _, err := d.projector.Recompute(); err != nil {
		return 0, err
	}
	appLog.Info("provider sync completed", "source", string(src), "count", len(list))
	return len(list), nil
}

// eventID builds the source-qualified event id. When the provider
// supplies no native id, a content hash keeps the id stable across
// syncs and collision-free across sources.
func eventID(src model.Source, nativeID, name, start, end string) string {
	if nativeID != "" {
		return string(src) + ":" + nativeID
	}
	sum := sha256.Sum256([]byte(name + "|" + start + "|" + end))
	return string(src) + ":" + hex.EncodeToString(sum[:8])
}

// redactURL hides everything past the host when logging provider URLs.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i < 0 {
		return "...(redacted)"
	}
	j := strings.IndexByte(u[i+3:], '/')
	if j < 0 {
		return u
	}
	return u[:i+3+j] + "/...(redacted)"
}
