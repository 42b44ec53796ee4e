// Package feed implements the feed manager: cache, fetch, verify, and
// freshness policy for feed XML documents, per spec §4.D. Grounded on
// rope's index.go (Index.FindPackage's HTTP GET + encoding/xml token
// loop) and cache.go (temp-file-then-rename cache writes); the
// conditional-GET/staleness machinery is new, since rope always fetches
// fresh or serves a fully-cached wheel with no staleness window.
package feed

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexanderEkdahl/zeroinstall/model"
	"github.com/AlexanderEkdahl/zeroinstall/trust"
)

// FeedNotCachedError is spec §7's FeedNotCached: offline and not present
// in the cache.
type FeedNotCachedError struct {
	URI model.FeedURI
}

func (e *FeedNotCachedError) Error() string {
	return fmt.Sprintf("feed: %q is not cached and the network is unavailable", e.URI)
}

// sidecar holds cache metadata alongside the cached feed XML: fetch
// time, ETag/Last-Modified for conditional GETs, and whether it was
// fetched while offline (which forces is_stale to report true,
// per spec §4.D).
type sidecar struct {
	FetchedAt    time.Time `yaml:"fetched_at"`
	ETag         string    `yaml:"etag,omitempty"`
	LastModified string    `yaml:"last_modified,omitempty"`
	Offline      bool      `yaml:"offline"`
}

// NetworkUse controls how aggressively the manager reaches for the
// network, per spec §4.I.
type NetworkUse int

const (
	NetworkFull NetworkUse = iota
	NetworkMinimal
	NetworkOffline
)

// Manager fetches, caches, verifies, and freshness-checks feeds.
type Manager struct {
	CacheDir   string
	Client     *http.Client
	Verifier   *trust.Verifier
	Freshness  time.Duration
	RateLimit  time.Duration
	NetworkUse NetworkUse
	MaxRedirects int
	Logger     *slog.Logger

	mu        sync.Mutex
	lastFetch map[model.FeedURI]time.Time
}

// NewManager returns a Manager with the spec's defaults: 7-day
// freshness, 60s rate limit debounce.
func NewManager(cacheDir string) *Manager {
	return &Manager{
		CacheDir:     cacheDir,
		Client:       &http.Client{Timeout: 90 * time.Second},
		Freshness:    7 * 24 * time.Hour,
		RateLimit:    60 * time.Second,
		MaxRedirects: 5,
		lastFetch:    map[model.FeedURI]time.Time{},
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// cachePath returns the on-disk path for uri's cached feed, matching
// spec §6's pretty-escaped-uri convention.
func (m *Manager) cachePath(uri model.FeedURI) string {
	return filepath.Join(m.CacheDir, prettyEscape(string(uri)))
}

func (m *Manager) sidecarPath(uri model.FeedURI) string {
	return m.cachePath(uri) + ".meta.yaml"
}

func prettyEscape(uri string) string {
	escaped := url.QueryEscape(uri)
	if len(escaped) > 200 {
		escaped = escaped[:200]
	}
	return escaped
}

// Get returns the cached feed for uri, fetching it if absent (subject to
// network_use), per spec §4.D.
func (m *Manager) Get(uri model.FeedURI) (*model.Feed, error) {
	f, _, err := m.loadCached(uri)
	if err == nil {
		if m.NetworkUse == NetworkOffline {
			return f, nil
		}
		return f, nil
	}

	if m.NetworkUse == NetworkOffline {
		return nil, &FeedNotCachedError{URI: uri}
	}

	return m.GetFresh(uri)
}

// GetFresh bypasses the cache (subject to rate limiting) and fetches uri
// from the network.
func (m *Manager) GetFresh(uri model.FeedURI) (*model.Feed, error) {
	if m.NetworkUse == NetworkOffline {
		f, _, err := m.loadCached(uri)
		if err != nil {
			return nil, &FeedNotCachedError{URI: uri}
		}
		return f, nil
	}

	if m.RateLimited(uri) {
		f, _, err := m.loadCached(uri)
		if err == nil {
			return f, nil
		}
	}

	return m.fetch(uri)
}

// RateLimited reports whether uri was network-fetched within the last
// RateLimit seconds.
func (m *Manager) RateLimited(uri model.FeedURI) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.lastFetch[uri]
	if !ok {
		return false
	}
	return time.Since(last) < m.RateLimit
}

// IsStale reports whether uri's cache entry is older than Freshness, or
// was fetched while offline.
func (m *Manager) IsStale(uri model.FeedURI) bool {
	data, err := os.ReadFile(m.sidecarPath(uri))
	if err != nil {
		return true
	}
	var sc sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return true
	}
	if sc.Offline {
		return true
	}
	return time.Since(sc.FetchedAt) > m.Freshness
}

func (m *Manager) loadCached(uri model.FeedURI) (*model.Feed, sidecar, error) {
	data, err := os.ReadFile(m.cachePath(uri))
	if err != nil {
		return nil, sidecar{}, err
	}

	var sc sidecar
	if scData, err := os.ReadFile(m.sidecarPath(uri)); err == nil {
		yaml.Unmarshal(scData, &sc)
	}

	f, err := parseAndNormalize(data, uri)
	if err != nil {
		return nil, sidecar{}, err
	}
	return f, sc, nil
}

func parseAndNormalize(data []byte, uri model.FeedURI) (*model.Feed, error) {
	payload, _, err := trust.SplitSignatureTrailer(data)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}

	var f model.Feed
	if err := xml.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("feed: parsing %q: %w", uri, err)
	}
	f.URI = uri

	if err := model.Normalize(&f); err != nil {
		return nil, fmt.Errorf("feed: normalizing %q: %w", uri, err)
	}
	return &f, nil
}

// fetch implements the protocol of spec §4.D: conditional GET, signature
// verification, parse+normalize, atomic cache replacement.
func (m *Manager) fetch(uri model.FeedURI) (*model.Feed, error) {
	m.logger().Debug("fetching feed", slog.String("uri", string(uri)))

	req, err := http.NewRequest(http.MethodGet, string(uri), nil)
	if err != nil {
		return nil, fmt.Errorf("feed: building request for %q: %w", uri, err)
	}

	if _, sc, err := m.loadCached(uri); err == nil {
		if sc.ETag != "" {
			req.Header.Set("If-None-Match", sc.ETag)
		}
		if sc.LastModified != "" {
			req.Header.Set("If-Modified-Since", sc.LastModified)
		}
	}

	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	originalHost := req.URL.Hostname()
	finalHost := originalHost
	redirects := 0
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		redirects++
		if redirects > m.MaxRedirects {
			return fmt.Errorf("feed: too many redirects fetching %q", uri)
		}
		finalHost = r.URL.Hostname()
		if finalHost != originalHost {
			m.logger().Warn("feed redirected to a different host, signature must verify under the new host's trust domain",
				slog.String("uri", string(uri)), slog.String("redirected_to", r.URL.Host))
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetching %q: %w", uri, err)
	}
	defer resp.Body.Close()

	m.mu.Lock()
	m.lastFetch[uri] = time.Now()
	m.mu.Unlock()

	if resp.StatusCode == http.StatusNotModified {
		f, _, err := m.loadCached(uri)
		if err != nil {
			return nil, fmt.Errorf("feed: 304 response but no cached copy for %q: %w", uri, err)
		}
		return f, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: fetching %q: unexpected status %s", uri, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("feed: reading response for %q: %w", uri, err)
	}

	payload, signatures, err := trust.SplitSignatureTrailer(body)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	if m.Verifier != nil {
		if _, err := m.Verifier.Verify(payload, signatures, originalHost); err != nil {
			// A redirect to a different host is only acceptable when the
			// signature verifies under a key trusted for THAT host's
			// domain too; otherwise the redirect is rejected even though
			// the HTTP round trip itself already completed.
			if finalHost == originalHost {
				return nil, fmt.Errorf("feed: %q: %w", uri, err)
			}
			if _, err2 := m.Verifier.Verify(payload, signatures, finalHost); err2 != nil {
				return nil, fmt.Errorf("feed: %q: redirected to untrusted domain %q: %w", uri, finalHost, err)
			}
		}
	}

	f, err := parseAndNormalize(body, uri)
	if err != nil {
		return nil, err
	}

	if err := m.writeCacheAtomic(uri, body, sidecar{
		FetchedAt:    time.Now(),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}); err != nil {
		return nil, err
	}

	return f, nil
}

func (m *Manager) writeCacheAtomic(uri model.FeedURI, body []byte, sc sidecar) error {
	if err := os.MkdirAll(m.CacheDir, 0o777); err != nil {
		return fmt.Errorf("feed: creating cache directory: %w", err)
	}

	path := m.cachePath(uri)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("feed: writing cache for %q: %w", uri, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("feed: committing cache for %q: %w", uri, err)
	}

	scData, err := yaml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("feed: encoding sidecar for %q: %w", uri, err)
	}
	scTmp := m.sidecarPath(uri) + ".tmp"
	if err := os.WriteFile(scTmp, scData, 0o644); err != nil {
		return fmt.Errorf("feed: writing sidecar for %q: %w", uri, err)
	}
	return os.Rename(scTmp, m.sidecarPath(uri))
}

// MarkOffline records that uri's current cache entry was served while
// offline, forcing IsStale to return true until a fresh fetch succeeds.
func (m *Manager) MarkOffline(uri model.FeedURI) error {
	_, sc, err := m.loadCached(uri)
	if err != nil {
		return err
	}
	sc.Offline = true
	data, err := os.ReadFile(m.cachePath(uri))
	if err != nil {
		return err
	}
	return m.writeCacheAtomic(uri, data, sc)
}
