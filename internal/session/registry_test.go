package session

import (
	"context"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/tvmux/tvmux/internal/config"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	cfg := config.UserConfig{M3UURL: "http://a.example/list.m3u", IDSuffix: "it"}
	a, b := Fingerprint(cfg), Fingerprint(cfg)
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(a) {
		t.Fatalf("fingerprint format: %q", a)
	}
}

func TestFingerprintFieldSet(t *testing.T) {
	base := config.UserConfig{M3UURL: "http://a.example/list.m3u"}

	// Proxy participates in the fingerprint: same source, different
	// proxy, different session.
	withProxy := base
	withProxy.Proxy = "http://proxy.example"
	if Fingerprint(base) == Fingerprint(withProxy) {
		t.Fatal("proxy change did not change fingerprint")
	}

	// EPGEnabled does not participate.
	withFlag := base
	withFlag.EPGEnabled = true
	if Fingerprint(base) != Fingerprint(withFlag) {
		t.Fatal("EPGEnabled changed fingerprint")
	}

	// Unset fields are absent, not empty-valued: a config with only a
	// later field set must not collide with one holding an earlier one.
	if Fingerprint(config.UserConfig{M3UURL: "x"}) == Fingerprint(config.UserConfig{EPGURL: "x"}) {
		t.Fatal("field name not part of fingerprint input")
	}
}

func TestStorePaths(t *testing.T) {
	if got := CachePath("/data", DefaultID); got != "/data/cache.db" {
		t.Fatalf("default cache path = %q", got)
	}
	if got := CachePath("/data", "abc123"); got != "/data/cache_abc123.db" {
		t.Fatalf("cache path = %q", got)
	}
	if got := EPGPath("/data", DefaultID); got != "/data/epg.db" {
		t.Fatalf("default epg path = %q", got)
	}
	if got := EPGPath("/data", "abc123"); got != "/data/epg_abc123.db" {
		t.Fatalf("epg path = %q", got)
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, clk *fakeClock) *Registry {
	t.Helper()
	r := NewRegistry(config.Config{DataDir: t.TempDir()}, Options{Now: clk.now})
	t.Cleanup(r.Close)
	return r
}

func TestResolveReusesSession(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	r := newTestRegistry(t, clk)
	cfg := config.UserConfig{M3UURL: "http://a.example/list.m3u"}

	a, err := r.Resolve(context.Background(), "", cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := r.Resolve(context.Background(), "", cfg)
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if a != b {
		t.Fatal("same config resolved to different sessions")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if a.ID == DefaultID {
		t.Fatal("configured session resolved to default id")
	}
}

func TestResolveEmptyConfigIsDefaultSession(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	r := newTestRegistry(t, clk)
	s, err := r.Resolve(context.Background(), "", config.UserConfig{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ID != DefaultID {
		t.Fatalf("ID = %q, want %q", s.ID, DefaultID)
	}
}

func TestExplicitIDWins(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	r := newTestRegistry(t, clk)
	cfg := config.UserConfig{M3UURL: "http://a.example/list.m3u"}
	s, err := r.Resolve(context.Background(), "pinned", cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ID != "pinned" {
		t.Fatalf("ID = %q, want pinned", s.ID)
	}
}

func TestRemoveDeletesFilesAndIsIdempotent(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	dataDir := t.TempDir()
	r := NewRegistry(config.Config{DataDir: dataDir}, Options{Now: clk.now})
	defer r.Close()

	s, err := r.Resolve(context.Background(), "", config.UserConfig{M3UURL: "http://a.example/l.m3u"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cachePath := CachePath(dataDir, s.ID)
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatalf("cache db not created: %v", err)
	}

	r.Remove(s.ID)
	r.Remove(s.ID)
	if r.Len() != 0 {
		t.Fatalf("Len after Remove = %d", r.Len())
	}
	if _, err := os.Stat(cachePath); !os.IsNotExist(err) {
		t.Fatalf("cache db still present: %v", err)
	}
	if _, err := os.Stat(EPGPath(dataDir, s.ID)); !os.IsNotExist(err) {
		t.Fatal("epg db still present")
	}
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	r := newTestRegistry(t, clk)

	if _, err := r.Resolve(context.Background(), "", config.UserConfig{}); err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	idle, err := r.Resolve(context.Background(), "", config.UserConfig{M3UURL: "http://a.example/l.m3u"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	active, err := r.Resolve(context.Background(), "", config.UserConfig{M3UURL: "http://b.example/l.m3u"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	clk.advance(25 * time.Hour)
	// Touch one session so only the other expires.
	if _, err := r.Resolve(context.Background(), "", config.UserConfig{M3UURL: "http://b.example/l.m3u"}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	r.sweep()

	if r.Len() != 2 {
		t.Fatalf("Len after sweep = %d, want 2", r.Len())
	}
	if _, err := r.Resolve(context.Background(), active.ID, config.UserConfig{}); err != nil {
		t.Fatalf("active session gone: %v", err)
	}
	// The default session never expires, the idle one did.
	r.mu.Lock()
	_, defaultAlive := r.sessions[DefaultID]
	_, idleAlive := r.sessions[idle.ID]
	r.mu.Unlock()
	if !defaultAlive {
		t.Fatal("default session expired")
	}
	if idleAlive {
		t.Fatal("idle session survived sweep")
	}
}

func TestCloseKeepsFiles(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	dataDir := t.TempDir()
	r := NewRegistry(config.Config{DataDir: dataDir}, Options{Now: clk.now})
	s, err := r.Resolve(context.Background(), "", config.UserConfig{M3UURL: "http://a.example/l.m3u"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r.Close()
	r.Close()
	if _, err := os.Stat(CachePath(dataDir, s.ID)); err != nil {
		t.Fatalf("cache db deleted by Close: %v", err)
	}
	if _, err := os.Stat(EPGPath(dataDir, s.ID)); err != nil {
		t.Fatalf("epg db deleted by Close: %v", err)
	}
}
