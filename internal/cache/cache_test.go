package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tvmux/tvmux/internal/config"
	"github.com/tvmux/tvmux/internal/playlist"
	"github.com/tvmux/tvmux/internal/schedule"
)

const catalogDoc = `#EXTM3U
#EXTINF:-1 tvg-id="news1" tvg-logo="http://img.example/n1.png" group-title="News",News One
http://stream.example/news1
#EXTINF:-1 tvg-id="sport1" group-title="Sport",Sport One
http://stream.example/sport1
#EXTINF:-1 tvg-id="cfg" group-title="~SETTINGS~",Impostazioni
http://stream.example/cfg
`

func playlistServer(t *testing.T, doc string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(t *testing.T, cfg config.UserConfig, now func() time.Time) *Orchestrator {
	t.Helper()
	o, err := New(filepath.Join(t.TempDir(), "cache.db"), "test", cfg, Options{Now: now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Destroy)
	return o
}

func TestRebuildAppliesSnapshot(t *testing.T) {
	srv := playlistServer(t, catalogDoc)
	o := newTestOrchestrator(t, config.UserConfig{}, nil)

	var updates atomic.Int32
	o.OnUpdate(func(Snapshot) { updates.Add(1) })
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	snap := o.CachedData()
	if len(snap.Channels) != 3 {
		t.Fatalf("channels = %d, want 3", len(snap.Channels))
	}
	if len(snap.Genres) != 3 {
		t.Fatalf("genres = %v, want News, Sport and ~SETTINGS~", snap.Genres)
	}
	if snap.LastUpdated.IsZero() {
		t.Fatal("LastUpdated not set")
	}
	if updates.Load() != 1 {
		t.Fatalf("update notifications = %d, want 1", updates.Load())
	}
	if o.IsStale() {
		t.Fatal("fresh snapshot reported stale")
	}
}

func TestRebuildFailureKeepsSnapshot(t *testing.T) {
	good := playlistServer(t, catalogDoc)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	o := newTestOrchestrator(t, config.UserConfig{}, nil)
	var errs atomic.Int32
	o.OnError(func(error) { errs.Add(1) })

	if err := o.Rebuild(context.Background(), good.URL, config.UserConfig{}); err != nil {
		t.Fatalf("first Rebuild: %v", err)
	}
	if err := o.Rebuild(context.Background(), bad.URL, config.UserConfig{}); err == nil {
		t.Fatal("Rebuild against dead source did not error")
	}
	if errs.Load() != 1 {
		t.Fatalf("error notifications = %d, want 1", errs.Load())
	}
	if got := len(o.CachedData().Channels); got != 3 {
		t.Fatalf("snapshot after failed rebuild = %d channels, want 3", got)
	}
}

func TestConcurrentRebuildSkipsSecond(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, catalogDoc)
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, config.UserConfig{}, nil)
	var updates atomic.Int32
	o.OnUpdate(func(Snapshot) { updates.Add(1) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
			t.Errorf("first Rebuild: %v", err)
		}
	}()
	// Wait for the first build to reach the network before racing it.
	for hits.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}
	if updates.Load() != 0 {
		t.Fatal("skipped rebuild notified listeners")
	}
	close(release)
	wg.Wait()
	if updates.Load() != 1 {
		t.Fatalf("update notifications = %d, want 1", updates.Load())
	}
	if got := len(o.CachedData().Channels); got != 3 {
		t.Fatalf("channels = %d, want 3", got)
	}
}

func TestIsStaleThresholds(t *testing.T) {
	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	o := newTestOrchestrator(t, config.UserConfig{}, now)
	if !o.IsStale() {
		t.Fatal("never-built orchestrator not stale")
	}

	srv := playlistServer(t, catalogDoc)
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	clock = clock.Add(11 * time.Hour)
	if o.IsStale() {
		t.Fatal("stale before 12h default threshold")
	}
	clock = clock.Add(2 * time.Hour)
	if !o.IsStale() {
		t.Fatal("not stale after 13h with 12h default")
	}

	// Malformed interval falls back to the 12h default.
	o.UpdateConfig(context.Background(), config.UserConfig{UpdateInterval: "25:99"})
	if o.IsStale() != true {
		t.Fatal("13h old snapshot with fallback threshold not stale")
	}
	clock = clock.Add(-12 * time.Hour)
	if o.IsStale() {
		t.Fatal("1h old snapshot stale under fallback 12h threshold")
	}

	// "0:00" means always rebuild.
	o.UpdateConfig(context.Background(), config.UserConfig{UpdateInterval: "0:00"})
	if !o.IsStale() {
		t.Fatal("0:00 interval not always stale")
	}
}

func TestChannelLookup(t *testing.T) {
	srv := playlistServer(t, catalogDoc)
	o := newTestOrchestrator(t, config.UserConfig{IDSuffix: "it"}, nil)
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	for _, id := range []string{"tv|news1.it", "news1.it", "news1"} {
		ch := o.Channel(id)
		if ch == nil || ch.Name != "News One" {
			t.Fatalf("Channel(%q) = %+v, want News One", id, ch)
		}
	}
	// Display-name fallback.
	if ch := o.Channel("Sport One"); ch == nil || ch.Name != "Sport One" {
		t.Fatalf("name fallback = %+v", ch)
	}
	if ch := o.Channel("tv|nosuch"); ch != nil {
		t.Fatalf("unknown id = %+v", ch)
	}
}

func TestRebuildNotifiesEveryListener(t *testing.T) {
	srv := playlistServer(t, catalogDoc)
	o := newTestOrchestrator(t, config.UserConfig{}, nil)

	var first, second atomic.Int32
	o.OnUpdate(func(Snapshot) { first.Add(1) })
	o.OnUpdate(func(Snapshot) { second.Add(1) })
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if first.Load() != 1 || second.Load() != 1 {
		t.Fatalf("listener calls = %d, %d, want 1 each", first.Load(), second.Load())
	}
}

func TestNameLookupIgnoresNonWordCharacters(t *testing.T) {
	// Names with separators the id charset strips must still resolve
	// through the shared identity space.
	srv := playlistServer(t, `#EXTM3U
#EXTINF:-1 tvg-id="tgcom" group-title="News",TG-COM 24
http://stream.example/tgcom
`)
	o := newTestOrchestrator(t, config.UserConfig{}, nil)
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if ch := o.Channel("tgcom24"); ch == nil || ch.Name != "TG-COM 24" {
		t.Fatalf("Channel(tgcom24) = %+v, want name-fallback hit", ch)
	}
	if got := o.SearchChannels("tgcom"); len(got) != 1 || got[0].Name != "TG-COM 24" {
		t.Fatalf("SearchChannels(tgcom) = %+v", got)
	}
	if got := o.SearchChannels("tg-com 24"); len(got) != 1 {
		t.Fatalf("SearchChannels(tg-com 24) = %+v", got)
	}
}

func TestSearchChannelsEmptyQueryReturnsAll(t *testing.T) {
	srv := playlistServer(t, catalogDoc)
	o := newTestOrchestrator(t, config.UserConfig{}, nil)
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := o.SearchChannels(""); len(got) != 3 {
		t.Fatalf("SearchChannels(\"\") = %d channels, want 3", len(got))
	}
}

func TestGenreAndSearchFilters(t *testing.T) {
	srv := playlistServer(t, catalogDoc)
	o := newTestOrchestrator(t, config.UserConfig{}, nil)
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if got := o.ChannelsByGenre("News"); len(got) != 1 || got[0].Name != "News One" {
		t.Fatalf("ChannelsByGenre(News) = %+v", got)
	}
	if got := o.FilteredChannels(); len(got) != 1 {
		t.Fatalf("FilteredChannels after genre = %d", len(got))
	}
	// Settings pseudo-genre under both accepted spellings.
	for _, q := range []string{"⚙️", "Settings"} {
		if got := o.ChannelsByGenre(q); len(got) != 1 || got[0].Name != "Impostazioni" {
			t.Fatalf("ChannelsByGenre(%q) = %+v", q, got)
		}
	}

	if got := o.SearchChannels("sport"); len(got) != 1 || got[0].Name != "Sport One" {
		t.Fatalf("SearchChannels(sport) = %+v", got)
	}
	if got := o.FilteredChannels(); len(got) != 1 || got[0].Name != "Sport One" {
		t.Fatalf("FilteredChannels after search = %+v", got)
	}
	o.ClearFilter()
	if got := o.FilteredChannels(); len(got) != 3 {
		t.Fatalf("FilteredChannels after clear = %d, want 3", len(got))
	}
}

func TestSnapshotSurvivesReattach(t *testing.T) {
	srv := playlistServer(t, catalogDoc)
	path := filepath.Join(t.TempDir(), "cache.db")

	o, err := New(path, "test", config.UserConfig{}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	o.mu.Lock()
	o.pollJob.Stop()
	o.mu.Unlock()
	if err := o.store.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	o2, err := New(path, "test", config.UserConfig{}, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer o2.Destroy()
	snap := o2.CachedData()
	if len(snap.Channels) != 3 || snap.M3UURL != srv.URL || snap.LastUpdated.IsZero() {
		t.Fatalf("reattached snapshot = %d channels, url %q", len(snap.Channels), snap.M3UURL)
	}
	if snap.Channels[0].Name != "News One" {
		t.Fatalf("channel order lost: %+v", snap.Channels[0])
	}
}

func TestUpdateConfigSourceChangeRebuilds(t *testing.T) {
	first := playlistServer(t, catalogDoc)
	second := playlistServer(t, `#EXTM3U
#EXTINF:-1 tvg-id="solo" group-title="News",Solo
http://stream.example/solo
`)
	o := newTestOrchestrator(t, config.UserConfig{M3UURL: first.URL}, nil)
	if err := o.Rebuild(context.Background(), first.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	o.UpdateConfig(context.Background(), config.UserConfig{M3UURL: second.URL})
	snap := o.CachedData()
	if len(snap.Channels) != 1 || snap.Channels[0].Name != "Solo" {
		t.Fatalf("snapshot after source change = %+v", snap.Channels)
	}
	if snap.M3UURL != second.URL {
		t.Fatalf("M3UURL = %q, want %q", snap.M3UURL, second.URL)
	}
}

func TestUpdateConfigRestartsPolling(t *testing.T) {
	o := newTestOrchestrator(t, config.UserConfig{}, nil)
	pollJob := func() *schedule.Job {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.pollJob
	}

	before := pollJob()
	o.UpdateConfig(context.Background(), config.UserConfig{UpdateInterval: "1:00"})
	after := pollJob()
	if after == before {
		t.Fatal("interval change did not restart polling")
	}

	// Guide-only changes are the guide store's business.
	o.UpdateConfig(context.Background(), config.UserConfig{EPGURL: "http://guide.example/epg.xml"})
	if pollJob() != after {
		t.Fatal("guide-only change restarted polling")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	o, err := New(path, "test", config.UserConfig{}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.Destroy()
	o.Destroy()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("db file still present after Destroy: %v", err)
	}
}

func TestHasRealVariantRoundTrip(t *testing.T) {
	// Placeholder-only channels persist and reload with their variants.
	srv := playlistServer(t, `#EXTM3U
#EXTINF:-1 tvg-id="ghost" group-title="News",Ghost
null
`)
	o := newTestOrchestrator(t, config.UserConfig{}, nil)
	if err := o.Rebuild(context.Background(), srv.URL, config.UserConfig{}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	ch := o.Channel("ghost")
	if ch == nil || ch.HasRealVariant() {
		t.Fatalf("placeholder channel = %+v", ch)
	}
	if len(ch.Variants) != 1 || ch.Variants[0].URL != playlist.DummyStreamURL {
		t.Fatalf("variants = %+v", ch.Variants)
	}
}
