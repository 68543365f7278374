// Package cache keeps one session's channel catalog: an in-memory
// snapshot lazily loaded from sqlite, rebuilt from the playlist sources
// on demand or when a 60-second poll finds it stale.
package cache

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tvmux/tvmux/internal/config"
	"github.com/tvmux/tvmux/internal/ident"
	"github.com/tvmux/tvmux/internal/metrics"
	"github.com/tvmux/tvmux/internal/playlist"
	"github.com/tvmux/tvmux/internal/schedule"
)

const (
	// defaultStaleThreshold applies when no update_interval is configured
	// or the configured one does not parse.
	defaultStaleThreshold = 12 * time.Hour
	pollInterval          = time.Minute
)

var intervalRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// Snapshot is one applied catalog build. Replaced wholesale on rebuild,
// never mutated in place.
type Snapshot struct {
	Channels    []playlist.Channel
	Genres      []string
	EPGURLs     []string
	M3UURL      string
	LastUpdated time.Time
}

// Options configures an Orchestrator. Zero values get defaults.
type Options struct {
	Pipeline *playlist.Pipeline
	Now      func() time.Time
}

// Orchestrator owns one session's catalog lifecycle. Safe for concurrent
// use; overlapping rebuilds collapse to one via the inFlight guard.
type Orchestrator struct {
	store    *store
	logKey   string
	pipeline *playlist.Pipeline
	now      func() time.Time

	mu          sync.Mutex
	cfg         config.UserConfig
	inFlight    bool
	loaded      bool
	snap        Snapshot
	filterGenre string
	filterQuery string
	pollJob     *schedule.Job
	destroyed   bool
	onUpdate    []func(Snapshot)
	onError     []func(error)
}

// New opens the catalog store at path and starts the staleness poll.
func New(path, logKey string, cfg config.UserConfig, opts Options) (*Orchestrator, error) {
	st, err := openStore(path)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		store:    st,
		logKey:   logKey,
		pipeline: opts.Pipeline,
		now:      opts.Now,
		cfg:      cfg,
	}
	if o.pipeline == nil {
		o.pipeline = &playlist.Pipeline{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.mu.Lock()
	o.pollJob = schedule.Every(pollInterval, o.pollOnce)
	o.mu.Unlock()
	return o, nil
}

// OnUpdate registers fn to run after every applied rebuild.
func (o *Orchestrator) OnUpdate(fn func(Snapshot)) {
	o.mu.Lock()
	o.onUpdate = append(o.onUpdate, fn)
	o.mu.Unlock()
}

// OnError registers fn to run after every failed rebuild.
func (o *Orchestrator) OnError(fn func(error)) {
	o.mu.Lock()
	o.onError = append(o.onError, fn)
	o.mu.Unlock()
}

// ensureLoaded pulls the persisted snapshot into memory once per
// Orchestrator lifetime. Read failures leave an empty snapshot; the next
// rebuild overwrites the store anyway.
func (o *Orchestrator) ensureLoaded(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loaded {
		return
	}
	o.loaded = true
	snap, err := o.store.load(ctx)
	if err != nil {
		log.Printf("cache[%s]: load persisted snapshot: %v", o.logKey, err)
		return
	}
	o.snap = snap
	if len(snap.Channels) > 0 {
		log.Printf("cache[%s]: reattached snapshot: %d channel(s), built %s",
			o.logKey, len(snap.Channels), snap.LastUpdated.Format(time.RFC3339))
	}
}

// Rebuild runs one catalog build from sourceURL, merging override into
// the session config first. A call while a build is in flight is a silent
// no-op. On failure the previous snapshot stays authoritative. Listeners
// are notified exactly once per attempt, after the in-flight flag clears.
func (o *Orchestrator) Rebuild(ctx context.Context, sourceURL string, override config.UserConfig) error {
	o.ensureLoaded(ctx)
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		log.Printf("cache[%s]: rebuild already in progress, skip", o.logKey)
		metrics.RebuildsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	o.inFlight = true
	o.cfg = o.cfg.Merge(override)
	cfg := o.cfg
	o.mu.Unlock()

	result, err := o.pipeline.LoadAndTransform(ctx, sourceURL, cfg, o.logKey)
	if err != nil {
		o.mu.Lock()
		o.inFlight = false
		errFns := slices.Clone(o.onError)
		o.mu.Unlock()
		metrics.RebuildsTotal.WithLabelValues("failed").Inc()
		for _, fn := range errFns {
			fn(err)
		}
		return fmt.Errorf("rebuild catalog: %w", err)
	}

	snap := Snapshot{
		Channels:    result.Channels,
		Genres:      result.Genres,
		EPGURLs:     result.EPGURLs,
		M3UURL:      sourceURL,
		LastUpdated: o.now(),
	}
	if err := o.store.save(ctx, snap); err != nil {
		// In-memory state stays authoritative over the durable copy.
		log.Printf("cache[%s]: persist snapshot: %v", o.logKey, err)
	}

	o.mu.Lock()
	o.snap = snap
	o.inFlight = false
	updateFns := slices.Clone(o.onUpdate)
	o.mu.Unlock()
	metrics.RebuildsTotal.WithLabelValues("applied").Inc()
	metrics.CatalogChannels.Set(float64(len(snap.Channels)))
	log.Printf("cache[%s]: rebuild applied: %d channel(s), %d genre(s)",
		o.logKey, len(snap.Channels), len(snap.Genres))
	for _, fn := range updateFns {
		fn(snap)
	}
	return nil
}

// IsStale reports whether the snapshot is due for a rebuild: always true
// before the first successful build, otherwise elapsed time against the
// configured H:MM threshold (default 12h).
func (o *Orchestrator) IsStale() bool {
	o.ensureLoaded(context.Background())
	o.mu.Lock()
	last := o.snap.LastUpdated
	interval := o.cfg.UpdateInterval
	o.mu.Unlock()
	if last.IsZero() {
		return true
	}
	return o.now().Sub(last) >= o.staleThreshold(interval)
}

func (o *Orchestrator) staleThreshold(interval string) time.Duration {
	if interval == "" {
		return defaultStaleThreshold
	}
	m := intervalRe.FindStringSubmatch(interval)
	if m == nil {
		log.Printf("cache[%s]: invalid update interval %q, using default 12h", o.logKey, interval)
		return defaultStaleThreshold
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	if hours > 23 || minutes > 59 {
		log.Printf("cache[%s]: invalid update interval %q, using default 12h", o.logKey, interval)
		return defaultStaleThreshold
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
}

// pollOnce is the 60s staleness check: rebuild only when the snapshot is
// both present and stale, errors logged and swallowed.
func (o *Orchestrator) pollOnce() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.ensureLoaded(context.Background())
	o.mu.Lock()
	url := o.snap.M3UURL
	empty := len(o.snap.Channels) == 0
	o.mu.Unlock()
	if empty || url == "" || !o.IsStale() {
		return
	}
	log.Printf("cache[%s]: snapshot stale, rebuilding", o.logKey)
	if err := o.Rebuild(context.Background(), url, config.UserConfig{}); err != nil {
		log.Printf("cache[%s]: scheduled rebuild: %v", o.logKey, err)
	}
}

// UpdateConfig applies newCfg: a source URL change drops the current
// channel data and rebuilds from the new source when one is set; guide
// fields are the guide store's business; interval, suffix or remap
// changes restart the poll.
func (o *Orchestrator) UpdateConfig(ctx context.Context, newCfg config.UserConfig) {
	o.ensureLoaded(ctx)
	o.mu.Lock()
	old := o.cfg
	o.cfg = o.cfg.Merge(newCfg)
	merged := o.cfg

	sourceChanged := newCfg.M3UURL != "" && newCfg.M3UURL != old.M3UURL
	pollingChanged := merged.UpdateInterval != old.UpdateInterval ||
		merged.IDSuffix != old.IDSuffix ||
		merged.RemapperPath != old.RemapperPath

	if sourceChanged {
		o.snap.Channels = nil
		o.snap.M3UURL = ""
		o.snap.LastUpdated = time.Time{}
	}
	if pollingChanged && !o.destroyed {
		o.pollJob.Stop()
		o.pollJob = schedule.Every(pollInterval, o.pollOnce)
		log.Printf("cache[%s]: polling restarted", o.logKey)
	}
	o.mu.Unlock()

	if sourceChanged {
		if err := o.store.clearSource(ctx); err != nil {
			log.Printf("cache[%s]: clear source data: %v", o.logKey, err)
		}
		log.Printf("cache[%s]: source changed, rebuilding from %s", o.logKey, merged.M3UURL)
		if err := o.Rebuild(ctx, merged.M3UURL, config.UserConfig{}); err != nil {
			log.Printf("cache[%s]: rebuild after config change: %v", o.logKey, err)
		}
	}
}

// CachedData returns the current snapshot.
func (o *Orchestrator) CachedData() Snapshot {
	o.ensureLoaded(context.Background())
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Channel resolves id against the catalog: the tv| prefix is stripped,
// then exact id (with and without the configured suffix), then guide id,
// then normalized display name.
func (o *Orchestrator) Channel(id string) *playlist.Channel {
	snap := o.CachedData()
	o.mu.Lock()
	suffix := o.cfg.IDSuffix
	o.mu.Unlock()

	want := ident.Normalize(strings.TrimPrefix(id, "tv|"))
	if want == "" {
		return nil
	}
	for i := range snap.Channels {
		ch := &snap.Channels[i]
		cid := strings.TrimPrefix(ch.ID, "tv|")
		if cid == want || ident.StripSuffix(cid, suffix) == want {
			return ch
		}
		if tvg := ident.Normalize(ch.TVGID); tvg != "" && tvg == want {
			return ch
		}
	}
	for i := range snap.Channels {
		ch := &snap.Channels[i]
		if ident.Normalize(ch.Name) == want {
			return ch
		}
	}
	return nil
}

// settingsGenre spellings: the gear symbol plus two legacy labels.
func isSettingsQuery(genre string) bool {
	return genre == "⚙️" || genre == "Settings"
}

func isSettingsGenre(g string) bool {
	return g == "~SETTINGS~" || g == "Settings" || g == "⚙️"
}

// ChannelsByGenre returns the channels carrying genre, recording it as
// the active filter. The settings pseudo-genre matches under any of its
// spellings.
func (o *Orchestrator) ChannelsByGenre(genre string) []playlist.Channel {
	snap := o.CachedData()
	o.mu.Lock()
	o.filterGenre = genre
	o.filterQuery = ""
	o.mu.Unlock()

	var out []playlist.Channel
	for _, ch := range snap.Channels {
		for _, g := range ch.Genres {
			if g == genre || (isSettingsQuery(genre) && isSettingsGenre(g)) {
				out = append(out, ch)
				break
			}
		}
	}
	return out
}

// SearchChannels returns the channels whose normalized name contains the
// normalized query, recording it as the active filter. An empty query
// matches everything.
func (o *Orchestrator) SearchChannels(query string) []playlist.Channel {
	snap := o.CachedData()
	o.mu.Lock()
	o.filterQuery = query
	o.filterGenre = ""
	o.mu.Unlock()

	q := ident.Normalize(query)
	if q == "" {
		return snap.Channels
	}
	var out []playlist.Channel
	for _, ch := range snap.Channels {
		if strings.Contains(ident.Normalize(ch.Name), q) {
			out = append(out, ch)
		}
	}
	return out
}

// ClearFilter forgets the recorded genre/search filter.
func (o *Orchestrator) ClearFilter() {
	o.mu.Lock()
	o.filterGenre = ""
	o.filterQuery = ""
	o.mu.Unlock()
}

// FilteredChannels re-applies the most recently recorded filter, or
// returns the full catalog when none is active.
func (o *Orchestrator) FilteredChannels() []playlist.Channel {
	o.mu.Lock()
	genre, query := o.filterGenre, o.filterQuery
	o.mu.Unlock()
	switch {
	case genre != "":
		return o.ChannelsByGenre(genre)
	case query != "":
		return o.SearchChannels(query)
	default:
		return o.CachedData().Channels
	}
}

// Config returns the current merged session config.
func (o *Orchestrator) Config() config.UserConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Close stops the poll and releases the store, keeping the db file so a
// restart reattaches to it. Idempotent.
func (o *Orchestrator) Close() {
	o.teardown(false)
}

// Destroy stops the poll, closes the store and deletes its file.
// Idempotent.
func (o *Orchestrator) Destroy() {
	o.teardown(true)
}

func (o *Orchestrator) teardown(removeFile bool) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	job := o.pollJob
	o.pollJob = nil
	o.mu.Unlock()

	job.Stop()
	if err := o.store.close(); err != nil {
		log.Printf("cache[%s]: close: %v", o.logKey, err)
	}
	if !removeFile {
		return
	}
	if err := o.store.removeFile(); err != nil {
		log.Printf("cache[%s]: remove db file: %v", o.logKey, err)
	}
	log.Printf("cache[%s]: destroyed", o.logKey)
}
