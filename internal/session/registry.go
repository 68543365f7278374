package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tvmux/tvmux/internal/cache"
	"github.com/tvmux/tvmux/internal/config"
	"github.com/tvmux/tvmux/internal/epg"
	"github.com/tvmux/tvmux/internal/httpclient"
	"github.com/tvmux/tvmux/internal/metrics"
	"github.com/tvmux/tvmux/internal/playlist"
	"github.com/tvmux/tvmux/internal/schedule"
)

const (
	// idleTTL is how long a non-default session may go untouched before
	// the sweep tears it down.
	idleTTL       = 24 * time.Hour
	sweepInterval = 15 * time.Minute
)

// Session is one fingerprint's catalog/guide pair.
type Session struct {
	ID    string
	Cache *cache.Orchestrator
	EPG   *epg.Store

	lastActivity time.Time
}

// Options configures a Registry. Zero values get defaults from cfg.
type Options struct {
	Pipeline *playlist.Pipeline
	Now      func() time.Time
}

// Registry owns every live session. Safe for concurrent use.
type Registry struct {
	cfg      config.Config
	pipeline *playlist.Pipeline
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	sweepJob *schedule.Job
	closed   bool
}

// NewRegistry builds a registry rooted at cfg.DataDir and starts the
// 15-minute expiry sweep.
func NewRegistry(cfg config.Config, opts Options) *Registry {
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = &playlist.Pipeline{
			Client:           httpclient.WithTimeout(cfg.FetchTimeout),
			DefaultUserAgent: cfg.DefaultUserAgent,
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		cfg:      cfg,
		pipeline: pipeline,
		now:      now,
		sessions: make(map[string]*Session),
	}
	r.sweepJob = schedule.Every(sweepInterval, r.sweep)
	return r
}

// Resolve returns the session for ucfg, creating it on first reference.
// explicitID wins over the fingerprint when supplied; an all-empty config
// resolves to the default session. Every call touches the session's
// activity timestamp.
func (r *Registry) Resolve(ctx context.Context, explicitID string, ucfg config.UserConfig) (*Session, error) {
	id := explicitID
	if id == "" {
		if ucfg == (config.UserConfig{}) {
			id = DefaultID
		} else {
			id = Fingerprint(ucfg)
		}
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.lastActivity = r.now()
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	orch, err := cache.New(CachePath(r.cfg.DataDir, id), id, ucfg, cache.Options{
		Pipeline: r.pipeline,
		Now:      r.now,
	})
	if err != nil {
		return nil, err
	}
	store, err := epg.Open(EPGPath(r.cfg.DataDir, id), id, epg.Options{
		FetchTimeout:   r.cfg.EPGFetchTimeout,
		TimezoneOffset: r.cfg.TimezoneOffset,
		Now:            r.now,
	})
	if err != nil {
		orch.Close()
		return nil, err
	}
	s := &Session{ID: id, Cache: orch, EPG: store, lastActivity: r.now()}

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		// Lost a create race; keep the winner.
		existing.lastActivity = r.now()
		r.mu.Unlock()
		orch.Close()
		store.Close()
		return existing, nil
	}
	r.sessions[id] = s
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	log.Printf("session[%s]: created", id)
	if ucfg.EPGEnabled && ucfg.EPGURL != "" {
		go store.InitializeEPG(context.Background(), ucfg.EPGURL)
	}
	return s, nil
}

// Remove tears down the session: polling and schedules stopped, db files
// deleted, registry entry dropped. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Cache.Destroy()
	s.EPG.Remove()
	metrics.ActiveSessions.Dec()
	log.Printf("session[%s]: removed", id)
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweep expires non-default sessions idle for idleTTL or longer.
func (r *Registry) sweep() {
	cutoff := r.now().Add(-idleTTL)
	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if id == DefaultID {
			continue
		}
		if !s.lastActivity.After(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()
	for _, id := range expired {
		log.Printf("session[%s]: idle for %s, expiring", id, idleTTL)
		r.Remove(id)
	}
}

// Close stops the sweep and releases every session's stores, keeping the
// db files so a restart reattaches to them. Idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	job := r.sweepJob
	r.sweepJob = nil
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	job.Stop()
	for _, s := range sessions {
		s.Cache.Close()
		s.EPG.Close()
	}
}
