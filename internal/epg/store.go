// Package epg downloads, decompresses and parses broadcast guide
// documents into a per-session sqlite store, with time-windowed retention
// and dual-identity channel lookup.
package epg

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tvmux/tvmux/internal/fetch"
	"github.com/tvmux/tvmux/internal/httpclient"
	"github.com/tvmux/tvmux/internal/ident"
	"github.com/tvmux/tvmux/internal/metrics"
	"github.com/tvmux/tvmux/internal/playlist"
	"github.com/tvmux/tvmux/internal/schedule"
)

const (
	// chunkSize bounds memory while inserting programme batches.
	chunkSize = 5000
	// retentionPast / retentionFuture bound the [now-1h, now+7d] window
	// outside of which programmes are discarded.
	retentionPast   = time.Hour
	retentionFuture = 7 * 24 * time.Hour
	// cleanupInterval runs the retention sweep between full refreshes.
	cleanupInterval = 6 * time.Hour
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS programs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    stop_time INTEGER NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    category TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_channel_time
    ON programs(channel_id, start_time, stop_time);
CREATE INDEX IF NOT EXISTS idx_stop_time
    ON programs(stop_time);
CREATE TABLE IF NOT EXISTS channel_icons (
    channel_id TEXT PRIMARY KEY,
    icon_url TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT
);
`

// Program is one guide row. Times are absolute instants; Stop is always
// after Start for stored rows.
type Program struct {
	ChannelID   string
	Start       time.Time
	Stop        time.Time
	Title       string
	Description string
	Category    string
}

// Status is a point-in-time summary of the store, for status surfaces.
type Status struct {
	IsUpdating    bool
	LastUpdate    string
	ChannelsCount int
	IconsCount    int
	ProgramsCount int
	Timezone      string
	StorageType   string
}

// Options configures a Store. Zero values get sane defaults.
type Options struct {
	Client         *http.Client
	FetchTimeout   time.Duration
	TimezoneOffset string
	Now            func() time.Time
}

// Store is one session's guide store. All methods are safe for concurrent
// use; overlapping refreshes collapse to one via the isUpdating guard.
type Store struct {
	db       *sql.DB
	path     string
	logKey   string
	client   *http.Client
	tzLabel  string
	tzOffset time.Duration
	now      func() time.Time

	mu         sync.Mutex
	isUpdating bool
	lastUpdate time.Time
	lastURL    string
	dailyJob   *schedule.Job
	cleanupJob *schedule.Job
	removed    bool
}

// Open creates or reattaches the guide store at path and starts the
// periodic retention sweep.
func Open(path, logKey string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open guide db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create guide schema: %w", err)
	}

	client := opts.Client
	if client == nil {
		timeout := opts.FetchTimeout
		if timeout <= 0 {
			timeout = 100 * time.Second
		}
		client = httpclient.WithTimeout(timeout)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	label, offset := parseTimezoneOffset(opts.TimezoneOffset)

	s := &Store{
		db:       db,
		path:     path,
		logKey:   logKey,
		client:   client,
		tzLabel:  label,
		tzOffset: offset,
		now:      now,
	}
	s.cleanupJob = schedule.Every(cleanupInterval, func() { s.CleanupOldPrograms() })
	return s, nil
}

// InitializeEPG applies url: a no-op when the same URL is already applied
// and the store holds data, otherwise a refresh now plus a daily refresh
// at 03:00 installed once.
func (s *Store) InitializeEPG(ctx context.Context, url string) {
	s.mu.Lock()
	same := s.lastURL == url
	s.lastURL = url
	s.mu.Unlock()
	if same && s.IsAvailable() {
		return
	}
	s.StartUpdate(ctx, url)
	s.mu.Lock()
	if s.dailyJob == nil {
		s.dailyJob = schedule.DailyAt(3, 0, func() {
			s.StartUpdate(context.Background(), s.LastURL())
		})
		log.Printf("epg[%s]: daily update scheduled (03:00)", s.logKey)
	}
	s.mu.Unlock()
	log.Printf("epg[%s]: init done, URL: %s", s.logKey, url)
}

// LastURL returns the most recently applied guide URL.
func (s *Store) LastURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL
}

// StartUpdate runs one full guide refresh: resolve url into guide
// documents, clear the tables, ingest each document, sweep retention. A
// call while a refresh is in flight is a silent no-op. Individual document
// failures are logged and the loop continues.
func (s *Store) StartUpdate(ctx context.Context, url string) {
	s.mu.Lock()
	if s.isUpdating {
		s.mu.Unlock()
		log.Printf("epg[%s]: update already in progress, skip", s.logKey)
		metrics.EPGUpdatesTotal.WithLabelValues("skipped").Inc()
		return
	}
	s.isUpdating = true
	s.mu.Unlock()
	started := s.now()
	failed := false
	defer func() {
		s.mu.Lock()
		s.isUpdating = false
		s.lastUpdate = s.now()
		s.mu.Unlock()
		if failed {
			metrics.EPGUpdatesTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.EPGUpdatesTotal.WithLabelValues("completed").Inc()
		}
	}()

	urls := s.resolveGuideURLs(ctx, url)

	// Full-replace semantics: the previous dataset is gone before the
	// first document lands.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM programs"); err != nil {
		log.Printf("epg[%s]: clear programs: %v", s.logKey, err)
		failed = true
		return
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM channel_icons"); err != nil {
		log.Printf("epg[%s]: clear icons: %v", s.logKey, err)
	}

	total := 0
	docFailures := 0
	for _, u := range urls {
		n, err := s.processDocument(ctx, u)
		if err != nil {
			log.Printf("epg[%s]: document %s: %v", s.logKey, u, err)
			docFailures++
			continue
		}
		total += n
	}
	// A run that fetched nothing is a failure, not a completion.
	if len(urls) > 0 && docFailures == len(urls) {
		failed = true
	}
	s.CleanupOldPrograms()

	var channels int
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT channel_id) FROM programs").Scan(&channels)
	metrics.EPGProgramsStored.Set(float64(total))
	log.Printf("epg[%s]: update done in %.1fs, %d program(s), %d channel(s)",
		s.logKey, s.now().Sub(started).Seconds(), total, channels)
}

// resolveGuideURLs expands url into concrete guide-document URLs: a comma
// list splits, a .gz URL is a document, a body that is itself markup is a
// document, any other body is a newline list of document URLs. On fetch
// failure the url is used as-is and the error surfaces at download time.
func (s *Store) resolveGuideURLs(ctx context.Context, url string) []string {
	url = strings.TrimSpace(url)
	if strings.Contains(url, ",") {
		var out []string
		for _, u := range strings.Split(url, ",") {
			if u = strings.TrimSpace(u); u != "" {
				out = append(out, u)
			}
		}
		return out
	}
	if strings.HasSuffix(url, ".gz") {
		return []string{url}
	}
	content, err := fetch.Text(ctx, s.client, url)
	if err != nil {
		log.Printf("epg[%s]: resolve %s: %v", s.logKey, url, err)
		return []string{url}
	}
	if strings.Contains(content, "<?xml") || strings.Contains(content, "<tv") {
		return []string{url}
	}
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "http") {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		return []string{url}
	}
	return out
}

// processDocument ingests one guide document and returns the number of
// programmes stored.
func (s *Store) processDocument(ctx context.Context, url string) (int, error) {
	header := http.Header{}
	header.Set("User-Agent", "Mozilla/5.0")
	header.Set("Accept-Encoding", "gzip, deflate, br")
	raw, err := fetch.Bytes(ctx, s.client, url, header)
	if err != nil {
		return 0, err
	}
	data := decompress(raw)

	batch := make([]Program, 0, chunkSize)
	stored := 0
	skippedOld, skippedFuture := 0, 0
	now := s.now()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.insertPrograms(ctx, batch); err != nil {
			return err
		}
		stored += len(batch)
		batch = batch[:0]
		return nil
	}

	err = parseXMLTV(bytes.NewReader(data),
		func(ch xmltvChannel) {
			id := ident.Normalize(ch.ID)
			if id == "" || ch.Icon == "" {
				return
			}
			if _, err := s.db.ExecContext(ctx,
				"INSERT OR REPLACE INTO channel_icons (channel_id, icon_url) VALUES (?, ?)",
				id, ch.Icon); err != nil {
				log.Printf("epg[%s]: icon upsert %s: %v", s.logKey, id, err)
			}
		},
		func(p xmltvProgramme) error {
			start, okStart := parseXMLTVTime(p.Start)
			stop, okStop := parseXMLTVTime(p.Stop)
			if !okStart || !okStop || !stop.After(start) {
				return nil
			}
			if stop.Before(now.Add(-retentionPast)) {
				skippedOld++
				return nil
			}
			if start.After(now.Add(retentionFuture)) {
				skippedFuture++
				return nil
			}
			batch = append(batch, Program{
				ChannelID:   ident.Normalize(p.Channel),
				Start:       start,
				Stop:        stop,
				Title:       p.Title,
				Description: p.Description,
				Category:    p.Category,
			})
			if len(batch) >= chunkSize {
				return flush()
			}
			return nil
		})
	if err != nil {
		return stored, err
	}
	if err := flush(); err != nil {
		return stored, err
	}
	if skippedOld > 0 || skippedFuture > 0 {
		log.Printf("epg[%s]: %s: skipped %d old, %d too-future programme(s)",
			s.logKey, url, skippedOld, skippedFuture)
	}
	return stored, nil
}

func (s *Store) insertPrograms(ctx context.Context, programs []Program) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin programme batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR REPLACE INTO programs
        (channel_id, start_time, stop_time, title, description, category)
        VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare programme insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range programs {
		if _, err := stmt.ExecContext(ctx,
			p.ChannelID, p.Start.UnixMilli(), p.Stop.UnixMilli(),
			p.Title, p.Description, p.Category); err != nil {
			return fmt.Errorf("insert programme %s/%s: %w", p.ChannelID, p.Title, err)
		}
	}
	return tx.Commit()
}

// CleanupOldPrograms deletes programmes that stopped more than an hour
// ago and returns the number removed. Runs after every refresh and on the
// 6-hour schedule, so storage stays bounded between full refreshes.
func (s *Store) CleanupOldPrograms() int {
	cutoff := s.now().Add(-retentionPast).UnixMilli()
	res, err := s.db.Exec("DELETE FROM programs WHERE stop_time < ?", cutoff)
	if err != nil {
		log.Printf("epg[%s]: cleanup: %v", s.logKey, err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("epg[%s]: cleanup removed %d old program(s)", s.logKey, n)
	}
	return int(n)
}

func scanProgram(row *sql.Row) *Program {
	var p Program
	var start, stop int64
	if err := row.Scan(&p.ChannelID, &start, &stop, &p.Title, &p.Description, &p.Category); err != nil {
		return nil
	}
	p.Start = time.UnixMilli(start)
	p.Stop = time.UnixMilli(stop)
	return &p
}

// CurrentProgram returns the programme airing now on channelID, trying
// the suffixed id first and the bare id second.
func (s *Store) CurrentProgram(channelID string) *Program {
	now := s.now().UnixMilli()
	for _, id := range ident.LookupIDs(channelID) {
		row := s.db.QueryRow(`
            SELECT channel_id, start_time, stop_time, title, description, category
            FROM programs
            WHERE channel_id = ? AND start_time <= ? AND stop_time >= ?
            LIMIT 1`, id, now, now)
		if p := scanProgram(row); p != nil {
			return p
		}
	}
	return nil
}

// UpcomingPrograms returns up to two programmes starting at or after now,
// earliest first, using the same dual-identity fallback as CurrentProgram.
func (s *Store) UpcomingPrograms(channelID string) []Program {
	now := s.now().UnixMilli()
	for _, id := range ident.LookupIDs(channelID) {
		rows, err := s.db.Query(`
            SELECT channel_id, start_time, stop_time, title, description, category
            FROM programs
            WHERE channel_id = ? AND start_time >= ?
            ORDER BY start_time ASC
            LIMIT 2`, id, now)
		if err != nil {
			log.Printf("epg[%s]: upcoming %s: %v", s.logKey, id, err)
			continue
		}
		var out []Program
		for rows.Next() {
			var p Program
			var start, stop int64
			if err := rows.Scan(&p.ChannelID, &start, &stop, &p.Title, &p.Description, &p.Category); err != nil {
				continue
			}
			p.Start = time.UnixMilli(start)
			p.Stop = time.UnixMilli(stop)
			out = append(out, p)
		}
		rows.Close()
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// ChannelIcon returns the icon URL for channelID, or "".
func (s *Store) ChannelIcon(channelID string) string {
	for _, id := range ident.LookupIDs(channelID) {
		var icon string
		err := s.db.QueryRow("SELECT icon_url FROM channel_icons WHERE channel_id = ?", id).Scan(&icon)
		if err == nil && icon != "" {
			return icon
		}
	}
	return ""
}

// FormatLocal renders a programme instant as HH:MM in the configured
// display offset.
func (s *Store) FormatLocal(t time.Time) string {
	return formatLocal(t, s.tzOffset)
}

// IsAvailable reports whether the store holds guide data and no refresh
// is in flight.
func (s *Store) IsAvailable() bool {
	s.mu.Lock()
	updating := s.isUpdating
	s.mu.Unlock()
	if updating {
		return false
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM programs").Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// Status summarizes the store.
func (s *Store) Status() Status {
	s.mu.Lock()
	st := Status{
		IsUpdating:  s.isUpdating,
		Timezone:    s.tzLabel,
		StorageType: "SQLite (Disk)",
	}
	if !s.lastUpdate.IsZero() {
		st.LastUpdate = formatLocal(s.lastUpdate, s.tzOffset)
	} else {
		st.LastUpdate = "Mai"
	}
	s.mu.Unlock()
	_ = s.db.QueryRow("SELECT COUNT(DISTINCT channel_id) FROM programs").Scan(&st.ChannelsCount)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM channel_icons").Scan(&st.IconsCount)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM programs").Scan(&st.ProgramsCount)
	return st
}

// CheckMissingEPG logs how many catalog channels have no guide rows.
func (s *Store) CheckMissingEPG(channels []playlist.Channel) {
	rows, err := s.db.Query("SELECT DISTINCT channel_id FROM programs")
	if err != nil {
		log.Printf("epg[%s]: missing-EPG check: %v", s.logKey, err)
		return
	}
	have := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			have[ident.Normalize(id)] = struct{}{}
		}
	}
	rows.Close()
	missing := 0
	for _, ch := range channels {
		if ch.TVGID == "" {
			continue
		}
		found := false
		for _, id := range ident.LookupIDs(ch.TVGID) {
			if _, ok := have[id]; ok {
				found = true
				break
			}
		}
		if !found {
			missing++
		}
	}
	if missing > 0 {
		log.Printf("epg[%s]: %d catalog channel(s) without guide data", s.logKey, missing)
	}
}

// Close stops the schedules and releases the database, keeping the file
// so a restart reattaches to it. Idempotent.
func (s *Store) Close() {
	s.teardown(false)
}

// Remove tears the store down: schedules stopped, connection closed, the
// database file deleted. Idempotent.
func (s *Store) Remove() {
	s.teardown(true)
}

func (s *Store) teardown(removeFile bool) {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	daily, cleanup := s.dailyJob, s.cleanupJob
	s.dailyJob, s.cleanupJob = nil, nil
	s.mu.Unlock()

	daily.Stop()
	cleanup.Stop()
	if err := s.db.Close(); err != nil {
		log.Printf("epg[%s]: close: %v", s.logKey, err)
	}
	if !removeFile {
		return
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		log.Printf("epg[%s]: remove %s: %v", s.logKey, s.path, err)
	}
	log.Printf("epg[%s]: store removed", s.logKey)
}
