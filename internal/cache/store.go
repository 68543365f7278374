package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tvmux/tvmux/internal/playlist"
)

const catalogSchemaSQL = `
CREATE TABLE IF NOT EXISTS channels (
    id TEXT PRIMARY KEY,
    position INTEGER NOT NULL,
    data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS genres (
    genre TEXT PRIMARY KEY,
    position INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT
);
`

// store is the durable side of one session's catalog: channels as JSON
// rows, genres in first-seen order, build metadata as key/value pairs.
type store struct {
	db   *sql.DB
	path string
}

func openStore(path string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
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
	if _, err := db.Exec(catalogSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return &store{db: db, path: path}, nil
}

// load reads the persisted snapshot. A fresh database yields a zero
// snapshot and no error.
func (st *store) load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := st.db.QueryContext(ctx, "SELECT data FROM channels ORDER BY position")
	if err != nil {
		return snap, fmt.Errorf("load channels: %w", err)
	}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var ch playlist.Channel
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			continue
		}
		snap.Channels = append(snap.Channels, ch)
	}
	rows.Close()

	rows, err = st.db.QueryContext(ctx, "SELECT genre FROM genres ORDER BY position")
	if err != nil {
		return snap, fmt.Errorf("load genres: %w", err)
	}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err == nil {
			snap.Genres = append(snap.Genres, g)
		}
	}
	rows.Close()

	if v := st.metaValue(ctx, "lastUpdated"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			snap.LastUpdated = time.UnixMilli(ms)
		}
	}
	snap.M3UURL = st.metaValue(ctx, "m3uUrl")
	if v := st.metaValue(ctx, "epgUrls"); v != "" {
		_ = json.Unmarshal([]byte(v), &snap.EPGURLs)
	}
	return snap, nil
}

func (st *store) metaValue(ctx context.Context, key string) string {
	var v sql.NullString
	_ = st.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	return v.String
}

// save replaces the full persisted snapshot in one transaction.
func (st *store) save(ctx context.Context, snap Snapshot) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM channels"); err != nil {
		return fmt.Errorf("clear channels: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO channels (id, position, data) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare channel insert: %w", err)
	}
	for i, ch := range snap.Channels {
		data, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("marshal channel %s: %w", ch.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, ch.ID, i, string(data)); err != nil {
			stmt.Close()
			return fmt.Errorf("insert channel %s: %w", ch.ID, err)
		}
	}
	stmt.Close()

	if _, err := tx.ExecContext(ctx, "DELETE FROM genres"); err != nil {
		return fmt.Errorf("clear genres: %w", err)
	}
	for i, g := range snap.Genres {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO genres (genre, position) VALUES (?, ?)", g, i); err != nil {
			return fmt.Errorf("insert genre %s: %w", g, err)
		}
	}

	epgURLs, _ := json.Marshal(snap.EPGURLs)
	for _, kv := range [][2]string{
		{"lastUpdated", strconv.FormatInt(snap.LastUpdated.UnixMilli(), 10)},
		{"m3uUrl", snap.M3UURL},
		{"epgUrls", string(epgURLs)},
	} {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", kv[0], kv[1]); err != nil {
			return fmt.Errorf("upsert metadata %s: %w", kv[0], err)
		}
	}
	return tx.Commit()
}

// clearSource drops the channel rows and source metadata after a source
// URL change, leaving genres and the rest of metadata for the rebuild to
// overwrite.
func (st *store) clearSource(ctx context.Context) error {
	if _, err := st.db.ExecContext(ctx, "DELETE FROM channels"); err != nil {
		return fmt.Errorf("clear channels: %w", err)
	}
	if _, err := st.db.ExecContext(ctx,
		"DELETE FROM metadata WHERE key IN ('m3uUrl', 'lastUpdated')"); err != nil {
		return fmt.Errorf("clear source metadata: %w", err)
	}
	return nil
}

func (st *store) close() error {
	return st.db.Close()
}

func (st *store) removeFile() error {
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
