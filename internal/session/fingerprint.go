// Package session keys cache/guide store pairs by a deterministic
// configuration fingerprint and expires the idle ones.
package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"

	"github.com/tvmux/tvmux/internal/config"
)

// DefaultID is the anonymous single-tenant session; it is exempt from
// idle expiry and its store files carry no fingerprint.
const DefaultID = "_default"

// Fingerprint derives the session id for cfg: the first 16 hex chars of
// the sha256 of a JSON object holding only the set fields, in a fixed
// order. Two configs differing only in fields outside this set share a
// session.
func Fingerprint(cfg config.UserConfig) string {
	pairs := [][2]string{
		{"m3u", cfg.M3UURL},
		{"epg", cfg.EPGURL},
		{"proxy", cfg.Proxy},
		{"id_suffix", cfg.IDSuffix},
		{"remapper_path", cfg.RemapperPath},
		{"update_interval", cfg.UpdateInterval},
		{"resolver_script", cfg.ResolverScript},
		{"script_url", cfg.ScriptURL},
	}
	var b bytes.Buffer
	b.WriteByte('{')
	first := true
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(kv[0])
		v, _ := json.Marshal(kv[1])
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	sum := sha256.Sum256(b.Bytes())
	return hex.EncodeToString(sum[:])[:16]
}

// CachePath returns the catalog db file for a session id.
func CachePath(dataDir, id string) string {
	if id == DefaultID {
		return filepath.Join(dataDir, "cache.db")
	}
	return filepath.Join(dataDir, "cache_"+id+".db")
}

// EPGPath returns the guide db file for a session id.
func EPGPath(dataDir, id string) string {
	if id == DefaultID {
		return filepath.Join(dataDir, "epg.db")
	}
	return filepath.Join(dataDir, "epg_"+id+".db")
}
