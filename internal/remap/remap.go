// Package remap loads the "source-id = target-id" rule table consulted by
// playlist ingestion. Rules come from a local file or a remote URL; a
// bundled default ships with the binary so a broken remote source never
// leaves ingestion without rules.
package remap

import (
	"context"
	_ "embed"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/tvmux/tvmux/internal/fetch"
	"github.com/tvmux/tvmux/internal/ident"
)

//go:embed default.remapping
var defaultRules string

// Table maps normalized source ids to normalized target ids. Loaded
// wholesale at the start of each ingestion run; never partially updated.
type Table struct {
	rules map[string]string
}

// Load reads rules from path: an http(s) URL (falling back to the bundled
// default when the fetch fails), a local file, or the bundled default when
// path is empty. Malformed lines are skipped. Load never fails; a local
// read error is logged and yields an empty table, matching the rule that
// configuration problems degrade but never abort ingestion.
func Load(ctx context.Context, path, logKey string, client *http.Client) *Table {
	t := &Table{rules: make(map[string]string)}
	var content string
	switch {
	case path == "":
		content = defaultRules
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		body, err := fetch.Text(ctx, client, path)
		if err != nil {
			log.Printf("remap[%s]: remote download failed (%v); using bundled default", logKey, err)
			content = defaultRules
		} else {
			content = body
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("remap[%s]: read %s: %v", logKey, path, err)
			return t
		}
		content = string(data)
	}
	t.parse(content)
	log.Printf("remap[%s]: loaded %d rule(s)", logKey, len(t.rules))
	return t
}

func (t *Table) parse(content string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		src, dst, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		source := ident.Normalize(strings.TrimSpace(src))
		target := ident.Normalize(strings.TrimSpace(dst))
		if source == "" || target == "" {
			continue
		}
		t.rules[source] = target
	}
}

// Len reports the number of loaded rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// RemappedID normalizes rawID, appends suffix, and consults the table: a
// hit returns the normalized remap target, a miss the suffixed id
// unchanged. This is the single point where playlist ids, guide ids and
// derived names become comparable.
func (t *Table) RemappedID(rawID, suffix string) string {
	id := ident.AppendSuffix(ident.Normalize(rawID), suffix)
	if t != nil {
		if target, ok := t.rules[id]; ok {
			return ident.Normalize(target)
		}
	}
	return id
}
