package playlist

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/tvmux/tvmux/internal/config"
	"github.com/tvmux/tvmux/internal/fetch"
	"github.com/tvmux/tvmux/internal/metrics"
	"github.com/tvmux/tvmux/internal/remap"
)

// Pipeline runs one full ingestion: remap rules, source resolution,
// document parsing, catalog finalization. A zero Pipeline is usable; the
// shared HTTP client and a stock User-Agent are used.
type Pipeline struct {
	Client           *http.Client
	DefaultUserAgent string
}

// LoadAndTransform ingests the comma-separated source refs in sources.
// Each ref is either a playlist document or a pointer document listing
// playlist URLs. Individual document failures are logged and skipped; the
// error return is non-nil only when nothing at all could be ingested, in
// which case the caller must keep serving its previous snapshot.
func (p *Pipeline) LoadAndTransform(ctx context.Context, sources string, cfg config.UserConfig, logKey string) (*Result, error) {
	table := remap.Load(ctx, cfg.RemapperPath, logKey, p.Client)

	refs := splitRefs(sources)
	if len(refs) == 0 {
		return nil, ErrNoPlaylists
	}
	log.Printf("playlist[%s]: processing %d source ref(s)", logKey, len(refs))

	urls := p.resolveRefs(ctx, refs, logKey)
	if len(urls) == 0 {
		return nil, ErrNoPlaylists
	}
	log.Printf("playlist[%s]: %d playlist document(s) to process", logKey, len(urls))

	ua := p.DefaultUserAgent
	if ua == "" {
		ua = fetch.DefaultUserAgent
	}
	b := newBuilder(table, cfg.IDSuffix, ua, logKey)

	failed := 0
	for _, u := range urls {
		content, err := fetch.Text(ctx, p.Client, u)
		if err != nil {
			log.Printf("playlist[%s]: fetch %s: %v", logKey, u, err)
			metrics.PlaylistSourceErrors.Inc()
			failed++
			continue
		}
		if err := b.parseDocument(content); err != nil {
			log.Printf("playlist[%s]: parse %s: %v", logKey, u, err)
			metrics.PlaylistSourceErrors.Inc()
			failed++
		}
	}
	if failed == len(urls) {
		return nil, fmt.Errorf("all %d playlist document(s) failed: %w", len(urls), ErrNoPlaylists)
	}

	result := b.finalize()
	log.Printf("playlist[%s]: done, %d channel(s), %d genre(s), %d EPG URL(s)",
		logKey, len(result.Channels), len(result.Genres), len(result.EPGURLs))
	return result, nil
}

// resolveRefs expands each source ref into concrete playlist URLs: a ref
// whose body starts with the playlist marker is itself a playlist, any
// other body is treated as a newline list of playlist URLs. A ref that
// fails to fetch is skipped.
func (p *Pipeline) resolveRefs(ctx context.Context, refs []string, logKey string) []string {
	var urls []string
	for _, ref := range refs {
		content, err := fetch.Text(ctx, p.Client, ref)
		if err != nil {
			log.Printf("playlist[%s]: source ref %s: %v", logKey, ref, err)
			metrics.PlaylistSourceErrors.Inc()
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(content), "#EXTM3U") {
			urls = append(urls, ref)
			continue
		}
		found := 0
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "http") {
				urls = append(urls, line)
				found++
			}
		}
		log.Printf("playlist[%s]: URL list found in %s, %d playlist(s)", logKey, ref, found)
	}
	return urls
}

func splitRefs(sources string) []string {
	var refs []string
	for _, s := range strings.Split(sources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			refs = append(refs, s)
		}
	}
	return refs
}
