// Package playlist turns raw M3U playlist documents into a deduplicated
// channel catalog: one Channel per canonical id, stream variants merged in
// first-seen order, genres unioned across every processed document.
package playlist

import "errors"

// DummyStreamURL is the fixed unavailable-signal asset used for entries
// whose stream URL is the literal "null".
const DummyStreamURL = "https://static.vecteezy.com/system/resources/previews/001/803/236/mp4/no-signal-bad-tv-free-video.mp4"

// DummyStreamName labels placeholder variants; the post-processing pass
// that drops placeholders matches on this exact label.
const DummyStreamName = "No stream available in M3U playlists"

// DefaultGenre is assigned when an entry carries no usable group-title.
const DefaultGenre = "Altri Canali"

// ErrNoPlaylists is returned when the source input resolves to zero
// playlist URLs, or every resolved document fails to fetch. The caller
// must keep its previous snapshot in that case.
var ErrNoPlaylists = errors.New("no playlist documents could be loaded")

// StreamVariant is one playable URL for a channel, with the request
// headers resolved from the entry's option layers. Order within a channel
// is first-seen order and represents fallback priority.
type StreamVariant struct {
	URL     string            `json:"url"`
	Name    string            `json:"name"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Channel is one catalog entry. Replaced wholesale on each rebuild; never
// mutated in place after the pipeline returns it.
type Channel struct {
	ID          string          `json:"id"`   // "tv|" + canonical suffixed id
	Name        string          `json:"name"` // cleaned display name
	Genres      []string        `json:"genres"`
	Poster      string          `json:"poster,omitempty"`
	Background  string          `json:"background,omitempty"`
	Logo        string          `json:"logo,omitempty"`
	Description string          `json:"description,omitempty"`
	TVGID       string          `json:"tvg_id"` // canonical suffixed id, guide-compatible
	TVGName     string          `json:"tvg_name,omitempty"`
	Variants    []StreamVariant `json:"variants"`
}

// HasRealVariant reports whether the channel has at least one
// non-placeholder stream.
func (c *Channel) HasRealVariant() bool {
	for _, v := range c.Variants {
		if v.Name != DummyStreamName {
			return true
		}
	}
	return false
}

// Result is one complete ingestion run: the deduplicated catalog, the
// genre union in first-seen order, and every url-tvg hint found in the
// processed documents.
type Result struct {
	Channels []Channel `json:"channels"`
	Genres   []string  `json:"genres"`
	EPGURLs  []string  `json:"epg_urls"`
}
