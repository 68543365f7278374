package epg

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"
)

// decompress turns a fetched guide document into plain bytes. Guide feeds
// arrive as .xml.gz files, deflate-compressed bodies, brotli-encoded
// responses, or plain XML; each is tried in that order and the raw bytes
// are the final fallback, so a plain document never fails here.
func decompress(data []byte) []byte {
	if looksLikeText(data) {
		return data
	}
	if gz, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
		if out, err := io.ReadAll(gz); err == nil {
			return out
		}
	}
	fl := flate.NewReader(bytes.NewReader(data))
	if out, err := io.ReadAll(fl); err == nil && len(out) > 0 {
		return out
	}
	if out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data))); err == nil && len(out) > 0 && looksLikeText(out) {
		return out
	}
	return data
}

// looksLikeText guards the brotli path: brotli has no magic header, so a
// "successful" decode of arbitrary bytes can be garbage. Guide documents
// are markup, so require a printable prefix.
func looksLikeText(b []byte) bool {
	n := min(len(b), 64)
	for _, c := range b[:n] {
		if c < 0x09 || (c > 0x0d && c < 0x20) {
			return false
		}
	}
	return n > 0
}
