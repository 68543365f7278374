// Package ident normalizes channel identifiers so that ids coming from
// playlists, guide feeds and display names all live in one identity space.
// Every id comparison anywhere in the module must go through Normalize
// (or a helper built on it); ad-hoc lowercasing elsewhere is a bug.
package ident

import "strings"

// Normalize converts a raw identifier to canonical form: the part before
// the first '@', lowercased, with every character that is not a word
// character or '.' removed. Total and idempotent; empty input yields "".
func Normalize(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	id = strings.ToLower(id)
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '.':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// AppendSuffix appends "."+suffix to an already-normalized id unless the
// suffix is empty or already present.
func AppendSuffix(id, suffix string) string {
	if id == "" || suffix == "" {
		return id
	}
	dotted := "." + suffix
	if strings.HasSuffix(id, dotted) {
		return id
	}
	return id + dotted
}

// StripSuffix removes a trailing "."+suffix from an already-normalized id
// when present.
func StripSuffix(id, suffix string) string {
	if suffix == "" {
		return id
	}
	dotted := "." + suffix
	if strings.HasSuffix(id, dotted) {
		return id[:len(id)-len(dotted)]
	}
	return id
}

// CleanName reduces a display name to an id-like token: parenthesized and
// bracketed spans removed, lowercased, all whitespace removed. Used only
// to derive ids for playlist entries that carry no tvg-id; catalog
// lookups by name go through Normalize like every other comparison.
func CleanName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	depth := 0
	for _, r := range name {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	s := strings.ToLower(strings.TrimSpace(b.String()))
	return strings.Join(strings.Fields(s), "")
}

// LookupIDs returns the candidate ids to try against guide tables, in
// order: the normalized id, then the id without its final dot-segment.
// Playlist ids are namespaced with a configured suffix (news.it) while
// guide feeds typically publish the bare id (news); trying both keeps the
// two sides linkable without a remap rule per channel.
func LookupIDs(channelID string) []string {
	normalized := Normalize(channelID)
	if normalized == "" {
		return nil
	}
	ids := []string{normalized}
	if last := strings.LastIndexByte(normalized, '.'); last > 0 {
		if bare := normalized[:last]; bare != "" && bare != normalized {
			ids = append(ids, bare)
		}
	}
	return ids
}
