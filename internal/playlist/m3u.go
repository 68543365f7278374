package playlist

import (
	"bufio"
	"encoding/json"
	"log"
	"regexp"
	"strings"

	"github.com/tvmux/tvmux/internal/ident"
	"github.com/tvmux/tvmux/internal/remap"
)

const maxLineSize = 1 << 20 // 1 MiB per line

var (
	attrRe     = regexp.MustCompile(`([a-zA-Z-]+)="([^"]+)"`)
	httpAttrRe = regexp.MustCompile(`http-([^=]+)=["']([^"']+)`)
	urlTVGRe   = regexp.MustCompile(`url-tvg="([^"]+)"`)
	parenRe    = regexp.MustCompile(`\s*\(.*?\)\s*`)
)

// entry is one EXTINF directive plus its accumulated option lines, waiting
// for the URL line that terminates it.
type entry struct {
	name    string
	attrs   map[string]string // attribute keys with any "tvg-" prefix stripped
	genres  []string
	extinf  map[string]string // http-* attributes embedded in the EXTINF line
	vlc     map[string]string // #EXTVLCOPT lines, "http-" prefix stripped
	exthttp map[string]string // one #EXTHTTP JSON block
}

// builder accumulates channels across every document of one ingestion run.
// Channels are keyed by normalized canonical id so entries from different
// documents that remap to the same id merge into one channel.
type builder struct {
	table     *remap.Table
	suffix    string
	defaultUA string
	logKey    string

	channels  map[string]*Channel
	order     []string
	genres    []string
	genreSeen map[string]struct{}
	epgURLs   []string
	epgSeen   map[string]struct{}
}

func newBuilder(table *remap.Table, suffix, defaultUA, logKey string) *builder {
	return &builder{
		table:     table,
		suffix:    suffix,
		defaultUA: defaultUA,
		logKey:    logKey,
		channels:  make(map[string]*Channel),
		genreSeen: make(map[string]struct{}),
		epgSeen:   make(map[string]struct{}),
	}
}

// parseDocument scans one playlist document line by line. A malformed line
// never aborts the document; it is simply not part of any entry.
func (b *builder) parseDocument(content string) error {
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(nil, maxLineSize)
	var current *entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTM3U"):
			b.addEPGURLs(line)
		case strings.HasPrefix(line, "#EXTINF:"):
			current = parseEXTINF(line)
		case strings.HasPrefix(line, "#EXTVLCOPT:") && current != nil:
			addVLCOpt(current, strings.TrimPrefix(line, "#EXTVLCOPT:"))
		case strings.HasPrefix(line, "#EXTHTTP:") && current != nil:
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "#EXTHTTP:")), &current.exthttp); err != nil {
				log.Printf("playlist[%s]: bad EXTHTTP block: %v", b.logKey, err)
			}
		case (strings.HasPrefix(line, "http") || strings.EqualFold(line, "null")) && current != nil:
			b.emit(current, line)
			current = nil
		}
	}
	return sc.Err()
}

func (b *builder) addEPGURLs(header string) {
	m := urlTVGRe.FindStringSubmatch(header)
	if m == nil {
		return
	}
	for _, u := range strings.Split(m[1], ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := b.epgSeen[u]; ok {
			continue
		}
		b.epgSeen[u] = struct{}{}
		b.epgURLs = append(b.epgURLs, u)
	}
}

func parseEXTINF(line string) *entry {
	metadata := strings.TrimSpace(line[len("#EXTINF:"):])
	e := &entry{
		attrs:   make(map[string]string),
		extinf:  make(map[string]string),
		vlc:     make(map[string]string),
		exthttp: make(map[string]string),
	}
	for _, m := range attrRe.FindAllStringSubmatch(metadata, -1) {
		key := strings.TrimPrefix(m[1], "tvg-")
		e.attrs[key] = m[2]
	}
	for _, m := range httpAttrRe.FindAllStringSubmatch(metadata, -1) {
		e.extinf[strings.Trim(m[1], `"'`)] = m[2]
	}
	if group := e.attrs["group-title"]; group != "" {
		for _, g := range strings.Split(group, ";") {
			g = strings.TrimSpace(g)
			if g == "" || strings.EqualFold(g, "undefined") {
				continue
			}
			e.genres = append(e.genres, g)
		}
	}
	if len(e.genres) == 0 {
		e.genres = []string{DefaultGenre}
	}
	if i := strings.LastIndexByte(metadata, ','); i >= 0 {
		e.name = strings.TrimSpace(metadata[i+1:])
	}
	return e
}

func addVLCOpt(e *entry, opt string) {
	key, value, ok := strings.Cut(strings.TrimSpace(opt), "=")
	if !ok {
		return
	}
	e.vlc[strings.TrimPrefix(key, "http-")] = value
}

// mergeHeaders resolves the final request header set for one variant.
// Precedence, lowest to highest: EXTINF http-* attributes, EXTVLCOPT
// lines, the EXTHTTP block. User-Agent always resolves to something;
// referer and origin collapse onto one canonical key each.
func (e *entry) mergeHeaders(defaultUA string) map[string]string {
	final := make(map[string]string, len(e.extinf)+len(e.vlc)+len(e.exthttp)+3)
	for k, v := range e.extinf {
		final[k] = v
	}
	for k, v := range e.vlc {
		final[k] = v
	}
	for k, v := range e.exthttp {
		final[k] = v
	}

	ua := firstNonEmpty(
		e.exthttp["User-Agent"], e.exthttp["user-agent"],
		e.vlc["user-agent"], e.extinf["user-agent"],
		defaultUA,
	)
	delete(final, "user-agent")
	final["User-Agent"] = ua

	if ref := firstNonEmpty(e.vlc["referrer"], e.vlc["referer"]); ref != "" {
		final["Referrer"] = ref
	}
	delete(final, "referer")
	delete(final, "referrer")

	if origin := e.vlc["origin"]; origin != "" {
		final["Origin"] = origin
		delete(final, "origin")
	}
	return final
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// emit attaches one stream variant to the channel the entry belongs to,
// creating the channel on first sight of its canonical id.
func (b *builder) emit(e *entry, rawURL string) {
	rawID := e.attrs["id"]
	if rawID == "" {
		rawID = ident.CleanName(e.name)
	}
	remapped := b.table.RemappedID(rawID, b.suffix)
	key := ident.Normalize(remapped)
	if key == "" {
		log.Printf("playlist[%s]: entry %q has no usable id, skipped", b.logKey, e.name)
		return
	}

	ch, ok := b.channels[key]
	if !ok {
		ch = b.newChannel(e, key)
		b.channels[key] = ch
		b.order = append(b.order, key)
	}
	for _, g := range e.genres {
		b.addGenre(ch, g)
	}

	headers := e.mergeHeaders(b.defaultUA)
	if strings.EqualFold(rawURL, "null") {
		ch.Variants = append(ch.Variants, StreamVariant{
			URL:     DummyStreamURL,
			Name:    DummyStreamName,
			Headers: headers,
		})
		return
	}
	ch.Variants = append(ch.Variants, StreamVariant{
		URL:     rawURL,
		Name:    e.name,
		Headers: headers,
	})
}

func (b *builder) newChannel(e *entry, key string) *Channel {
	name := firstNonEmpty(e.attrs["name"], e.name)
	cleanName := strings.TrimSpace(parenRe.ReplaceAllString(name, " "))
	finalID := ident.AppendSuffix(key, b.suffix)
	logo := e.attrs["logo"]
	return &Channel{
		ID:          "tv|" + finalID,
		Name:        cleanName,
		Poster:      logo,
		Background:  logo,
		Logo:        logo,
		Description: "Channel: " + cleanName + " - ID: " + finalID,
		TVGID:       finalID,
		TVGName:     cleanName,
	}
}

func (b *builder) addGenre(ch *Channel, genre string) {
	found := false
	for _, g := range ch.Genres {
		if g == genre {
			found = true
			break
		}
	}
	if !found {
		ch.Genres = append(ch.Genres, genre)
	}
	if _, ok := b.genreSeen[genre]; !ok {
		b.genreSeen[genre] = struct{}{}
		b.genres = append(b.genres, genre)
	}
}

// finalize produces the Result: channels in first-seen order, placeholder
// variants dropped from any channel holding more than one variant. The
// threshold is deliberately on the variant count before filtering, so a
// channel whose only variant is a placeholder keeps it.
func (b *builder) finalize() *Result {
	channels := make([]Channel, 0, len(b.order))
	withoutStreams := 0
	dummyOnly := 0
	for _, key := range b.order {
		ch := *b.channels[key]
		if len(ch.Variants) > 1 {
			kept := ch.Variants[:0:0]
			for _, v := range ch.Variants {
				if v.Name != DummyStreamName {
					kept = append(kept, v)
				}
			}
			ch.Variants = kept
		}
		switch {
		case len(ch.Variants) == 0:
			withoutStreams++
		case len(ch.Variants) == 1 && ch.Variants[0].Name == DummyStreamName:
			dummyOnly++
		}
		channels = append(channels, ch)
	}
	if withoutStreams > 0 {
		log.Printf("playlist[%s]: %d channel(s) without playable streams", b.logKey, withoutStreams)
	}
	if dummyOnly > 0 {
		log.Printf("playlist[%s]: %d channel(s) with dummy stream only", b.logKey, dummyOnly)
	}
	return &Result{
		Channels: channels,
		Genres:   b.genres,
		EPGURLs:  b.epgURLs,
	}
}
