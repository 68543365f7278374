package epg

import (
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// NoTitle is stored when a programme element has no usable title.
const NoTitle = "Nessun Titolo"

type xmltvChannel struct {
	ID   string
	Icon string
}

type xmltvProgramme struct {
	Channel     string
	Start       string
	Stop        string
	Title       string
	Description string
	Category    string
}

type channelNode struct {
	ID   string `xml:"id,attr"`
	Icon struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
}

type programmeNode struct {
	Channel  string `xml:"channel,attr"`
	Start    string `xml:"start,attr"`
	Stop     string `xml:"stop,attr"`
	Title    string `xml:"title"`
	Desc     string `xml:"desc"`
	Category string `xml:"category"`
}

// parseXMLTV walks the guide document token by token, invoking the
// callbacks as channel and programme elements decode. Streaming keeps
// memory bounded on multi-hundred-MB feeds; the charset reader handles
// the ISO-8859-x declarations some European guides still use.
func parseXMLTV(r io.Reader, onChannel func(xmltvChannel), onProgramme func(xmltvProgramme) error) error {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false
	sawTV := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "tv":
			sawTV = true
		case "channel":
			var n channelNode
			if err := dec.DecodeElement(&n, &se); err != nil {
				continue
			}
			onChannel(xmltvChannel{ID: n.ID, Icon: n.Icon.Src})
		case "programme":
			var n programmeNode
			if err := dec.DecodeElement(&n, &se); err != nil {
				continue
			}
			title := strings.TrimSpace(n.Title)
			if title == "" {
				title = NoTitle
			}
			p := xmltvProgramme{
				Channel:     n.Channel,
				Start:       n.Start,
				Stop:        n.Stop,
				Title:       title,
				Description: strings.TrimSpace(n.Desc),
				Category:    strings.TrimSpace(n.Category),
			}
			if err := onProgramme(p); err != nil {
				return err
			}
		}
	}
	if !sawTV {
		return errors.New("not an XMLTV document: no tv element")
	}
	return nil
}

// xmltvTimeRe pins the guide timestamp format: 14 digits plus an explicit
// signed 4-digit UTC offset. Anything else drops the programme.
var xmltvTimeRe = regexp.MustCompile(`^(\d{14})\s*([+-]\d{4})$`)

func parseXMLTVTime(s string) (time.Time, bool) {
	m := xmltvTimeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405 -0700", m[1]+" "+m[2])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
