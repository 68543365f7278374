package epg

import (
	"regexp"
	"strconv"
	"time"
)

// DefaultTimezoneOffset is used when the configured offset is malformed.
const DefaultTimezoneOffset = "+2:00"

var tzRe = regexp.MustCompile(`^[+-]\d{1,2}:\d{2}$`)

// parseTimezoneOffset validates a "±H:MM" display offset, falling back to
// the default on any other format.
func parseTimezoneOffset(s string) (label string, offset time.Duration) {
	if !tzRe.MatchString(s) {
		s = DefaultTimezoneOffset
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	body := s[1:]
	sep := 0
	for i := range body {
		if body[i] == ':' {
			sep = i
			break
		}
	}
	hours, _ := strconv.Atoi(body[:sep])
	minutes, _ := strconv.Atoi(body[sep+1:])
	return s, time.Duration(sign) * (time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute)
}

// formatLocal renders an instant as HH:MM in the configured display offset.
func formatLocal(t time.Time, offset time.Duration) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Add(offset).Format("15:04")
}
