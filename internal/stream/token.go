package stream

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedToken is returned for a resume token that is not a
// non-negative integer. Callers treat it as no resume point.
var ErrMalformedToken = errors.New("malformed resume token")

// ParseResumeToken reads the last seen sequence id from the Last-Event-ID
// header value, falling back to the last_event_id query value. A nil
// result means replay everything.
func ParseResumeToken(header, query string) (*int64, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		raw = strings.TrimSpace(query)
	}
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, ErrMalformedToken
	}
	return &v, nil
}
