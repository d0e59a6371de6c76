// Package pagination provides opaque keyset cursors for list endpoints such
// as the credit event feed. Cursors encode a (created_at, id) position so
// deep pages stay cheap and rows inserted mid-scroll don't shift results.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that fail to decode. Callers
// should treat it as client error, not retry it.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is a position in a result set ordered by (CreatedAt, ID)
// descending. The page after a cursor starts at the first row strictly
// below that position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode serializes the position into an opaque URL-safe token.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a token produced by Encode. Empty input means "first page"
// and decodes to a nil cursor with no error.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosStr, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a fetch of limit+1 items down to one page. It returns
// the page, the cursor for the next page, and whether more rows exist.
// extractKey reads the sort key from the last item kept.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit]
	createdAt, id := extractKey(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
