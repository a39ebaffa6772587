// Package pagination pages newest-first listings with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var (
	ErrInvalidCursor = errors.New("pagination: invalid cursor")
	ErrInvalidLimit  = fmt.Errorf("pagination: limit must be between 1 and %d", MaxLimit)
)

// Cursor is the last item of the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// seen reports whether an item at (t, id) was on or before the cursor's page.
func (c *Cursor) seen(t time.Time, id string) bool {
	switch {
	case t.After(c.CreatedAt):
		return true
	case t.Before(c.CreatedAt):
		return false
	}
	return id >= c.ID
}

// Request is a parsed page request.
type Request struct {
	Limit int
	After *Cursor
}

// ParseRequest reads the limit and cursor query values. An empty limit means
// DefaultLimit.
func ParseRequest(limit, cursor string) (Request, error) {
	req := Request{Limit: DefaultLimit}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > MaxLimit {
			return Request{}, ErrInvalidLimit
		}
		req.Limit = n
	}
	after, err := Decode(cursor)
	if err != nil {
		return Request{}, err
	}
	req.After = after
	return req, nil
}

// Page returns up to req.Limit items following req.After and the cursor of
// the next page, or "" on the last page. items must be sorted newest first
// with ties broken by descending ID.
func Page[T any](items []T, req Request, key func(T) (time.Time, string)) ([]T, string) {
	start := 0
	if req.After != nil {
		for start < len(items) {
			t, id := key(items[start])
			if !req.After.seen(t, id) {
				break
			}
			start++
		}
	}
	items = items[start:]
	if len(items) <= req.Limit {
		return items, ""
	}
	items = items[:req.Limit]
	t, id := key(items[len(items)-1])
	return items, Encode(t, id)
}
