// Package pagination implements keyset cursors for escrow listings.
//
// A cursor names the sort key of the last row the caller saw - creation
// time plus record ID, which together are unique. The next page resumes
// strictly past that key, so pages stay stable while new escrows arrive
// at the head of the listing.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned for cursors this package did not mint.
var ErrInvalid = errors.New("invalid cursor")

// Cursor is a decoded position in the listing order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Token layout before encoding: "<unix-nanos>.<record-id>". Nanoseconds
// keep the decoded key identical to the row it was minted from, so the
// store's strict comparison never re-serves that row.
const sep = "."

// Encode mints an opaque token for the row with the given sort key.
func Encode(createdAt time.Time, id string) string {
	token := strconv.FormatInt(createdAt.UnixNano(), 10) + sep + id
	return base64.RawURLEncoding.EncodeToString([]byte(token))
}

// Decode parses a token minted by Encode. An empty token means "first
// page" and decodes to nil. Anything unparseable returns ErrInvalid;
// tokens come straight from query strings, so garbage is expected.
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalid
	}
	nanos, id, ok := strings.Cut(string(raw), sep)
	if !ok || id == "" {
		return nil, ErrInvalid
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalid
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page turns a limit+1 fetch into a page. When the extra row is present it
// is dropped and a cursor pointing at the new last row is minted; keyOf
// pulls that row's sort key.
func Page[T any](rows []T, limit int, keyOf func(T) (time.Time, string)) ([]T, string, bool) {
	if len(rows) <= limit {
		return rows, "", false
	}
	page := rows[:limit]
	createdAt, id := keyOf(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
