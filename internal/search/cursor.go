package search

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidCursor is returned for cursors that are malformed or were
// issued for a different filter+sort scope.
var ErrInvalidCursor = errors.New("search: invalid cursor")

// cursor encodes the position after the last returned hit, bound to
// the query scope that produced it.
type cursor struct {
	Scope  string    `json:"s"`
	LastID uuid.UUID `json:"id"`
}

func encodeCursor(scope string, lastID uuid.UUID) string {
	raw, _ := json.Marshal(cursor{Scope: scope, LastID: lastID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token, scope string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, ErrInvalidCursor
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, ErrInvalidCursor
	}
	if c.Scope != scope || c.LastID == uuid.Nil {
		return cursor{}, ErrInvalidCursor
	}
	return c, nil
}
