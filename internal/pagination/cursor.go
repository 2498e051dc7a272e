// Package pagination encodes opaque history cursors.
package pagination

import (
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/vmihailenco/msgpack/v5"

	"chatcore/internal/domain"
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 200
)

// Cursor points into a room's message history.
type Cursor struct {
	RoomID string `msgpack:"r"`
	Seq    int64  `msgpack:"s"`
}

func Encode(c Cursor) (string, error) {
	b, err := msgpack.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("msgpack marshal cursor: %w", err)
	}
	return base58.Encode(b), nil
}

// Decode parses s and checks that it belongs to roomID.
func Decode(s, roomID string) (Cursor, error) {
	var c Cursor
	b := base58.Decode(s)
	if len(b) == 0 {
		return c, domain.NewValidationError("before", "invalid cursor")
	}
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return c, domain.NewValidationError("before", "invalid cursor")
	}
	if c.RoomID != roomID || c.Seq < 1 {
		return c, domain.NewValidationError("before", "cursor does not belong to this room")
	}
	return c, nil
}

// Limit normalizes a requested page size.
func Limit(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// Page is a newest-first slice of history.
type Page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"nextCursor"`
	HasMore    bool    `json:"hasMore"`
}
