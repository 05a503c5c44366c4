package store

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// feedCursor is the decoded shape of the opaque public-feed cursor. Pages
// are keyed by the strict tuple (created_at, id) descending.
type feedCursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// EncodeCursor renders a keyset position as an opaque base64 token.
func EncodeCursor(createdAt time.Time, id string) string {
	buf, _ := json.Marshal(feedCursor{CreatedAt: createdAt, ID: id})
	return base64.URLEncoding.EncodeToString(buf)
}

// DecodeCursor parses an opaque cursor token. Returns ErrInvalidCursor on
// any malformed input.
func DecodeCursor(token string) (time.Time, string, error) {
	buf, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	var c feedCursor
	if err := json.Unmarshal(buf, &c); err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return time.Time{}, "", ErrInvalidCursor
	}
	return c.CreatedAt, c.ID, nil
}
