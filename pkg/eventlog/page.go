package eventlog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Page is one slice of a run's event stream.
type Page struct {
	Events     []models.Event `json:"events"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// cursor is the decoded form of the opaque pagination token.
type cursor struct {
	Line int       `json:"line"`
	TS   time.Time `json:"ts,omitempty"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	if s == "" {
		return cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	if c.Line < 0 {
		return cursor{}, fmt.Errorf("malformed cursor: negative line")
	}
	return c, nil
}

// ReadPage returns up to limit events starting at the opaque cursor, in
// insertion order. The limit is clamped to the store maximum. When
// includeTokens is false, llm.token events are filtered out (they still
// advance the underlying cursor, so paging never replays them).
func (l *Log) ReadPage(cursorToken string, limit int, includeTokens bool) (*Page, error) {
	start, err := decodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > l.maxPageSize {
		limit = l.maxPageSize
	}

	page := &Page{Events: []models.Event{}}
	lastConsumed := start.Line - 1
	more := false

	err = l.readFrom(start.Line, func(line int, e models.Event) bool {
		if len(page.Events) == limit {
			more = true
			return false
		}
		lastConsumed = line
		if !includeTokens && e.Type == models.EventLLMToken {
			return true
		}
		page.Events = append(page.Events, e)
		return true
	})
	if err != nil {
		return nil, err
	}

	if more {
		next := cursor{Line: lastConsumed + 1}
		if n := len(page.Events); n > 0 {
			next.TS = page.Events[n-1].TS
		}
		page.NextCursor = encodeCursor(next)
	}
	return page, nil
}
