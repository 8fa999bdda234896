// Package memory stores scoped long-term facts for agents. Records are
// isolated by (org, user, project) scope; the recall tool surfaces search
// hits into the prompt.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

// Record is one stored fact.
type Record struct {
	ID        string       `json:"id"`
	Scope     models.Scope `json:"scope"`
	Content   string       `json:"content"`
	Tags      []string     `json:"tags,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Service is the memory contract consumed by the builtin tools and the
// context builder.
type Service interface {
	// Write stores a fact and returns its id.
	Write(ctx context.Context, scope models.Scope, content string, tags []string) (string, error)

	// Get returns a record by id, scoped; cross-scope reads are not found.
	Get(ctx context.Context, scope models.Scope, id string) (*Record, error)

	// Search returns the best-matching records for query within scope,
	// highest score first.
	Search(ctx context.Context, scope models.Scope, query string, limit int) ([]Record, error)
}

// ErrNotFound covers absent and cross-scope records alike.
var ErrNotFound = fmt.Errorf("memory record not found")

// Store is the in-process Service implementation.
type Store struct {
	mu      sync.RWMutex
	records []Record
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) Write(_ context.Context, scope models.Scope, content string, tags []string) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("memory content is required")
	}

	rec := Record{
		ID:        "mem_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Scope:     scope,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return rec.ID, nil
}

func (s *Store) Get(_ context.Context, scope models.Scope, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			if !scope.Contains(rec.Scope) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			clone := rec
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Store) Search(_ context.Context, scope models.Scope, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		rec   Record
		score float64
	}
	var hits []scored

	s.mu.RLock()
	for _, rec := range s.records {
		if !scope.Contains(rec.Scope) {
			continue
		}
		if score := scoreRecord(rec, terms); score > 0 {
			hits = append(hits, scored{rec: rec, score: score})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].rec.CreatedAt.After(hits[j].rec.CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rec)
	}
	return out, nil
}

// scoreRecord is a keyword overlap score: content matches count full, tag
// matches count double.
func scoreRecord(rec Record, terms []string) float64 {
	content := strings.ToLower(rec.Content)
	score := 0.0
	for _, term := range terms {
		if strings.Contains(content, term) {
			score++
		}
		for _, tag := range rec.Tags {
			if strings.Contains(strings.ToLower(tag), term) {
				score += 2
			}
		}
	}
	return score
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

// ToolAdapter exposes a Service through the narrow interfaces the builtin
// tools consume; search hits flatten to content snippets.
type ToolAdapter struct {
	Service Service
}

func (a ToolAdapter) Write(ctx context.Context, scope models.Scope, content string, tags []string) (string, error) {
	return a.Service.Write(ctx, scope, content, tags)
}

func (a ToolAdapter) Search(ctx context.Context, scope models.Scope, query string, limit int) ([]string, error) {
	records, err := a.Service.Search(ctx, scope, query, limit)
	if err != nil {
		return nil, err
	}
	snippets := make([]string, 0, len(records))
	for _, rec := range records {
		snippets = append(snippets, rec.Content)
	}
	return snippets, nil
}
