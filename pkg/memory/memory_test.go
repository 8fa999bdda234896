package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/models"
)

func scopeA() models.Scope { return models.Scope{OrgID: "org-1", UserID: "user-1"} }
func scopeB() models.Scope { return models.Scope{OrgID: "org-2", UserID: "user-1"} }

func TestWriteAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	id, err := store.Write(ctx, scopeA(), "deploys happen on Tuesdays", []string{"ops"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, err := store.Get(ctx, scopeA(), id)
	require.NoError(t, err)
	assert.Equal(t, "deploys happen on Tuesdays", rec.Content)
	assert.Equal(t, []string{"ops"}, rec.Tags)

	_, err = store.Get(ctx, scopeA(), "mem_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteRejectsEmptyContent(t *testing.T) {
	store := NewStore()
	_, err := store.Write(context.Background(), scopeA(), "   ", nil)
	assert.Error(t, err)
}

func TestScopeIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	id, err := store.Write(ctx, scopeA(), "org one secret runbook", nil)
	require.NoError(t, err)

	// Cross-scope reads look identical to missing records.
	_, err = store.Get(ctx, scopeB(), id)
	assert.ErrorIs(t, err, ErrNotFound)

	hits, err := store.Search(ctx, scopeB(), "runbook", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchRanksByOverlap(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_, err := store.Write(ctx, scopeA(), "postgres connection pooling notes", nil)
	require.NoError(t, err)
	_, err = store.Write(ctx, scopeA(), "postgres migration checklist", []string{"postgres"})
	require.NoError(t, err)
	_, err = store.Write(ctx, scopeA(), "frontend styling conventions", nil)
	require.NoError(t, err)

	hits, err := store.Search(ctx, scopeA(), "postgres checklist", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// Tag match plus both terms beats a single content hit.
	assert.Equal(t, "postgres migration checklist", hits[0].Content)
}

func TestSearchLimitAndEmptyQuery(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for i := 0; i < 5; i++ {
		_, err := store.Write(ctx, scopeA(), "kafka consumer lag", nil)
		require.NoError(t, err)
	}

	hits, err := store.Search(ctx, scopeA(), "kafka", 3)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	none, err := store.Search(ctx, scopeA(), "  ", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestToolAdapterFlattensSnippets(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, err := store.Write(ctx, scopeA(), "retry budget is three attempts", nil)
	require.NoError(t, err)

	adapter := ToolAdapter{Service: store}
	snippets, err := adapter.Search(ctx, scopeA(), "retry budget", 5)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, "retry budget is three attempts", snippets[0])
}
