package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-collections/internal/config"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
	"rocket-collections/internal/search"
	"rocket-collections/internal/store"
)

func setup(t *testing.T) (*engine.Collection, *search.Index) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load([]*metadata.Entity{{
		Name:   "books",
		Fields: []metadata.Field{{Name: "title", Localized: true}, {Name: "blurb", Type: "text"}},
		Title:  &metadata.TitleConfig{Fields: []string{"title"}},
	}}))
	require.NoError(t, s.Bootstrap(ctx, reg.AllEntities()))

	ix := search.New(s)
	e, err := engine.New(s, reg, engine.Options{
		Indexer: ix,
		Locales: config.LocaleConfig{Default: "en"},
	})
	require.NoError(t, err)
	books, err := e.Collection("books")
	require.NoError(t, err)
	return books, ix
}

func TestIndex_FollowsWrites(t *testing.T) {
	ctx := context.Background()
	books, ix := setup(t)

	dune, err := books.Create(ctx, map[string]any{"title": "Dune", "blurb": "Spice and sand worms"}, engine.OpContext{})
	require.NoError(t, err)
	_, err = books.Create(ctx, map[string]any{"title": "Sandman", "blurb": "Dreams"}, engine.OpContext{})
	require.NoError(t, err)

	hits, err := ix.Search(ctx, "books", "SAND")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Sandman", hits[0].Title)
	assert.Equal(t, "Dune", hits[1].Title)

	hits, err = ix.Search(ctx, "books", "sand worms")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, dune["id"], hits[0].ID)

	_, err = books.UpdateByID(ctx, dune["id"], map[string]any{"title": "Der Wüstenplanet"}, engine.OpContext{Locale: "de"})
	require.NoError(t, err)
	hits, err = ix.Search(ctx, "books", "wüstenplanet")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "de", hits[0].Locale)

	_, err = books.DeleteByID(ctx, dune["id"], engine.OpContext{})
	require.NoError(t, err)
	hits, err = ix.Search(ctx, "books", "spice")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_EscapesWildcards(t *testing.T) {
	ctx := context.Background()
	_, ix := setup(t)

	require.NoError(t, ix.Index(ctx, engine.IndexDocument{Collection: "books", ID: "1", Locale: "en", Title: "100% cotton"}))
	require.NoError(t, ix.Index(ctx, engine.IndexDocument{Collection: "books", ID: "2", Locale: "en", Title: "1000 cotton"}))

	hits, err := ix.Search(ctx, "books", "100%")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].ID)

	hits, err = ix.Search(ctx, "books", "   ")
	require.NoError(t, err)
	assert.Empty(t, hits)
}
