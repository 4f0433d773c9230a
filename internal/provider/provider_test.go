package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xqi1337/nekoengine/models"
)

func TestFactoryReturnsKnownProviders(t *testing.T) {
	for _, tag := range []string{"allanime", "animepahe", "hianime", "animeunity", "yugen", "nyaa"} {
		p, err := Factory(tag)
		require.NoError(t, err, tag)
		require.Equal(t, tag, p.Name())
	}
}

func TestFactoryRejectsUnknownTag(t *testing.T) {
	_, err := Factory("bogus")
	require.Error(t, err)
}

func TestSliceIteratorStopsAfterExhaustion(t *testing.T) {
	servers := []*models.Server{{Name: "a"}, {Name: "b"}}
	it := newSliceIterator(servers)

	srv, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", srv.Name)

	srv, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", srv.Name)

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSliceIteratorHonorsCancellation(t *testing.T) {
	it := newSliceIterator([]*models.Server{{Name: "a"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := it.Next(ctx)
	require.Error(t, err)
}

func TestDecodeAllAnimeSourceURLPassesThroughUnprefixed(t *testing.T) {
	require.Equal(t, "not-encoded", decodeAllAnimeSourceURL("not-encoded"))
}

func TestSearchCacheHitKeyFoldingAndExpiry(t *testing.T) {
	c := newSearchCache(50 * time.Millisecond)
	sp := SearchParams{Query: "Foo", TranslationType: models.TranslationSub}

	_, ok := c.get(sp)
	require.False(t, ok)

	c.put(sp, map[string]models.SearchResult{"Foo": {ID: "1", Title: "Foo"}})

	cached, ok := c.get(sp)
	require.True(t, ok)
	require.Contains(t, cached, "Foo")

	_, ok = c.get(SearchParams{Query: "  foo ", TranslationType: models.TranslationSub})
	require.True(t, ok, "key folds case and surrounding whitespace")

	_, ok = c.get(SearchParams{Query: "Foo", TranslationType: models.TranslationDub})
	require.False(t, ok, "translation type is part of the key")

	time.Sleep(60 * time.Millisecond)
	_, ok = c.get(sp)
	require.False(t, ok, "entries expire after the ttl")
}
