package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xqi1337/nekoengine/internal/resolver"
	"github.com/xqi1337/nekoengine/models"
)

func TestResolveStableAcrossInputOrder(t *testing.T) {
	item := models.MediaItem{Title: models.Titles{English: "Attack on Titan", Romaji: "Shingeki no Kyojin"}}

	forward := []string{"Attack on Titan", "Attack on Titan: Junior High"}
	reversed := []string{"Attack on Titan: Junior High", "Attack on Titan"}

	got1, ok1 := resolver.ResolveOrdered(forward, "generic", item)
	require.True(t, ok1)
	require.Equal(t, "Attack on Titan", got1)

	got2, ok2 := resolver.ResolveOrdered(reversed, "generic", item)
	require.True(t, ok2)
	require.Equal(t, "Attack on Titan", got2)
}

func TestResolveExactMatchWinsOutright(t *testing.T) {
	item := models.MediaItem{Title: models.Titles{English: "Foo"}}
	got, ok := resolver.ResolveOrdered([]string{"Foo", "Foo Bar"}, "generic", item)
	require.True(t, ok)
	require.Equal(t, "Foo", got)
}

func TestNormalizeAllanimeStripsDubSuffix(t *testing.T) {
	require.Equal(t, resolver.Normalize("allanime", "Foo"), resolver.Normalize("allanime", "Foo (Dub)"))
}

func TestSimilarityIdenticalAndEmpty(t *testing.T) {
	require.Equal(t, 1.0, resolver.Similarity("Attack on Titan", "attack on titan"))
	require.Equal(t, 0.0, resolver.Similarity("", "anything"))
	require.Equal(t, 0.0, resolver.Similarity("anything", ""))
}

func TestSimilarityIgnoresPunctuationAndAmpersand(t *testing.T) {
	require.Equal(t, 1.0, resolver.Similarity("Foo & Bar", "foo and bar"))
	require.Equal(t, 1.0, resolver.Similarity("Re:Zero - Starting Life", "re zero starting life"))
}

func TestSimilaritySubtitleExtensionRanksBelowExact(t *testing.T) {
	exact := resolver.Similarity("Attack on Titan", "Attack on Titan")
	extended := resolver.Similarity("Attack on Titan: Junior High", "Attack on Titan")
	unrelated := resolver.Similarity("Completely Different Show", "Attack on Titan")

	require.Less(t, extended, exact)
	require.Greater(t, extended, 0.85, "a subtitle extension of the full base title stays a strong candidate")
	require.Greater(t, extended, unrelated)
}

func TestSimilarityTokenReorderScoresAboveBlendedFloor(t *testing.T) {
	reordered := resolver.Similarity("Titan Attack on", "Attack on Titan")
	require.Greater(t, reordered, 0.6, "full token overlap keeps reordered titles in contention")
	require.Less(t, reordered, 1.0)
}
