package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xqi1337/nekoengine/models"
)

func TestParseHHMMSS(t *testing.T) {
	d, ok := models.ParseHHMMSS("01:02:03")
	require.True(t, ok)
	require.Equal(t, time.Hour+2*time.Minute+3*time.Second, d)

	_, ok = models.ParseHHMMSS("")
	require.False(t, ok)
	_, ok = models.ParseHHMMSS("1:2")
	require.False(t, ok)
	_, ok = models.ParseHHMMSS("aa:bb:cc")
	require.False(t, ok)
}

func TestFormatHHMMSSRoundTrip(t *testing.T) {
	require.Equal(t, "01:02:03", models.FormatHHMMSS(time.Hour+2*time.Minute+3*time.Second))
	require.Equal(t, "", models.FormatHHMMSS(0))
	require.Equal(t, "", models.FormatHHMMSS(-time.Second))

	d, ok := models.ParseHHMMSS(models.FormatHHMMSS(90 * time.Minute))
	require.True(t, ok)
	require.Equal(t, 90*time.Minute, d)
}

func TestWatchCompletionPercentage(t *testing.T) {
	entry := models.MediaRegistryIndexEntry{LastWatchPosition: "00:30:00", TotalDuration: "01:00:00"}
	require.InDelta(t, 50.0, entry.WatchCompletionPercentage(), 0.01)

	entry.LastWatchPosition = "02:00:00"
	require.InDelta(t, 100.0, entry.WatchCompletionPercentage(), 0.01, "clamps past the end")

	require.Zero(t, models.MediaRegistryIndexEntry{}.WatchCompletionPercentage())
	require.Zero(t, models.MediaRegistryIndexEntry{LastWatchPosition: "00:10:00"}.WatchCompletionPercentage())
}

func TestPreferredTitleFallback(t *testing.T) {
	item := models.MediaItem{Title: models.Titles{English: "Foo", Romaji: "Fuu", Native: "フー"}}
	require.Equal(t, "Foo", item.PreferredTitle())

	item.Title.English = ""
	require.Equal(t, "Fuu", item.PreferredTitle())

	item.Title.Romaji = ""
	require.Equal(t, "フー", item.PreferredTitle())
}

func TestIndexKey(t *testing.T) {
	entry := models.MediaRegistryIndexEntry{MediaID: 42, MediaAPI: "anilist"}
	require.Equal(t, "anilist_42", entry.Key())
	require.Equal(t, "anilist_42", models.IndexKey("anilist", 42))
}
