package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xqi1337/nekoengine/internal/registry"
	"github.com/xqi1337/nekoengine/models"
)

func newService(t *testing.T) *registry.Service {
	t.Helper()
	svc, err := registry.NewService(registry.Options{StorageDir: t.TempDir(), API: "anilist"})
	require.NoError(t, err)
	return svc
}

func TestGetOrCreateIndexEntryIsIdempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	first, err := svc.GetOrCreateIndexEntry(ctx, 1001)
	require.NoError(t, err)

	second, err := svc.GetOrCreateIndexEntry(ctx, 1001)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestSaveAndGetMediaRecordRoundTrips(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	rec := &models.MediaRecord{
		MediaItem: models.MediaItem{ID: 42, Title: models.Titles{English: "Foo"}, Episodes: 12},
		MediaEpisodes: []models.MediaEpisode{
			{EpisodeNumber: "1", DownloadStatus: models.DownloadCompleted, FilePath: "/tmp/foo-01.mp4"},
		},
	}
	require.NoError(t, svc.SaveMediaRecord(ctx, rec))

	got, err := svc.GetMediaRecord(42)
	require.NoError(t, err)
	require.Equal(t, rec.MediaItem, got.MediaItem)
	require.Equal(t, rec.MediaEpisodes, got.MediaEpisodes)
}

func TestUpdateMediaIndexEntryPromotesCompletedToRepeating(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	completed := models.ListCompleted

	_, err := svc.UpdateMediaIndexEntry(ctx, 7, nil, registry.UpdateEntryParams{Status: &completed})
	require.NoError(t, err)

	entry, err := svc.UpdateMediaIndexEntry(ctx, 7, nil, registry.UpdateEntryParams{Watched: true})
	require.NoError(t, err)
	require.Equal(t, models.ListRepeating, entry.Status)
}

func TestUpdateMediaIndexEntryClampsProgressToEpisodeCountOnCompletion(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	completed := models.ListCompleted
	progress := "999"
	item := &models.MediaItem{ID: 9, Episodes: 12}

	entry, err := svc.UpdateMediaIndexEntry(ctx, 9, item, registry.UpdateEntryParams{Status: &completed, Progress: &progress})
	require.NoError(t, err)
	require.Equal(t, "12", entry.Progress)
}

func TestUpdateEpisodeDownloadStatusIncrementsAttemptsOnFailure(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpdateEpisodeDownloadStatus(ctx, 5, "1", models.DownloadFailed, nil))
	require.NoError(t, svc.UpdateEpisodeDownloadStatus(ctx, 5, "1", models.DownloadFailed, nil))

	rec, err := svc.GetMediaRecord(5)
	require.NoError(t, err)
	ep, ok := rec.EpisodeByNumber("1")
	require.True(t, ok)
	require.Equal(t, 2, ep.DownloadAttempts)
}

func TestSetLastNotifiedEpisodeDoesNotDoubleNotify(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetLastNotifiedEpisode(ctx, 7, "5"))
	seen := svc.GetSeenNotifications()
	require.Equal(t, "5", seen[7])

	require.NoError(t, svc.SetLastNotifiedEpisode(ctx, 7, "6"))
	seen = svc.GetSeenNotifications()
	require.Equal(t, "6", seen[7])

	// A notification for an episode already seen must not regress the marker.
	require.NoError(t, svc.SetLastNotifiedEpisode(ctx, 7, "4"))
	seen = svc.GetSeenNotifications()
	require.Equal(t, "6", seen[7])
}

func TestSearchForMediaWithNoFiltersReturnsAllSortedByTitle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i, title := range []string{"Zeta", "Alpha", "Mu"} {
		require.NoError(t, svc.SaveMediaRecord(ctx, &models.MediaRecord{
			MediaItem: models.MediaItem{ID: 100 + i, Title: models.Titles{English: title}},
		}))
		_, err := svc.GetOrCreateIndexEntry(ctx, 100+i)
		require.NoError(t, err)
	}

	results, page := svc.SearchForMedia(registry.SearchParams{Sort: "title"})
	require.Equal(t, 3, page.Total)
	require.Equal(t, []string{"Alpha", "Mu", "Zeta"}, []string{
		results[0].MediaItem.PreferredTitle(),
		results[1].MediaItem.PreferredTitle(),
		results[2].MediaItem.PreferredTitle(),
	})
}
