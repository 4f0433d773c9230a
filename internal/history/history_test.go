package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/xqi1337/nekoengine/internal/catalog"
	"github.com/xqi1337/nekoengine/internal/history"
	"github.com/xqi1337/nekoengine/models"
)

type fakeRegistry struct {
	entries map[int]models.MediaRegistryIndexEntry
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[int]models.MediaRegistryIndexEntry)}
}

func (f *fakeRegistry) GetOrCreateIndexEntry(ctx context.Context, mediaID int) (*models.MediaRegistryIndexEntry, error) {
	if entry, ok := f.entries[mediaID]; ok {
		cp := entry
		return &cp, nil
	}
	entry := models.MediaRegistryIndexEntry{MediaID: mediaID}
	f.entries[mediaID] = entry
	return &entry, nil
}

func (f *fakeRegistry) SaveMediaIndexEntry(ctx context.Context, entry models.MediaRegistryIndexEntry) error {
	f.entries[entry.MediaID] = entry
	return nil
}

// newMockCatalog returns a catalog mock whose IsAuthenticated reports
// authenticated; pushed list-entry params are captured by expectPush. Tests
// that must see no push simply never expect UpdateListEntry: the controller
// fails them on an unexpected call.
func newMockCatalog(t *testing.T, authenticated bool) *MockCatalogClient {
	t.Helper()
	ctrl := gomock.NewController(t)
	cat := NewMockCatalogClient(ctrl)
	cat.EXPECT().IsAuthenticated().Return(authenticated).AnyTimes()
	return cat
}

func expectPush(cat *MockCatalogClient) *catalog.UpdateUserMediaListEntryParams {
	captured := &catalog.UpdateUserMediaListEntryParams{}
	cat.EXPECT().UpdateListEntry(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p catalog.UpdateUserMediaListEntryParams) (bool, error) {
			*captured = p
			return true, nil
		})
	return captured
}

func newTestService() *history.Service {
	return history.NewService(history.Options{EpisodeCompleteAt: 90, PreferredTracker: "local"})
}

func TestTrackRequiresRegistry(t *testing.T) {
	s := newTestService()
	err := s.Track(context.Background(), models.MediaItem{ID: 1}, history.PlaybackResult{})
	require.ErrorIs(t, err, history.ErrRegistryRequired)
}

func TestTrackWritesLocalEntryBelowThreshold(t *testing.T) {
	s := newTestService()
	reg := newFakeRegistry()
	cat := newMockCatalog(t, true)
	s.SetRegistry(reg)
	s.SetCatalogClient(cat)

	item := models.MediaItem{ID: 1}
	err := s.Track(context.Background(), item, history.PlaybackResult{
		Episode: "3", StopTime: 10 * time.Minute, TotalTime: time.Hour,
	})
	require.NoError(t, err)

	require.Equal(t, "3", reg.entries[1].Progress)
	// No UpdateListEntry expectation: a below-threshold push would fail here.
}

func TestTrackPushesRemoteAboveThreshold(t *testing.T) {
	s := newTestService()
	reg := newFakeRegistry()
	cat := newMockCatalog(t, true)
	pushed := expectPush(cat)
	s.SetRegistry(reg)
	s.SetCatalogClient(cat)

	item := models.MediaItem{ID: 1}
	err := s.Track(context.Background(), item, history.PlaybackResult{
		Episode: "3", StopTime: 55 * time.Minute, TotalTime: time.Hour,
	})
	require.NoError(t, err)

	require.NotNil(t, pushed.Progress)
	require.Equal(t, 3, *pushed.Progress)
}

func TestTrackSkipsPushWhenUnauthenticated(t *testing.T) {
	s := newTestService()
	reg := newFakeRegistry()
	cat := newMockCatalog(t, false)
	s.SetRegistry(reg)
	s.SetCatalogClient(cat)

	err := s.Track(context.Background(), models.MediaItem{ID: 1}, history.PlaybackResult{
		Episode: "3", StopTime: 55 * time.Minute, TotalTime: time.Hour,
	})
	require.NoError(t, err)
}

func TestTrackSetsRepeatingWhenRemoteWasCompleted(t *testing.T) {
	s := newTestService()
	reg := newFakeRegistry()
	s.SetRegistry(reg)

	item := models.MediaItem{ID: 1, UserStatus: &models.UserStatus{Status: models.ListCompleted}}
	err := s.Track(context.Background(), item, history.PlaybackResult{
		Episode: "1", StopTime: time.Minute, TotalTime: time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, models.ListRepeating, reg.entries[1].Status)
}

func TestTrackForwardOnlyGuardSuppressesDecreasingPush(t *testing.T) {
	s := history.NewService(history.Options{EpisodeCompleteAt: 10, ForceForwardTracking: true})
	reg := newFakeRegistry()
	cat := newMockCatalog(t, true)
	s.SetRegistry(reg)
	s.SetCatalogClient(cat)

	item := models.MediaItem{ID: 1, UserStatus: &models.UserStatus{Progress: "5"}}
	err := s.Track(context.Background(), item, history.PlaybackResult{
		Episode: "3", StopTime: 55 * time.Minute, TotalTime: time.Hour,
	})
	require.NoError(t, err)
	// Pushing progress=3 over remote progress=5 must be suppressed; an
	// UpdateListEntry call here would fail the unexpected-call check.
}

func TestTrackForwardOnlyGuardAllowsIncreasingPush(t *testing.T) {
	s := history.NewService(history.Options{EpisodeCompleteAt: 10, ForceForwardTracking: true})
	reg := newFakeRegistry()
	cat := newMockCatalog(t, true)
	pushed := expectPush(cat)
	s.SetRegistry(reg)
	s.SetCatalogClient(cat)

	item := models.MediaItem{ID: 1, UserStatus: &models.UserStatus{Progress: "5"}}
	err := s.Track(context.Background(), item, history.PlaybackResult{
		Episode: "8", StopTime: 55 * time.Minute, TotalTime: time.Hour,
	})
	require.NoError(t, err)
	require.NotNil(t, pushed.Progress)
	require.Equal(t, 8, *pushed.Progress)
}

func TestGetEpisodeCoercesZeroToOne(t *testing.T) {
	s := newTestService()
	reg := newFakeRegistry()
	s.SetRegistry(reg)

	episode, start, err := s.GetEpisode(context.Background(), models.MediaItem{ID: 1})
	require.NoError(t, err)
	require.Equal(t, "1", episode)
	require.Equal(t, "", start)
}

func TestGetEpisodeAdvancesPastCompletionThreshold(t *testing.T) {
	s := newTestService()
	reg := newFakeRegistry()
	s.SetRegistry(reg)
	reg.entries[1] = models.MediaRegistryIndexEntry{
		MediaID: 1, Progress: "3", LastWatchPosition: "00:58:00", TotalDuration: "01:00:00",
	}

	episode, start, err := s.GetEpisode(context.Background(), models.MediaItem{ID: 1})
	require.NoError(t, err)
	require.Equal(t, "4", episode)
	require.Equal(t, "", start)
}

func TestGetEpisodeKeepsPositionBelowThreshold(t *testing.T) {
	s := newTestService()
	reg := newFakeRegistry()
	s.SetRegistry(reg)
	reg.entries[1] = models.MediaRegistryIndexEntry{
		MediaID: 1, Progress: "3", LastWatchPosition: "00:10:00", TotalDuration: "01:00:00",
	}

	episode, start, err := s.GetEpisode(context.Background(), models.MediaItem{ID: 1})
	require.NoError(t, err)
	require.Equal(t, "3", episode)
	require.Equal(t, "00:10:00", start)
}

func TestGetEpisodePrefersRemoteWhenConfigured(t *testing.T) {
	s := history.NewService(history.Options{EpisodeCompleteAt: 90, PreferredTracker: "remote"})
	reg := newFakeRegistry()
	s.SetRegistry(reg)
	reg.entries[1] = models.MediaRegistryIndexEntry{MediaID: 1, Progress: "3", LastWatchPosition: "00:10:00", TotalDuration: "01:00:00"}

	item := models.MediaItem{ID: 1, UserStatus: &models.UserStatus{Progress: "6"}}
	episode, start, err := s.GetEpisode(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, "6", episode)
	require.Equal(t, "", start)
}

func TestAddMediaToListIfNotPresentSkipsWhenStatusPresent(t *testing.T) {
	s := newTestService()
	cat := newMockCatalog(t, true)
	s.SetCatalogClient(cat)

	item := models.MediaItem{ID: 1, UserStatus: &models.UserStatus{Status: models.ListWatching}}
	require.NoError(t, s.AddMediaToListIfNotPresent(context.Background(), item))
}

func TestAddMediaToListIfNotPresentPushesPlanning(t *testing.T) {
	s := newTestService()
	cat := newMockCatalog(t, true)
	pushed := expectPush(cat)
	s.SetCatalogClient(cat)

	require.NoError(t, s.AddMediaToListIfNotPresent(context.Background(), models.MediaItem{ID: 1}))
	require.NotNil(t, pushed.Status)
	require.Equal(t, models.ListPlanning, *pushed.Status)
}
