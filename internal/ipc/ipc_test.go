package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xqi1337/nekoengine/models"
)

func TestFormatSeconds(t *testing.T) {
	require.Equal(t, "", formatSeconds(0))
	require.Equal(t, "", formatSeconds(-1))
	require.Equal(t, "00:01:05", formatSeconds(65))
	require.Equal(t, "01:00:00", formatSeconds(3600))
}

func TestIndexOf(t *testing.T) {
	list := []string{"1", "2", "3"}
	require.Equal(t, 0, indexOf(list, "1"))
	require.Equal(t, 2, indexOf(list, "3"))
	require.Equal(t, -1, indexOf(list, "9"))
}

func TestBestLinkPicksHighestQuality(t *testing.T) {
	srv := &models.Server{Links: []models.Link{
		{URL: "low", Quality: models.Quality360},
		{URL: "high", Quality: models.Quality1080},
		{URL: "mid", Quality: models.Quality480},
	}}
	require.Equal(t, "high", bestLink(srv))
}

func TestBestLinkNilServer(t *testing.T) {
	require.Equal(t, "", bestLink(nil))
}

func TestPickServerPrefersPreferredName(t *testing.T) {
	servers := map[string]*models.Server{
		"b": {Name: "b"},
		"a": {Name: "a"},
	}
	srv := pickServer(servers, "b")
	require.Equal(t, "b", srv.Name)
}

func TestPickServerFallsBackToFirstAlphabetically(t *testing.T) {
	servers := map[string]*models.Server{
		"zeta": {Name: "zeta"},
		"alpha": {Name: "alpha"},
	}
	srv := pickServer(servers, "missing")
	require.Equal(t, "alpha", srv.Name)
}

func TestPickServerEmptyMap(t *testing.T) {
	require.Nil(t, pickServer(map[string]*models.Server{}, ""))
}

func TestToInt64(t *testing.T) {
	n, ok := toInt64(float64(42))
	require.True(t, ok)
	require.Equal(t, int64(42), n)

	_, ok = toInt64("not a number")
	require.False(t, ok)
}

func TestResolveTargetBounds(t *testing.T) {
	s := NewSession(Options{EpisodeList: []string{"1", "2", "3"}, Episode: "1"})

	target, err := s.resolveTarget(switchNext, "")
	require.NoError(t, err)
	require.Equal(t, "2", target)

	_, err = s.resolveTarget(switchPrevious, "")
	require.ErrorIs(t, err, ErrNoMoreEpisodes)

	target, err = s.resolveTarget(switchReload, "")
	require.NoError(t, err)
	require.Equal(t, "1", target)

	target, err = s.resolveTarget(switchCustom, "7")
	require.NoError(t, err)
	require.Equal(t, "7", target)
}

func TestResolveTargetNextAtLastEpisode(t *testing.T) {
	s := NewSession(Options{EpisodeList: []string{"1", "2", "3"}, Episode: "3"})
	_, err := s.resolveTarget(switchNext, "")
	require.ErrorIs(t, err, ErrNoMoreEpisodes)
}

func TestFetchingFlagBlocksConcurrentSwitch(t *testing.T) {
	s := NewSession(Options{EpisodeList: []string{"1", "2"}, Episode: "1"})
	require.True(t, s.fetching.CompareAndSwap(false, true), "first switch should acquire the flag")
	require.False(t, s.fetching.CompareAndSwap(false, true), "second switch must be rejected while one is in flight")
}

type fakeLocalLookupFunc func(mediaID int, episode string) (string, bool)

func (f fakeLocalLookupFunc) EpisodeFilePath(mediaID int, episode string) (string, bool) {
	return f(mediaID, episode)
}

type fakeStreamFetcher struct {
	servers map[string]*models.Server
	err     error
}

func (f *fakeStreamFetcher) FetchStreams(ctx context.Context, animeID, episode string, tt models.TranslationType) (map[string]*models.Server, error) {
	return f.servers, f.err
}

func TestFetchWorkerUsesStreamFetcherForAnimeSessions(t *testing.T) {
	s := NewSession(Options{
		EpisodeList: []string{"1", "2"},
		Episode:     "1",
		AnimeID:     "anime-1",
		StreamFetcher: &fakeStreamFetcher{
			servers: map[string]*models.Server{"s1": {Name: "s1", Links: []models.Link{{URL: "http://x", Quality: models.Quality720}}}},
		},
	})
	s.fetchWorker(context.Background(), switchNext, "", false)

	select {
	case fr := <-s.fetchResult:
		require.NoError(t, fr.err)
		require.Equal(t, "2", fr.episode)
		require.Contains(t, fr.servers, "s1")
	case <-time.After(time.Second):
		t.Fatal("expected a fetch result")
	}
}

func TestFetchWorkerUsesRegistryForLocalSessions(t *testing.T) {
	s := NewSession(Options{
		EpisodeList: []string{"1", "2"},
		Episode:     "1",
		MediaID:     5,
		Registry: fakeLocalLookupFunc(func(mediaID int, episode string) (string, bool) {
			require.Equal(t, 5, mediaID)
			require.Equal(t, "2", episode)
			return "/tmp/ep2.mkv", true
		}),
	})
	s.fetchWorker(context.Background(), switchNext, "", false)

	select {
	case fr := <-s.fetchResult:
		require.NoError(t, fr.err)
		require.Equal(t, "/tmp/ep2.mkv", fr.path)
	case <-time.After(time.Second):
		t.Fatal("expected a fetch result")
	}
}

func TestFetchWorkerReportsOutOfBoundsAsError(t *testing.T) {
	s := NewSession(Options{EpisodeList: []string{"1"}, Episode: "1"})
	s.fetchWorker(context.Background(), switchNext, "", false)

	select {
	case fr := <-s.fetchResult:
		require.ErrorIs(t, fr.err, ErrNoMoreEpisodes)
	case <-time.After(time.Second):
		t.Fatal("expected a fetch result")
	}
}

func TestFetchWorkerSilentRunCachesInsteadOfPostingToQueue(t *testing.T) {
	fetcher := &fakeStreamFetcher{
		servers: map[string]*models.Server{"s1": {Name: "s1", Links: []models.Link{{URL: "http://x", Quality: models.Quality720}}}},
	}
	s := NewSession(Options{
		EpisodeList:   []string{"1", "2"},
		Episode:       "1",
		AnimeID:       "anime-1",
		StreamFetcher: fetcher,
	})

	s.fetchWorker(context.Background(), switchNext, "", true)

	select {
	case <-s.fetchResult:
		t.Fatal("a silent prefetch run must not post to the fetch-result queue")
	default:
	}

	fr, ok := s.takePrefetched("2")
	require.True(t, ok)
	require.Contains(t, fr.servers, "s1")
}

func TestTakePrefetchedIsOneShot(t *testing.T) {
	s := NewSession(Options{})
	s.storePrefetched(fetchResult{episode: "2", path: "/tmp/ep2.mkv"})

	fr, ok := s.takePrefetched("2")
	require.True(t, ok)
	require.Equal(t, "/tmp/ep2.mkv", fr.path)

	_, ok = s.takePrefetched("2")
	require.False(t, ok, "a second read of the same episode must observe it already cleared")
}

func TestFetchWorkerRealSwitchConsumesMatchingPrefetch(t *testing.T) {
	s := NewSession(Options{
		EpisodeList: []string{"1", "2"},
		Episode:     "1",
		Registry: fakeLocalLookupFunc(func(mediaID int, episode string) (string, bool) {
			t.Fatal("real switch should have consumed the prefetch cache instead of calling the registry again")
			return "", false
		}),
	})
	s.storePrefetched(fetchResult{episode: "2", path: "/tmp/ep2-prefetched.mkv"})

	s.fetchWorker(context.Background(), switchNext, "", false)

	select {
	case fr := <-s.fetchResult:
		require.NoError(t, fr.err)
		require.Equal(t, "/tmp/ep2-prefetched.mkv", fr.path)
	case <-time.After(time.Second):
		t.Fatal("expected a fetch result")
	}

	_, ok := s.takePrefetched("2")
	require.False(t, ok, "the cached entry must be consumed, not left behind")
}

// fakeMPV is a minimal Unix-socket server that accepts one connection,
// echoes back a success response for every command it receives, and lets
// the test push arbitrary event lines.
type fakeMPV struct {
	listener net.Listener
	path     string
}

func newFakeMPV(t *testing.T) *fakeMPV {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpv-test.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	return &fakeMPV{listener: l, path: path}
}

func (f *fakeMPV) acceptAndEchoResponses(t *testing.T) net.Conn {
	t.Helper()
	conn, err := f.listener.Accept()
	require.NoError(t, err)
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req map[string]interface{}
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				continue
			}
			reqID, ok := req["request_id"]
			if !ok {
				continue
			}
			resp, _ := json.Marshal(map[string]interface{}{"request_id": reqID, "error": "success"})
			conn.Write(append(resp, '\n'))
		}
	}()
	return conn
}

func (f *fakeMPV) close() {
	f.listener.Close()
	os.Remove(f.path)
}

func TestSendCommandRoundTripsOverRealSocket(t *testing.T) {
	mpv := newFakeMPV(t)
	defer mpv.close()

	s := NewSession(Options{CommandTimeout: 2 * time.Second})
	clientConn, err := net.Dial("unix", mpv.path)
	require.NoError(t, err)
	s.conn = clientConn
	mpv.acceptAndEchoResponses(t)

	done := make(chan struct{})
	go func() { s.readerLoop(done) }()
	defer clientConn.Close()

	_, err = s.sendCommand(context.Background(), []interface{}{"get_property", "time-pos"})
	require.NoError(t, err)
}

func TestSendCommandTimesOutWithNoResponse(t *testing.T) {
	mpv := newFakeMPV(t)
	defer mpv.close()

	s := NewSession(Options{CommandTimeout: 100 * time.Millisecond})
	clientConn, err := net.Dial("unix", mpv.path)
	require.NoError(t, err)
	s.conn = clientConn
	defer clientConn.Close()

	_, err = mpv.listener.Accept()
	require.NoError(t, err)
	// No responder goroutine: the command should time out.

	_, err = s.sendCommand(context.Background(), []interface{}{"get_property", "time-pos"})
	require.Error(t, err)
}
