package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeNameUnrestrictedUsesFullWidth(t *testing.T) {
	got := sanitizeName("Attack: Titan/Part1", false)
	require.NotContains(t, got, ":")
	require.NotContains(t, got, "/")
	require.Contains(t, got, "：")
}

func TestSanitizeNameRestrictedUsesUnderscore(t *testing.T) {
	got := sanitizeName("Attack: Titan/Part1", true)
	require.Equal(t, "Attack_ Titan_Part1", got)
}

func TestSanitizeNameEmptyFallsBackToUntitled(t *testing.T) {
	require.Equal(t, "untitled", sanitizeName("   ", false))
}

func TestIsTorrentURLRecognizesMagnetAndTorrentFile(t *testing.T) {
	require.True(t, isTorrentURL("magnet:?xt=urn:btih:abcdef1234567890"))
	require.True(t, isTorrentURL("https://example.com/file.torrent"))
	require.False(t, isTorrentURL("https://example.com/file.mp4"))
}

func TestIsHLSURLDetectsM3U8(t *testing.T) {
	require.True(t, isHLSURL("https://example.com/stream.m3u8"))
	require.False(t, isHLSURL("https://example.com/video.mp4"))
}

func TestDeriveExtensionPrefersURLPath(t *testing.T) {
	require.Equal(t, ".mkv", deriveExtension("https://example.com/ep01.mkv?token=abc", nil))
}

func TestDeriveExtensionFallsBackToDefault(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	require.Equal(t, ".mp4", deriveExtension("https://example.com/stream", resp))
}

func TestSkipExistingHonorsPromptFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ep01.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	s := NewService(Options{})

	existing, ok := s.skipExisting(path, false)
	require.True(t, ok)
	require.Equal(t, path, existing)

	_, ok = s.skipExisting(path, true)
	require.False(t, ok)
}

func TestEmitIsolatesPanickingHook(t *testing.T) {
	s := NewService(Options{})
	called := false

	hooks := []ProgressHook{
		func(ProgressEvent) { panic("boom") },
		func(ProgressEvent) { called = true },
	}

	require.NotPanics(t, func() {
		s.emit(hooks, ProgressEvent{Status: ProgressDownloading})
	})
	require.True(t, called)
}

func TestDownloadRequiresDownloadsDir(t *testing.T) {
	s := NewService(Options{})
	_, err := s.Download(nil, DownloadParams{}) //nolint:staticcheck // nil ctx fine, never dereferenced before the guard
	require.Error(t, err)
}

// rangeServer serves payload with byte-range support and records the Range
// header of each request.
func rangeServer(t *testing.T, payload string) (*httptest.Server, *[]string) {
	t.Helper()
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		ranges = append(ranges, rangeHeader)

		if strings.HasPrefix(rangeHeader, "bytes=") {
			offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-"), 10, 64)
			if err == nil && offset > 0 && offset < int64(len(payload)) {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(payload)-1, len(payload)))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write([]byte(payload[offset:]))
				return
			}
		}
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return srv, &ranges
}

func TestDownloadHTTPResumesFromExistingPartFile(t *testing.T) {
	const payload = "0123456789abcdef"
	srv, ranges := rangeServer(t, payload)

	dir := t.TempDir()
	destDir := filepath.Join(dir, "Show")
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "ep01.part"), []byte(payload[:6]), 0o644))

	s := NewService(Options{})
	result, err := s.Download(context.Background(), DownloadParams{
		URL:          srv.URL + "/ep01.mp4",
		DownloadsDir: dir,
		AnimeTitle:   "Show",
		EpisodeTitle: "ep01",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	require.Equal(t, []string{"bytes=6-"}, *ranges)
	data, err := os.ReadFile(result.VideoPath)
	require.NoError(t, err)
	require.Equal(t, payload, string(data))
	require.NoFileExists(t, filepath.Join(destDir, "ep01.part"))
}

func TestDownloadHTTPRestartsWhenServerIgnoresRange(t *testing.T) {
	const payload = "0123456789abcdef"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No 206 support: always the full body with a plain 200.
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	destDir := filepath.Join(dir, "Show")
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "ep01.part"), []byte("stale-partial"), 0o644))

	s := NewService(Options{})
	result, err := s.Download(context.Background(), DownloadParams{
		URL:          srv.URL + "/ep01.mp4",
		DownloadsDir: dir,
		AnimeTitle:   "Show",
		EpisodeTitle: "ep01",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	data, err := os.ReadFile(result.VideoPath)
	require.NoError(t, err)
	require.Equal(t, payload, string(data), "a 200 response must restart from byte 0, not append")
}

func TestDownloadHTTPFreshTransferSendsNoRangeHeader(t *testing.T) {
	const payload = "0123456789"
	srv, ranges := rangeServer(t, payload)

	dir := t.TempDir()
	s := NewService(Options{})
	result, err := s.Download(context.Background(), DownloadParams{
		URL:          srv.URL + "/ep02.mp4",
		DownloadsDir: dir,
		AnimeTitle:   "Show",
		EpisodeTitle: "ep02",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{""}, *ranges)
}
