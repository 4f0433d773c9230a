package player_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xqi1337/nekoengine/internal/player"
	"github.com/xqi1337/nekoengine/models"
)

type fakeBackend struct {
	name       string
	executable string
	args       []string
	stopTime   string
	totalTime  string
	parseOK    bool
}

func (b *fakeBackend) Name() string       { return b.name }
func (b *fakeBackend) Executable() string { return b.executable }
func (b *fakeBackend) BuildArgs(player.Params) []string { return b.args }
func (b *fakeBackend) ParseExitLine(string) (string, string, bool) {
	return b.stopTime, b.totalTime, b.parseOK
}

type fakeIPC struct {
	called bool
	result player.Result
	err    error
}

func (f *fakeIPC) RunSession(ctx context.Context, p player.Params) (player.Result, error) {
	f.called = true
	return f.result, f.err
}

type fakeTorrent struct {
	url string
	err error
}

func (f *fakeTorrent) StreamURL(ctx context.Context, torrentURI string) (string, error) {
	return f.url, f.err
}

func TestPlayRequiresURL(t *testing.T) {
	s := player.NewService(player.Options{Backend: &fakeBackend{executable: "true"}})
	_, err := s.Play(context.Background(), player.Params{})
	require.Error(t, err)
}

func TestPlayDelegatesToIPCWhenRequested(t *testing.T) {
	ipc := &fakeIPC{result: player.Result{Episode: "3"}}
	s := player.NewService(player.Options{Backend: &fakeBackend{executable: "true"}})
	s.SetIPCController(ipc)

	result, err := s.Play(context.Background(), player.Params{URL: "http://x/1.mp4", UseIPC: true, HasAnime: true})
	require.NoError(t, err)
	require.True(t, ipc.called)
	require.Equal(t, "3", result.Episode)
}

func TestPlayFallsBackToPlainLaunchWithoutIPCController(t *testing.T) {
	s := player.NewService(player.Options{Backend: &fakeBackend{executable: "true"}})
	_, err := s.Play(context.Background(), player.Params{URL: "http://x/1.mp4", UseIPC: true, HasAnime: true})
	require.NoError(t, err)
}

func TestPlaySkipsIPCWhenNeitherAnimeNorLocal(t *testing.T) {
	ipc := &fakeIPC{}
	s := player.NewService(player.Options{Backend: &fakeBackend{executable: "true"}})
	s.SetIPCController(ipc)

	_, err := s.Play(context.Background(), player.Params{URL: "http://x/1.mp4", UseIPC: true})
	require.NoError(t, err)
	require.False(t, ipc.called)
}

func TestPlayRequiresTorrentStreamerForMagnetURL(t *testing.T) {
	s := player.NewService(player.Options{Backend: &fakeBackend{executable: "true"}})
	_, err := s.Play(context.Background(), player.Params{URL: "magnet:?xt=urn:btih:abc123"})
	require.Error(t, err)
}

func TestPlayResolvesTorrentURLBeforeLaunch(t *testing.T) {
	backend := &fakeBackend{executable: "true", parseOK: false}
	s := player.NewService(player.Options{Backend: backend})
	s.SetTorrentStreamer(&fakeTorrent{url: "http://127.0.0.1:9999/stream"})

	_, err := s.Play(context.Background(), player.Params{URL: "magnet:?xt=urn:btih:abc123"})
	require.NoError(t, err)
}

func TestPlayReturnsErrorWhenTorrentStreamerFails(t *testing.T) {
	s := player.NewService(player.Options{Backend: &fakeBackend{executable: "true"}})
	s.SetTorrentStreamer(&fakeTorrent{err: errors.New("no peers")})

	_, err := s.Play(context.Background(), player.Params{URL: "magnet:?xt=urn:btih:abc123"})
	require.Error(t, err)
}

func TestPlayReturnsErrExecutableNotFound(t *testing.T) {
	s := player.NewService(player.Options{Backend: &fakeBackend{executable: "definitely-not-a-real-binary-xyz"}})
	_, err := s.Play(context.Background(), player.Params{URL: "http://x/1.mp4"})
	require.ErrorIs(t, err, player.ErrExecutableNotFound)
}

func TestMPVBuildArgsIncludesHeadersSubsAndStartTime(t *testing.T) {
	b := player.NewMPVBackend(player.Config{})
	args := b.BuildArgs(player.Params{
		URL:       "http://x/1.mp4",
		Title:     "Episode 1",
		Headers:   map[string]string{"Referer": "http://x"},
		Subtitles: []models.Subtitle{{URL: "http://x/1.srt", Language: "en"}},
		StartTime: "00:05:00",
	})
	require.Contains(t, args, "--http-header-fields=Referer:http://x")
	require.Contains(t, args, "--sub-file=http://x/1.srt")
	require.Contains(t, args, "--start=00:05:00")
	require.Contains(t, args, "--title=Episode 1")
	require.Equal(t, "http://x/1.mp4", args[len(args)-1])
}

func TestMPVBuildArgsOmitsStartTimeWhenZero(t *testing.T) {
	b := player.NewMPVBackend(player.Config{})
	args := b.BuildArgs(player.Params{URL: "http://x/1.mp4", StartTime: "0"})
	for _, a := range args {
		require.NotContains(t, a, "--start=")
	}
}

func TestMPVParseExitLineScrapesLastAVLine(t *testing.T) {
	b := player.NewMPVBackend(player.Config{})
	stdout := "AV: 00:01:00 / 00:20:00 (5%)\nsome other output\nAV: 00:15:30 / 00:20:00 (77%)\n"
	stop, total, ok := b.ParseExitLine(stdout)
	require.True(t, ok)
	require.Equal(t, "00:15:30", stop)
	require.Equal(t, "00:20:00", total)
}

func TestMPVParseExitLineNotOKWithoutAVLine(t *testing.T) {
	b := player.NewMPVBackend(player.Config{})
	_, _, ok := b.ParseExitLine("nothing useful here")
	require.False(t, ok)
}

func TestVLCBuildArgsUsesVLCFlagDialect(t *testing.T) {
	b := player.NewVLCBackend(player.Config{})
	args := b.BuildArgs(player.Params{URL: "http://x/1.mp4", Title: "Ep", StartTime: "00:01:00"})
	require.Contains(t, args, "--start-time=00:01:00")
	require.Contains(t, args, "--meta-title=Ep")
}

func TestVLCParseExitLineNeverOK(t *testing.T) {
	b := player.NewVLCBackend(player.Config{})
	_, _, ok := b.ParseExitLine("AV: 00:01:00 / 00:20:00 (5%)")
	require.False(t, ok)
}

func TestSyncplayWrapsMPVArgs(t *testing.T) {
	b := player.NewSyncplayBackend(player.Config{})
	args := b.BuildArgs(player.Params{URL: "http://x/1.mp4", StartTime: "00:01:00"})
	require.Equal(t, "--player", args[0])
	require.Equal(t, "mpv", args[1])
	require.Equal(t, "http://x/1.mp4", args[len(args)-1])
}

func TestAndroidBuildArgsShellsActivityIntent(t *testing.T) {
	b := player.NewAndroidBackend(player.Config{}, "is.xyz.mpv", "is.xyz.mpv.MPVActivity")
	args := b.BuildArgs(player.Params{URL: "http://x/1.mp4"})
	require.Contains(t, args, "is.xyz.mpv/is.xyz.mpv.MPVActivity")
	require.Contains(t, args, "http://x/1.mp4")
}

func TestAndroidParseExitLineNeverOK(t *testing.T) {
	b := player.NewAndroidBackend(player.Config{}, "pkg", "activity")
	_, _, ok := b.ParseExitLine("anything")
	require.False(t, ok)
}
