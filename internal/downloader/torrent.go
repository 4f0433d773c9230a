package downloader

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/anacrolix/torrent"
)

// anacrolixTorrentFetcher implements TorrentFetcher on top of
// github.com/anacrolix/torrent, selecting the largest file in the torrent
// as the episode's video file (the common layout for single-episode
// releases and batch packs alike, where subtitle/nfo files are small).
type anacrolixTorrentFetcher struct {
	client  *torrent.Client
	dataDir string
}

// NewAnacrolixTorrentFetcher builds a TorrentFetcher backed by a
// persistent anacrolix/torrent client rooted at dataDir. anacrolix/torrent
// fixes a client's storage root at construction time, so Fetch's destDir
// argument is advisory only — files always land under dataDir; callers
// that need per-anime-title subdirectories should symlink or move the
// result after Fetch returns. A non-magnet uri is passed to
// AddTorrentFromFile, so it must be a local .torrent file path; an
// http(s) .torrent URL is not downloaded first.
func NewAnacrolixTorrentFetcher(dataDir string) (TorrentFetcher, error) {
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = dataDir
	cfg.NoUpload = true

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("torrent client: %w", err)
	}
	return &anacrolixTorrentFetcher{client: client, dataDir: dataDir}, nil
}

func (f *anacrolixTorrentFetcher) Fetch(ctx context.Context, uri, destDir string, hooks []ProgressHook) (string, error) {
	var t *torrent.Torrent
	var err error

	if isMagnetURI(uri) {
		t, err = f.client.AddMagnet(uri)
	} else {
		t, err = f.client.AddTorrentFromFile(uri)
	}
	if err != nil {
		return "", fmt.Errorf("add torrent: %w", err)
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		t.Drop()
		return "", ctx.Err()
	}

	file := largestFile(t)
	if file == nil {
		t.Drop()
		return "", fmt.Errorf("torrent has no files")
	}
	file.Download()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	total := file.Length()
	for {
		select {
		case <-ctx.Done():
			t.Drop()
			return "", ctx.Err()
		case <-ticker.C:
			downloaded := file.BytesCompleted()
			emitHooks(hooks, ProgressEvent{
				DownloadedBytes: downloaded, TotalBytes: total,
				Filename: filepath.Base(file.Path()), Status: ProgressDownloading,
			})
			if downloaded >= total {
				return filepath.Join(f.dataDir, file.Path()), nil
			}
		}
	}
}

func largestFile(t *torrent.Torrent) *torrent.File {
	var best *torrent.File
	for _, f := range t.Files() {
		if best == nil || f.Length() > best.Length() {
			best = f
		}
	}
	return best
}

func isMagnetURI(uri string) bool {
	return reMagnet.MatchString(uri)
}

func emitHooks(hooks []ProgressHook, ev ProgressEvent) {
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[downloader] progress hook panicked: %v", r)
				}
			}()
			hook(ev)
		}()
	}
}
