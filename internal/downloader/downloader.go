// Package downloader implements the Downloader (C5): HTTP/HLS/torrent
// fetch with progress hooks, destination naming, and optional subtitle
// merge.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/xqi1337/nekoengine/models"
)

// ErrTranscoderRequired is returned when a download needs HLS coercion or
// subtitle merge but no Transcoder collaborator was configured.
var ErrTranscoderRequired = errors.New("downloader: transcoder required for this operation")

// ProgressStatus is the status field of a ProgressEvent.
type ProgressStatus string

const (
	ProgressDownloading ProgressStatus = "downloading"
	ProgressFinished    ProgressStatus = "finished"
	ProgressError       ProgressStatus = "error"
)

// ProgressEvent is delivered to every registered hook during a download.
type ProgressEvent struct {
	DownloadedBytes int64
	TotalBytes      int64 // 0 when unknown
	Filename        string
	Status          ProgressStatus
	Err             error
}

// ProgressHook observes download progress. A panicking hook is recovered,
// logged, and otherwise ignored — it never aborts the transfer.
type ProgressHook func(ProgressEvent)

// DownloadParams is the input to Download.
type DownloadParams struct {
	URL            string
	DownloadsDir   string
	AnimeTitle     string
	EpisodeTitle   string
	Headers        map[string]string
	Subtitles      []models.Subtitle
	MergeSubtitles bool
	CleanAfterMerge bool
	Prompt         bool
	Restricted     bool // sanitize mode: true => "_", false => full-width equivalents
	ProgressHooks  []ProgressHook
}

// DownloadResult is the output of Download.
type DownloadResult struct {
	Success        bool
	VideoPath      string
	SubtitlePaths  []string
	MergedPath     string
	AnimeTitle     string
	EpisodeTitle   string
	ErrorMessage   string
}

// Transcoder performs the operations this package cannot do on its own:
// HLS/MPEG-TS/H.264 coercion and multi-track subtitle muxing. Its absence is
// only an error when a download actually requires one of these.
type Transcoder interface {
	// RemuxHLS reads an HLS/TS stream from srcURL and writes a playable
	// MP4 to dstPath.
	RemuxHLS(ctx context.Context, srcURL, dstPath string, headers map[string]string) error
	// MergeSubtitles copies all streams of videoPath plus one subtitle
	// track per entry in subtitlePaths into dstPath.
	MergeSubtitles(ctx context.Context, videoPath string, subtitlePaths []string, dstPath string) error
}

// Service is the C5 Downloader. The zero value with a nil Transcoder
// refuses HLS/merge operations.
type Service struct {
	client     *http.Client
	transcoder Transcoder
	torrent    TorrentFetcher
	logger     *log.Logger
}

// TorrentFetcher fetches the file identified by a magnet link or .torrent
// URL; internal/downloader/torrent.go's anacrolix/torrent-backed
// implementation satisfies this.
type TorrentFetcher interface {
	Fetch(ctx context.Context, uri, destDir string, hooks []ProgressHook) (string, error)
}

// Options configures a new Service.
type Options struct {
	Transcoder Transcoder
	Torrent    TorrentFetcher
	Logger     *log.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[downloader] ", log.LstdFlags)
	}
	return &Service{
		client:     &http.Client{Timeout: 0}, // streaming transfer, no overall deadline
		transcoder: opts.Transcoder,
		torrent:    opts.Torrent,
		logger:     logger,
	}
}

var reMagnet = regexp.MustCompile(`(?i)^magnet:\?xt=urn:btih:`)

func isTorrentURL(uri string) bool {
	return reMagnet.MatchString(uri) || strings.HasSuffix(strings.ToLower(uri), ".torrent")
}

func isHLSURL(uri string) bool {
	return strings.Contains(strings.ToLower(uri), ".m3u8")
}

// Download routes p.URL to the torrent, HLS, or plain HTTP path and returns
// a DownloadResult; it never returns a non-nil error for an ordinary fetch
// failure — the failure is reported in the result instead, so the
// "DownloadResult.error_message" contract. A non-nil error return means the
// call was malformed (e.g. an empty destination directory).
func (s *Service) Download(ctx context.Context, p DownloadParams) (DownloadResult, error) {
	if p.DownloadsDir == "" {
		return DownloadResult{}, errors.New("downloader: downloads dir required")
	}

	result := DownloadResult{AnimeTitle: p.AnimeTitle, EpisodeTitle: p.EpisodeTitle}

	destDir := filepath.Join(p.DownloadsDir, sanitizeName(p.AnimeTitle, p.Restricted))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		result.ErrorMessage = err.Error()
		return result, nil
	}

	var videoPath string
	var err error

	switch {
	case isTorrentURL(p.URL):
		videoPath, err = s.downloadTorrent(ctx, p, destDir)
	case isHLSURL(p.URL):
		videoPath, err = s.downloadHLS(ctx, p, destDir)
	default:
		videoPath, err = s.downloadHTTP(ctx, p, destDir)
	}
	if err != nil {
		s.emit(p.ProgressHooks, ProgressEvent{Filename: p.EpisodeTitle, Status: ProgressError, Err: err})
		result.ErrorMessage = err.Error()
		return result, nil
	}

	result.VideoPath = videoPath
	result.Success = true

	if len(p.Subtitles) > 0 {
		subPaths, subErr := s.saveSubtitles(ctx, p, destDir)
		if subErr != nil {
			s.logger.Printf("subtitle save failed for %s: %v", p.EpisodeTitle, subErr)
		} else {
			result.SubtitlePaths = subPaths
		}

		if p.MergeSubtitles && len(result.SubtitlePaths) > 0 {
			merged, mergeErr := s.mergeSubtitles(ctx, videoPath, result.SubtitlePaths, destDir)
			if mergeErr != nil {
				result.ErrorMessage = mergeErr.Error()
				return result, nil
			}
			result.MergedPath = merged
			if p.CleanAfterMerge {
				_ = os.Remove(videoPath)
				for _, sp := range result.SubtitlePaths {
					_ = os.Remove(sp)
				}
			}
		}
	}

	s.emit(p.ProgressHooks, ProgressEvent{Filename: p.EpisodeTitle, Status: ProgressFinished})
	return result, nil
}

func (s *Service) downloadTorrent(ctx context.Context, p DownloadParams, destDir string) (string, error) {
	if s.torrent == nil {
		return "", errors.New("downloader: no torrent fetcher configured")
	}
	return s.torrent.Fetch(ctx, p.URL, destDir, p.ProgressHooks)
}

func (s *Service) downloadHLS(ctx context.Context, p DownloadParams, destDir string) (string, error) {
	if s.transcoder == nil {
		return "", ErrTranscoderRequired
	}
	dest := filepath.Join(destDir, sanitizeName(p.EpisodeTitle, p.Restricted)+".mp4")
	if existing, ok := s.skipExisting(dest, p.Prompt); ok {
		return existing, nil
	}
	if err := s.transcoder.RemuxHLS(ctx, p.URL, dest, p.Headers); err != nil {
		return "", fmt.Errorf("hls remux: %w", err)
	}
	return dest, nil
}

func (s *Service) mergeSubtitles(ctx context.Context, videoPath string, subtitlePaths []string, destDir string) (string, error) {
	if s.transcoder == nil {
		return "", ErrTranscoderRequired
	}
	tmp := filepath.Join(destDir, ".merge-"+filepath.Base(videoPath)+".tmp")
	if err := s.transcoder.MergeSubtitles(ctx, videoPath, subtitlePaths, tmp); err != nil {
		return "", fmt.Errorf("subtitle merge: %w", err)
	}
	final := videoPath
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("subtitle merge rename: %w", err)
	}
	return final, nil
}

// skipExisting implements the overwrite policy: an existing file with
// prompt=false is treated as already done.
func (s *Service) skipExisting(path string, prompt bool) (string, bool) {
	if prompt {
		return "", false
	}
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "", false
}

func (s *Service) saveSubtitles(ctx context.Context, p DownloadParams, destDir string) ([]string, error) {
	paths := make([]string, 0, len(p.Subtitles))
	for i, sub := range p.Subtitles {
		ext := ".srt"
		if strings.Contains(sub.URL, ".ass") {
			ext = ".ass"
		} else if strings.Contains(sub.URL, ".vtt") {
			ext = ".vtt"
		}
		name := fmt.Sprintf("%s.%s%s", sanitizeName(p.EpisodeTitle, p.Restricted), sub.Language, ext)
		if sub.Language == "" {
			name = fmt.Sprintf("%s.%d%s", sanitizeName(p.EpisodeTitle, p.Restricted), i, ext)
		}
		dest := filepath.Join(destDir, name)

		if err := s.fetchToFile(ctx, sub.URL, dest, nil, nil); err != nil {
			return paths, err
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

var reservedCharsUnrestricted = map[rune]rune{
	'<': '＜', '>': '＞', ':': '：', '"': '＂', '/': '／', '\\': '＼', '|': '｜', '?': '？', '*': '＊',
}

// sanitizeName replaces reserved path characters with full-width
// equivalents (unrestricted) or "_" (restricted).
func sanitizeName(name string, restricted bool) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "untitled"
	}
	var sb strings.Builder
	for _, r := range name {
		replacement, reserved := reservedCharsUnrestricted[r]
		switch {
		case !reserved:
			sb.WriteRune(r)
		case restricted:
			sb.WriteRune('_')
		default:
			sb.WriteRune(replacement)
		}
	}
	return strings.TrimRight(sb.String(), " .")
}

// deriveExtension picks a file extension from the URL path first, then
// Content-Type, then Content-Disposition, then defaults to ".mp4".
func deriveExtension(rawURL string, resp *http.Response) string {
	if ext := filepath.Ext(strings.SplitN(rawURL, "?", 2)[0]); ext != "" && len(ext) <= 6 {
		return ext
	}
	if resp != nil {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
				if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
					return exts[0]
				}
			}
		}
		if cd := resp.Header.Get("Content-Disposition"); cd != "" {
			if _, params, err := mime.ParseMediaType(cd); err == nil {
				if fn, ok := params["filename"]; ok {
					if ext := filepath.Ext(fn); ext != "" {
						return ext
					}
				}
			}
		}
	}
	return ".mp4"
}

// detectExtensionFromContent is a mimetype-backed fallback used when the
// derived extension is ".mp4" and the response carries no Content-Type
// (this includes a URL path that itself ends in ".mp4").
func detectExtensionFromContent(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return mtype.Extension()
}

func (s *Service) emit(hooks []ProgressHook, ev ProgressEvent) {
	for _, hook := range hooks {
		s.safeCall(hook, ev)
	}
}

func (s *Service) safeCall(hook ProgressHook, ev ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("progress hook panicked: %v", r)
		}
	}()
	hook(ev)
}
