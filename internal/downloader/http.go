package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/acomagu/bufpipe"
	"github.com/avast/retry-go/v4"
)

// copyBufferSize is the buffer size used for copying
// proxied video bodies.
const copyBufferSize = 64 * 1024

// downloadHTTP fetches p.URL into destDir with Range-based resume: the
// partial file is named after the episode title only (no extension, which
// isn't final until the response headers arrive), so a restarted download
// finds it, sends "Range: bytes=N-", and appends. A server that ignores the
// range answers 200 instead of 206 and the transfer restarts from byte 0.
func (s *Service) downloadHTTP(ctx context.Context, p DownloadParams, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	tmp := filepath.Join(destDir, sanitizeName(p.EpisodeTitle, p.Restricted)+".part")
	var resumeFrom int64
	if info, statErr := os.Stat(tmp); statErr == nil && info.Size() > 0 {
		resumeFrom = info.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := s.doWithRetry(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resumeFrom > 0 && resp.StatusCode != http.StatusPartialContent {
		resumeFrom = 0
	}

	ext := deriveExtension(p.URL, resp)
	dest := filepath.Join(destDir, sanitizeName(p.EpisodeTitle, p.Restricted)+ext)

	if existing, ok := s.skipExisting(dest, p.Prompt); ok {
		os.Remove(tmp)
		return existing, nil
	}

	totalBytes := resp.ContentLength
	if totalBytes > 0 {
		totalBytes += resumeFrom
	}

	// The body is staged through a buffered pipe so a stalled disk write
	// doesn't backpressure the network read mid-transfer; the reader side
	// feeds streamToFile's chunk loop as usual. Closing resp.Body on return
	// unblocks the copy goroutine if the write side aborts early.
	pr, pw := bufpipe.New(nil)
	go func() {
		_, copyErr := io.Copy(pw, resp.Body)
		pw.CloseWithError(copyErr)
	}()

	if err := s.streamToFile(ctx, pr, totalBytes, dest, tmp, resumeFrom, p.EpisodeTitle, p.ProgressHooks); err != nil {
		return "", err
	}

	if ext == ".mp4" && resp.Header.Get("Content-Type") == "" {
		if detected := detectExtensionFromContent(dest); detected != "" && detected != ext {
			renamed := dest[:len(dest)-len(ext)] + detected
			if err := os.Rename(dest, renamed); err == nil {
				dest = renamed
			}
		}
	}

	return dest, nil
}

// fetchToFile is the plain single-shot fetch used for ancillary assets
// (subtitles) that don't need progress reporting or resume.
func (s *Service) fetchToFile(ctx context.Context, rawURL, dest string, headers map[string]string, hooks []ProgressHook) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.doWithRetry(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return s.streamToFile(ctx, resp.Body, resp.ContentLength, dest, dest+".part", 0, filepath.Base(dest), hooks)
}

func (s *Service) doWithRetry(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := retry.Do(func() error {
		r, err := s.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return fmt.Errorf("downloader: server error %d", r.StatusCode)
		}
		if r.StatusCode >= 400 {
			r.Body.Close()
			return retry.Unrecoverable(fmt.Errorf("downloader: client error %d", r.StatusCode))
		}
		resp = r
		return nil
	}, retry.Attempts(3), retry.Context(req.Context()))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// streamToFile copies body into tmp, reporting progress every
// copyBufferSize read, then renames into place at dest atomically. offset >
// 0 means body is the tail of a resumed Range transfer: tmp is opened for
// append and progress counting starts there; offset 0 truncates tmp and
// starts over. On a failed or cancelled transfer tmp is left behind so the
// next attempt can resume from it. ctx is checked before every chunk write
// so a cancelled per-job context (queue.Service.CancelJob) or a draining
// pool aborts the transfer instead of running it to completion.
func (s *Service) streamToFile(ctx context.Context, body io.Reader, totalBytes int64, dest, tmp string, offset int64, filename string, hooks []ProgressHook) error {
	var f *os.File
	var err error
	if offset > 0 {
		f, err = os.OpenFile(tmp, os.O_WRONLY|os.O_APPEND, 0o644)
	} else {
		f, err = os.Create(tmp)
	}
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	downloaded := offset
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()
				return fmt.Errorf("write temp file: %w", writeErr)
			}
			downloaded += int64(n)
			s.emit(hooks, ProgressEvent{
				DownloadedBytes: downloaded, TotalBytes: totalBytes,
				Filename: filename, Status: ProgressDownloading,
			})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return fmt.Errorf("read response body: %w", readErr)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
