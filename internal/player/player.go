// Package player implements the Player Service (C8): routes a play request
// to the IPC Controller (C9) when available, otherwise launches a backend
// process plainly and scrapes its exit line for resume state.
package player

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/xqi1337/nekoengine/models"
)

// ErrExecutableNotFound is returned when a backend's binary isn't on PATH.
var ErrExecutableNotFound = errors.New("player: executable not found in PATH")

// Params is the PlayerParams input to Play.
type Params struct {
	URL       string
	Title     string
	Headers   map[string]string
	Subtitles []models.Subtitle
	StartTime string // "0" or unset means start from the beginning
	ExtraArgs []string

	// UseIPC requests C9 handling when an online anime handle or a
	// local registry+media item is available.
	UseIPC   bool
	HasAnime bool // an online streaming session (anime handle present)
	HasLocal bool // a local-download session (registry + media item present)
}

// Result is the PlayerResult returned by Play.
type Result struct {
	Episode   string
	StopTime  string // "HH:MM:SS", empty if unknown
	TotalTime string // "HH:MM:SS", empty if unknown
}

// Backend builds argv for one player implementation and, where the binary's
// stdout carries resume information, parses its last progress line.
type Backend interface {
	Name() string
	Executable() string
	BuildArgs(p Params) []string
	// ParseExitLine scrapes stdout for resume position. ok is false when
	// the backend's stdout carries no such information (e.g. Android).
	ParseExitLine(stdout string) (stopTime, totalTime string, ok bool)
}

// IPCController is the subset of C9 the Player Service delegates to. It is
// wired in via SetIPCController once C9 is constructed, avoiding a
// player->ipc import cycle (C9 itself depends on player backends to launch
// the child process).
type IPCController interface {
	RunSession(ctx context.Context, p Params) (Result, error)
}

// TorrentStreamer proxies a magnet/.torrent URL into a local HTTP endpoint
// that a player backend can open directly.
type TorrentStreamer interface {
	StreamURL(ctx context.Context, torrentURI string) (httpURL string, err error)
}

// Options configures a new Service.
type Options struct {
	Backend Backend
	Logger  *log.Logger
}

// Service is the C8 Player Service.
type Service struct {
	backend Backend
	ipc     IPCController
	torrent TorrentStreamer
	logger  *log.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[player] ", log.LstdFlags)
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewMPVBackend(Config{})
	}
	return &Service{backend: backend, logger: logger}
}

// SetIPCController wires the C9 collaborator. Passing nil disables IPC
// delegation regardless of Params.UseIPC.
func (s *Service) SetIPCController(c IPCController) {
	s.ipc = c
}

// SetTorrentStreamer wires the torrent-proxy collaborator.
func (s *Service) SetTorrentStreamer(t TorrentStreamer) {
	s.torrent = t
}

// Play routes p according to the configured routing rules: IPC handling when
// requested and an anime handle or local registry context is available,
// otherwise a plain launch.
func (s *Service) Play(ctx context.Context, p Params) (Result, error) {
	if p.URL == "" {
		return Result{}, errors.New("player: url required")
	}

	if p.UseIPC && (p.HasAnime || p.HasLocal) && s.ipc != nil {
		return s.ipc.RunSession(ctx, p)
	}

	resolvedURL, err := s.resolveStreamURL(ctx, p.URL)
	if err != nil {
		return Result{}, err
	}
	p.URL = resolvedURL

	return s.launchPlain(ctx, p)
}

func (s *Service) resolveStreamURL(ctx context.Context, rawURL string) (string, error) {
	if !isTorrentURI(rawURL) {
		return rawURL, nil
	}
	if s.torrent == nil {
		return "", errors.New("player: torrent url requires a torrent streamer")
	}
	return s.torrent.StreamURL(ctx, rawURL)
}

var reMagnetURI = regexp.MustCompile(`(?i)^magnet:\?xt=urn:btih:`)

func isTorrentURI(uri string) bool {
	return reMagnetURI.MatchString(uri) || strings.HasSuffix(strings.ToLower(uri), ".torrent")
}

func (s *Service) launchPlain(ctx context.Context, p Params) (Result, error) {
	bin := s.backend.Executable()
	if bin == "" {
		return Result{}, ErrExecutableNotFound
	}
	if _, err := exec.LookPath(bin); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrExecutableNotFound, bin)
	}

	args := s.backend.BuildArgs(p)
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("launch %s: %w", s.backend.Name(), err)
		}
		s.logger.Printf("%s exited non-zero: %v", s.backend.Name(), err)
	}

	result := Result{}
	if stopTime, totalTime, ok := s.backend.ParseExitLine(stdout.String()); ok {
		result.StopTime = stopTime
		result.TotalTime = totalTime
	}
	return result, nil
}
