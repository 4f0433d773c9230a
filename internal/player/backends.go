package player

import (
	"fmt"
	"regexp"
	"strings"
)

// Config is the per-backend argv/behavior configuration (per the on-disk
// PlayerSettings, adapted per backend).
type Config struct {
	ExecutablePath string // overrides the PATH-resolved binary name
	ExtraArgs      []string
	PreArgs        []string // not read by any backend or by the Service: nothing is prepended to the backend binary
}

func executableOrDefault(path, fallback string) string {
	if path != "" {
		return path
	}
	return fallback
}

// mpvAVLine matches MPV's "AV: HH:MM:SS / HH:MM:SS (NN%)" status line;
// the last match in stdout is the resume point.
var mpvAVLine = regexp.MustCompile(`AV:\s+(\d{1,2}:\d{2}:\d{2})\s*/\s*(\d{1,2}:\d{2}:\d{2})\s*\(\d+%\)`)

func parseLastAVLine(stdout string) (stopTime, totalTime string, ok bool) {
	matches := mpvAVLine.FindAllStringSubmatch(stdout, -1)
	if len(matches) == 0 {
		return "", "", false
	}
	last := matches[len(matches)-1]
	return last[1], last[2], true
}

// mpvBackend launches MPV directly. BuildArgs order follows the usual
// convention of flags-then-positional-url for exec.Command argv construction.
type mpvBackend struct {
	cfg Config
}

func NewMPVBackend(cfg Config) Backend {
	return &mpvBackend{cfg: cfg}
}

func (b *mpvBackend) Name() string       { return "mpv" }
func (b *mpvBackend) Executable() string { return executableOrDefault(b.cfg.ExecutablePath, "mpv") }

func (b *mpvBackend) BuildArgs(p Params) []string {
	var args []string
	if len(p.Headers) > 0 {
		args = append(args, "--http-header-fields="+joinHeaders(p.Headers))
	}
	for _, sub := range p.Subtitles {
		args = append(args, "--sub-file="+sub.URL)
	}
	if p.StartTime != "" && p.StartTime != "0" {
		args = append(args, "--start="+p.StartTime)
	}
	if p.Title != "" {
		args = append(args, "--title="+p.Title)
	}
	args = append(args, b.cfg.ExtraArgs...)
	args = append(args, p.URL)
	return args
}

func (b *mpvBackend) ParseExitLine(stdout string) (string, string, bool) {
	return parseLastAVLine(stdout)
}

// vlcBackend launches VLC with its own flag dialect. VLC's stdout doesn't
// carry a scrapeable resume line in non-interactive mode, so ParseExitLine
// always reports !ok (only MPV's exit line is parsed for resume state).
type vlcBackend struct {
	cfg Config
}

func NewVLCBackend(cfg Config) Backend {
	return &vlcBackend{cfg: cfg}
}

func (b *vlcBackend) Name() string       { return "vlc" }
func (b *vlcBackend) Executable() string { return executableOrDefault(b.cfg.ExecutablePath, "vlc") }

func (b *vlcBackend) BuildArgs(p Params) []string {
	var args []string
	if len(p.Headers) > 0 {
		for k, v := range p.Headers {
			args = append(args, fmt.Sprintf("--http-header=%s: %s", k, v))
		}
	}
	for _, sub := range p.Subtitles {
		args = append(args, "--sub-file="+sub.URL)
	}
	if p.StartTime != "" && p.StartTime != "0" {
		args = append(args, "--start-time="+p.StartTime)
	}
	if p.Title != "" {
		args = append(args, "--meta-title="+p.Title)
	}
	args = append(args, b.cfg.ExtraArgs...)
	args = append(args, p.URL)
	return args
}

func (b *vlcBackend) ParseExitLine(string) (string, string, bool) {
	return "", "", false
}

// syncplayBackend wraps mpv: syncplay is the executable, and the
// player-specific argv it forwards to is built by an inner mpv backend, per
// a Syncplay backend wraps MPV.
type syncplayBackend struct {
	cfg   Config
	inner Backend
}

func NewSyncplayBackend(cfg Config) Backend {
	return &syncplayBackend{cfg: cfg, inner: NewMPVBackend(Config{ExtraArgs: cfg.ExtraArgs})}
}

func (b *syncplayBackend) Name() string { return "syncplay" }

func (b *syncplayBackend) Executable() string {
	return executableOrDefault(b.cfg.ExecutablePath, "syncplay")
}

func (b *syncplayBackend) BuildArgs(p Params) []string {
	inner := p
	inner.Headers = nil // HTTP headers are dropped: they are not passed to mpv through --player-args either
	mpvArgs := b.inner.BuildArgs(inner)

	args := []string{"--player", "mpv"}
	if len(mpvArgs) > 1 {
		args = append(args, "--player-args", strings.Join(mpvArgs[:len(mpvArgs)-1], " "))
	}
	args = append(args, p.URL)
	return args
}

func (b *syncplayBackend) ParseExitLine(stdout string) (string, string, bool) {
	return parseLastAVLine(stdout)
}

// androidBackend shells an Activity intent via Termux's `am start`, per
// the Android routing rule. Its stdout carries no resume
// information: Android players report state via their own UI, not a
// scrapeable process exit.
type androidBackend struct {
	cfg      Config
	pkg      string
	activity string
}

func NewAndroidBackend(cfg Config, pkg, activity string) Backend {
	return &androidBackend{cfg: cfg, pkg: pkg, activity: activity}
}

func (b *androidBackend) Name() string       { return "android" }
func (b *androidBackend) Executable() string { return executableOrDefault(b.cfg.ExecutablePath, "am") }

func (b *androidBackend) BuildArgs(p Params) []string {
	args := []string{
		"start", "-a", "android.intent.action.VIEW",
		"-d", p.URL,
		"-n", b.pkg + "/" + b.activity,
		"-t", "video/any",
	}
	return append(args, b.cfg.ExtraArgs...)
}

func (b *androidBackend) ParseExitLine(string) (string, string, bool) {
	return "", "", false
}

func joinHeaders(headers map[string]string) string {
	parts := make([]string, 0, len(headers))
	for k, v := range headers {
		parts = append(parts, k+":"+v)
	}
	return strings.Join(parts, ",")
}
