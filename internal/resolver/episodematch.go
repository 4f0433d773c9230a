package resolver

import (
	"regexp"
	"strconv"
	"strings"
)

// Episode-number extraction patterns, adapted from the scene-release
// selector the engine's torrent client used to ship: anime releases
// identify an episode by a SxxExx code, a dash-separated absolute number
// ("One Piece - 1153 [1080p]"), an "Episode NNNN"/"Ep NNNN" keyword, or a
// standalone "E##" with no season prefix. resolutionPattern/yearPattern
// exclude numbers that are actually a resolution tag or a bracketed year,
// so "1080p" or "[2024]" never gets mistaken for an absolute episode.
var (
	episodeCodePattern           = regexp.MustCompile(`(?i)s(\d{1,2})e(\d{1,4})`)
	absoluteEpisodeDashPattern   = regexp.MustCompile(`[-–][\s_]*(\d{1,4})(?:v\d)?(?:[\s_]*[\[\(\s_]|$)`)
	absoluteEpisodeKeywordPattern = regexp.MustCompile(`(?i)(?:episode|ep\.?)\s*(\d{1,4})(?:\s|$|[\[\(\.])`)
	standaloneEpisodePattern     = regexp.MustCompile(`(?i)(?:^|[^\d])e(\d{1,4})(?:[\s\]\)\-_\.'"v]|$)`)
	resolutionPattern            = regexp.MustCompile(`(?i)(\d{3,4})p`)
	yearPattern                  = regexp.MustCompile(`[\(\[](\d{4})[\)\]]`)

	episodeNumberPatterns = []*regexp.Regexp{
		absoluteEpisodeDashPattern,
		absoluteEpisodeKeywordPattern,
		standaloneEpisodePattern,
	}
)

// MatchesEpisode reports whether title's release naming identifies episode
// target. It tries a SxxExx code first, then the anime absolute-numbering
// conventions in order, stopping at whichever pattern yields the first
// plausible episode number; that number must equal target or the title is
// rejected, even if a later pattern would otherwise have matched something
// else. Falls back to a raw substring check only when none of the patterns
// found a number at all, e.g. a title carrying the episode as plain text.
func MatchesEpisode(title, target string) bool {
	target = trimZeros(target)
	if target == "" {
		return false
	}

	if m := episodeCodePattern.FindStringSubmatch(title); m != nil {
		return trimZeros(m[2]) == target
	}

	excluded := excludedNumbers(title)
	if n, err := strconv.Atoi(target); err == nil && excluded[n] {
		return false
	}
	for _, pattern := range episodeNumberPatterns {
		m := pattern.FindStringSubmatch(title)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || excluded[n] {
			continue
		}
		return trimZeros(m[1]) == target
	}

	return strings.Contains(title, target)
}

// excludedNumbers collects integers appearing in title as a resolution tag
// or a bracketed year, so the absolute-episode patterns above don't mistake
// "1080p" or "[2024]" for an episode number.
func excludedNumbers(title string) map[int]bool {
	excluded := make(map[int]bool)
	for _, m := range resolutionPattern.FindAllStringSubmatch(title, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			excluded[n] = true
		}
	}
	for _, m := range yearPattern.FindAllStringSubmatch(title, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			excluded[n] = true
		}
	}
	return excluded
}

func trimZeros(s string) string {
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}
