package resolver

import "testing"

func TestMatchesEpisodeSeasonCode(t *testing.T) {
	if !MatchesEpisode("[SubsPlease] Some Show - S01E05 (1080p) [ABCD1234].mkv", "5") {
		t.Fatal("expected SxxExx code to match episode 5")
	}
	if MatchesEpisode("[SubsPlease] Some Show - S01E05 (1080p) [ABCD1234].mkv", "6") {
		t.Fatal("did not expect SxxExx code to match episode 6")
	}
}

func TestMatchesEpisodeAbsoluteDashNumbering(t *testing.T) {
	if !MatchesEpisode("One Piece - 1153 [1080p].mkv", "1153") {
		t.Fatal("expected dash-separated absolute episode to match")
	}
	if !MatchesEpisode("One Piece - 0042 (720p).mkv", "42") {
		t.Fatal("expected leading-zero absolute episode to match trimmed target")
	}
}

func TestMatchesEpisodeKeywordForm(t *testing.T) {
	if !MatchesEpisode("Some Anime Episode 12.mkv", "12") {
		t.Fatal("expected Episode NN keyword to match")
	}
}

func TestMatchesEpisodeStandaloneForm(t *testing.T) {
	if !MatchesEpisode("Some Anime [E07] 'Title'.mkv", "7") {
		t.Fatal("expected standalone E## form to match")
	}
}

func TestMatchesEpisodeIgnoresResolutionAndYear(t *testing.T) {
	if MatchesEpisode("Some Movie (2024) [1080p].mkv", "1080") {
		t.Fatal("resolution tag must not be mistaken for an episode number")
	}
	if MatchesEpisode("Some Movie (2024) [1080p].mkv", "2024") {
		t.Fatal("bracketed year must not be mistaken for an episode number")
	}
}

func TestMatchesEpisodeFallsBackToSubstring(t *testing.T) {
	if !MatchesEpisode("raw episode number 9 in plain text", "9") {
		t.Fatal("expected substring fallback when no structured pattern matched")
	}
}

func TestMatchesEpisodeRejectsWrongNumber(t *testing.T) {
	if MatchesEpisode("One Piece - 1153 [1080p].mkv", "1154") {
		t.Fatal("did not expect mismatched absolute episode to match")
	}
}
