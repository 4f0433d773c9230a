// Package models holds the data types shared across the registry, catalog
// client, provider set, and every service that reads or writes them.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MediaKind distinguishes anime from manga entries in the catalog.
type MediaKind string

const (
	KindAnime MediaKind = "ANIME"
	KindManga MediaKind = "MANGA"
)

// MediaStatus mirrors the catalog's airing/publication status.
type MediaStatus string

const (
	StatusFinished      MediaStatus = "FINISHED"
	StatusReleasing     MediaStatus = "RELEASING"
	StatusNotYetRelease MediaStatus = "NOT_YET_RELEASED"
	StatusCancelled     MediaStatus = "CANCELLED"
	StatusHiatus        MediaStatus = "HIATUS"
)

// ListStatus is the user's personal tracking status for a media item.
type ListStatus string

const (
	ListWatching  ListStatus = "WATCHING"
	ListPlanning  ListStatus = "PLANNING"
	ListCompleted ListStatus = "COMPLETED"
	ListDropped   ListStatus = "DROPPED"
	ListPaused    ListStatus = "PAUSED"
	ListRepeating ListStatus = "REPEATING"
)

// Titles bundles the three catalog title variants plus synonyms.
type Titles struct {
	English  string   `json:"english,omitempty"`
	Romaji   string   `json:"romaji,omitempty"`
	Native   string   `json:"native,omitempty"`
	Synonyms []string `json:"synonyms,omitempty"`
}

// NextAiringEpisode carries the next-to-air episode number and its airing time.
type NextAiringEpisode struct {
	Episode         int   `json:"episode"`
	AiringAt        int64 `json:"airingAt"`
	TimeUntilAiring int64 `json:"timeUntilAiring"`
}

// StreamingEpisode is a single entry of a media item's episode thumbnail map.
type StreamingEpisode struct {
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// UserStatus is the embedded per-user status block on a MediaItem, as returned
// by the catalog for an authenticated viewer.
type UserStatus struct {
	Status      ListStatus `json:"status,omitempty"`
	Progress    string     `json:"progress,omitempty"`
	Score       float64    `json:"score,omitempty"`
	Repeat      int        `json:"repeat,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	StartedAt   string     `json:"startedAt,omitempty"`
	CompletedAt string     `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt,omitempty"`
}

// MediaItem is the canonical description of a title as known by the catalog.
// It is created by the Catalog Client or the Registry Store and mutated only
// by replacing the whole object, never by field-level patch.
type MediaItem struct {
	ID         int       `json:"id"`
	MALID      int       `json:"malId,omitempty"`
	Title      Titles    `json:"title"`
	Kind       MediaKind `json:"kind"`
	Status     MediaStatus `json:"status,omitempty"`
	Format     string    `json:"format,omitempty"`
	Episodes   int       `json:"episodes,omitempty"`
	Duration   int       `json:"duration,omitempty"` // per-episode, minutes
	Genres     []string  `json:"genres,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Studios    []string  `json:"studios,omitempty"`
	CoverImage string    `json:"coverImage,omitempty"`
	BannerImage string   `json:"bannerImage,omitempty"`
	Trailer    string    `json:"trailer,omitempty"`
	Score      float64   `json:"score,omitempty"`
	Popularity int       `json:"popularity,omitempty"`
	Favourites int       `json:"favourites,omitempty"`
	StartDate  string    `json:"startDate,omitempty"`
	EndDate    string    `json:"endDate,omitempty"`

	NextAiring *NextAiringEpisode          `json:"nextAiringEpisode,omitempty"`
	StreamingEpisodes map[string]StreamingEpisode `json:"streamingEpisodes,omitempty"`

	UserStatus *UserStatus `json:"userStatus,omitempty"`
}

// PreferredTitle returns english, falling back to romaji then native.
func (m MediaItem) PreferredTitle() string {
	switch {
	case m.Title.English != "":
		return m.Title.English
	case m.Title.Romaji != "":
		return m.Title.Romaji
	default:
		return m.Title.Native
	}
}

// DownloadStatus enumerates a MediaEpisode's fetch lifecycle.
type DownloadStatus string

const (
	DownloadNotDownloaded DownloadStatus = "NOT_DOWNLOADED"
	DownloadQueued        DownloadStatus = "QUEUED"
	DownloadDownloading   DownloadStatus = "DOWNLOADING"
	DownloadCompleted     DownloadStatus = "COMPLETED"
	DownloadFailed        DownloadStatus = "FAILED"
	DownloadPaused        DownloadStatus = "PAUSED"
	DownloadCancelled     DownloadStatus = "CANCELLED"
)

// MediaEpisode is the per-episode download record. EpisodeNumber is a string
// to admit non-integer identifiers such as "7.5".
type MediaEpisode struct {
	EpisodeNumber    string         `json:"episodeNumber"`
	DownloadStatus   DownloadStatus `json:"downloadStatus"`
	FilePath         string         `json:"filePath,omitempty"`
	DownloadDate     time.Time      `json:"downloadDate,omitempty"`
	FileSize         int64          `json:"fileSize,omitempty"`
	Quality          string         `json:"quality,omitempty"`
	ProviderName     string         `json:"providerName,omitempty"`
	ServerName       string         `json:"serverName,omitempty"`
	SubtitlePaths    []string       `json:"subtitlePaths"`
	DownloadAttempts int            `json:"downloadAttempts"`
	LastError        string         `json:"lastError,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	CreatedAt        time.Time      `json:"createdAt,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

// MediaRecord is the aggregate owned by the Registry Store: one file per
// record on disk, named by media ID under the api tag's subdirectory.
type MediaRecord struct {
	MediaItem     MediaItem      `json:"mediaItem"`
	MediaEpisodes []MediaEpisode `json:"mediaEpisodes"`
}

// EpisodeByNumber returns the episode row matching number, if present.
func (r *MediaRecord) EpisodeByNumber(number string) (*MediaEpisode, bool) {
	for i := range r.MediaEpisodes {
		if r.MediaEpisodes[i].EpisodeNumber == number {
			return &r.MediaEpisodes[i], true
		}
	}
	return nil, false
}

// MediaRegistryIndexEntry is per-(media_api, media_id) user-facing state.
type MediaRegistryIndexEntry struct {
	MediaID             int        `json:"mediaId"`
	MediaAPI             string     `json:"mediaApi"`
	Status              ListStatus `json:"status,omitempty"`
	Progress            string     `json:"progress,omitempty"`
	LastWatchPosition   string     `json:"lastWatchPosition,omitempty"` // "HH:MM:SS"
	TotalDuration       string     `json:"totalDuration,omitempty"`     // "HH:MM:SS"
	LastWatched         time.Time  `json:"lastWatched,omitempty"`
	Score               float64    `json:"score,omitempty"`
	RepeatCount         int        `json:"repeatCount,omitempty"`
	Notes               string     `json:"notes,omitempty"`
	LastNotifiedEpisode string     `json:"lastNotifiedEpisode,omitempty"`
}

// Key is the "{api}_{id}" composite key used by MediaRegistryIndex.media_index.
func (e MediaRegistryIndexEntry) Key() string {
	return IndexKey(e.MediaAPI, e.MediaID)
}

// WatchCompletionPercentage derives how far through the current episode the
// viewer stopped, as stop_time / total_duration x 100. Returns 0 when either
// field is missing or unparseable.
func (e MediaRegistryIndexEntry) WatchCompletionPercentage() float64 {
	position, ok := ParseHHMMSS(e.LastWatchPosition)
	if !ok {
		return 0
	}
	total, ok := ParseHHMMSS(e.TotalDuration)
	if !ok || total <= 0 {
		return 0
	}
	pct := float64(position) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ParseHHMMSS parses a "HH:MM:SS" position string into a duration.
func ParseHHMMSS(s string) (time.Duration, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, true
}

// FormatHHMMSS renders d as the "HH:MM:SS" form stored in index entries.
// Non-positive durations render as the empty string ("unknown").
func FormatHHMMSS(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	total := int64(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// IndexKey builds the "{api}_{id}" composite key for an index lookup.
func IndexKey(api string, id int) string {
	return api + "_" + strconv.Itoa(id)
}

// MediaRegistryIndex is the top-level index file: version, last update time,
// and the full media_index map.
type MediaRegistryIndex struct {
	Version     string                             `json:"version"`
	LastUpdated time.Time                          `json:"lastUpdated"`
	MediaIndex  map[string]MediaRegistryIndexEntry `json:"mediaIndex"`
}

// RegistryVersionMajor is the on-disk format's major version. A mismatch on
// load is fatal per spec: the engine refuses to touch an incompatible format.
const RegistryVersionMajor = "1"
