// Package config holds the nested, JSON-tagged Settings tree every service
// is constructed from at startup, loaded and saved with the same atomic
// write-temp-then-rename discipline as the registry.
package config

import (
	"time"

	"github.com/xqi1337/nekoengine/internal/atomicfile"
)

// RegistrySettings configures the Registry Store (C1).
type RegistrySettings struct {
	StorageDir       string        `json:"storageDir"`
	DownloadsDir     string        `json:"downloadsDir"`
	LockStaleTimeout time.Duration `json:"lockStaleTimeout"`
}

// CatalogSettings configures the Catalog Client (C2).
type CatalogSettings struct {
	Variant string        `json:"variant"` // "anilist" or "mal"
	Timeout time.Duration `json:"timeout"`
}

// ProviderSettings configures the Provider Set (C3).
type ProviderSettings struct {
	EnabledTags    []string          `json:"enabledTags"`
	DefaultTag     string            `json:"defaultTag"`
	HeaderOverride map[string]string `json:"headerOverride,omitempty"`
}

// DownloaderSettings configures the Downloader (C5) and Download Queue (C6).
type DownloaderSettings struct {
	MaxConcurrentDownloads int           `json:"maxConcurrentDownloads"`
	MaxRetries             int           `json:"maxRetries"`
	TranscoderPath         string        `json:"transcoderPath,omitempty"`
	CleanAfterMerge        bool          `json:"cleanAfterMerge"`
	MaxJobAge              time.Duration `json:"maxJobAge"`
}

// PlayerSettings configures the Player Service (C8) and IPC Controller (C9).
type PlayerSettings struct {
	Backend        string        `json:"backend"` // "mpv", "vlc", "syncplay", "android"
	UseIPC         bool          `json:"useIpc"`
	AutoNext       bool          `json:"autoNext"`
	ConnectTimeout time.Duration `json:"connectTimeout"`
	CommandTimeout time.Duration `json:"commandTimeout"`
	ExtraArgs      []string      `json:"extraArgs,omitempty"`
}

// TrackerSettings configures the Watch-History Tracker (C7).
type TrackerSettings struct {
	EpisodeCompleteAt    float64 `json:"episodeCompleteAt"` // percent, 0-100
	PreferredTracker     string  `json:"preferredTracker"`  // "local" or "remote"
	ForceForwardTracking bool    `json:"forceForwardTracking"`
}

// WorkerSettings configures the Background Worker (C10)'s three schedules.
type WorkerSettings struct {
	NotificationCheckInterval   time.Duration `json:"notificationCheckInterval"`
	DownloadCheckInterval       time.Duration `json:"downloadCheckInterval"`
	DownloadCheckFailedInterval time.Duration `json:"downloadCheckFailedInterval"`
}

// LogSettings configures the lumberjack-backed rotating file sink.
type LogSettings struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
	Compress   bool   `json:"compress"`
}

// Settings is the root configuration tree, persisted as config.json
// under the application data directory.
type Settings struct {
	Registry   RegistrySettings   `json:"registry"`
	Catalog    CatalogSettings    `json:"catalog"`
	Provider   ProviderSettings   `json:"provider"`
	Downloader DownloaderSettings `json:"downloader"`
	Player     PlayerSettings     `json:"player"`
	Tracker    TrackerSettings    `json:"tracker"`
	Worker     WorkerSettings     `json:"worker"`
	Log        LogSettings        `json:"log"`
}

// Default returns the baseline Settings tree used when no config file
// exists yet, matching the minimums named across the engine.
func Default() Settings {
	return Settings{
		Registry: RegistrySettings{
			StorageDir:       "registry",
			DownloadsDir:     "downloads",
			LockStaleTimeout: 2 * time.Minute,
		},
		Catalog: CatalogSettings{
			Variant: "anilist",
			Timeout: 15 * time.Second,
		},
		Provider: ProviderSettings{
			EnabledTags: []string{"allanime", "animepahe", "hianime", "animeunity", "yugen", "nyaa"},
			DefaultTag:  "allanime",
		},
		Downloader: DownloaderSettings{
			MaxConcurrentDownloads: 3,
			MaxRetries:             3,
			MaxJobAge:              14 * 24 * time.Hour,
		},
		Player: PlayerSettings{
			Backend:        "mpv",
			UseIPC:         true,
			AutoNext:       true,
			ConnectTimeout: 5 * time.Second,
			CommandTimeout: 5 * time.Second,
		},
		Tracker: TrackerSettings{
			EpisodeCompleteAt: 90,
			PreferredTracker:  "local",
		},
		Worker: WorkerSettings{
			NotificationCheckInterval:   1 * time.Minute,
			DownloadCheckInterval:       5 * time.Minute,
			DownloadCheckFailedInterval: 30 * time.Minute,
		},
		Log: LogSettings{
			Path:       "logs/engine.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Manager loads and saves Settings from a single JSON file, reusing the
// registry's write-temp-then-rename discipline ("atomic write").
type Manager struct {
	path string
}

// NewManager returns a Manager rooted at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load reads Settings from disk, writing and returning Default() if no
// file exists yet.
func (m *Manager) Load() (Settings, error) {
	var s Settings
	err := atomicfile.ReadJSON(m.path, &s)
	switch {
	case err == atomicfile.ErrNotExist:
		s = Default()
		if saveErr := m.Save(s); saveErr != nil {
			return Settings{}, saveErr
		}
		return s, nil
	case err != nil:
		return Settings{}, err
	default:
		return s, nil
	}
}

// Save persists s to disk atomically.
func (m *Manager) Save(s Settings) error {
	return atomicfile.WriteJSON(m.path, s)
}
