// Package history implements the Watch-History Tracker (C7): local/remote
// progress reconciliation under a configurable precedence and a
// completion-percentage threshold.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xqi1337/nekoengine/internal/catalog"
	"github.com/xqi1337/nekoengine/models"
)

// Registry is the subset of the Registry Store (C1) history needs: the
// per-(media, api) index entry, not the full media record.
type Registry interface {
	GetOrCreateIndexEntry(ctx context.Context, mediaID int) (*models.MediaRegistryIndexEntry, error)
	SaveMediaIndexEntry(ctx context.Context, entry models.MediaRegistryIndexEntry) error
}

// CatalogClient is the subset of the Catalog Client (C2) history needs to
// push progress and list membership. catalog.Catalog satisfies this.
type CatalogClient interface {
	IsAuthenticated() bool
	UpdateListEntry(ctx context.Context, p catalog.UpdateUserMediaListEntryParams) (bool, error)
}

// PlaybackResult is the player_result payload reported after playback.
type PlaybackResult struct {
	Episode   string
	StopTime  time.Duration
	TotalTime time.Duration
}

// ErrRegistryRequired is returned by Track/GetEpisode when no Registry
// collaborator has been set.
var ErrRegistryRequired = errors.New("history: registry collaborator required")

// Options configures a new Service.
type Options struct {
	EpisodeCompleteAt    float64 // percent, 0-100
	PreferredTracker     string  // "local" or "remote"
	ForceForwardTracking bool
	Logger               *log.Logger
}

// Service is the C7 Watch-History Tracker. Registry and CatalogClient are
// wired in after construction via SetRegistry/SetCatalogClient, mirroring
// a collaborator-setter shape for optional dependencies.
type Service struct {
	mu sync.RWMutex

	registry Registry
	catalog  CatalogClient

	episodeCompleteAt    float64
	preferredTracker     string
	forceForwardTracking bool
	logger               *log.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[history] ", log.LstdFlags)
	}
	threshold := opts.EpisodeCompleteAt
	if threshold <= 0 {
		threshold = 90
	}
	tracker := opts.PreferredTracker
	if tracker == "" {
		tracker = "local"
	}
	return &Service{
		episodeCompleteAt:    threshold,
		preferredTracker:     tracker,
		forceForwardTracking: opts.ForceForwardTracking,
		logger:               logger,
	}
}

// SetRegistry wires the Registry Store collaborator.
func (s *Service) SetRegistry(r Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = r
}

// SetCatalogClient wires the Catalog Client collaborator. Passing nil
// disables remote push (e.g. the user is offline or unauthenticated).
func (s *Service) SetCatalogClient(c CatalogClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = c
}

// Track implements the watch-history track operation.
func (s *Service) Track(ctx context.Context, item models.MediaItem, result PlaybackResult) error {
	s.mu.RLock()
	reg, cat := s.registry, s.catalog
	s.mu.RUnlock()
	if reg == nil {
		return ErrRegistryRequired
	}

	entry, err := reg.GetOrCreateIndexEntry(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("history: load index entry: %w", err)
	}

	updated := *entry
	updated.MediaID = item.ID
	updated.LastWatchPosition = models.FormatHHMMSS(result.StopTime)
	updated.TotalDuration = models.FormatHHMMSS(result.TotalTime)
	updated.Progress = result.Episode
	updated.LastWatched = time.Now().UTC()

	if item.UserStatus != nil && item.UserStatus.Status == models.ListCompleted {
		updated.Status = models.ListRepeating
	}

	if err := reg.SaveMediaIndexEntry(ctx, updated); err != nil {
		return fmt.Errorf("history: save index entry: %w", err)
	}

	completion := percentComplete(result.StopTime, result.TotalTime)
	if completion < s.episodeCompleteAt {
		return nil
	}
	if cat == nil || !cat.IsAuthenticated() {
		return nil
	}

	return s.pushProgress(ctx, cat, item, updated)
}

// pushProgress applies the forward-only guard before calling UpdateListEntry.
func (s *Service) pushProgress(ctx context.Context, cat CatalogClient, item models.MediaItem, entry models.MediaRegistryIndexEntry) error {
	newProgress, ok := parseEpisodeInt(entry.Progress)
	if !ok {
		return nil
	}

	if s.forceForwardTracking {
		if item.UserStatus != nil {
			if remoteProgress, ok := parseEpisodeInt(item.UserStatus.Progress); ok && newProgress < remoteProgress {
				s.logger.Printf("suppressing push for media %d: local progress %d would decrease remote %d", item.ID, newProgress, remoteProgress)
				return nil
			}
		}
	}

	status := entry.Status
	params := catalog.UpdateUserMediaListEntryParams{MediaID: item.ID, Progress: &newProgress}
	if status != "" {
		params.Status = &status
	}

	_, err := cat.UpdateListEntry(ctx, params)
	if err != nil {
		return fmt.Errorf("history: push progress: %w", err)
	}
	return nil
}

// GetEpisode implements the watch-history get_episode operation.
func (s *Service) GetEpisode(ctx context.Context, item models.MediaItem) (episode string, startTime string, err error) {
	s.mu.RLock()
	reg := s.registry
	s.mu.RUnlock()
	if reg == nil {
		return "", "", ErrRegistryRequired
	}

	entry, err := reg.GetOrCreateIndexEntry(ctx, item.ID)
	if err != nil {
		return "", "", fmt.Errorf("history: load index entry: %w", err)
	}

	localEpisode := entry.Progress
	localStart := entry.LastWatchPosition

	if localStart != "" {
		if entry.WatchCompletionPercentage() >= s.episodeCompleteAt {
			localStart = ""
			if n, ok := parseEpisodeInt(localEpisode); ok {
				localEpisode = strconv.Itoa(n + 1)
			}
		}
	}

	remoteEpisode := ""
	if item.UserStatus != nil {
		remoteEpisode = item.UserStatus.Progress
	}

	chosenEpisode := localEpisode
	chosenStart := localStart
	if localEpisode != remoteEpisode && remoteEpisode != "" {
		if s.preferredTracker == "remote" {
			chosenEpisode = remoteEpisode
			chosenStart = ""
		}
	}

	if chosenEpisode == "" || chosenEpisode == "0" {
		chosenEpisode = "1"
	}
	return chosenEpisode, chosenStart, nil
}

// AddMediaToListIfNotPresent implements the watch-history
// add_media_to_list_if_not_present operation.
func (s *Service) AddMediaToListIfNotPresent(ctx context.Context, item models.MediaItem) error {
	if item.UserStatus != nil {
		return nil
	}

	s.mu.RLock()
	cat := s.catalog
	s.mu.RUnlock()
	if cat == nil || !cat.IsAuthenticated() {
		return nil
	}

	planning := models.ListPlanning
	_, err := cat.UpdateListEntry(ctx, catalog.UpdateUserMediaListEntryParams{MediaID: item.ID, Status: &planning})
	if err != nil {
		return fmt.Errorf("history: add to list: %w", err)
	}
	return nil
}

func percentComplete(position, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(position) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func parseEpisodeInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
