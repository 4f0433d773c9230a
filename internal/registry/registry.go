// Package registry implements the Registry Store (C1): the sole writer of
// on-disk user state and the sole reader of authority for "what is local".
//
// Layout on disk, under storageDir:
//
//	{api}/registry.json        MediaRegistryIndex
//	{api}/{media_id}.json      MediaRecord
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xqi1337/nekoengine/internal/atomicfile"
	"github.com/xqi1337/nekoengine/internal/reglock"
	"github.com/xqi1337/nekoengine/models"
)

var (
	ErrStorageDirRequired = errors.New("registry: storage directory not provided")
	ErrVersionMismatch    = errors.New("registry: incompatible index version")
	ErrRecordNotFound     = errors.New("registry: media record not found")
)

// Service is the Registry Store. One Service instance is created per catalog
// api tag's subdirectory; callers that speak to multiple apis hold one
// Service per api.
type Service struct {
	mu  sync.RWMutex
	dir string
	api string

	lock *reglock.Lock

	indexPath  string
	index      *models.MediaRegistryIndex
	indexMtime time.Time

	records map[int]*models.MediaRecord
	logger  *log.Logger
}

// Options configures a Service.
type Options struct {
	StorageDir   string
	API          string
	StaleTimeout time.Duration // lock staleness window; <=0 uses 2m default
	Logger       *log.Logger
}

// NewService creates a registry service rooted at storageDir/api.
func NewService(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.StorageDir) == "" {
		return nil, ErrStorageDirRequired
	}
	if opts.API == "" {
		opts.API = "default"
	}
	dir := filepath.Join(opts.StorageDir, opts.API)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}

	stale := opts.StaleTimeout
	if stale <= 0 {
		stale = 2 * time.Minute
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[registry] ", log.LstdFlags)
	}

	svc := &Service{
		dir:       dir,
		api:       opts.API,
		lock:      reglock.New(filepath.Join(dir, ".registry.lock"), stale),
		indexPath: filepath.Join(dir, "registry.json"),
		records:   make(map[int]*models.MediaRecord),
		logger:    logger,
	}

	if _, err := svc.loadIndex(); err != nil {
		return nil, err
	}

	return svc, nil
}

// loadIndex reads the index file if its mtime has advanced past the cached
// value, per the mtime-based cache invalidation policy.
func (s *Service) loadIndex() (*models.MediaRegistryIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, statErr := os.Stat(s.indexPath)
	if statErr == nil && s.index != nil && !info.ModTime().After(s.indexMtime) {
		return s.index, nil
	}

	var idx models.MediaRegistryIndex
	err := atomicfile.ReadJSON(s.indexPath, &idx)
	switch {
	case errors.Is(err, atomicfile.ErrNotExist):
		idx = models.MediaRegistryIndex{
			Version:    models.RegistryVersionMajor + ".0",
			MediaIndex: make(map[string]models.MediaRegistryIndexEntry),
		}
	case err != nil:
		return nil, fmt.Errorf("registry: load index: %w", err)
	default:
		major := strings.SplitN(idx.Version, ".", 2)[0]
		if major != models.RegistryVersionMajor {
			return nil, fmt.Errorf("%w: have %s want major %s", ErrVersionMismatch, idx.Version, models.RegistryVersionMajor)
		}
		if idx.MediaIndex == nil {
			idx.MediaIndex = make(map[string]models.MediaRegistryIndexEntry)
		}
	}

	s.index = &idx
	if statErr == nil {
		s.indexMtime = info.ModTime()
	}
	return s.index, nil
}

func (s *Service) saveIndexLocked(ctx context.Context) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release()

	s.index.LastUpdated = time.Now().UTC()
	if err := atomicfile.WriteJSON(s.indexPath, s.index); err != nil {
		return fmt.Errorf("registry: save index: %w", err)
	}
	if info, err := os.Stat(s.indexPath); err == nil {
		s.indexMtime = info.ModTime()
	}
	return nil
}

func (s *Service) recordPath(mediaID int) string {
	return filepath.Join(s.dir, strconv.Itoa(mediaID)+".json")
}

// GetMediaIndexEntry returns the index entry for mediaID, if present.
func (s *Service) GetMediaIndexEntry(mediaID int) (*models.MediaRegistryIndexEntry, bool) {
	idx, err := s.loadIndex()
	if err != nil {
		s.logger.Printf("get index entry: %v", err)
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := idx.MediaIndex[models.IndexKey(s.api, mediaID)]
	if !ok {
		return nil, false
	}
	cp := entry
	return &cp, true
}

// GetOrCreateIndexEntry returns the existing entry or creates, persists, and
// returns a new zero-value one. Idempotent: a second call returns the same
// entry with no extra file mutation.
func (s *Service) GetOrCreateIndexEntry(ctx context.Context, mediaID int) (*models.MediaRegistryIndexEntry, error) {
	if entry, ok := s.GetMediaIndexEntry(mediaID); ok {
		return entry, nil
	}

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	key := models.IndexKey(s.api, mediaID)
	if entry, ok := idx.MediaIndex[key]; ok {
		s.mu.Unlock()
		cp := entry
		return &cp, nil
	}
	entry := models.MediaRegistryIndexEntry{MediaID: mediaID, MediaAPI: s.api}
	idx.MediaIndex[key] = entry
	s.mu.Unlock()

	if err := s.saveIndexLocked(ctx); err != nil {
		return nil, err
	}
	return &entry, nil
}

// SaveMediaIndexEntry upserts entry as-is.
func (s *Service) SaveMediaIndexEntry(ctx context.Context, entry models.MediaRegistryIndexEntry) error {
	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	s.mu.Lock()
	entry.MediaAPI = s.api
	idx.MediaIndex[entry.Key()] = entry
	s.mu.Unlock()
	return s.saveIndexLocked(ctx)
}

// GetMediaRecord loads the record file for mediaID, if present.
func (s *Service) GetMediaRecord(mediaID int) (*models.MediaRecord, error) {
	s.mu.RLock()
	if rec, ok := s.records[mediaID]; ok {
		s.mu.RUnlock()
		cp := *rec
		return &cp, nil
	}
	s.mu.RUnlock()

	var rec models.MediaRecord
	err := atomicfile.ReadJSON(s.recordPath(mediaID), &rec)
	if errors.Is(err, atomicfile.ErrNotExist) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: load record %d: %w", mediaID, err)
	}

	s.mu.Lock()
	s.records[mediaID] = &rec
	s.mu.Unlock()
	cp := rec
	return &cp, nil
}

// GetOrCreateRecord returns the existing record for item.ID, overwriting its
// MediaItem with item while preserving episode rows; or creates a fresh one.
func (s *Service) GetOrCreateRecord(ctx context.Context, item models.MediaItem) (*models.MediaRecord, error) {
	rec, err := s.GetMediaRecord(item.ID)
	if errors.Is(err, ErrRecordNotFound) {
		rec = &models.MediaRecord{MediaItem: item}
		if err := s.SaveMediaRecord(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}
	if err != nil {
		return nil, err
	}

	rec.MediaItem = item
	if err := s.SaveMediaRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveMediaRecord persists rec atomically and updates the in-memory cache.
func (s *Service) SaveMediaRecord(ctx context.Context, rec *models.MediaRecord) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release()

	if err := atomicfile.WriteJSON(s.recordPath(rec.MediaItem.ID), rec); err != nil {
		return fmt.Errorf("registry: save record %d: %w", rec.MediaItem.ID, err)
	}

	s.mu.Lock()
	cp := *rec
	s.records[rec.MediaItem.ID] = &cp
	s.mu.Unlock()
	return nil
}

// RemoveMediaRecord deletes the record file and its index entry.
func (s *Service) RemoveMediaRecord(ctx context.Context, mediaID int) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release()

	if err := os.Remove(s.recordPath(mediaID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("registry: remove record %d: %w", mediaID, err)
	}

	s.mu.Lock()
	delete(s.records, mediaID)
	s.mu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(idx.MediaIndex, models.IndexKey(s.api, mediaID))
	s.mu.Unlock()

	s.index.LastUpdated = time.Now().UTC()
	if err := atomicfile.WriteJSON(s.indexPath, s.index); err != nil {
		return fmt.Errorf("registry: save index after remove: %w", err)
	}
	return nil
}

// UpdateEntryParams carries the partial fields applied by UpdateMediaIndexEntry.
// Only non-nil fields are applied.
type UpdateEntryParams struct {
	Status            *models.ListStatus
	Progress          *string
	LastWatchPosition *string
	TotalDuration     *string
	Score             *float64
	RepeatCount       *int
	Notes             *string
	Watched           bool
}

// UpdateMediaIndexEntry is the central mutation: it applies
// only the passed fields and implements the status-transition state machine.
func (s *Service) UpdateMediaIndexEntry(ctx context.Context, mediaID int, item *models.MediaItem, p UpdateEntryParams) (*models.MediaRegistryIndexEntry, error) {
	entry, err := s.GetOrCreateIndexEntry(ctx, mediaID)
	if err != nil {
		return nil, err
	}

	if p.Progress != nil {
		progress := *p.Progress
		if p.Status != nil && *p.Status == models.ListCompleted && item != nil && item.Episodes > 0 {
			if n, err := strconv.Atoi(progress); err == nil && n > item.Episodes {
				progress = strconv.Itoa(item.Episodes)
			}
		}
		entry.Progress = progress
	}

	if p.Status != nil {
		entry.Status = *p.Status
	} else if entry.Status == "" {
		entry.Status = models.ListWatching
	} else if entry.Status == models.ListCompleted {
		entry.Status = models.ListRepeating
	}

	if p.LastWatchPosition != nil {
		entry.LastWatchPosition = *p.LastWatchPosition
	}
	if p.TotalDuration != nil {
		entry.TotalDuration = *p.TotalDuration
	}
	if p.Score != nil {
		entry.Score = *p.Score
	}
	if p.RepeatCount != nil {
		entry.RepeatCount = *p.RepeatCount
	}
	if p.Notes != nil {
		entry.Notes = *p.Notes
	}
	if p.Watched {
		entry.LastWatched = time.Now().UTC()
	}

	if err := s.SaveMediaIndexEntry(ctx, *entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateEpisodeDownloadStatus upserts the MediaEpisode row for mediaID +
// episodeNumber. FAILED always increments DownloadAttempts. COMPLETED
// without FilePath is logged but not rejected.
func (s *Service) UpdateEpisodeDownloadStatus(ctx context.Context, mediaID int, episodeNumber string, status models.DownloadStatus, mutate func(*models.MediaEpisode)) error {
	rec, err := s.GetMediaRecord(mediaID)
	if errors.Is(err, ErrRecordNotFound) {
		rec = &models.MediaRecord{MediaItem: models.MediaItem{ID: mediaID}}
	} else if err != nil {
		return err
	}

	ep, ok := rec.EpisodeByNumber(episodeNumber)
	if !ok {
		rec.MediaEpisodes = append(rec.MediaEpisodes, models.MediaEpisode{
			EpisodeNumber: episodeNumber,
			CreatedAt:     time.Now().UTC(),
		})
		ep = &rec.MediaEpisodes[len(rec.MediaEpisodes)-1]
	}

	ep.DownloadStatus = status
	if status == models.DownloadFailed {
		ep.DownloadAttempts++
	}
	if mutate != nil {
		mutate(ep)
	}
	if status == models.DownloadCompleted && ep.FilePath == "" {
		s.logger.Printf("episode %s/%s marked COMPLETED without a file_path", strconv.Itoa(mediaID), episodeNumber)
	}

	return s.SaveMediaRecord(ctx, rec)
}

// SearchParams controls SearchForMedia's in-memory query engine.
type SearchParams struct {
	Query        string
	Genres       []string
	Tags         []string
	Formats      []string
	Statuses     []models.MediaStatus
	PopularityGT int
	PopularityLT int
	ScoreGT      float64
	ScoreLT      float64
	OnList       *bool
	Sort         string // title | score | popularity | updated_at | favourites | trending
	Desc         bool
	Page         int
	PerPage      int
}

// PageInfo describes a page of SearchForMedia results.
type PageInfo struct {
	Total       int
	Page        int
	PerPage     int
	HasNextPage bool
}

// SearchForMedia walks all cached MediaRecords, applying filters and sorting
// in memory: no index is built ahead of time beyond the mtime-cached
// registry.json and the lazily loaded records.
func (s *Service) SearchForMedia(p SearchParams) ([]models.MediaRecord, PageInfo) {
	idx, err := s.loadIndex()
	if err != nil {
		s.logger.Printf("search: %v", err)
		return nil, PageInfo{}
	}

	s.mu.RLock()
	keys := make([]string, 0, len(idx.MediaIndex))
	for k := range idx.MediaIndex {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	var matched []models.MediaRecord
	query := strings.ToLower(strings.TrimSpace(p.Query))

	for _, k := range keys {
		entry := idx.MediaIndex[k]
		rec, err := s.GetMediaRecord(entry.MediaID)
		if err != nil {
			continue
		}
		if !matchesSearch(*rec, entry, p, query) {
			continue
		}
		matched = append(matched, *rec)
	}

	sortRecords(matched, p.Sort, p.Desc)

	total := len(matched)
	page := p.Page
	if page < 1 {
		page = 1
	}
	perPage := p.PerPage
	if perPage <= 0 {
		perPage = total
	}
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	pi := PageInfo{Total: total, Page: page, PerPage: perPage, HasNextPage: end < total}
	if perPage == 0 {
		return matched, pi
	}
	return matched[start:end], pi
}

func matchesSearch(rec models.MediaRecord, entry models.MediaRegistryIndexEntry, p SearchParams, query string) bool {
	item := rec.MediaItem

	if query != "" {
		hit := strings.Contains(strings.ToLower(item.Title.English), query) ||
			strings.Contains(strings.ToLower(item.Title.Romaji), query) ||
			strings.Contains(strings.ToLower(item.Title.Native), query)
		if !hit {
			for _, syn := range item.Title.Synonyms {
				if strings.Contains(strings.ToLower(syn), query) {
					hit = true
					break
				}
			}
		}
		if !hit {
			return false
		}
	}

	if len(p.Genres) > 0 && !containsAll(item.Genres, p.Genres) {
		return false
	}
	if len(p.Tags) > 0 && !containsAll(item.Tags, p.Tags) {
		return false
	}
	if len(p.Formats) > 0 && !containsAny([]string{item.Format}, p.Formats) {
		return false
	}
	if len(p.Statuses) > 0 {
		ok := false
		for _, st := range p.Statuses {
			if item.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if p.PopularityGT > 0 && item.Popularity <= p.PopularityGT {
		return false
	}
	if p.PopularityLT > 0 && item.Popularity >= p.PopularityLT {
		return false
	}
	if p.ScoreGT > 0 && item.Score <= p.ScoreGT {
		return false
	}
	if p.ScoreLT > 0 && item.Score >= p.ScoreLT {
		return false
	}
	if p.OnList != nil {
		onList := entry.Status != ""
		if onList != *p.OnList {
			return false
		}
	}
	return true
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[strings.ToLower(h)] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[strings.ToLower(w)]; !ok {
			return false
		}
	}
	return true
}

func containsAny(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[strings.ToLower(h)] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[strings.ToLower(w)]; ok {
			return true
		}
	}
	return false
}

func sortRecords(recs []models.MediaRecord, by string, desc bool) {
	less := func(i, j int) bool {
		a, b := recs[i].MediaItem, recs[j].MediaItem
		switch by {
		case "score":
			return a.Score < b.Score
		case "popularity", "trending":
			return a.Popularity < b.Popularity
		case "favourites":
			return a.Favourites < b.Favourites
		case "updated_at":
			return false // caller should use get_recently_watched for this ordering
		default:
			return strings.ToLower(a.PreferredTitle()) < strings.ToLower(b.PreferredTitle())
		}
	}
	if desc {
		orig := less
		less = func(i, j int) bool { return orig(j, i) }
	}
	sort.SliceStable(recs, less)
}

// GetMediaByStatus returns an index-only scan of records with the given
// status, newest-watched-first.
func (s *Service) GetMediaByStatus(status models.ListStatus) []models.MediaRegistryIndexEntry {
	idx, err := s.loadIndex()
	if err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.MediaRegistryIndexEntry
	for _, e := range idx.MediaIndex {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastWatched.After(out[j].LastWatched) })
	return out
}

// GetRecentlyWatched returns up to limit entries, reverse-chronological.
// limit <= 0 means unlimited.
func (s *Service) GetRecentlyWatched(limit int) []models.MediaRegistryIndexEntry {
	idx, err := s.loadIndex()
	if err != nil {
		return nil
	}
	s.mu.RLock()
	out := make([]models.MediaRegistryIndexEntry, 0, len(idx.MediaIndex))
	for _, e := range idx.MediaIndex {
		if !e.LastWatched.IsZero() {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastWatched.After(out[j].LastWatched) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DownloadStatistics summarizes episode counts by status, provider, and quality.
type DownloadStatistics struct {
	ByStatus         map[models.DownloadStatus]int
	ByProvider       map[string]int
	ByProviderQuality map[string]int // "{provider}|{quality}" -> count
}

// GetDownloadStatistics walks every cached record's episode rows.
func (s *Service) GetDownloadStatistics() DownloadStatistics {
	stats := DownloadStatistics{
		ByStatus:          make(map[models.DownloadStatus]int),
		ByProvider:        make(map[string]int),
		ByProviderQuality: make(map[string]int),
	}
	idx, err := s.loadIndex()
	if err != nil {
		return stats
	}
	s.mu.RLock()
	keys := make([]int, 0, len(idx.MediaIndex))
	for _, e := range idx.MediaIndex {
		keys = append(keys, e.MediaID)
	}
	s.mu.RUnlock()

	for _, id := range keys {
		rec, err := s.GetMediaRecord(id)
		if err != nil {
			continue
		}
		for _, ep := range rec.MediaEpisodes {
			stats.ByStatus[ep.DownloadStatus]++
			if ep.ProviderName != "" {
				stats.ByProvider[ep.ProviderName]++
				stats.ByProviderQuality[ep.ProviderName+"|"+ep.Quality]++
			}
		}
	}
	return stats
}

// GetEpisodesByDownloadStatus returns a flat list of (media_id, episode_number).
type EpisodeRef struct {
	MediaID       int
	EpisodeNumber string
}

func (s *Service) GetEpisodesByDownloadStatus(status models.DownloadStatus) []EpisodeRef {
	idx, err := s.loadIndex()
	if err != nil {
		return nil
	}
	s.mu.RLock()
	keys := make([]int, 0, len(idx.MediaIndex))
	for _, e := range idx.MediaIndex {
		keys = append(keys, e.MediaID)
	}
	s.mu.RUnlock()

	var out []EpisodeRef
	for _, id := range keys {
		rec, err := s.GetMediaRecord(id)
		if err != nil {
			continue
		}
		for _, ep := range rec.MediaEpisodes {
			if ep.DownloadStatus == status {
				out = append(out, EpisodeRef{MediaID: id, EpisodeNumber: ep.EpisodeNumber})
			}
		}
	}
	return out
}

// GetSeenNotifications returns media_id -> last_notified_episode, used by C10
// to avoid double-notifying.
func (s *Service) GetSeenNotifications() map[int]string {
	idx, err := s.loadIndex()
	if err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int]string, len(idx.MediaIndex))
	for _, e := range idx.MediaIndex {
		if e.LastNotifiedEpisode != "" {
			out[e.MediaID] = e.LastNotifiedEpisode
		}
	}
	return out
}

// SetLastNotifiedEpisode records that mediaID has been notified through
// episode, comparing numerically when possible per the Open Question
// decision in DESIGN.md.
func (s *Service) SetLastNotifiedEpisode(ctx context.Context, mediaID int, episode string) error {
	entry, err := s.GetOrCreateIndexEntry(ctx, mediaID)
	if err != nil {
		return err
	}
	if !episodeAdvances(entry.LastNotifiedEpisode, episode) {
		return nil
	}
	entry.LastNotifiedEpisode = episode
	return s.SaveMediaIndexEntry(ctx, *entry)
}

func episodeAdvances(have, next string) bool {
	if have == "" {
		return true
	}
	haveF, err1 := strconv.ParseFloat(have, 64)
	nextF, err2 := strconv.ParseFloat(next, 64)
	if err1 == nil && err2 == nil {
		return nextF > haveF
	}
	return next > have
}
