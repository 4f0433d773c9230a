// Package queue implements the Download Queue (C6): a bounded worker pool
// over the Registry Store's episode rows — there is no second datastore,
// the queue is the set of MediaEpisodes whose status is non-terminal.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/xqi1337/nekoengine/internal/downloader"
	"github.com/xqi1337/nekoengine/internal/provider"
	"github.com/xqi1337/nekoengine/internal/registry"
	"github.com/xqi1337/nekoengine/internal/resolver"
	"github.com/xqi1337/nekoengine/models"
)

// Resolver is the subset of the Title Resolver (C4) the queue needs to
// turn a MediaItem into a provider-specific anime handle before fetching
// streams.
type Resolver interface {
	ResolveOrdered(orderedKeys []string, providerTag string, item models.MediaItem) (string, bool)
}

// Options configures a new Service.
type Options struct {
	Registry               *registry.Service
	Downloader             *downloader.Service
	ProviderTag            string
	DownloadsDir           string
	MaxConcurrentDownloads int
	MaxRetries             int
	Logger                 *log.Logger
}

// Service is the C6 Download Queue.
type Service struct {
	registry     *registry.Service
	downloader   *downloader.Service
	providerTag  string
	downloadsDir string
	maxRetries   int
	maxWorkers   int
	logger       *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	poolCtx context.Context
	pool    *pool.Pool
	pending []job // waiting to be dispatched, highest priority first
	wake    chan struct{}
	seq     int64 // monotonic submission counter, breaks priority ties FIFO
	jobs    map[string]*jobHandle // running jobs, keyed by jobKey(mediaID, episode)
}

// jobHandle lets CancelJob reach a running job: cancel aborts its derived
// context (observed by the Downloader's streamToFile between chunks), and
// cancelled distinguishes "this job was cancelled" from "the pool context
// was cancelled because Stop() is draining" — both look like ctx.Err() != nil
// to runJob, but only the former should land the row on CANCELLED rather
// than PAUSED.
type jobHandle struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func jobKey(mediaID int, episode string) string {
	return fmt.Sprintf("%d/%s", mediaID, episode)
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	maxWorkers := opts.MaxConcurrentDownloads
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{
		registry:     opts.Registry,
		downloader:   opts.Downloader,
		providerTag:  opts.ProviderTag,
		downloadsDir: opts.DownloadsDir,
		maxRetries:   maxRetries,
		maxWorkers:   maxWorkers,
		logger:       logger,
		jobs:         make(map[string]*jobHandle),
	}
}

// job is one unit of work submitted to the worker pool.
type job struct {
	mediaID  int
	episode  string
	item     models.MediaItem
	priority int
	seq      int64
}

// Start brings up the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	poolCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.poolCtx = poolCtx
	s.pool = pool.New().WithMaxGoroutines(s.maxWorkers)
	s.wake = make(chan struct{}, 1)
	s.running = true
	go s.dispatchLoop(poolCtx, s.pool, s.wake)
}

// Stop cancels the pool context and waits for running jobs to return:
// in-flight downloads are aborted and their rows marked PAUSED; queued
// jobs not yet started are left QUEUED for the next Start/resume cycle.
func (s *Service) Stop() {
	s.mu.Lock()
	p := s.pool
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if p != nil {
		p.Wait()
	}
}

// AddToQueue upserts a MediaEpisode with status=QUEUED unless one already
// exists in a non-terminal state for (media, episode). Returns true iff a
// new row was added.
func (s *Service) AddToQueue(ctx context.Context, item models.MediaItem, episodeNumber string, priority int) (bool, error) {
	rec, err := s.registry.GetOrCreateRecord(ctx, item)
	if err != nil {
		return false, err
	}

	if ep, ok := rec.EpisodeByNumber(episodeNumber); ok && isNonTerminal(ep.DownloadStatus) {
		return false, nil
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	if err := s.registry.UpdateEpisodeDownloadStatus(ctx, item.ID, episodeNumber, models.DownloadQueued, func(ep *models.MediaEpisode) {
		ep.Priority = priority
	}); err != nil {
		return false, err
	}

	s.submit(job{mediaID: item.ID, episode: episodeNumber, item: item, priority: priority, seq: seq})
	return true, nil
}

// DownloadEpisodesSync runs episodes for item through C3/C4 resolution and
// runs downloads in sequence on the caller's goroutine, used by
// "foreground, used by CLI" contract. Unlike AddToQueue it does not touch
// the worker pool; each episode still transitions through the same
// registry states (DOWNLOADING -> COMPLETED/FAILED) so progress is visible
// to anything reading the registry concurrently.
func (s *Service) DownloadEpisodesSync(ctx context.Context, item models.MediaItem, episodes []string) error {
	rec, err := s.registry.GetOrCreateRecord(ctx, item)
	if err != nil {
		return err
	}

	var firstErr error
	for _, ep := range episodes {
		if existing, ok := rec.EpisodeByNumber(ep); ok && isNonTerminal(existing.DownloadStatus) {
			continue
		}
		s.runJob(ctx, job{mediaID: item.ID, episode: ep, item: item})
		if firstErr == nil {
			if updated, uerr := s.registry.GetMediaRecord(item.ID); uerr == nil {
				if e, ok := updated.EpisodeByNumber(ep); ok && e.DownloadStatus == models.DownloadFailed {
					firstErr = fmt.Errorf("queue: episode %s failed: %s", ep, e.LastError)
				}
			}
		}
	}
	return firstErr
}

func isNonTerminal(status models.DownloadStatus) bool {
	switch status {
	case models.DownloadQueued, models.DownloadDownloading, models.DownloadPaused:
		return true
	default:
		return false
	}
}

// submit appends j to the pending queue; dispatchLoop pulls by priority
// order rather than running jobs in raw submission order, since
// conc/pool.Go runs whatever is handed to it immediately.
func (s *Service) submit(j job) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, j)
	wake := s.wake
	s.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
}

// dispatchLoop hands pending jobs to the worker pool in priority order.
// pool.Go blocks once maxWorkers are busy, so the loop naturally backs off
// without a separate semaphore; it re-sorts pending on every wake since
// AddToQueue/Resume/Retry can append while jobs are in flight.
func (s *Service) dispatchLoop(ctx context.Context, p *pool.Pool, wake chan struct{}) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}
		sortJobsByPriority(s.pending)
		j := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
		p.Go(func() {
			s.runJob(ctx, j)
		})
	}
}

// runJob resolves streams via C3/C4 and calls C5, applying the state
// machine. It derives a per-job context from the pool context so CancelJob
// can abort this job alone; handleJobFailure tells a deliberate cancel
// (CANCELLED) apart from the pool draining (PAUSED) and an ordinary
// transient error (FAILED).
func (s *Service) runJob(ctx context.Context, j job) {
	key := jobKey(j.mediaID, j.episode)
	jobCtx, cancel := context.WithCancel(ctx)
	handle := &jobHandle{cancel: cancel}

	s.mu.Lock()
	s.jobs[key] = handle
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.jobs, key)
		s.mu.Unlock()
		cancel()
	}()

	if err := s.registry.UpdateEpisodeDownloadStatus(jobCtx, j.mediaID, j.episode, models.DownloadDownloading, func(ep *models.MediaEpisode) {
		now := time.Now().UTC()
		ep.StartedAt = &now
	}); err != nil {
		s.logger.Printf("mark downloading %d/%s: %v", j.mediaID, j.episode, err)
		return
	}

	server, err := s.resolveServer(jobCtx, j)
	if err != nil {
		s.handleJobFailure(ctx, handle, j, err)
		return
	}

	result, err := s.downloader.Download(jobCtx, downloader.DownloadParams{
		URL:          bestLink(server),
		DownloadsDir: s.downloadsDir,
		AnimeTitle:   j.item.PreferredTitle(),
		EpisodeTitle: j.episode,
		Headers:      server.Headers,
	})
	if err != nil || !result.Success {
		msg := result.ErrorMessage
		if err != nil {
			msg = err.Error()
		}
		s.handleJobFailure(ctx, handle, j, errors.New(msg))
		return
	}

	now := time.Now().UTC()
	if err := s.registry.UpdateEpisodeDownloadStatus(context.Background(), j.mediaID, j.episode, models.DownloadCompleted, func(ep *models.MediaEpisode) {
		ep.FilePath = result.VideoPath
		ep.CompletedAt = &now
		ep.ProviderName = s.providerTag
		ep.ServerName = server.Name
		ep.SubtitlePaths = result.SubtitlePaths
	}); err != nil {
		s.logger.Printf("mark completed %d/%s: %v", j.mediaID, j.episode, err)
	}
}

// handleJobFailure routes a failed resolveServer/Download into the right
// terminal-or-resumable state: an explicit CancelJob call wins first
// (CANCELLED), then a draining pool (PAUSED; ResumeUnfinishedDownloads
// scans only QUEUED and DOWNLOADING rows, so it does not pick these up),
// then an ordinary error (FAILED). poolCtx is
// the pool-wide context, not the per-job one, since the per-job context is
// always cancelled here — both on deliberate cancel and on pool drain — and
// can't itself discriminate between the two.
func (s *Service) handleJobFailure(poolCtx context.Context, handle *jobHandle, j job, cause error) {
	switch {
	case handle.cancelled.Load():
		s.cancelRow(context.Background(), j)
	case poolCtx.Err() != nil:
		s.pause(context.Background(), j)
	default:
		s.fail(context.Background(), j, cause)
	}
}

// pause marks a cancelled-in-flight job PAUSED, per the "Stop()"
// contract: a fast process exit leaves DOWNLOADING rows PAUSED, not FAILED.
func (s *Service) pause(ctx context.Context, j job) {
	if err := s.registry.UpdateEpisodeDownloadStatus(ctx, j.mediaID, j.episode, models.DownloadPaused, nil); err != nil {
		s.logger.Printf("mark paused %d/%s: %v", j.mediaID, j.episode, err)
	}
}

// cancelRow marks a job CANCELLED following an explicit CancelJob call.
func (s *Service) cancelRow(ctx context.Context, j job) {
	if err := s.registry.UpdateEpisodeDownloadStatus(ctx, j.mediaID, j.episode, models.DownloadCancelled, nil); err != nil {
		s.logger.Printf("mark cancelled %d/%s: %v", j.mediaID, j.episode, err)
	}
}

// CancelJob flips (mediaID, episode) to CANCELLED. A queued-but-not-started
// job is removed from the pending list and cancelled directly; a running
// job is flagged and its per-job context is cancelled, which the
// Downloader observes between chunk writes (internal/downloader/http.go's
// streamToFile) and handleJobFailure resolves to CANCELLED rather than the
// PAUSED/FAILED outcomes of an unrelated abort.
func (s *Service) CancelJob(ctx context.Context, mediaID int, episode string) error {
	key := jobKey(mediaID, episode)

	s.mu.Lock()
	handle, running := s.jobs[key]
	if running {
		handle.cancelled.Store(true)
	} else {
		s.pending = removeFromPending(s.pending, mediaID, episode)
	}
	s.mu.Unlock()

	if running {
		handle.cancel()
		return nil
	}
	return s.registry.UpdateEpisodeDownloadStatus(ctx, mediaID, episode, models.DownloadCancelled, nil)
}

// removeFromPending drops the (mediaID, episode) entry from a pending
// queue, mirroring removeEpisode's filter-in-place idiom.
func removeFromPending(jobs []job, mediaID int, episode string) []job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.mediaID != mediaID || j.episode != episode {
			out = append(out, j)
		}
	}
	return out
}

func (s *Service) resolveServer(ctx context.Context, j job) (*models.Server, error) {
	p, err := provider.Factory(s.providerTag)
	if err != nil {
		return nil, err
	}

	results, err := p.Search(ctx, provider.SearchParams{Query: j.item.PreferredTitle()})
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	key, ok := resolverResolve(keys, s.providerTag, j.item)
	if !ok {
		return nil, errors.New("queue: no provider match for " + j.item.PreferredTitle())
	}

	it, err := p.EpisodeStreams(ctx, provider.EpisodeStreamsParams{
		AnimeID: results[key].ID, Query: j.item.PreferredTitle(), Episode: j.episode,
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	srv, ok, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, provider.ErrNoResults
	}
	return srv, nil
}

// resolverResolve is a package-level indirection point so tests can swap
// in a fake resolver without constructing a real provider round-trip.
var resolverResolve = resolver.ResolveOrdered

func bestLink(srv *models.Server) string {
	if len(srv.Links) == 0 {
		return ""
	}
	best := srv.Links[0]
	for _, l := range srv.Links[1:] {
		if l.Quality > best.Quality {
			best = l
		}
	}
	return best.URL
}

// fail always records the row as FAILED (registry.UpdateEpisodeDownloadStatus
// increments download_attempts on that transition). RetryFailedDownloads is
// the sole path back to QUEUED for rows under the retry ceiling — this
// keeps "how many times has this failed" and "is it eligible for another
// try" as one counter instead of two that could drift apart.
func (s *Service) fail(ctx context.Context, j job, cause error) {
	if updErr := s.registry.UpdateEpisodeDownloadStatus(ctx, j.mediaID, j.episode, models.DownloadFailed, func(ep *models.MediaEpisode) {
		ep.LastError = cause.Error()
	}); updErr != nil {
		s.logger.Printf("mark failed %d/%s: %v", j.mediaID, j.episode, updErr)
	}
}

// ResumeUnfinishedDownloads scans QUEUED and DOWNLOADING rows (DOWNLOADING
// implies a previous crash) and resubmits them.
func (s *Service) ResumeUnfinishedDownloads(ctx context.Context) error {
	for _, status := range []models.DownloadStatus{models.DownloadQueued, models.DownloadDownloading} {
		for _, ref := range s.registry.GetEpisodesByDownloadStatus(status) {
			rec, err := s.registry.GetMediaRecord(ref.MediaID)
			if err != nil {
				continue
			}
			if status == models.DownloadDownloading {
				if err := s.registry.UpdateEpisodeDownloadStatus(ctx, ref.MediaID, ref.EpisodeNumber, models.DownloadQueued, nil); err != nil {
					s.logger.Printf("resume requeue %d/%s: %v", ref.MediaID, ref.EpisodeNumber, err)
					continue
				}
			}
			ep, _ := rec.EpisodeByNumber(ref.EpisodeNumber)
			priority := 0
			if ep != nil {
				priority = ep.Priority
			}
			s.mu.Lock()
			s.seq++
			seq := s.seq
			s.mu.Unlock()
			s.submit(job{mediaID: ref.MediaID, episode: ref.EpisodeNumber, item: rec.MediaItem, priority: priority, seq: seq})
		}
	}
	return nil
}

// RetryFailedDownloads scans FAILED rows whose download_attempts < max
// retries, resets to QUEUED, and resubmits.
func (s *Service) RetryFailedDownloads(ctx context.Context) error {
	for _, ref := range s.registry.GetEpisodesByDownloadStatus(models.DownloadFailed) {
		rec, err := s.registry.GetMediaRecord(ref.MediaID)
		if err != nil {
			continue
		}
		ep, ok := rec.EpisodeByNumber(ref.EpisodeNumber)
		if !ok || ep.DownloadAttempts >= s.maxRetries {
			continue
		}
		if err := s.registry.UpdateEpisodeDownloadStatus(ctx, ref.MediaID, ref.EpisodeNumber, models.DownloadQueued, nil); err != nil {
			s.logger.Printf("retry requeue %d/%s: %v", ref.MediaID, ref.EpisodeNumber, err)
			continue
		}
		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.mu.Unlock()
		s.submit(job{mediaID: ref.MediaID, episode: ref.EpisodeNumber, item: rec.MediaItem, priority: ep.Priority, seq: seq})
	}
	return nil
}

// CleanCompletedJobs removes terminal rows (COMPLETED, CANCELLED) older
// than maxAge. A CANCELLED row carries no CompletedAt, so its age is taken
// from CreatedAt.
func (s *Service) CleanCompletedJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, status := range []models.DownloadStatus{models.DownloadCompleted, models.DownloadCancelled} {
		for _, ref := range s.registry.GetEpisodesByDownloadStatus(status) {
			rec, err := s.registry.GetMediaRecord(ref.MediaID)
			if err != nil {
				continue
			}
			ep, ok := rec.EpisodeByNumber(ref.EpisodeNumber)
			if !ok {
				continue
			}
			finishedAt := ep.CompletedAt
			if finishedAt == nil && status == models.DownloadCancelled {
				finishedAt = &ep.CreatedAt
			}
			if finishedAt == nil || finishedAt.After(cutoff) {
				continue
			}
			rec.MediaEpisodes = removeEpisode(rec.MediaEpisodes, ref.EpisodeNumber)
			if err := s.registry.SaveMediaRecord(ctx, rec); err != nil {
				s.logger.Printf("clean %d/%s: %v", ref.MediaID, ref.EpisodeNumber, err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func removeEpisode(episodes []models.MediaEpisode, number string) []models.MediaEpisode {
	out := episodes[:0]
	for _, ep := range episodes {
		if ep.EpisodeNumber != number {
			out = append(out, ep)
		}
	}
	return out
}

// sortJobsByPriority orders jobs by ascending priority, then by submission
// sequence (FIFO), matching submission order.
func sortJobsByPriority(jobs []job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].priority != jobs[j].priority {
			return jobs[i].priority < jobs[j].priority
		}
		return jobs[i].seq < jobs[j].seq
	})
}
