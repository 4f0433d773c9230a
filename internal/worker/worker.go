// Package worker implements the Background Worker (C10): three
// independent periodic tasks driven by one scheduler loop.
package worker

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/xqi1337/nekoengine/models"
)

// CatalogClient is the subset of the Catalog Client (C2) the notification
// poll task needs.
type CatalogClient interface {
	GetNotifications(ctx context.Context) ([]models.Notification, error)
}

// Registry is the subset of the Registry Store (C1) the notification poll
// task needs to dedupe against what's already been surfaced.
type Registry interface {
	GetSeenNotifications() map[int]string
	SetLastNotifiedEpisode(ctx context.Context, mediaID int, episode string) error
}

// DownloadQueue is the subset of the Download Queue (C6) the resume/retry
// tasks drive.
type DownloadQueue interface {
	ResumeUnfinishedDownloads(ctx context.Context) error
	RetryFailedDownloads(ctx context.Context) error
	Stop()
}

// Notifier raises an OS-level desktop notification. No third-party
// notification library appears anywhere in the example pack, so this is
// backed by shelling an OS-native binary — the same exec.CommandContext
// idiom the player service uses to launch mpv/vlc/am.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Options configures a new Service.
type Options struct {
	Catalog  CatalogClient
	Registry Registry
	Queue    DownloadQueue
	Notifier Notifier

	NotificationCheckInterval   time.Duration
	DownloadCheckInterval       time.Duration
	DownloadCheckFailedInterval time.Duration

	Logger *log.Logger
}

type task struct {
	name     string
	interval time.Duration
	nextRun  time.Time
	running  bool
	fn       func(context.Context) error
}

// Service is the C10 Background Worker: three independent periodic tasks
// with their own next-run timestamps, ticked by a single scheduler loop.
type Service struct {
	catalog  CatalogClient
	registry Registry
	queue    DownloadQueue
	notifier Notifier
	logger   *log.Logger

	taskMu sync.Mutex
	tasks  []*task

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

const sleepCap = 30 * time.Second

// NewService wires the three scheduled tasks with their configured
// intervals, applying configured minimums.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[worker] ", log.LstdFlags)
	}

	notificationInterval := opts.NotificationCheckInterval
	if notificationInterval < time.Minute {
		notificationInterval = time.Minute
	}
	downloadInterval := opts.DownloadCheckInterval
	if downloadInterval <= 0 {
		downloadInterval = 5 * time.Minute
	}
	failedInterval := opts.DownloadCheckFailedInterval
	if failedInterval <= 0 {
		failedInterval = 15 * time.Minute
	}

	s := &Service{
		catalog:  opts.Catalog,
		registry: opts.Registry,
		queue:    opts.Queue,
		notifier: opts.Notifier,
		logger:   logger,
	}
	now := time.Now()
	s.tasks = []*task{
		{name: "notification_poll", interval: notificationInterval, nextRun: now, fn: s.pollNotifications},
		{name: "queue_resume", interval: downloadInterval, nextRun: now, fn: s.resumeQueue},
		{name: "failed_retry", interval: failedInterval, nextRun: now, fn: s.retryFailed},
	}
	return s
}

// Start begins the scheduler loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(runCtx)
}

// Stop signals the scheduler loop to exit, waits for it, and always calls
// DownloadQueue.Stop() regardless of how the loop exited.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	if s.queue != nil {
		s.queue.Stop()
	}
}

// loop computes now, runs any task whose nextRun has passed (each inside
// its own recover-guarded call so one failing task can't block another),
// then sleeps until the nearest next_run or sleepCap, whichever is
// smaller, responsive to ctx cancellation.
func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		nearest := now.Add(sleepCap)

		s.taskMu.Lock()
		due := make([]*task, 0, len(s.tasks))
		for _, t := range s.tasks {
			if t.running {
				continue
			}
			if !now.Before(t.nextRun) {
				due = append(due, t)
				t.running = true
			} else if t.nextRun.Before(nearest) {
				nearest = t.nextRun
			}
		}
		s.taskMu.Unlock()

		for _, t := range due {
			s.runTask(ctx, t)
		}

		sleep := time.Until(nearest)
		if sleep > sleepCap {
			sleep = sleepCap
		}
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (s *Service) runTask(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("task %s panicked: %v", t.name, r)
		}
		s.taskMu.Lock()
		t.running = false
		t.nextRun = time.Now().Add(t.interval)
		s.taskMu.Unlock()
	}()

	if err := t.fn(ctx); err != nil {
		s.logger.Printf("task %s failed: %v", t.name, err)
	}
}

// pollNotifications implements the notification poll task.
func (s *Service) pollNotifications(ctx context.Context) error {
	if s.catalog == nil {
		return nil
	}
	notifications, err := s.catalog.GetNotifications(ctx)
	if err != nil {
		return err
	}
	if len(notifications) == 0 || s.registry == nil {
		return nil
	}

	seen := s.registry.GetSeenNotifications()
	for _, n := range notifications {
		lastSeen, ok := seen[n.MediaID]
		if ok && !episodeGreater(n.Episode, lastSeen) {
			continue
		}
		if s.notifier != nil {
			if err := s.notifier.Notify(ctx, "New episode", n.Message); err != nil {
				s.logger.Printf("notify media %d: %v", n.MediaID, err)
			}
		}
		if err := s.registry.SetLastNotifiedEpisode(ctx, n.MediaID, episodeString(n.Episode)); err != nil {
			s.logger.Printf("set last notified episode for media %d: %v", n.MediaID, err)
		}
	}
	return nil
}

// resumeQueue implements the queue resume task.
func (s *Service) resumeQueue(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.ResumeUnfinishedDownloads(ctx)
}

// retryFailed implements the failed retry task.
func (s *Service) retryFailed(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.RetryFailedDownloads(ctx)
}

func episodeString(n int) string {
	return strconv.Itoa(n)
}

// episodeGreater reports whether episode is newer than the last-notified
// episode string, comparing numerically when lastSeen parses as a number
// and falling back to "always notify" otherwise.
func episodeGreater(episode int, lastSeen string) bool {
	seen, err := strconv.Atoi(lastSeen)
	if err != nil {
		return true
	}
	return episode > seen
}
