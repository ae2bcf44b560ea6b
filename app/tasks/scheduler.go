package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/rss-reader/app/database"
	"github.com/lysyi3m/rss-reader/app/feed"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type SchedulerOptions struct {
	Interval        time.Duration // how often due feeds are looked for
	RefreshInterval time.Duration // how long a feed rests after a retrieval
	WorkerCount     int           // workers for queued tasks
	QueueSize       int
}

type Scheduler struct {
	store           *database.Store
	configCache     *feed.ConfigCache
	pool            *Pool
	interval        time.Duration
	refreshInterval time.Duration
	workerCount     int
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	taskQueue       chan TaskInterface
}

// NewScheduler returns a scheduler that refreshes due feeds through pool.
// configCache may be nil when feeds are not managed through files.
func NewScheduler(store *database.Store, configCache *feed.ConfigCache, pool *Pool, opts SchedulerOptions) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	if opts.WorkerCount < 1 {
		opts.WorkerCount = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 300
	}

	return &Scheduler{
		store:           store,
		configCache:     configCache,
		pool:            pool,
		interval:        opts.Interval,
		refreshInterval: opts.RefreshInterval,
		workerCount:     opts.WorkerCount,
		ctx:             ctx,
		cancel:          cancel,
		taskQueue:       make(chan TaskInterface, opts.QueueSize),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.syncStartupConfigs()
		s.runCycle()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runCycle()
			}
		}
	}()
}

// Stop waits for running feed updates to finish; no new ones start.
// Workers exit on the cancelled context, so the queue stays open.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// SyncConfigs reloads the subscription files and queues one sync task per
// file. It returns the number of queued tasks.
func (s *Scheduler) SyncConfigs() (int, error) {
	if s.configCache == nil {
		return 0, nil
	}
	if err := s.configCache.Run(); err != nil {
		return 0, fmt.Errorf("failed to load feed configurations: %w", err)
	}

	queued := 0
	for _, feedConfig := range s.configCache.GetConfigs() {
		if err := s.EnqueueTask(NewSyncFeedConfigTask(feedConfig, s.store)); err != nil {
			return queued, fmt.Errorf("failed to enqueue SyncFeedConfigTask for %s: %w", feedConfig.Name, err)
		}
		queued++
	}
	return queued, nil
}

// syncStartupConfigs applies the subscription files before the first cycle
// so new feeds are part of it.
func (s *Scheduler) syncStartupConfigs() {
	if s.configCache == nil {
		return
	}

	feedConfigs := s.configCache.GetConfigs()
	if len(feedConfigs) == 0 {
		slog.Debug("No feed configurations found")
		return
	}

	slog.Debug("Processing feed configurations", "count", len(feedConfigs))

	for _, feedConfig := range feedConfigs {
		task := NewSyncFeedConfigTask(feedConfig, s.store)
		task.Start()
		if err := task.Execute(s.ctx); err != nil {
			slog.Warn("Failed to sync feed configuration", "feed", feedConfig.Name, "error", err)
		}
	}
}

func (s *Scheduler) dueFeeds() ([]string, error) {
	enabled := true
	cutoff := s.store.Now().Add(-s.refreshInterval)

	feeds, err := s.store.GetFeeds(s.ctx, database.FeedFilter{
		UpdatesEnabled:  &enabled,
		RetrievedBefore: &cutoff,
	})
	if err != nil {
		return nil, err
	}

	urls := make([]string, len(feeds))
	for i, f := range feeds {
		urls[i] = f.URL
	}
	return urls, nil
}

func (s *Scheduler) runCycle() {
	if s.ctx.Err() != nil {
		return
	}

	urls, err := s.dueFeeds()
	if err != nil {
		slog.Error("Failed to select due feeds", "error", err)
		return
	}
	if len(urls) == 0 {
		slog.Debug("No feeds due for refresh")
		return
	}

	slog.Debug("Refreshing due feeds", "count", len(urls))
	s.pool.Run(s.ctx, urls)
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	if err := task.Execute(s.ctx); err != nil {
		slog.Error("Worker task execution failed",
			"worker_id", workerID,
			"type", string(task.GetType()),
			"id", task.GetID(),
			"feed", task.GetFeedURL(),
			"error", err)
	}
}
