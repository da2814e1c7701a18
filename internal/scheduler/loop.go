// Package scheduler runs the background ledger jobs: drift reconciliation,
// pending bonus retries and gateway status polling.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one pass of periodic work. It should return promptly when ctx is done.
type Job func(ctx context.Context)

// LoopConfig holds configuration for a background loop
type LoopConfig struct {
	// Interval between passes. The first pass runs immediately on Start.
	Interval time.Duration

	// Timeout bounds a single pass. Zero means no bound.
	Timeout time.Duration
}

// Loop runs a Job on a ticker until stopped.
type Loop struct {
	name   string
	job    Job
	config LoopConfig
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLoop creates a loop named name running job.
func NewLoop(name string, job Job, config LoopConfig, logger zerolog.Logger) *Loop {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Loop{
		name:     name,
		job:      job,
		config:   config,
		logger:   logger.With().Str("component", "scheduler").Str("job", name).Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start starts the loop
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("%s loop already running", l.name)
	}
	l.running = true
	l.stopChan = make(chan struct{})
	l.mu.Unlock()

	l.logger.Info().Dur("interval", l.config.Interval).Msg("starting background job")

	l.wg.Add(1)
	go l.run()

	return nil
}

// Stop stops the loop and waits for the current pass to finish
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return fmt.Errorf("%s loop not running", l.name)
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopChan)
	l.wg.Wait()

	l.logger.Info().Msg("background job stopped")
	return nil
}

// IsRunning returns whether the loop is running
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	l.runOnce()

	for {
		select {
		case <-ticker.C:
			l.runOnce()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Loop) runOnce() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if l.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), l.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	// Stop cancels an in-flight pass
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.stopChan:
			cancel()
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("panic recovered in background job")
		}
	}()

	l.job(ctx)
}

// ForEach runs fn for every item with at most maxConcurrent in flight.
// A panic in one item is logged and does not stop the others.
func ForEach[T any](ctx context.Context, items []T, maxConcurrent int, logger zerolog.Logger, fn func(ctx context.Context, item T)) {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	semaphore := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}

		go func(it T) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Msg("panic recovered in worker")
				}
			}()

			fn(ctx, it)
		}(item)
	}

	wg.Wait()
}
