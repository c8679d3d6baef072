// Package scheduler polls for due partner sources and runs their
// ingestion batches through a bounded worker pool. A source never has
// more than one batch in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cararth/syndicate/internal/pipeline"
	"github.com/cararth/syndicate/internal/store"
)

// ErrScheduleConflict is returned when a manual trigger is requested for
// a source that already has both a run in flight and a pending trigger.
var ErrScheduleConflict = errors.New("run already in flight and a trigger is pending")

// ErrUnknownSource is returned for trigger requests on unknown source IDs.
var ErrUnknownSource = errors.New("unknown source")

// Trigger kinds recorded in the run log.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Config configures the scheduler.
type Config struct {
	// CheckInterval is how often to poll for due sources. Default: 1 minute.
	CheckInterval time.Duration `yaml:"check_interval"`
	// MaxFailCount is the consecutive-failure count past which a source is
	// skipped until an operator resets it. Default: 5.
	MaxFailCount int `yaml:"max_fail_count"`
	// Workers bounds concurrently running batches. Default: 4.
	Workers int `yaml:"workers"`
	// QueueSize bounds waiting jobs. Default: 64.
	QueueSize int `yaml:"queue_size"`
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.MaxFailCount <= 0 {
		c.MaxFailCount = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

type job struct {
	src     *store.PartnerSource
	trigger string
}

// Scheduler owns the poll loop and worker pool.
type Scheduler struct {
	config Config
	store  *store.Store
	runner *pipeline.Runner
	logger *slog.Logger

	jobs chan job

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]string // sourceID -> queued trigger kind
}

// New creates a Scheduler.
func New(st *store.Store, runner *pipeline.Runner, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   cfg,
		store:    st,
		runner:   runner,
		logger:   logger,
		jobs:     make(chan job, cfg.QueueSize),
		inflight: make(map[string]bool),
		pending:  make(map[string]string),
	}
}

// Run starts the workers and polls for due sources on a ticker. Blocks
// until ctx is cancelled and all in-flight batches finish.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	// Run once immediately on start.
	s.enqueueDueSources(ctx)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.enqueueDueSources(ctx)
		}
	}
}

// TriggerRun requests an immediate run for one source, or for every
// active source when sourceID is "all". A trigger for a source with a
// run in flight occupies its single pending slot; a second pending
// trigger returns ErrScheduleConflict.
func (s *Scheduler) TriggerRun(ctx context.Context, sourceID string) error {
	if sourceID == "all" {
		sources, err := s.store.ListPartnerSources(ctx)
		if err != nil {
			return fmt.Errorf("list sources: %w", err)
		}
		var errs []error
		for _, src := range sources {
			if !src.IsActive {
				continue
			}
			if err := s.trigger(src); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src.ID, err))
			}
		}
		return errors.Join(errs...)
	}

	src, err := s.store.GetPartnerSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	return s.trigger(src)
}

func (s *Scheduler) trigger(src *store.PartnerSource) error {
	s.mu.Lock()
	if s.inflight[src.ID] {
		if _, queued := s.pending[src.ID]; queued {
			s.mu.Unlock()
			return ErrScheduleConflict
		}
		s.pending[src.ID] = TriggerManual
		s.mu.Unlock()
		return nil
	}
	s.inflight[src.ID] = true
	s.mu.Unlock()

	return s.submit(job{src: src, trigger: TriggerManual})
}

// enqueueDueSources submits a job for every due source that has nothing
// in flight. A due source with a running batch is simply skipped; the
// next tick picks it up.
func (s *Scheduler) enqueueDueSources(ctx context.Context) {
	due, err := s.store.DueSources(ctx, s.config.MaxFailCount)
	if err != nil {
		s.logger.Error("scheduler: due sources", "error", err)
		return
	}

	enqueued := 0
	for _, src := range due {
		s.mu.Lock()
		if s.inflight[src.ID] {
			s.mu.Unlock()
			continue
		}
		s.inflight[src.ID] = true
		s.mu.Unlock()

		if err := s.submit(job{src: src, trigger: TriggerScheduled}); err != nil {
			s.logger.Warn("scheduler: enqueue", "source_id", src.ID, "error", err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Debug("scheduler: enqueued", "jobs", enqueued)
	}
}

func (s *Scheduler) submit(j job) error {
	select {
	case s.jobs <- j:
		return nil
	default:
		s.mu.Lock()
		delete(s.inflight, j.src.ID)
		s.mu.Unlock()
		return fmt.Errorf("scheduler queue full (%d jobs)", s.config.QueueSize)
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.execute(ctx, j)
		}
	}
}

// execute runs one batch and releases the source, chaining a pending
// trigger if one was queued while the batch ran.
func (s *Scheduler) execute(ctx context.Context, j job) {
	if _, err := s.runner.Run(ctx, j.src, j.trigger); err != nil {
		s.logger.Warn("scheduler: batch error", "source_id", j.src.ID, "error", err)
	}

	s.mu.Lock()
	trigger, queued := s.pending[j.src.ID]
	if queued {
		delete(s.pending, j.src.ID)
		s.mu.Unlock()
		// Source stays in flight; re-read it so the chained run sees the
		// cursor and counters the finished batch persisted.
		src, err := s.store.GetPartnerSource(ctx, j.src.ID)
		if err != nil || src == nil {
			s.logger.Warn("scheduler: reload source", "source_id", j.src.ID, "error", err)
			src = j.src
		}
		if err := s.submit(job{src: src, trigger: trigger}); err != nil {
			s.logger.Warn("scheduler: chain trigger", "source_id", j.src.ID, "error", err)
		}
		return
	}
	delete(s.inflight, j.src.ID)
	s.mu.Unlock()
}

// InFlight reports whether a source currently has a running batch.
func (s *Scheduler) InFlight(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[sourceID]
}
