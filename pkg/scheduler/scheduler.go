package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is one scheduled run. The context is cancelled when the scheduler stops.
type JobFunc func(ctx context.Context) error

// Entry describes a registered job.
type Entry struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

// Scheduler runs named jobs on cron expressions. A run that is still going when
// its next tick fires is skipped, and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]registered
}

type registered struct {
	id   cron.EntryID
	spec string
}

// New builds a scheduler. Specs accept an optional leading seconds field and descriptors like @daily.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := zapLogger{sugar: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(
				cron.Recover(cronLogger),
				cron.SkipIfStillRunning(cronLogger),
			),
			cron.WithParser(cron.NewParser(
				cron.SecondOptional|cron.Minute|cron.Hour|
					cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
			)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]registered),
	}
}

// Add registers fn under name. Names must be unique.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}
	id, err := s.cron.AddFunc(spec, func() {
		started := time.Now()
		s.logger.Info("scheduled job started", zap.String("job", name))
		if err := fn(s.ctx); err != nil {
			s.logger.Error("scheduled job failed", zap.String("job", name), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
			return
		}
		s.logger.Info("scheduled job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(started)))
	})
	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", name, spec, err)
	}
	s.entries[name] = registered{id: id, spec: spec}
	return nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("wait for scheduled jobs: %w", ctx.Err())
	}
}

// Entries lists registered jobs with their next and previous run times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Entry, 0, len(s.entries))
	for name, reg := range s.entries {
		entry := s.cron.Entry(reg.id)
		result = append(result, Entry{Name: name, Spec: reg.spec, Next: entry.Next, Prev: entry.Prev})
	}
	return result
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw("cron: "+msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
