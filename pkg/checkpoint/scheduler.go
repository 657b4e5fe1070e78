package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/conductor/internal/observability"
)

// DefaultInterval is the checkpoint cadence when none is given.
const DefaultInterval = 30 * time.Second

var (
	ErrNotRegistered     = errors.New("task not registered for checkpoints")
	ErrAlreadyRegistered = errors.New("task already registered for checkpoints")
)

// Config configures a Scheduler
type Config struct {
	Sink     Sink
	Interval time.Duration
	Logger   zerolog.Logger
}

// Scheduler takes checkpoints of registered tasks on an interval and on
// errors. It knows nothing about task internals; each task supplies a
// Producer.
type Scheduler struct {
	cron     *cron.Cron
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*registration
}

type registration struct {
	producer Producer

	// mu is held while producing so Complete can wait out an in-flight tick.
	mu      sync.Mutex
	done    bool
	entries []cron.EntryID
}

// NewScheduler creates a scheduler. Call Start to begin interval firing.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Sink == nil {
		return nil, errors.New("checkpoint sink is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	cl := cronLogger{logger: cfg.Logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sink:     cfg.Sink,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		tasks:    make(map[string]*registration),
	}, nil
}

// Start begins running interval schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts interval firing and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register installs the state producer for taskID.
func (s *Scheduler) Register(taskID string, producer Producer) error {
	if producer == nil {
		return errors.New("producer is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[taskID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, taskID)
	}
	s.tasks[taskID] = &registration{producer: producer}
	return nil
}

// StartInterval fires checkpoints for taskID every interval until Complete.
// A zero interval uses the scheduler default.
func (s *Scheduler) StartInterval(taskID string, interval time.Duration) error {
	if interval <= 0 {
		interval = s.interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, taskID)
	}

	id := s.cron.Schedule(every(interval), cron.FuncJob(func() {
		s.fire(context.Background(), taskID, reg, TriggerInterval, nil)
	}))
	reg.entries = append(reg.entries, id)

	s.logger.Debug().Str("task_id", taskID).Dur("interval", interval).Msg("Checkpoint interval started")
	return nil
}

// TriggerError takes one checkpoint of taskID right away, recording cause.
func (s *Scheduler) TriggerError(ctx context.Context, taskID string, cause error) error {
	s.mu.Lock()
	reg, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, taskID)
	}
	return s.fire(ctx, taskID, reg, TriggerError, cause)
}

// Complete cancels every schedule of taskID and drops its producer. No
// producer call for taskID starts after Complete returns.
func (s *Scheduler) Complete(taskID string) {
	s.mu.Lock()
	reg, ok := s.tasks[taskID]
	delete(s.tasks, taskID)
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, id := range reg.entries {
		s.cron.Remove(id)
	}

	reg.mu.Lock()
	reg.done = true
	reg.mu.Unlock()

	s.logger.Debug().Str("task_id", taskID).Msg("Checkpoints completed")
}

// Registered reports whether taskID has a live registration.
func (s *Scheduler) Registered(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskID]
	return ok
}

// ActiveSchedules returns the number of interval schedules still installed.
func (s *Scheduler) ActiveSchedules() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) fire(ctx context.Context, taskID string, reg *registration, trigger Trigger, cause error) error {
	reg.mu.Lock()
	if reg.done {
		reg.mu.Unlock()
		return nil
	}
	state, err := reg.producer()
	reg.mu.Unlock()

	if err != nil {
		observability.RecordCheckpoint(string(trigger), false)
		s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Checkpoint producer failed")
		return fmt.Errorf("produce checkpoint: %w", err)
	}
	if cause != nil {
		state.Error = cause.Error()
	}

	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generate checkpoint id: %w", err)
	}
	cp := Checkpoint{
		ID:        id,
		TaskID:    taskID,
		Trigger:   trigger,
		CreatedAt: time.Now(),
		State:     state.Clone(),
	}

	if err := s.sink.Save(ctx, cp); err != nil {
		observability.RecordCheckpoint(string(trigger), false)
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to save checkpoint")
		return fmt.Errorf("save checkpoint: %w", err)
	}

	observability.RecordCheckpoint(string(trigger), true)
	s.logger.Debug().
		Str("task_id", taskID).
		Str("checkpoint_id", id).
		Str("trigger", string(trigger)).
		Msg("Checkpoint saved")
	return nil
}

// every is a fixed-delay cron.Schedule. cron.Every rounds to whole seconds;
// this one keeps sub-second precision.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
