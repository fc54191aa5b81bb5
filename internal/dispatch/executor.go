package dispatch

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/koustreak/pgdispatch/internal/errs"
	"github.com/koustreak/pgdispatch/internal/logger"
)

// ExecutorConfig sizes the blocking executor.
type ExecutorConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

// DefaultExecutorConfig returns 32 workers behind a queue of 256 tasks.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Workers: 32, Queue: 256}
}

// Validate checks the sizes.
func (c ExecutorConfig) Validate() error {
	if c.Workers <= 0 {
		return errs.New(errs.ErrKindInvalidInput, "blocking.workers must be positive")
	}
	if c.Queue < 0 {
		return errs.New(errs.ErrKindInvalidInput, "blocking.queue must not be negative")
	}
	return nil
}

// Executor runs closures on a fixed set of goroutines that are allowed to
// block. Submit never waits: when every worker is busy and the queue is
// full the task is rejected.
type Executor struct {
	tasks    chan func()
	g        errgroup.Group
	log      *logger.Logger
	onReject func()

	mu     sync.RWMutex // guards closed against sends on tasks
	closed bool
}

// NewExecutor starts cfg.Workers goroutines. onReject, if non-nil, is
// called for every rejected task.
func NewExecutor(cfg ExecutorConfig, log *logger.Logger, onReject func()) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	if onReject == nil {
		onReject = func() {}
	}

	e := &Executor{
		tasks:    make(chan func(), cfg.Queue),
		log:      log.With().Int("workers", cfg.Workers).Int("queue", cfg.Queue).Logger(),
		onReject: onReject,
	}
	for range cfg.Workers {
		e.g.Go(e.work)
	}
	return e, nil
}

// Submit queues task for execution.
func (e *Executor) Submit(task func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.onReject()
		return errs.New(errs.ErrKindBlocking, "executor is closed")
	}
	select {
	case e.tasks <- task:
		return nil
	default:
		e.onReject()
		return errs.New(errs.ErrKindBlocking, fmt.Sprintf("executor queue is full (%d queued)", cap(e.tasks)))
	}
}

// Close stops intake and waits until every queued task has run.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	return e.g.Wait()
}

func (e *Executor) work() error {
	for task := range e.tasks {
		e.safeRun(task)
	}
	return nil
}

func (e *Executor) safeRun(task func()) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error().Interface("panic", p).Msg("blocking task panicked")
		}
	}()
	task()
}
