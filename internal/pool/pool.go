// Package pool is the bounded-concurrency dispatcher between timers and
// the execution driver. Admission is non-blocking so timer goroutines
// never stall behind slow executions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"chronod/pkg/logx"
)

// ErrQueueFull is returned when a bounded queue refuses a firing. The
// caller logs the overflow; no execution row is written for it.
var ErrQueueFull = errors.New("pool: queue full")

var errStopped = errors.New("pool: stopped")

// Config bounds the pool.
type Config struct {
	MaxConcurrent int // worker goroutines; default 10
	QueueSize     int // per-priority queue depth; default 256
}

// Task is one admitted firing.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Stats is an observable snapshot for metrics.
type Stats struct {
	Pending     int
	Active      int
	Concurrency int
	Dropped     uint64
}

// Pool runs tasks on a fixed set of workers. Manual submissions take
// priority over scheduled ones; each queue is FIFO.
type Pool struct {
	cfg Config
	log logx.Logger

	manual    chan Task
	scheduled chan Task

	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	active  atomic.Int32
	dropped atomic.Uint64
	stopped atomic.Bool
}

func New(cfg Config, log logx.Logger) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:       cfg,
		log:       log,
		manual:    make(chan Task, cfg.QueueSize),
		scheduled: make(chan Task, cfg.QueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the workers. Tasks run under a context derived from ctx
// so process shutdown can cancel in-flight work.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}
	p.log.Info("pool started", logx.Int("workers", p.cfg.MaxConcurrent), logx.Int("queue", p.cfg.QueueSize))
}

// Submit admits a scheduled firing. It never blocks.
func (p *Pool) Submit(t Task) error {
	return p.admit(p.scheduled, t)
}

// SubmitManual admits a manual invocation ahead of scheduled firings.
func (p *Pool) SubmitManual(t Task) error {
	return p.admit(p.manual, t)
}

func (p *Pool) admit(q chan Task, t Task) error {
	if p.stopped.Load() {
		return errStopped
	}
	select {
	case q <- t:
		return nil
	default:
		p.dropped.Add(1)
		p.log.Warn("queue overflow, firing dropped", logx.String("task", t.Name))
		return ErrQueueFull
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Pending:     len(p.manual) + len(p.scheduled),
		Active:      int(p.active.Load()),
		Concurrency: p.cfg.MaxConcurrent,
		Dropped:     p.dropped.Load(),
	}
}

// Stop drains the pool: admissions stop immediately, active tasks get
// until ctx's deadline to finish, then the remainder is cancelled.
func (p *Pool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if p.cancel != nil {
			p.cancel()
		}
		<-done
	}
	p.log.Info("pool stopped", logx.Uint64("dropped", p.dropped.Load()))
}

func (p *Pool) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		// Manual queue first, so operator-triggered runs are not stuck
		// behind a burst of scheduled firings.
		select {
		case t := <-p.manual:
			p.exec(ctx, t, idx)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case t := <-p.manual:
			p.exec(ctx, t, idx)
		case t := <-p.scheduled:
			p.exec(ctx, t, idx)
		}
	}
}

func (p *Pool) exec(ctx context.Context, t Task, idx int) {
	p.active.Add(1)
	start := time.Now()
	// Convert task panics to logs so one bad firing cannot kill a worker.
	defer func() {
		p.active.Add(-1)
		if r := recover(); r != nil {
			p.log.Error("task panic",
				logx.String("task", t.Name),
				logx.Int("worker", idx),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	if t.Run == nil {
		return
	}
	t.Run(ctx)
	p.log.Debug("task done", logx.String("task", t.Name), logx.Duration("took", time.Since(start)))
}

// IsStopped reports whether admissions are closed (for diagnostics).
func (p *Pool) IsStopped() bool { return p.stopped.Load() }

// String implements fmt.Stringer for log-friendly snapshots.
func (p *Pool) String() string {
	s := p.Stats()
	return fmt.Sprintf("pool{pending=%d active=%d concurrency=%d}", s.Pending, s.Active, s.Concurrency)
}
