// Package outbox runs best-effort remote work off the caller's path.
//
// Jobs execute one at a time in enqueue order. A failed job is retried with
// backoff before the next job starts, so jobs that depend on each other's
// ordering (successive state versions) never overtake one another.
package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ErrClosed is returned once the outbox no longer accepts jobs.
var ErrClosed = errors.New("outbox: closed")

// Job is one unit of remote work.
type Job struct {
	// Name identifies the job in logs.
	Name string
	// Run performs one attempt. Returning nil or a Permanent error ends the job.
	Run func(ctx context.Context) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config controls queueing and retries.
type Config struct {
	// Capacity bounds queued jobs. Enqueue drops jobs beyond it.
	Capacity int
	// MaxAttempts bounds attempts per job, including the first.
	MaxAttempts int
	// AttemptTimeout bounds each attempt.
	AttemptTimeout time.Duration
	Backoff        BackoffConfig
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Outbox is a single-worker FIFO of retried jobs.
type Outbox struct {
	cfg Config
	log *slog.Logger
	rng *rand.Rand

	mu     sync.Mutex
	closed bool
	queue  chan Job

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts an Outbox worker.
func New(cfg Config) *Outbox {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		cfg:    cfg,
		log:    cfg.Logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		queue:  make(chan Job, cfg.Capacity),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// Enqueue schedules job without blocking. It reports false when the job was
// dropped because the outbox is full or closed.
func (o *Outbox) Enqueue(job Job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.log.Debug("outbox.drop.closed", slog.String("job", job.Name))
		return false
	}
	select {
	case o.queue <- job:
		return true
	default:
		o.log.Warn("outbox.drop.full", slog.String("job", job.Name), slog.Int("capacity", o.cfg.Capacity))
		return false
	}
}

// Len reports jobs waiting to run.
func (o *Outbox) Len() int {
	return len(o.queue)
}

// Flush waits until every job enqueued so far has finished or ctx is done.
func (o *Outbox) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	marker := Job{Name: "flush", Run: func(context.Context) error {
		close(reached)
		return nil
	}}
	if !o.Enqueue(marker) {
		return ErrClosed
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and drains the queue. If ctx ends first, the
// running attempt is cancelled, the remaining jobs are dropped and ctx's
// error is returned.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()

	select {
	case <-o.done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-o.done
		return ctx.Err()
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for job := range o.queue {
		o.process(job)
	}
}

func (o *Outbox) process(job Job) {
	for attempt := 1; ; attempt++ {
		if o.ctx.Err() != nil {
			o.log.Debug("outbox.job.abandoned", slog.String("job", job.Name))
			return
		}

		actx, cancel := context.WithTimeout(o.ctx, o.cfg.AttemptTimeout)
		err := o.attempt(actx, job)
		cancel()

		if err == nil {
			return
		}
		if IsPermanent(err) {
			o.log.Debug("outbox.job.skipped", slog.String("job", job.Name), slog.String("err", err.Error()))
			return
		}
		if attempt >= o.cfg.MaxAttempts {
			o.log.Warn("outbox.job.failed",
				slog.String("job", job.Name),
				slog.Int("attempts", attempt),
				slog.String("err", err.Error()),
			)
			return
		}

		delay := NextBackoffDelay(o.cfg.Backoff, attempt, o.rng)
		o.log.Debug("outbox.job.retry",
			slog.String("job", job.Name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("err", err.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-o.ctx.Done():
			timer.Stop()
			o.log.Debug("outbox.job.abandoned", slog.String("job", job.Name))
			return
		}
	}
}

func (o *Outbox) attempt(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("outbox.job.panic", slog.String("job", job.Name), slog.Any("panic", r))
			err = Permanent(errors.New("job panicked"))
		}
	}()
	return job.Run(ctx)
}
