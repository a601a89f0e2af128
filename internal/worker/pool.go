// Package worker runs blocking model work on a bounded set of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"chatd/internal/apperr"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultWorkers       = 2
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
)

// ErrTooBusy is wrapped by admission failures.
var ErrTooBusy = errors.New("too busy")

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Jobs admitted and waiting for a worker",
	})
	runningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Subsystem: "worker",
		Name:      "running",
		Help:      "Jobs currently running",
	})
	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatd",
		Subsystem: "worker",
		Name:      "rejected_total",
		Help:      "Jobs rejected by admission control",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(queueDepth, runningJobs, rejectedTotal)
}

// Config tunes a Pool.
type Config struct {
	// Workers bounds concurrently running jobs.
	Workers int
	// MaxQueueDepth bounds admitted jobs, running or waiting.
	MaxQueueDepth int
	// MaxWait bounds the time a job may wait for admission and for a worker.
	MaxWait time.Duration
	Logger  zerolog.Logger
}

// Pool admits jobs through a bounded queue and runs at most Workers of them
// at once.
type Pool struct {
	sem     *semaphore.Weighted
	queue   chan struct{}
	workers int
	maxWait time.Duration
	log     zerolog.Logger

	running atomic.Int64
	waiting atomic.Int64
}

func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		queue:   make(chan struct{}, cfg.MaxQueueDepth),
		workers: cfg.Workers,
		maxWait: cfg.MaxWait,
		log:     cfg.Logger,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers       int
	MaxQueueDepth int
	Waiting       int
	Running       int
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       p.workers,
		MaxQueueDepth: cap(p.queue),
		Waiting:       int(p.waiting.Load()),
		Running:       int(p.running.Load()),
	}
}

// Do runs fn on a worker goroutine and waits for its result. Admission
// failures and panics inside fn are reported as ConcurrencyFailure.
func (p *Pool) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	release, err := p.admit(ctx, name)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().Str("job", name).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker panic")
				done <- apperr.New(apperr.KindConcurrency, name, fmt.Errorf("worker panic: %v", r))
			}
		}()
		done <- fn(ctx)
	}()
	return <-done
}

// Submit is Do for jobs that produce a value.
func Submit[T any](ctx context.Context, p *Pool, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// admit reserves a queue slot and then a worker slot. Returns a release func.
func (p *Pool) admit(ctx context.Context, name string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(p.maxWait)
	defer timer.Stop()
	select {
	case p.queue <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		rejectedTotal.WithLabelValues("queue_full").Inc()
		return nil, apperr.New(apperr.KindConcurrency, name, fmt.Errorf("%w: queue full", ErrTooBusy))
	}

	p.waiting.Add(1)
	queueDepth.Inc()
	wctx, cancel := context.WithTimeout(ctx, p.maxWait)
	err := p.sem.Acquire(wctx, 1)
	cancel()
	p.waiting.Add(-1)
	queueDepth.Dec()
	if err != nil {
		<-p.queue
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rejectedTotal.WithLabelValues("wait_timeout").Inc()
		return nil, apperr.New(apperr.KindConcurrency, name, fmt.Errorf("%w: no worker available", ErrTooBusy))
	}
	p.running.Add(1)
	runningJobs.Inc()
	return func() {
		p.running.Add(-1)
		runningJobs.Dec()
		p.sem.Release(1)
		<-p.queue
	}, nil
}
