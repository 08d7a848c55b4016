package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper expires stale entries and drops resolved ones older than cutoff.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (expired, dropped int)
}

// Reaper periodically sweeps the ledger so resolved and abandoned requests do
// not accumulate in memory. Expiry itself is lazy and does not depend on it.
type Reaper struct {
	interval  time.Duration
	retention time.Duration
	sweeper   Sweeper
	onSweep   func(expired, dropped int)
	now       func() time.Time

	running atomic.Bool
	sweeps  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval, retention time.Duration, sweeper Sweeper) (*Reaper, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if retention < 0 {
		return nil, errors.New("retention must be >= 0")
	}
	if sweeper == nil {
		return nil, errors.New("sweeper must not be nil")
	}
	return &Reaper{
		interval:  interval,
		retention: retention,
		sweeper:   sweeper,
		now:       time.Now,
		done:      make(chan struct{}),
	}, nil
}

// OnSweep registers fn to observe each sweep's counts.
func (r *Reaper) OnSweep(fn func(expired, dropped int)) *Reaper {
	r.onSweep = fn
	return r
}

func (r *Reaper) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		slog.Info("ledger reaper started", "interval", r.interval.String(), "retention", r.retention.String())

		r.safeSweep(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.safeSweep(ctx)
			}
		}
	}()

	return true
}

func (r *Reaper) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Load() {
		return false
	}

	r.cancel()
	<-r.done
	r.running.Store(false)

	slog.Info("ledger reaper stopped", "sweeps", r.sweeps.Load())
	return true
}

func (r *Reaper) IsRunning() bool {
	return r.running.Load()
}

// Sweeps reports how many sweeps have completed since the process started.
func (r *Reaper) Sweeps() int64 {
	return r.sweeps.Load()
}

func (r *Reaper) safeSweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("ledger sweep panicked", "panic", p)
		}
	}()

	start := time.Now()
	expired, dropped := r.sweeper.Sweep(ctx, r.now().UTC().Add(-r.retention))
	r.sweeps.Add(1)
	if r.onSweep != nil {
		r.onSweep(expired, dropped)
	}
	if expired == 0 && dropped == 0 {
		slog.Debug("ledger sweep found nothing to reap")
		return
	}
	slog.Info("ledger swept",
		"expired", expired,
		"dropped", dropped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
