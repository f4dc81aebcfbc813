package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/load"
)

// ErrWaitExceeded is returned when the load stayed above the threshold
// for the whole configured wait. The job is denied admission.
var ErrWaitExceeded = errors.New("maximum transcode wait exceeded")

// LoadFunc samples the 5-minute load average.
type LoadFunc func(ctx context.Context) (float64, error)

// SystemLoad samples the host load average.
func SystemLoad(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading load average: %w", err)
	}
	return avg.Load5, nil
}

// Gate blocks encoder starts while the host is loaded. Each rejection
// backs the job off for a fixed interval before the next load sample.
type Gate struct {
	maxLoad float64
	backoff time.Duration
	maxWait time.Duration // total wait bound measured from enqueue, 0 = unbounded
	loadFn  LoadFunc
	logger  *slog.Logger
}

// NewGate creates an admission gate.
func NewGate(maxLoad float64, backoff, maxWait time.Duration) *Gate {
	if backoff <= 0 {
		backoff = time.Minute
	}
	return &Gate{
		maxLoad: maxLoad,
		backoff: backoff,
		maxWait: maxWait,
		loadFn:  SystemLoad,
		logger:  slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	g.logger = logger
	return g
}

// withLoadFunc overrides the load source, for tests.
func (g *Gate) withLoadFunc(fn LoadFunc) *Gate {
	g.loadFn = fn
	return g
}

// Wait blocks until the 5-minute load drops to the admission threshold.
// enqueued anchors the total-wait bound: once a job has waited maxWait
// in total the gate gives up and returns ErrWaitExceeded. Context
// cancellation aborts the wait.
func (g *Gate) Wait(ctx context.Context, enqueued time.Time) error {
	for {
		load5, err := g.loadFn(ctx)
		if err != nil {
			// A host where the load cannot be read should still encode.
			g.logger.Warn("load sample failed, admitting", slog.Any("error", err))
			return nil
		}
		if load5 <= g.maxLoad {
			return nil
		}
		if g.maxWait > 0 && time.Since(enqueued) >= g.maxWait {
			g.logger.Warn("giving up on admission, host stayed loaded",
				slog.Float64("load5", load5),
				slog.Duration("waited", time.Since(enqueued)))
			return ErrWaitExceeded
		}

		g.logger.Info("host loaded, delaying transcode",
			slog.Float64("load5", load5),
			slog.Float64("max_load", g.maxLoad),
			slog.Duration("backoff", g.backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.backoff):
		}
	}
}
