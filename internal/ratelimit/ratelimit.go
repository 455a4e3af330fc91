// Package ratelimit bounds accounting subprocess calls per cluster. Buckets
// live for the process; every node runs its own poller, so the effective
// cluster-wide rate is per-node.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/slurmboard/slurmboard/internal/metrics"
)

// Registry hands out one token bucket per cluster. A bucket holds
// ratePerMin tokens, starts full, and refills at ratePerMin/60 tokens per
// second; acquiring when empty waits (1 - tokens) * 60 / capacity seconds.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	log     *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		buckets: make(map[string]*rate.Limiter),
		log:     log,
	}
}

func (r *Registry) limiter(cluster string, ratePerMin int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.buckets[cluster]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin)
		r.buckets[cluster] = lim
	}
	return lim
}

// Acquire consumes one token from the cluster's bucket, sleeping until one
// is available or ctx is done. The wait, if any, is logged at DEBUG.
func (r *Registry) Acquire(ctx context.Context, cluster string, ratePerMin int) error {
	lim := r.limiter(cluster, ratePerMin)

	res := lim.Reserve()
	if !res.OK() {
		// Unreachable with burst >= 1; fall back to a plain wait.
		return lim.Wait(ctx)
	}
	delay := res.Delay()
	if delay <= 0 {
		return nil
	}

	r.log.Debug("rate wait",
		zap.String("cluster", cluster),
		zap.String("phase", "rate_wait"),
		zap.Float64("sleep", delay.Seconds()))
	metrics.RateWaitSecondsTotal.WithLabelValues(cluster).Add(delay.Seconds())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}
