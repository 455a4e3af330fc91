// Package sacct shells out to the Slurm accounting CLI and returns raw
// pipe-delimited rows. Calls are rate limited per cluster, retried with
// exponential backoff, and logged as structured phase events.
package sacct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/metrics"
	"github.com/slurmboard/slurmboard/internal/normalize"
	"github.com/slurmboard/slurmboard/internal/ratelimit"
)

// ErrAccountingFailed marks an accounting call that failed after all
// attempts. Callers match it with errors.Is.
var ErrAccountingFailed = errors.New("accounting command failed")

const (
	DefaultTimeout     = 120 * time.Second
	DefaultMaxAttempts = 3

	// stderr is truncated to this many bytes in logs.
	stderrLogLimit = 500
)

// Result carries one finished subprocess invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes the accounting binary. The production implementation
// shells out; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs the real subprocess. A non-zero exit is reported in the
// Result, not as an error; errors mean the process could not run or was
// killed by the context deadline.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// Query is one accounting window request.
type Query struct {
	Cluster string
	Since   string // -S, inclusive
	Until   string // -E, exclusive in pipeline terms
	User    string // optional -u scope
	Fields  string // -o override; empty means the normalizer's field list

	// IncludeSteps keeps step rows (JobID containing ".") and blank lines.
	IncludeSteps bool

	RatePerMin int
}

// Adapter wraps the accounting binary with rate limiting and retries.
type Adapter struct {
	bin         string
	timeout     time.Duration
	maxAttempts int
	limiter     *ratelimit.Registry
	runner      Runner
	log         *zap.Logger

	// backoffBase overrides the first retry interval; zero means 1s.
	backoffBase time.Duration
}

func New(bin string, timeout time.Duration, maxAttempts int, limiter *ratelimit.Registry, runner Runner, log *zap.Logger) *Adapter {
	if bin == "" {
		bin = "sacct"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Adapter{
		bin:         bin,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		limiter:     limiter,
		runner:      runner,
		log:         log,
	}
}

func (a *Adapter) args(q Query) []string {
	fields := q.Fields
	if fields == "" {
		fields = normalize.FieldList
	}
	args := []string{
		"-a", "-n", "-P",
		"-S", q.Since,
		"-E", q.Until,
		"-o", fields,
	}
	if q.User != "" {
		args = append(args, "-u", q.User)
	}
	return args
}

// Fetch runs one accounting query and returns the raw rows. One rate-limit
// token covers all attempts of a query. On exhaustion the returned error
// wraps ErrAccountingFailed.
func (a *Adapter) Fetch(ctx context.Context, q Query) ([]string, error) {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, q.Cluster, q.RatePerMin); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	args := a.args(q)

	base := a.backoffBase
	if base <= 0 {
		base = time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		metrics.SacctCallsTotal.WithLabelValues(q.Cluster).Inc()

		attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
		started := time.Now()
		res, err := a.runner.Run(attemptCtx, a.bin, args...)
		duration := time.Since(started)
		cancel()
		metrics.SacctCallDuration.WithLabelValues(q.Cluster).Observe(duration.Seconds())

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			a.log.Error("accounting call timed out",
				append(a.callFields(q, attempt),
					zap.String("exit_code", "TIMEOUT"),
					zap.Float64("timeout_s", a.timeout.Seconds()))...)
		case err != nil:
			// Could not start the process at all. Retrying will not help.
			metrics.SacctFailuresTotal.WithLabelValues(q.Cluster).Inc()
			return nil, fmt.Errorf("%w: run %s: %v", ErrAccountingFailed, a.bin, err)
		case res.ExitCode != 0:
			a.log.Error("accounting call failed",
				append(a.callFields(q, attempt),
					zap.Int("exit_code", res.ExitCode),
					zap.String("stderr", truncate(res.Stderr, stderrLogLimit)))...)
		default:
			lines := splitRows(res.Stdout, q.IncludeSteps)
			a.log.Info("accounting call succeeded",
				append(a.callFields(q, attempt),
					zap.Int("exit_code", 0),
					zap.Int("rows", len(lines)),
					zap.Float64("duration_s", duration.Seconds()))...)
			metrics.SacctRowsTotal.WithLabelValues(q.Cluster).Add(float64(len(lines)))
			return lines, nil
		}

		if attempt >= a.maxAttempts {
			metrics.SacctFailuresTotal.WithLabelValues(q.Cluster).Inc()
			return nil, fmt.Errorf("%w: %d attempts on %s [%s, %s)",
				ErrAccountingFailed, attempt, q.Cluster, q.Since, q.Until)
		}

		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			metrics.SacctFailuresTotal.WithLabelValues(q.Cluster).Inc()
			return nil, fmt.Errorf("%w: %v", ErrAccountingFailed, ctx.Err())
		}
	}
}

func (a *Adapter) callFields(q Query, attempt int) []zap.Field {
	return []zap.Field{
		zap.String("cluster", q.Cluster),
		zap.String("phase", "sacct_call"),
		zap.String("start", q.Since),
		zap.String("end", q.Until),
		zap.Int("calls", attempt),
	}
}

// splitRows breaks stdout into rows. Unless steps are wanted, blank rows and
// step rows (first field containing ".") are dropped.
func splitRows(stdout []byte, includeSteps bool) []string {
	raw := strings.Split(strings.ReplaceAll(string(stdout), "\r\n", "\n"), "\n")
	if len(raw) > 0 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}
	if includeSteps {
		return raw
	}
	rows := make([]string, 0, len(raw))
	for _, ln := range raw {
		if ln == "" {
			continue
		}
		first, _, _ := strings.Cut(ln, "|")
		if strings.Contains(first, ".") {
			continue
		}
		rows = append(rows, ln)
	}
	return rows
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
