package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalid classifies configuration problems. Callers match it with
// errors.Is to map them to the invalid-config exit code.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError collects every problem found in one pass so operators fix
// a bad file in one round trip.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func (e *ValidationError) Add(msg string) {
	e.Errors = append(e.Errors, msg)
}

func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the config for errors. It returns a *ValidationError
// wrapping ErrInvalid when anything is wrong.
func (c *Config) Validate() error {
	ve := &ValidationError{}

	if c.Root == "" {
		ve.Add("root is required: set in config file or SLURMBOARD_ROOT env var")
	}

	if len(c.Clusters) == 0 {
		ve.Add("at least one cluster is required")
	}
	seen := make(map[string]bool, len(c.Clusters))
	for i, cl := range c.Clusters {
		if cl.Name == "" {
			ve.Add(fmt.Sprintf("clusters[%d].name is required", i))
			continue
		}
		if strings.ContainsAny(cl.Name, "/\\ \t") {
			ve.Add(fmt.Sprintf("cluster name %q must not contain path separators or whitespace", cl.Name))
		}
		if seen[cl.Name] {
			ve.Add(fmt.Sprintf("duplicate cluster name %q", cl.Name))
		}
		seen[cl.Name] = true

		if cl.BackfillStart == "" {
			ve.Add(fmt.Sprintf("cluster %q: backfillStart is required", cl.Name))
		} else if _, err := time.ParseInLocation("2006-01-02", cl.BackfillStart, time.UTC); err != nil {
			ve.Add(fmt.Sprintf("cluster %q: backfillStart %q is not a YYYY-MM-DD date", cl.Name, cl.BackfillStart))
		}
		if cl.RatePerMin < 1 {
			ve.Add(fmt.Sprintf("cluster %q: ratePerMin must be >= 1, got %d", cl.Name, cl.RatePerMin))
		}
		if cl.TickSchedule != "" {
			if _, err := cron.ParseStandard(cl.TickSchedule); err != nil {
				ve.Add(fmt.Sprintf("cluster %q: tickSchedule %q: %v", cl.Name, cl.TickSchedule, err))
			}
		}
	}

	if c.SeenSet.ExpectedN < 1 {
		ve.Add(fmt.Sprintf("seenset.expectedN must be >= 1, got %d", c.SeenSet.ExpectedN))
	}
	if c.SeenSet.P <= 0 || c.SeenSet.P >= 1 {
		ve.Add(fmt.Sprintf("seenset.p must be in (0, 1), got %g", c.SeenSet.P))
	}

	if c.Sacct.TimeoutSeconds < 1 {
		ve.Add(fmt.Sprintf("sacct.timeoutSeconds must be >= 1, got %d", c.Sacct.TimeoutSeconds))
	}
	if c.Sacct.MaxAttempts < 1 {
		ve.Add(fmt.Sprintf("sacct.maxAttempts must be >= 1, got %d", c.Sacct.MaxAttempts))
	}

	if c.Discovery.LimitUsers < 0 {
		ve.Add(fmt.Sprintf("discovery.limitUsers must be >= 0, got %d", c.Discovery.LimitUsers))
	}

	if c.APIServer.Enabled {
		if c.APIServer.Port < 1 || c.APIServer.Port > 65535 {
			ve.Add(fmt.Sprintf("apiServer.port must be between 1 and 65535, got %d", c.APIServer.Port))
		}
	}

	if c.Database.RetentionDays < 0 {
		ve.Add(fmt.Sprintf("database.retentionDays must be >= 0, got %d", c.Database.RetentionDays))
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}
