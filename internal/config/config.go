package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slurmboard/slurmboard/internal/seenset"
)

// DefaultTickSchedule paces serve-mode ticks for clusters that do not set
// their own cron spec.
const DefaultTickSchedule = "@every 15m"

// Config is the top-level configuration for slurmboard.
type Config struct {
	Root      string `yaml:"root"`      // artifact tree root (required)
	SacctBin  string `yaml:"sacctBin"`  // accounting binary, default "sacct"
	LogLevel  string `yaml:"logLevel"`  // "debug", "info", "warn", "error"
	LogFormat string `yaml:"logFormat"` // "json" or "console"

	Clusters  []ClusterConfig `yaml:"clusters"`
	SeenSet   SeenSetConfig   `yaml:"seenset"`
	Sacct     SacctConfig     `yaml:"sacct"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	APIServer APIServerConfig `yaml:"apiServer"`
	Database  DatabaseConfig  `yaml:"database"`
}

// ClusterConfig describes one Slurm cluster endpoint. Name doubles as the
// path segment under the artifact root and as the rate-limiter bucket key.
type ClusterConfig struct {
	Name          string `yaml:"name"`
	BackfillStart string `yaml:"backfillStart"` // YYYY-MM-DD, earliest month to backfill
	RatePerMin    int    `yaml:"ratePerMin"`    // sacct invocations per minute
	TickSchedule  string `yaml:"tickSchedule"`  // cron spec for serve mode
}

// Schedule returns the cluster's cron spec, falling back to the default.
func (c ClusterConfig) Schedule() string {
	if c.TickSchedule == "" {
		return DefaultTickSchedule
	}
	return c.TickSchedule
}

type SeenSetConfig struct {
	ExpectedN int     `yaml:"expectedN"` // bloom capacity per month
	P         float64 `yaml:"p"`         // target false-positive rate
}

type SacctConfig struct {
	TimeoutSeconds int `yaml:"timeoutSeconds"` // per-invocation subprocess timeout
	MaxAttempts    int `yaml:"maxAttempts"`    // retry budget per query
}

// Timeout converts the configured seconds into a duration.
func (c SacctConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type DiscoveryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	LimitUsers int    `yaml:"limitUsers"` // max new users backfilled per tick
	HomeDir    string `yaml:"homeDir"`    // scanned for candidate usernames
}

type APIServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"` // empty means <root>/slurmboard.db
	RetentionDays int    `yaml:"retentionDays"`
}

// DefaultConfig returns a Config with sensible defaults. Root and clusters
// have no defaults; they must come from the file or environment.
func DefaultConfig() *Config {
	cfg := &Config{
		SacctBin:  "sacct",
		LogLevel:  "info",
		LogFormat: "json",
		SeenSet: SeenSetConfig{
			ExpectedN: seenset.DefaultExpectedN,
			P:         seenset.DefaultP,
		},
		Sacct: SacctConfig{
			TimeoutSeconds: 120,
			MaxAttempts:    3,
		},
		Discovery: DiscoveryConfig{
			Enabled:    true,
			LimitUsers: 5,
			HomeDir:    "/home",
		},
		APIServer: APIServerConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8080,
		},
		Database: DatabaseConfig{
			RetentionDays: 90,
		},
	}

	cfg.applyEnvOverrides()
	return cfg
}

// LoadFromFile loads config from a YAML file, overlaying on defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for the handful
// of knobs operators set per host. SLURMBOARD_RATE_PER_MIN only fills
// cluster rates the file left unset.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SLURMBOARD_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("SLURMBOARD_SACCT_BIN"); v != "" {
		c.SacctBin = v
	}
	if v := os.Getenv("SLURMBOARD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SLURMBOARD_RATE_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			for i := range c.Clusters {
				if c.Clusters[i].RatePerMin == 0 {
					c.Clusters[i].RatePerMin = n
				}
			}
		}
	}
}

// Cluster returns the named cluster's config.
func (c *Config) Cluster(name string) (ClusterConfig, bool) {
	for _, cl := range c.Clusters {
		if cl.Name == name {
			return cl, true
		}
	}
	return ClusterConfig{}, false
}

// ClusterNames returns the configured cluster names in file order.
func (c *Config) ClusterNames() []string {
	names := make([]string, 0, len(c.Clusters))
	for _, cl := range c.Clusters {
		names = append(names, cl.Name)
	}
	return names
}
