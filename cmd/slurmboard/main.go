// Command slurmboard polls Slurm accounting into per-cluster monthly
// rollups, user aggregates, and cross-cluster leaderboards. `tick` runs one
// poll pass and exits; `serve` schedules ticks with cron and hosts the
// read-only API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/slurmboard/slurmboard/internal/apiserver"
	"github.com/slurmboard/slurmboard/internal/config"
	"github.com/slurmboard/slurmboard/internal/cursor"
	"github.com/slurmboard/slurmboard/internal/daemon"
	"github.com/slurmboard/slurmboard/internal/discovery"
	"github.com/slurmboard/slurmboard/internal/journal"
	"github.com/slurmboard/slurmboard/internal/layout"
	"github.com/slurmboard/slurmboard/internal/leaderboard"
	"github.com/slurmboard/slurmboard/internal/logging"
	"github.com/slurmboard/slurmboard/internal/poller"
	"github.com/slurmboard/slurmboard/internal/ratelimit"
	"github.com/slurmboard/slurmboard/internal/reduce"
	"github.com/slurmboard/slurmboard/internal/rollup"
	"github.com/slurmboard/slurmboard/internal/sacct"
)

const defaultConfigPath = "/etc/slurmboard/config.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "tick":
		os.Exit(runTick(os.Args[2:]))
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: slurmboard <command> [flags]

Commands:
  tick    run one poll tick for a cluster, then exit
          (0 ok, 1 work step failed, 2 invalid config, 3 lock contention)
  serve   schedule ticks for every configured cluster and host the API

Flags:
  -config path    configuration file (default `+defaultConfigPath+`)
  -cluster name   tick only: cluster to poll; optional with one cluster
`)
}

func runTick(args []string) int {
	fs := flag.NewFlagSet("tick", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the configuration file")
	clusterName := fs.String("cluster", "", "cluster to poll (defaults to the only configured cluster)")
	fs.Parse(args)

	bootLog := zap.Must(logging.New("info", "json"))
	cfg, ok := loadConfig(bootLog, *configPath)
	if !ok {
		return 2
	}
	cl, err := selectCluster(cfg, *clusterName)
	if err != nil {
		bootLog.Error("cluster selection failed", zap.Error(err))
		return 2
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootLog.Error("building logger failed", zap.Error(err))
		return 2
	}
	defer func() { _ = log.Sync() }()

	a := wire(cfg, log)
	if a.journal != nil {
		// Drains the async writer so the tick's record survives the exit.
		defer a.journal.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = a.pollerFor(cl).Tick(ctx)
	return exitCode(err)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the configuration file")
	fs.Parse(args)

	bootLog := zap.Must(logging.New("info", "json"))
	cfg, ok := loadConfig(bootLog, *configPath)
	if !ok {
		return 2
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootLog.Error("building logger failed", zap.Error(err))
		return 2
	}
	defer func() { _ = log.Sync() }()

	a := wire(cfg, log)

	jobs := make([]daemon.Job, 0, len(cfg.Clusters))
	for _, cl := range cfg.Clusters {
		jobs = append(jobs, daemon.Job{
			Cluster:  cl.Name,
			Schedule: cl.Schedule(),
			Ticker:   a.pollerFor(cl),
		})
	}
	var server *http.Server
	if cfg.APIServer.Enabled {
		server = apiserver.NewServer(cfg, a.tree, a.store, a.journal)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The daemon owns the journal from here; it closes it on shutdown.
	if err := daemon.New(jobs, server, a.journal, log).Run(ctx); err != nil {
		log.Error("daemon failed", zap.Error(err))
		return 1
	}
	return 0
}

func loadConfig(log *zap.Logger, path string) (*config.Config, bool) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		log.Error("loading configuration failed", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return cfg, true
}

func selectCluster(cfg *config.Config, name string) (config.ClusterConfig, error) {
	if name == "" {
		if len(cfg.Clusters) == 1 {
			return cfg.Clusters[0], nil
		}
		return config.ClusterConfig{}, fmt.Errorf("%d clusters configured, pass -cluster", len(cfg.Clusters))
	}
	cl, ok := cfg.Cluster(name)
	if !ok {
		return config.ClusterConfig{}, fmt.Errorf("cluster %q is not configured", name)
	}
	return cl, nil
}

// app holds the pipeline wiring shared by both commands.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	tree    layout.Tree
	store   *rollup.Store
	reducer *reduce.Reducer
	adapter *sacct.Adapter
	boards  *leaderboard.Builder
	disco   *discovery.Engine // nil when discovery is disabled
	journal *journal.Journal  // nil when the database cannot be opened
}

func wire(cfg *config.Config, log *zap.Logger) *app {
	tree := layout.New(cfg.Root)
	store := rollup.NewStore(tree, log)
	reducer := reduce.New(store, cfg.SeenSet.ExpectedN, cfg.SeenSet.P, log)
	adapter := sacct.New(cfg.SacctBin, cfg.Sacct.Timeout(), cfg.Sacct.MaxAttempts,
		ratelimit.NewRegistry(log), nil, log)

	a := &app{
		cfg:     cfg,
		log:     log,
		tree:    tree,
		store:   store,
		reducer: reducer,
		adapter: adapter,
		boards:  leaderboard.NewBuilder(store, log),
	}
	if cfg.Discovery.Enabled {
		a.disco = discovery.NewEngine(adapter, reducer, tree,
			cfg.Discovery.HomeDir, cfg.Discovery.LimitUsers, log)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = tree.DefaultDatabasePath()
	}
	jrnl, err := journal.Open(journal.Config{
		Path:          dbPath,
		RetentionDays: cfg.Database.RetentionDays,
	}, log)
	if err != nil {
		// The journal is observability only; ticks proceed without it.
		log.Warn("tick journal unavailable", zap.String("path", dbPath), zap.Error(err))
	} else {
		a.journal = jrnl
	}
	return a
}

func (a *app) pollerFor(cl config.ClusterConfig) *poller.Poller {
	return poller.New(poller.Options{
		Cluster:       cl.Name,
		BackfillStart: cl.BackfillStart,
		RatePerMin:    cl.RatePerMin,
		Tree:          a.tree,
		Store:         a.store,
		Reducer:       a.reducer,
		Adapter:       a.adapter,
		Boards:        a.boards,
		Discovery:     a.disco,
		Journal:       a.journal,
		Log:           a.log,
	})
}

// exitCode maps a tick error onto the CLI contract.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, cursor.ErrLocked):
		return 3
	case errors.Is(err, config.ErrInvalid):
		return 2
	default:
		return 1
	}
}
