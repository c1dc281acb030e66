// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package command implements the shardmap-bench command.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/shardmap"
	"github.com/cockroachdb/shardmap/internal/bench"
	"github.com/cockroachdb/shardmap/internal/config"
	"github.com/cockroachdb/shardmap/metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

// Version is set via ldflags.
var Version = "dev"

// flagKeys maps flag names to the configuration keys they override.
var flagKeys = map[string]string{
	"shards":           "map.shards",
	"initial-capacity": "map.initial_capacity",
	"load-factor":      "map.load_factor",
	"hash-seed":        "map.seed",
	"workload":         "bench.workload",
	"keys":             "bench.keys",
	"threads":          "bench.threads",
	"ops":              "bench.ops",
	"seed":             "bench.seed",
	"worker-seed":      "bench.worker_seed",
	"rate":             "bench.rate",
	"mix-insert":       "bench.mix.insert",
	"mix-find":         "bench.mix.find",
	"mix-erase":        "bench.mix.erase",
	"log-level":        "log.level",
	"log-json":         "log.json",
	"metrics-addr":     "metrics.addr",
}

// App creates the shardmap-bench application.
func App() *cli.App {
	return &cli.App{
		Name:    "shardmap-bench",
		Usage:   "Run concurrent workloads against a sharded map",
		Version: Version,
		Description: "Settings are read from --config, then SHARDMAP_ environment variables " +
			"(e.g. SHARDMAP_BENCH__THREADS=8), then flags.",
		Flags:  flags(),
		Action: run,
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
			EnvVars: []string{"SHARDMAP_CONFIG"},
		},
		&cli.IntFlag{Name: "shards", Aliases: []string{"s"}, Usage: "number of shards, rounded up to a power of two"},
		&cli.IntFlag{Name: "initial-capacity", Usage: "initial slots per shard"},
		&cli.Float64Flag{Name: "load-factor", Usage: "maximum fraction of occupied slots per shard"},
		&cli.UintFlag{Name: "hash-seed", Usage: "murmur3 seed"},
		&cli.StringFlag{
			Name:    "workload",
			Aliases: []string{"w"},
			Usage: fmt.Sprintf("workload to run: %s, %s or %s",
				config.WorkloadFindReplace, config.WorkloadAssign, config.WorkloadMixed),
		},
		&cli.IntFlag{Name: "keys", Aliases: []string{"n"}, Usage: "number of keys to pre-populate"},
		&cli.IntFlag{Name: "threads", Aliases: []string{"t"}, Usage: "number of workers (0 for GOMAXPROCS)"},
		&cli.IntFlag{Name: "ops", Usage: "operations per worker"},
		&cli.Int64Flag{Name: "seed", Usage: "seed of the pre-populated values"},
		&cli.Int64Flag{Name: "worker-seed", Usage: "seed of worker 0; worker i uses seed+i"},
		&cli.Float64Flag{Name: "rate", Usage: "operations per second per worker (0 for unlimited)"},
		&cli.IntFlag{Name: "mix-insert", Usage: "percentage of inserts in the mixed workload"},
		&cli.IntFlag{Name: "mix-find", Usage: "percentage of finds in the mixed workload"},
		&cli.IntFlag{Name: "mix-erase", Usage: "percentage of erases in the mixed workload"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
		&cli.BoolFlag{Name: "log-json", Usage: "log in JSON"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address while running"},
	}
}

// flagOverrides returns the configuration overrides for the flags given on
// the command line.
func flagOverrides(c *cli.Context) map[string]any {
	overrides := make(map[string]any)
	for name, key := range flagKeys {
		if c.IsSet(name) {
			overrides[key] = c.Value(name)
		}
	}
	return overrides
}

func newLogger(cfg config.LogConfig, w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "shardmap-bench",
		Level:      hclog.LevelFromString(cfg.Level),
		JSONFormat: cfg.JSON,
		Output:     w,
	})
}

// newRegistry returns a registry exporting m and the Go runtime.
func newRegistry(m *shardmap.Map) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(m),
		collectors.NewGoCollector(),
	)
	return reg
}

// serveMetrics serves reg on addr until the returned function is called. It
// returns the address it listens on.
func serveMetrics(addr string, reg *prometheus.Registry, logger hclog.Logger) (net.Addr, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return ln.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func run(c *cli.Context) error {
	cfg, err := config.NewLoader(
		config.WithConfigFile(c.String("config")),
		config.WithOverrides(flagOverrides(c)),
	).Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, c.App.ErrWriter)

	m, err := shardmap.New(cfg.Map.Shards, append(cfg.MapOptions(), shardmap.WithLogger(logger.Named("map")))...)
	if err != nil {
		return err
	}
	defer m.Close()

	if cfg.Metrics.Addr != "" {
		_, stop, err := serveMetrics(cfg.Metrics.Addr, newRegistry(m), logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	logger.Info("populating map", "keys", cfg.Bench.Keys, "shards", m.ShardCount())
	start := time.Now()
	bench.Populate(m, cfg.Bench.Keys, cfg.Bench.Seed)
	logger.Info("populated map", "elapsed", time.Since(start))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	r, err := bench.Run(ctx, m, cfg.Bench, logger)
	if r != nil {
		report(c.App.Writer, r)
	}
	return err
}

// report writes a summary of r to w.
func report(w io.Writer, r *bench.Result) {
	var capacity, tombstones int
	var resizes, rehashes uint64
	for _, st := range r.Stats {
		capacity += st.Capacity
		tombstones += st.Tombstones
		resizes += st.Resizes
		rehashes += st.Rehashes
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "workload:\t%s\n", r.Workload)
	fmt.Fprintf(tw, "threads:\t%d\n", r.Threads)
	fmt.Fprintf(tw, "ops:\t%d\n", r.Ops)
	fmt.Fprintf(tw, "elapsed:\t%s\n", r.Elapsed)
	fmt.Fprintf(tw, "throughput:\t%.0f ops/s\n", r.OpsPerSec())
	fmt.Fprintf(tw, "hits/misses:\t%d/%d\n", r.Hits, r.Misses)
	fmt.Fprintf(tw, "inserts/updates/erases:\t%d/%d/%d\n", r.Inserts, r.Updates, r.Erases)
	fmt.Fprintf(tw, "entries:\t%d\n", r.Len)
	fmt.Fprintf(tw, "shards:\t%d (capacity %d, tombstones %d, resizes %d, rehashes %d)\n",
		len(r.Stats), capacity, tombstones, resizes, rehashes)
	_ = tw.Flush()
}
