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

// Package bench drives concurrent workloads against a shardmap.Map.
package bench

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/cockroachdb/shardmap"
	"github.com/cockroachdb/shardmap/internal/config"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Counts tallies the operations issued by a workload.
type Counts struct {
	Ops     uint64
	Hits    uint64
	Misses  uint64
	Inserts uint64
	Updates uint64
	Erases  uint64
}

func (c *Counts) add(o Counts) {
	c.Ops += o.Ops
	c.Hits += o.Hits
	c.Misses += o.Misses
	c.Inserts += o.Inserts
	c.Updates += o.Updates
	c.Erases += o.Erases
}

// Result describes a completed run.
type Result struct {
	Workload string
	Threads  int
	Counts
	Elapsed time.Duration
	// Len is the number of entries in the map after the run.
	Len   int
	Stats []shardmap.ShardStats
}

// OpsPerSec is the aggregate throughput of the run.
func (r *Result) OpsPerSec() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

// Populate inserts the keys [0, n) with values drawn from a generator seeded
// with seed.
func Populate(m *shardmap.Map, n int, seed int64) {
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	for k := 0; k < n; k++ {
		m.Insert(uint64(k), rng.Uint64())
	}
}

// Threads returns the number of workers cfg asks for.
func Threads(cfg config.BenchConfig) int {
	if cfg.Threads > 0 {
		return cfg.Threads
	}
	return runtime.GOMAXPROCS(0)
}

// Run executes the configured workload on m from Threads(cfg) goroutines and
// waits for them to finish. Worker i draws keys from a generator seeded with
// cfg.WorkerSeed+i. Run stops early, returning the context's error, if ctx
// is cancelled.
func Run(ctx context.Context, m *shardmap.Map, cfg config.BenchConfig, logger hclog.Logger) (*Result, error) {
	var op func(m *shardmap.Map, rng *rand.Rand, keys uint64, c *Counts)
	switch cfg.Workload {
	case config.WorkloadFindReplace:
		op = findReplace
	case config.WorkloadAssign:
		op = assign
	case config.WorkloadMixed:
		op = mixed(cfg.Mix)
	default:
		return nil, fmt.Errorf("%w: unknown workload %q", config.ErrInvalidConfig, cfg.Workload)
	}

	threads := Threads(cfg)
	counts := make([]Counts, threads)
	logger.Debug("starting workers", "workload", cfg.Workload, "threads", threads,
		"ops_per_worker", cfg.Ops, "rate", cfg.Rate)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < threads; i++ {
		g.Go(func() error {
			return worker(ctx, m, cfg, i, op, &counts[i])
		})
	}
	err := g.Wait()
	elapsed := time.Since(start)

	r := &Result{
		Workload: cfg.Workload,
		Threads:  threads,
		Elapsed:  elapsed,
		Len:      m.Len(),
		Stats:    m.Stats(),
	}
	for i := range counts {
		r.Counts.add(counts[i])
	}
	if err != nil {
		logger.Warn("run interrupted", "error", err, "ops", r.Ops)
		return r, err
	}
	logger.Debug("workers finished", "elapsed", elapsed, "ops", r.Ops)
	return r, nil
}

func worker(
	ctx context.Context,
	m *shardmap.Map,
	cfg config.BenchConfig,
	i int,
	op func(m *shardmap.Map, rng *rand.Rand, keys uint64, c *Counts),
	c *Counts,
) error {
	rng := rand.New(rand.NewPCG(uint64(cfg.WorkerSeed+int64(i)), 0))
	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	keys := uint64(cfg.Keys)

	for n := 0; n < cfg.Ops; n++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		} else if n&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		op(m, rng, keys, c)
		c.Ops++
	}
	return nil
}

// findReplace looks a key up and overwrites it if it was found. Another
// worker may change the key between the two calls; the workload measures
// that pattern as written.
func findReplace(m *shardmap.Map, rng *rand.Rand, keys uint64, c *Counts) {
	k := rng.Uint64N(keys)
	v := rng.Uint64()
	if _, ok := m.Find(k); ok {
		c.Hits++
		m.Insert(k, v)
		c.Updates++
	} else {
		c.Misses++
	}
}

// assign is findReplace as a single atomic operation.
func assign(m *shardmap.Map, rng *rand.Rand, keys uint64, c *Counts) {
	k := rng.Uint64N(keys)
	if _, ok := m.Assign(k, rng.Uint64()); ok {
		c.Hits++
		c.Updates++
	} else {
		c.Misses++
	}
}

// mixed draws keys from twice the populated key space so that inserts and
// erases both find work to do.
func mixed(mix config.MixConfig) func(m *shardmap.Map, rng *rand.Rand, keys uint64, c *Counts) {
	return func(m *shardmap.Map, rng *rand.Rand, keys uint64, c *Counts) {
		k := rng.Uint64N(2 * keys)
		switch p := rng.IntN(100); {
		case p < mix.Insert:
			if m.Insert(k, rng.Uint64()) {
				c.Inserts++
			} else {
				c.Updates++
			}
		case p < mix.Insert+mix.Find:
			if _, ok := m.Find(k); ok {
				c.Hits++
			} else {
				c.Misses++
			}
		default:
			if m.Erase(k) {
				c.Erases++
			} else {
				c.Misses++
			}
		}
	}
}
