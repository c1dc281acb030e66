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

// Package config loads the settings of the shardmap-bench command.
//
// Settings are merged from several sources. Later sources override earlier
// ones:
//
//  1. Defaults
//  2. A YAML configuration file
//  3. SHARDMAP_ prefixed environment variables
//  4. Command-line flags
//
// Nested keys are separated by "." in files and flags, and by "__" in
// environment variables: SHARDMAP_MAP__LOAD_FACTOR sets map.load_factor.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/shardmap"
	"github.com/hashicorp/go-hclog"
)

// ErrInvalidConfig is returned by Validate for unusable settings.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Workloads run by the benchmark driver.
const (
	// WorkloadFindReplace looks a random key up and re-inserts it if it was
	// found. The two steps are separate map operations.
	WorkloadFindReplace = "find-replace"
	// WorkloadAssign replaces the value of a random key if it is present,
	// in a single atomic operation.
	WorkloadAssign = "assign"
	// WorkloadMixed issues inserts, finds and erases according to the
	// configured mix.
	WorkloadMixed = "mixed"
)

// Config is the complete configuration of a benchmark run.
type Config struct {
	Map     MapConfig     `koanf:"map"`
	Bench   BenchConfig   `koanf:"bench"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// MapConfig configures the map under test.
type MapConfig struct {
	Shards          int     `koanf:"shards"`
	InitialCapacity int     `koanf:"initial_capacity"`
	LoadFactor      float64 `koanf:"load_factor"`
	Seed            uint32  `koanf:"seed"`
}

// BenchConfig configures the workload.
type BenchConfig struct {
	Workload string `koanf:"workload"`
	// Keys is the number of entries inserted before the workers start, and
	// the size of the key space they draw from.
	Keys int `koanf:"keys"`
	// Threads is the number of workers. Zero means GOMAXPROCS.
	Threads int `koanf:"threads"`
	// Ops is the number of operations issued by every worker.
	Ops int `koanf:"ops"`
	// Seed seeds the key population. Worker i uses WorkerSeed+i.
	Seed       int64 `koanf:"seed"`
	WorkerSeed int64 `koanf:"worker_seed"`
	// Rate limits every worker to this many operations per second. Zero
	// disables the limit.
	Rate float64   `koanf:"rate"`
	Mix  MixConfig `koanf:"mix"`
}

// MixConfig is the percentage of each operation in the mixed workload. The
// percentages must add up to 100.
type MixConfig struct {
	Insert int `koanf:"insert"`
	Find   int `koanf:"find"`
	Erase  int `koanf:"erase"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables
	// it.
	Addr string `koanf:"addr"`
}

// Defaults returns the default settings as a flat map of dotted keys.
func Defaults() map[string]any {
	return map[string]any{
		"map.shards":           64,
		"map.initial_capacity": shardmap.MinShardCapacity,
		"map.load_factor":      shardmap.DefaultLoadFactor,
		"map.seed":             shardmap.DefaultSeed,
		"bench.workload":       WorkloadFindReplace,
		"bench.keys":           1000000,
		"bench.threads":        0,
		"bench.ops":            100000,
		"bench.seed":           42,
		"bench.worker_seed":    456,
		"bench.rate":           0.0,
		"bench.mix.insert":     20,
		"bench.mix.find":       70,
		"bench.mix.erase":      10,
		"log.level":            "info",
		"log.json":             false,
		"metrics.addr":         "",
	}
}

// Validate reports every unusable setting in c.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Map.Shards <= 0 || c.Map.Shards > shardmap.MaxShardCount {
		add("map.shards %d must be in [1, %d]", c.Map.Shards, shardmap.MaxShardCount)
	}
	if c.Map.InitialCapacity < 0 || c.Map.InitialCapacity > shardmap.MaxInitialCapacity {
		add("map.initial_capacity %d must be in [0, %d]", c.Map.InitialCapacity, shardmap.MaxInitialCapacity)
	}
	if !(c.Map.LoadFactor >= shardmap.MinLoadFactor && c.Map.LoadFactor <= shardmap.MaxLoadFactor) {
		add("map.load_factor %v must be in [%v, %v]", c.Map.LoadFactor, shardmap.MinLoadFactor, shardmap.MaxLoadFactor)
	}

	switch c.Bench.Workload {
	case WorkloadFindReplace, WorkloadAssign:
	case WorkloadMixed:
		m := c.Bench.Mix
		if m.Insert < 0 || m.Find < 0 || m.Erase < 0 || m.Insert+m.Find+m.Erase != 100 {
			add("bench.mix %d/%d/%d must be non-negative and add up to 100", m.Insert, m.Find, m.Erase)
		}
	default:
		add("bench.workload %q must be one of %s", c.Bench.Workload,
			strings.Join([]string{WorkloadFindReplace, WorkloadAssign, WorkloadMixed}, ", "))
	}
	if c.Bench.Keys <= 0 {
		add("bench.keys %d must be positive", c.Bench.Keys)
	}
	if c.Bench.Threads < 0 {
		add("bench.threads %d is negative", c.Bench.Threads)
	}
	if c.Bench.Ops < 0 {
		add("bench.ops %d is negative", c.Bench.Ops)
	}
	if c.Bench.Rate < 0 {
		add("bench.rate %v is negative", c.Bench.Rate)
	}

	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		add("log.level %q is not a log level", c.Log.Level)
	}
	return errors.Join(errs...)
}

// MapOptions returns the shardmap options described by c.
func (c *Config) MapOptions() []shardmap.Option {
	return []shardmap.Option{
		shardmap.WithInitialCapacity(c.Map.InitialCapacity),
		shardmap.WithLoadFactor(c.Map.LoadFactor),
		shardmap.WithSeed(c.Map.Seed),
	}
}
