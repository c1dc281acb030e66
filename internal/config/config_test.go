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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/shardmap"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader(WithEnvPrefix("SHARDMAP_TEST_UNSET_")).Load()
	require.NoError(t, err)
	require.Equal(t, Config{
		Map: MapConfig{
			Shards:          64,
			InitialCapacity: shardmap.MinShardCapacity,
			LoadFactor:      shardmap.DefaultLoadFactor,
			Seed:            shardmap.DefaultSeed,
		},
		Bench: BenchConfig{
			Workload:   WorkloadFindReplace,
			Keys:       1000000,
			Ops:        100000,
			Seed:       42,
			WorkerSeed: 456,
			Mix:        MixConfig{Insert: 20, Find: 70, Erase: 10},
		},
		Log: LogConfig{Level: "info"},
	}, *cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
map:
  shards: 8
  load_factor: 0.5
bench:
  workload: mixed
  threads: 4
  mix:
    insert: 50
    find: 25
    erase: 25
log:
  level: debug
  json: true
metrics:
  addr: "127.0.0.1:9100"
`)
	cfg, err := NewLoader(WithConfigFile(path)).Load()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Map.Shards)
	require.Equal(t, 0.5, cfg.Map.LoadFactor)
	require.Equal(t, WorkloadMixed, cfg.Bench.Workload)
	require.Equal(t, 4, cfg.Bench.Threads)
	require.Equal(t, MixConfig{Insert: 50, Find: 25, Erase: 25}, cfg.Bench.Mix)
	require.Equal(t, LogConfig{Level: "debug", JSON: true}, cfg.Log)
	require.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	// Unset keys keep their defaults.
	require.Equal(t, 1000000, cfg.Bench.Keys)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := NewLoader(WithConfigFile("/nonexistent/config.yaml")).Load()
	require.Error(t, err)
}

func TestLoadPriority(t *testing.T) {
	path := writeFile(t, `
map:
  shards: 8
bench:
  keys: 1000
  ops: 10
`)
	t.Setenv("SHARDMAP_MAP__SHARDS", "16")
	t.Setenv("SHARDMAP_BENCH__KEYS", "2000")
	t.Setenv("SHARDMAP_MAP__LOAD_FACTOR", "0.625")

	cfg, err := NewLoader(
		WithConfigFile(path),
		WithOverrides(map[string]any{"map.shards": 32}),
	).Load()
	require.NoError(t, err)
	// Flag > env > file > default.
	require.Equal(t, 32, cfg.Map.Shards)
	require.Equal(t, 2000, cfg.Bench.Keys)
	require.Equal(t, 10, cfg.Bench.Ops)
	require.Equal(t, 0.625, cfg.Map.LoadFactor)
}

func TestLoadCustomPrefix(t *testing.T) {
	t.Setenv("MYBENCH_BENCH__WORKLOAD", "assign")
	cfg, err := NewLoader(WithEnvPrefix("MYBENCH_")).Load()
	require.NoError(t, err)
	require.Equal(t, WorkloadAssign, cfg.Bench.Workload)
}

func TestLoadInvalid(t *testing.T) {
	_, err := NewLoader(WithOverrides(map[string]any{"map.shards": 0})).Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := NewLoader(WithEnvPrefix("SHARDMAP_TEST_UNSET_")).Load()
		require.NoError(t, err)
		return *cfg
	}

	testCases := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"shards", func(c *Config) { c.Map.Shards = -1 }, "map.shards"},
		{"too-many-shards", func(c *Config) { c.Map.Shards = shardmap.MaxShardCount + 1 }, "map.shards"},
		{"capacity", func(c *Config) { c.Map.InitialCapacity = -1 }, "map.initial_capacity"},
		{"capacity-too-large", func(c *Config) { c.Map.InitialCapacity = shardmap.MaxInitialCapacity + 1 }, "map.initial_capacity"},
		{"load-factor", func(c *Config) { c.Map.LoadFactor = 0.95 }, "map.load_factor"},
		{"tiny-load-factor", func(c *Config) { c.Map.LoadFactor = 0.01 }, "map.load_factor"},
		{"workload", func(c *Config) { c.Bench.Workload = "scan" }, "bench.workload"},
		{"mix", func(c *Config) {
			c.Bench.Workload = WorkloadMixed
			c.Bench.Mix = MixConfig{Insert: 50, Find: 50, Erase: 50}
		}, "bench.mix"},
		{"keys", func(c *Config) { c.Bench.Keys = 0 }, "bench.keys"},
		{"threads", func(c *Config) { c.Bench.Threads = -2 }, "bench.threads"},
		{"ops", func(c *Config) { c.Bench.Ops = -1 }, "bench.ops"},
		{"rate", func(c *Config) { c.Bench.Rate = -1 }, "bench.rate"},
		{"log-level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, c := range testCases {
		t.Run(c.name, func(t *testing.T) {
			cfg := valid()
			c.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.ErrorContains(t, err, c.errMsg)
		})
	}

	// Every problem is reported at once.
	cfg := valid()
	cfg.Map.Shards = 0
	cfg.Bench.Keys = 0
	err := cfg.Validate()
	require.ErrorContains(t, err, "map.shards")
	require.ErrorContains(t, err, "bench.keys")
}

func TestMapOptions(t *testing.T) {
	cfg, err := NewLoader(WithOverrides(map[string]any{
		"map.shards":           4,
		"map.initial_capacity": 100,
	})).Load()
	require.NoError(t, err)

	m, err := shardmap.New(cfg.Map.Shards, cfg.MapOptions()...)
	require.NoError(t, err)
	require.Equal(t, 4, m.ShardCount())
	for _, st := range m.Stats() {
		require.Equal(t, 128, st.Capacity)
	}
}
