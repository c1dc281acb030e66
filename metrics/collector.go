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

// Package metrics exports the state of a shardmap.Map to Prometheus.
package metrics

import (
	"strconv"

	"github.com/cockroachdb/shardmap"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a prometheus.Collector reporting the size, capacity and
// rehash activity of a Map. Values are read with Map.Stats on every scrape.
type Collector struct {
	m        *shardmap.Map
	perShard bool

	shards     *prometheus.Desc
	entries    *prometheus.Desc
	capacity   *prometheus.Desc
	tombstones *prometheus.Desc
	resizes    *prometheus.Desc
	rehashes   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

type config struct {
	namespace   string
	subsystem   string
	constLabels prometheus.Labels
	perShard    bool
}

// Option configures a Collector.
type Option func(*config)

// WithNamespace sets the namespace of every metric name. The default is
// "shardmap".
func WithNamespace(namespace string) Option {
	return func(c *config) {
		c.namespace = namespace
	}
}

// WithSubsystem sets the subsystem of every metric name.
func WithSubsystem(subsystem string) Option {
	return func(c *config) {
		c.subsystem = subsystem
	}
}

// WithConstLabels attaches labels to every metric, e.g. to tell several
// maps apart.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *config) {
		c.constLabels = labels
	}
}

// WithPerShard reports one series per shard, labelled with the shard index,
// instead of totals over the whole map.
func WithPerShard() Option {
	return func(c *config) {
		c.perShard = true
	}
}

// NewCollector returns a Collector for m.
func NewCollector(m *shardmap.Map, opts ...Option) *Collector {
	cfg := config{namespace: "shardmap"}
	for _, opt := range opts {
		opt(&cfg)
	}

	var labels []string
	if cfg.perShard {
		labels = []string{"shard"}
	}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(cfg.namespace, cfg.subsystem, name),
			help, labels, cfg.constLabels)
	}

	return &Collector{
		m:          m,
		perShard:   cfg.perShard,
		shards:     desc("shards", "Number of shards in the map.", nil),
		entries:    desc("entries", "Number of entries stored.", labels),
		capacity:   desc("capacity_slots", "Number of allocated slots.", labels),
		tombstones: desc("tombstones", "Number of slots holding a deletion marker.", labels),
		resizes:    desc("resizes_total", "Number of times a shard doubled its capacity.", labels),
		rehashes:   desc("rehashes_total", "Number of times a shard was rehashed in place to drop tombstones.", labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.shards
	ch <- c.entries
	ch <- c.capacity
	ch <- c.tombstones
	ch <- c.resizes
	ch <- c.rehashes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.m.Stats()
	ch <- prometheus.MustNewConstMetric(c.shards, prometheus.GaugeValue, float64(len(stats)))

	if c.perShard {
		for _, st := range stats {
			c.collectShard(ch, st, strconv.Itoa(st.Index))
		}
		return
	}

	var total shardmap.ShardStats
	for _, st := range stats {
		total.Len += st.Len
		total.Capacity += st.Capacity
		total.Tombstones += st.Tombstones
		total.Resizes += st.Resizes
		total.Rehashes += st.Rehashes
	}
	c.collectShard(ch, total)
}

func (c *Collector) collectShard(ch chan<- prometheus.Metric, st shardmap.ShardStats, labelValues ...string) {
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Len), labelValues...)
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity), labelValues...)
	ch <- prometheus.MustNewConstMetric(c.tombstones, prometheus.GaugeValue, float64(st.Tombstones), labelValues...)
	ch <- prometheus.MustNewConstMetric(c.resizes, prometheus.CounterValue, float64(st.Resizes), labelValues...)
	ch <- prometheus.MustNewConstMetric(c.rehashes, prometheus.CounterValue, float64(st.Rehashes), labelValues...)
}
