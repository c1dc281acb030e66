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

package shardmap

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// Option configures a Map while it is being created.
type Option interface {
	apply(m *Map)
}

type optionFunc func(m *Map)

func (f optionFunc) apply(m *Map) {
	f(m)
}

// WithHash is an option to specify the hash function to use for a Map. The
// function must be deterministic. A function which returns the same value
// for every key is legal, but routes every key to one shard and degrades
// each operation to a linear scan.
func WithHash(hash func(key uint64) uint64) Option {
	return optionFunc(func(m *Map) {
		m.hash = hash
	})
}

// WithSeed is an option to specify the seed of the default murmur3 hash.
// It is ignored if WithHash is also given.
func WithSeed(seed uint32) Option {
	return optionFunc(func(m *Map) {
		m.seed = seed
	})
}

// WithInitialCapacity is an option to specify the number of slots each
// shard starts out with. The value is rounded up to a power of two no
// smaller than MinShardCapacity, and may not exceed MaxInitialCapacity.
func WithInitialCapacity(slots int) Option {
	return optionFunc(func(m *Map) {
		m.initialCapacity = slots
	})
}

// WithLoadFactor is an option to specify the fraction of a shard's slots
// that may hold live entries or tombstones before the shard is rehashed.
// The value must be in [MinLoadFactor, MaxLoadFactor].
func WithLoadFactor(loadFactor float64) Option {
	return optionFunc(func(m *Map) {
		m.loadFactor = loadFactor
	})
}

// WithLogger is an option to specify the logger that shard resize and
// rehash events are reported to at trace level.
func WithLogger(logger hclog.Logger) Option {
	return optionFunc(func(m *Map) {
		m.logger = logger
	})
}

// Allocator specifies an interface for allocating and releasing the group
// arrays used by the shards of a Map. The default allocator utilizes Go's
// builtin make() and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that groups be
// freed then Map.Close must be called in order to ensure Free is called.
type Allocator interface {
	// Alloc should return a slice equivalent to make([]Group, n), or an
	// error if the memory is not available. A failed Alloc leaves the
	// requesting shard unchanged.
	Alloc(n int) ([]Group, error)

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(groups []Group)
}

type defaultAllocator struct{}

func (defaultAllocator) Alloc(n int) (groups []Group, err error) {
	// make panics if n exceeds the largest slice the runtime can address.
	defer func() {
		if r := recover(); r != nil {
			groups, err = nil, fmt.Errorf("allocating %d groups: %v", n, r)
		}
	}()
	return make([]Group, n), nil
}

func (defaultAllocator) Free(_ []Group) {
}

// WithAllocator is an option for specify the Allocator to use for a Map.
func WithAllocator(allocator Allocator) Option {
	return optionFunc(func(m *Map) {
		m.allocator = allocator
	})
}
