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

// Package shardmap is a goroutine-safe hash map from uint64 keys to uint64
// values. It is intended for tables that are read and written by many
// goroutines at once and must not be wrapped in a single lock.
//
// # Sharding
//
// A Map is split into a fixed number of shards, chosen when the Map is
// created. Each shard is an independent hash table protected by its own
// sync.RWMutex. The shard for a key is selected with the top bits of
// hash(key):
//
//	shard = hash(key) >> (64 - log2(shardCount))
//
// while the bottom bits of the same hash select a position within the shard.
// Using opposite ends of a well mixed hash keeps the in-shard position
// independent of the shard choice, so keys that share a shard do not also
// cluster inside it. Every operation on a single key locks exactly one shard:
// lookups take the read lock, mutations take the write lock. Operations on
// keys in different shards never wait for each other.
//
// # Shards
//
// Shards are Swiss tables as described in
// https://abseil.io/about/design/swisstables, using open addressing with
// aligned groups of 8 slots. Next to the slots every group stores 8 control
// bytes, one per slot. 7 bits of a control byte are taken from hash(key) and
// the remaining bit marks the slot as empty or deleted. A probe compares all
// 8 control bytes of a group with the key's 7 hash bits at once (SWAR, SIMD
// Within A Register) and only compares keys for the candidates this yields.
// Groups are visited in a triangular sequence that is guaranteed to reach
// every group of the shard.
//
// Deletion is performed using tombstones. A deleted slot is marked empty
// instead when its group still contains an empty slot, since a probe sequence
// never continues past such a group.
//
// A shard grows when inserting a new key would take its live entries plus
// tombstones past the load factor (0.75 by default). If at least a third of
// that budget is occupied by tombstones the shard is rehashed in place,
// otherwise its capacity is doubled and every entry is re-inserted. Both are
// done while holding only that shard's write lock, so no goroutine can
// observe a shard mid-resize. Shards never shrink.
//
// # Consistency
//
// Operations on the same key are linearizable. Operations on different keys
// are only ordered by the lock of the shard they share, if any. Whole-map
// methods (Len, All, Clear, Stats) visit the shards one at a time and do not
// observe a single point-in-time snapshot.
//
// A Find followed by an Insert is not atomic: another goroutine may erase or
// change the key in between. Use Assign, InsertIfAbsent, CompareAndSwap,
// CompareAndErase or Update for read-modify-write sequences.
package shardmap

import (
	"fmt"
	"math/bits"

	"github.com/hashicorp/go-hclog"
)

const (
	// MinShardCapacity is the smallest number of slots a shard holds.
	MinShardCapacity = 16

	// DefaultLoadFactor is the load factor used when no WithLoadFactor
	// option is given.
	DefaultLoadFactor = 0.75

	// MinLoadFactor is the smallest permitted load factor. It lets a shard
	// of MinShardCapacity slots hold at least one entry before it grows.
	MinLoadFactor = 1.0 / MinShardCapacity

	// MaxLoadFactor is the largest permitted load factor. It guarantees that
	// at least one group of every shard contains an empty slot, which is what
	// terminates probe sequences.
	MaxLoadFactor = 0.875

	// MaxShardCount is the largest number of shards a Map may have.
	MaxShardCount = 1 << 16

	// MaxInitialCapacity is the largest number of slots WithInitialCapacity
	// accepts.
	MaxInitialCapacity = 1 << 30
)

// Map is an unordered, goroutine-safe map from uint64 keys to uint64 values
// with Insert, Find, Erase and atomic read-modify-write operations. The zero
// value for a Map is not usable; create one with New.
type Map struct {
	shards []shard
	// shift is 64-log2(len(shards)). Shifting a hash right by shift yields
	// its shard index.
	shift uint
	hash  hashFn
	seed  uint32
	// The allocator to use for the group arrays of the shards.
	allocator       Allocator
	logger          hclog.Logger
	loadFactor      float64
	initialCapacity int
}

// ShardStats describes the state of one shard of a Map.
type ShardStats struct {
	// Index is the position of the shard in the Map.
	Index int
	// Len is the number of entries in the shard.
	Len int
	// Capacity is the number of slots in the shard.
	Capacity int
	// Tombstones is the number of slots holding a deletion marker.
	Tombstones int
	// Resizes counts how many times the shard's capacity was doubled.
	Resizes uint64
	// Rehashes counts how many times the shard was rehashed in place to drop
	// tombstones.
	Rehashes uint64
}

// New constructs a new Map with the specified number of shards. A shard
// count which is not a power of two is rounded up to the next power of two.
// A shard count that is zero, negative or larger than MaxShardCount is
// rejected with an error wrapping ErrInvalidShardCount.
func New(shardCount int, options ...Option) (*Map, error) {
	if shardCount <= 0 || shardCount > MaxShardCount {
		return nil, fmt.Errorf("%w: %d (must be in [1, %d])", ErrInvalidShardCount, shardCount, MaxShardCount)
	}

	m := &Map{
		seed:            DefaultSeed,
		allocator:       defaultAllocator{},
		logger:          hclog.NewNullLogger(),
		loadFactor:      DefaultLoadFactor,
		initialCapacity: MinShardCapacity,
	}
	for _, op := range options {
		op.apply(m)
	}

	if !(m.loadFactor >= MinLoadFactor && m.loadFactor <= MaxLoadFactor) {
		return nil, fmt.Errorf("%w: load factor %v must be in [%v, %v]",
			ErrInvalidOption, m.loadFactor, MinLoadFactor, MaxLoadFactor)
	}
	if m.initialCapacity < 0 || m.initialCapacity > MaxInitialCapacity {
		return nil, fmt.Errorf("%w: initial capacity %d must be in [0, %d]",
			ErrInvalidOption, m.initialCapacity, MaxInitialCapacity)
	}
	if m.allocator == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrInvalidOption)
	}
	if m.logger == nil {
		m.logger = hclog.NewNullLogger()
	}
	if m.hash == nil {
		m.hash = murmurHasher(m.seed)
	}

	shardBits := bits.Len(uint(shardCount - 1))
	m.shift = 64 - uint(shardBits)
	m.shards = make([]shard, 1<<shardBits)

	capacity := uintptr(MinShardCapacity)
	if m.initialCapacity > MinShardCapacity {
		capacity = uintptr(1) << bits.Len(uint(m.initialCapacity-1))
	}
	for i := range m.shards {
		if err := m.shards[i].init(m, i, capacity); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Close closes the map, releasing the storage of every shard back to its
// configured allocator. It is unnecessary to close a map using the default
// allocator. It is invalid to use a Map after it has been closed, though
// Close itself is idempotent.
func (m *Map) Close() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		if s.groups != nil {
			m.allocator.Free(s.groups)
			s.groups = nil
			s.groupMask = 0
			s.used = 0
			s.growthLeft = 0
		}
		s.mu.Unlock()
	}
}

// Insert stores value for key. It returns true if key was not present, and
// false if an existing value was overwritten.
func (m *Map) Insert(key, value uint64) bool {
	_, existed := m.InsertOrAssign(key, value)
	return !existed
}

// InsertOrAssign stores value for key and returns the value it replaced.
// existed reports whether key was present before the call.
func (m *Map) InsertOrAssign(key, value uint64) (old uint64, existed bool) {
	h := m.hash(key)
	s := m.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertOrAssign(m, h, key, value)
}

// InsertIfAbsent stores value for key only if key is not present. It returns
// the value stored for key after the call and whether it was inserted.
func (m *Map) InsertIfAbsent(key, value uint64) (actual uint64, inserted bool) {
	h := m.hash(key)
	s := m.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.get(h, key); ok {
		return v, false
	}
	s.insertNew(m, h, key, value)
	return value, true
}

// Assign replaces the value for key only if key is present, returning the
// replaced value. It is the atomic form of a Find followed by an Insert.
func (m *Map) Assign(key, value uint64) (old uint64, ok bool) {
	h := m.hash(key)
	s := m.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, i, ok := s.find(h, key)
	if !ok {
		return 0, false
	}
	slot := &s.groups[g].slots[i]
	old, slot.value = slot.value, value
	return old, true
}

// Find retrieves the value for key. ok is false if key is not present; every
// uint64, including math.MaxUint64, is a valid stored value.
func (m *Map) Find(key uint64) (value uint64, ok bool) {
	h := m.hash(key)
	s := m.shard(h)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(h, key)
}

// Erase removes key from the map. It returns true if key was present. The
// capacity of the map is not reduced.
func (m *Map) Erase(key uint64) bool {
	h := m.hash(key)
	s := m.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.erase(m, h, key)
	return ok
}

// CompareAndSwap replaces the value for key with newValue if key is present
// and its value equals oldValue. It returns true if the value was replaced.
func (m *Map) CompareAndSwap(key, oldValue, newValue uint64) bool {
	h := m.hash(key)
	s := m.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, i, ok := s.find(h, key)
	if !ok {
		return false
	}
	slot := &s.groups[g].slots[i]
	if slot.value != oldValue {
		return false
	}
	slot.value = newValue
	return true
}

// CompareAndErase removes key if it is present and its value equals
// oldValue. It returns true if the entry was removed.
func (m *Map) CompareAndErase(key, oldValue uint64) bool {
	h := m.hash(key)
	s := m.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, i, ok := s.find(h, key)
	if !ok || s.groups[g].slots[i].value != oldValue {
		return false
	}
	s.eraseAt(m, g, i)
	return true
}

// Update atomically applies fn to the entry for key. fn receives the current
// value and whether key is present, and returns the new value and whether
// key should be present afterwards. Update returns the results of fn.
//
// fn is called with the lock of key's shard held and must not call back into
// the Map.
func (m *Map) Update(key uint64, fn func(value uint64, ok bool) (newValue uint64, keep bool)) (uint64, bool) {
	h := m.hash(key)
	s := m.shard(h)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, i, ok := s.find(h, key)
	var value uint64
	if ok {
		value = s.groups[g].slots[i].value
	}
	newValue, keep := fn(value, ok)
	switch {
	case keep && ok:
		s.groups[g].slots[i].value = newValue
	case keep:
		s.insertNew(m, h, key, newValue)
	case ok:
		s.eraseAt(m, g, i)
	}
	return newValue, keep
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. The order of iteration is
// unspecified. All can be used directly in a range statement:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
//
// The shards are visited one at a time; each shard is copied under its read
// lock and yield is called after the lock is released, so yield may mutate
// the map. Mutations are not guaranteed to be visible to the iteration.
func (m *Map) All(yield func(key, value uint64) bool) {
	var snapshot []Group
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		snapshot = append(snapshot[:0], s.groups...)
		s.mu.RUnlock()

		for gi := range snapshot {
			grp := &snapshot[gi]
			for match := grp.ctrls.matchFull(); match != 0; match = match.removeFirst() {
				slot := &grp.slots[match.first()]
				if !yield(slot.key, slot.value) {
					return
				}
			}
		}
	}
}

// Clear removes every entry from the map. The capacity of the shards is not
// reduced.
func (m *Map) Clear() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		s.clear(m)
		s.mu.Unlock()
	}
}

// Len returns the number of entries in the map.
func (m *Map) Len() int {
	var n int
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += s.used
		s.mu.RUnlock()
	}
	return n
}

// ShardCount returns the number of shards in the map.
func (m *Map) ShardCount() int {
	return len(m.shards)
}

// Stats returns the current state of every shard, in shard order.
func (m *Map) Stats() []ShardStats {
	stats := make([]ShardStats, len(m.shards))
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		stats[i] = ShardStats{
			Index:      i,
			Len:        s.used,
			Capacity:   int(s.capacity()),
			Tombstones: s.tombstones(m),
			Resizes:    s.resizes,
			Rehashes:   s.rehashes,
		}
		s.mu.RUnlock()
	}
	return stats
}

// capacity returns the total capacity of all map shards.
func (m *Map) capacity() int {
	var capacity int
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		capacity += int(s.capacity())
		s.mu.RUnlock()
	}
	return capacity
}

// shardIndex returns the index of the shard for hash value h.
func (m *Map) shardIndex(h uint64) int {
	return int(h >> m.shift)
}

// shard returns the shard corresponding to hash value h.
func (m *Map) shard(h uint64) *shard {
	return &m.shards[h>>m.shift]
}

// growthLimit returns the number of entries plus tombstones a shard with the
// given capacity may hold before it must be rehashed.
func (m *Map) growthLimit(capacity uintptr) int {
	return int(float64(capacity) * m.loadFactor)
}
