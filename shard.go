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
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// shard is an independently locked open-addressed hash table. Every key in
// a shard hashes to the shard's index in Map.shards.
type shard struct {
	// Keep neighbouring shards, and in particular their locks, on separate
	// cache lines.
	_ cpu.CacheLinePad

	mu sync.RWMutex
	// groups has a power of two length. It is only replaced while mu is
	// held exclusively.
	groups []Group
	// groupMask is len(groups)-1 and is used to compute i%len(groups).
	groupMask uintptr
	// The number of full slots (i.e. the number of entries in the shard).
	used int
	// The number of empty slots we can still fill without needing to
	// rehash.
	//
	// This is stored separately due to tombstones: we do not include
	// tombstones in the growth capacity because we'd like to rehash when the
	// table is filled with tombstones as otherwise probe sequences might get
	// unacceptably long without triggering a rehash.
	growthLeft int
	index      int
	resizes    uint64
	rehashes   uint64
}

func (s *shard) capacity() uintptr {
	return uintptr(len(s.groups)) * groupSize
}

// tombstones returns the number of deleted slots. It relies on the
// invariant growthLeft == growthLimit - used - tombstones.
func (s *shard) tombstones(m *Map) int {
	return m.growthLimit(s.capacity()) - s.used - s.growthLeft
}

// init allocates the initial group array of the shard.
func (s *shard) init(m *Map, index int, capacity uintptr) error {
	s.index = index
	groups, err := m.allocator.Alloc(int(capacity / groupSize))
	if err != nil {
		return fmt.Errorf("%w: shard %d: %w", ErrOutOfMemory, index, err)
	}
	s.install(m, groups)
	return nil
}

// install makes groups the (empty) storage of the shard.
func (s *shard) install(m *Map, groups []Group) {
	for i := range groups {
		groups[i].ctrls.setEmpty()
		groups[i].slots = [groupSize]Slot{}
	}
	s.groups = groups
	s.groupMask = uintptr(len(groups) - 1)
	s.growthLeft = m.growthLimit(s.capacity())
}

// find returns the location of key, which has hash h. Tombstones behave like
// full slots that never match the key we're looking for.
func (s *shard) find(h, key uint64) (g, i uintptr, ok bool) {
	// To find the location of a key in the shard, we compute hash(key). From
	// h1(hash(key)) and the number of groups, we construct a probeSeq that
	// visits every group in some interesting order.
	//
	// We walk through these groups. At each group, we extract potential
	// candidates: occupied slots with a control byte equal to
	// h2(hash(key)). The key at each candidate slot is compared with key;
	// if they match we are done. If the group has an empty slot we stop and
	// report that the key is absent, as no insertion would have placed the
	// key beyond a group that still had room.
	//
	// The h2 bits ensure that when we compare a key we are likely to have
	// actually found the entry: the expected number of false positive
	// comparisons is the number of entries examined divided by 128.
	seq := makeProbeSeq(h1(h), s.groupMask)
	for ; ; seq = seq.next() {
		grp := &s.groups[seq.offset]
		match := grp.ctrls.matchH2(h2(h))
		for match != 0 {
			i := match.first()
			if grp.slots[i].key == key {
				return seq.offset, i, true
			}
			match = match.removeFirst()
		}

		if grp.ctrls.matchEmpty() != 0 {
			return 0, 0, false
		}
	}
}

// get returns the value stored for key.
func (s *shard) get(h, key uint64) (uint64, bool) {
	g, i, ok := s.find(h, key)
	if !ok {
		return 0, false
	}
	return s.groups[g].slots[i].value, true
}

// insertOrAssign stores value for key, returning the previous value if there
// was one.
func (s *shard) insertOrAssign(m *Map, h, key, value uint64) (old uint64, existed bool) {
	if g, i, ok := s.find(h, key); ok {
		slot := &s.groups[g].slots[i]
		old, slot.value = slot.value, value
		s.checkInvariants(m)
		return old, true
	}
	s.insertNew(m, h, key, value)
	return 0, false
}

// insertNew inserts an entry known not to be in the shard. Before performing
// the insertion we may decide the shard is getting overcrowded (i.e. the
// load factor would be exceeded) and rehash it.
func (s *shard) insertNew(m *Map, h, key, value uint64) {
	for s.growthLeft <= 0 {
		s.rehash(m)
	}
	s.uncheckedPut(h, key, value)
	s.used++
	s.checkInvariants(m)
}

// uncheckedPut inserts an entry known not to be in the shard without
// checking the growth budget. Used by insertNew and when re-inserting entries
// during a resize.
func (s *shard) uncheckedPut(h, key, value uint64) {
	// Given key and its hash hash(key), to insert it, we construct a
	// probeSeq, and use it to find the first group with an unoccupied (empty
	// or deleted) slot. We place the key/value into the first such slot in
	// the group and mark it as full with key's H2.
	seq := makeProbeSeq(h1(h), s.groupMask)
	for ; ; seq = seq.next() {
		grp := &s.groups[seq.offset]
		if match := grp.ctrls.matchEmptyOrDeleted(); match != 0 {
			i := match.first()
			grp.slots[i] = Slot{key: key, value: value}
			if grp.ctrls.get(i) == ctrlEmpty {
				s.growthLeft--
			}
			grp.ctrls.set(i, ctrl(h2(h)))
			return
		}
	}
}

// eraseAt removes the entry at slot i of group g.
func (s *shard) eraseAt(m *Map, g, i uintptr) {
	grp := &s.groups[g]
	grp.slots[i] = Slot{}
	s.used--

	// If the group still has an empty slot then no probe sequence has ever
	// continued past it: every lookup that reaches this group stops here.
	// The slot can therefore be marked empty rather than deleted without
	// breaking any probe sequence. Otherwise we have to leave a tombstone so
	// that lookups for keys placed in later groups keep probing.
	if grp.ctrls.matchEmpty() != 0 {
		grp.ctrls.set(i, ctrlEmpty)
		s.growthLeft++
	} else {
		grp.ctrls.set(i, ctrlDeleted)
	}
	s.checkInvariants(m)
}

// erase removes key from the shard, returning its value if it was present.
func (s *shard) erase(m *Map, h, key uint64) (uint64, bool) {
	g, i, ok := s.find(h, key)
	if !ok {
		return 0, false
	}
	value := s.groups[g].slots[i].value
	s.eraseAt(m, g, i)
	return value, true
}

// clear removes every entry, keeping the current capacity.
func (s *shard) clear(m *Map) {
	s.install(m, s.groups)
	s.used = 0
	s.checkInvariants(m)
}

func (s *shard) rehash(m *Map) {
	// Rehash in place if we can recover >= 1/3 of the growth budget. Note
	// that this heuristic differs from Abseil's and was experimentally
	// determined to balance performance on the InsertErase benchmark vs
	// achieving a reasonable load-factor.
	//
	// Rehashing in place is significantly faster than resizing because the
	// common case is that entries remain in their current location and no
	// allocation is required. We know how much space we're going to reclaim
	// because every tombstone will be dropped.
	limit := m.growthLimit(s.capacity())
	if tombstones := s.tombstones(m); tombstones > 0 && tombstones >= limit/3 {
		s.rehashInPlace(m)
	} else {
		s.resize(m, 2*s.capacity())
	}
}

// resize resizes the capacity of the shard by allocating a bigger array and
// uncheckedPutting each entry of the shard into the new array (we know that
// no insertion here will put an already-present key), and discards the old
// backing array.
//
// The new array is obtained before anything else is touched: if the
// allocator fails, resize panics with an error wrapping ErrOutOfMemory and
// the shard keeps its old array and contents.
func (s *shard) resize(m *Map, newCapacity uintptr) {
	groups, err := m.allocator.Alloc(int(newCapacity / groupSize))
	if err != nil {
		panic(fmt.Errorf("%w: shard %d growing to %d slots: %w", ErrOutOfMemory, s.index, newCapacity, err))
	}

	oldGroups := s.groups
	oldCapacity := s.capacity()
	s.install(m, groups)

	for gi := range oldGroups {
		grp := &oldGroups[gi]
		for match := grp.ctrls.matchFull(); match != 0; match = match.removeFirst() {
			slot := &grp.slots[match.first()]
			s.uncheckedPut(m.hash(slot.key), slot.key, slot.value)
		}
	}
	s.resizes++

	if oldGroups != nil {
		m.allocator.Free(oldGroups)
	}

	if m.logger.IsTrace() {
		m.logger.Trace("shard resized",
			"shard", s.index, "old_capacity", oldCapacity, "new_capacity", s.capacity(),
			"used", s.used)
	}
	s.checkInvariants(m)
}

// rehashInPlace drops every tombstone of the shard without changing its
// capacity.
func (s *shard) rehashInPlace(m *Map) {
	tombstones := s.tombstones(m)

	// We want to drop all of the deletes in place. We first walk over the
	// control bytes and mark every DELETED slot as EMPTY and every FULL slot
	// as DELETED. Marking the DELETED slots as EMPTY has effectively dropped
	// the tombstones, but we fouled up the probe invariant. Marking the FULL
	// slots as DELETED gives us a marker to locate the previously FULL slots.
	for gi := range s.groups {
		s.groups[gi].ctrls.convertNonFullToEmptyAndFullToDeleted()
	}

	// Now we walk over all of the DELETED slots (a.k.a. the previously FULL
	// slots). For each slot we find the first probe group we can place the
	// entry in which reestablishes the probe invariant. Note that as this
	// loop proceeds we have the invariant that there are no DELETED slots
	// before the current one. We may move the entry to an earlier slot if
	// that is where the first group with an unoccupied slot in its probe
	// sequence resides, but we never mark an earlier slot as DELETED.
	for gi := uintptr(0); gi < uintptr(len(s.groups)); gi++ {
		grp := &s.groups[gi]
		for i := uintptr(0); i < groupSize; i++ {
			if grp.ctrls.get(i) != ctrlDeleted {
				continue
			}

			slot := &grp.slots[i]
			h := m.hash(slot.key)
			var tg, ti uintptr
			for seq := makeProbeSeq(h1(h), s.groupMask); ; seq = seq.next() {
				if match := s.groups[seq.offset].ctrls.matchEmptyOrDeleted(); match != 0 {
					tg, ti = seq.offset, match.first()
					break
				}
			}

			if tg == gi {
				// The first group with room in the probe sequence is the
				// group the entry already lives in, so it is already in the
				// best probe position.
				grp.ctrls.set(i, ctrl(h2(h)))
				continue
			}

			target := &s.groups[tg]
			switch target.ctrls.get(ti) {
			case ctrlEmpty:
				// The target slot is empty. Transfer the entry to the empty
				// slot and mark the slot at index i as empty.
				target.ctrls.set(ti, ctrl(h2(h)))
				target.slots[ti] = *slot
				*slot = Slot{}
				grp.ctrls.set(i, ctrlEmpty)
			case ctrlDeleted:
				// The slot at target holds an entry (i.e. it was FULL).
				// We're going to swap our current entry with that entry and
				// then repeat processing of index i which now holds the
				// entry which was at target.
				target.ctrls.set(ti, ctrl(h2(h)))
				target.slots[ti], *slot = *slot, target.slots[ti]
				i--
			default:
				panic(fmt.Sprintf("ctrl at group %d slot %d (%02x) should be empty or deleted",
					tg, ti, uint8(target.ctrls.get(ti))))
			}
		}
	}

	s.growthLeft = m.growthLimit(s.capacity()) - s.used
	s.rehashes++

	if m.logger.IsTrace() {
		m.logger.Trace("shard rehashed in place",
			"shard", s.index, "capacity", s.capacity(), "used", s.used,
			"tombstones_dropped", tombstones)
	}
	s.checkInvariants(m)
}

func (s *shard) checkInvariants(m *Map) {
	if invariants {
		if err := s.validate(m); err != nil {
			panic(err)
		}
	}
}

// validate verifies the internal consistency of the shard: every full slot
// routes to this shard and can be found by probing, no key appears twice,
// and the used and growthLeft counters agree with the control bytes.
func (s *shard) validate(m *Map) error {
	var used, deleted int
	seen := make(map[uint64]struct{}, s.used)
	for gi := range s.groups {
		grp := &s.groups[gi]
		for i := uintptr(0); i < groupSize; i++ {
			switch c := grp.ctrls.get(i); c {
			case ctrlEmpty:
			case ctrlDeleted:
				deleted++
			default:
				slot := &grp.slots[i]
				h := m.hash(slot.key)
				if idx := m.shardIndex(h); idx != s.index {
					return fmt.Errorf("invariant failed: group(%d) slot(%d): key %d routes to shard %d\n%s",
						gi, i, slot.key, idx, s.debugString(m))
				}
				if uint64(c) != h2(h) {
					return fmt.Errorf("invariant failed: group(%d) slot(%d): ctrl %02x != h2 %02x\n%s",
						gi, i, uint8(c), h2(h), s.debugString(m))
				}
				if _, dup := seen[slot.key]; dup {
					return fmt.Errorf("invariant failed: key %d stored twice\n%s", slot.key, s.debugString(m))
				}
				seen[slot.key] = struct{}{}
				if fg, fi, ok := s.find(h, slot.key); !ok || fg != uintptr(gi) || fi != i {
					return fmt.Errorf("invariant failed: group(%d) slot(%d): %d not found [h2=%02x h1=%07x]\n%s",
						gi, i, slot.key, h2(h), h1(h), s.debugString(m))
				}
				used++
			}
		}
	}

	if used != s.used {
		return fmt.Errorf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, s.used, s.debugString(m))
	}

	growthLeft := m.growthLimit(s.capacity()) - s.used - deleted
	if growthLeft != s.growthLeft {
		return fmt.Errorf("invariant failed: found %d growthLeft, but expected %d\n%s",
			s.growthLeft, growthLeft, s.debugString(m))
	}
	return nil
}

func (s *shard) debugString(m *Map) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "shard=%d  capacity=%d  used=%d  growth-left=%d\n",
		s.index, s.capacity(), s.used, s.growthLeft)
	for gi := range s.groups {
		grp := &s.groups[gi]
		fmt.Fprintf(&buf, "  group %4d: [%s]\n", gi, grp.ctrls)
		for i := uintptr(0); i < groupSize; i++ {
			if c := grp.ctrls.get(i); c != ctrlEmpty && c != ctrlDeleted {
				slot := &grp.slots[i]
				fmt.Fprintf(&buf, "    %d: %d=%d [h2=%02x]\n", i, slot.key, slot.value, h2(m.hash(slot.key)))
			}
		}
	}
	return buf.String()
}
