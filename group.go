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
	"math/bits"
	"strings"
)

const (
	groupSize = 8

	ctrlEmpty   ctrl = 0b10000000
	ctrlDeleted ctrl = 0b11111110

	bitsetLSB     = 0x0101010101010101
	bitsetMSB     = 0x8080808080808080
	bitsetEmpty   = bitsetLSB * uint64(ctrlEmpty)
	bitsetDeleted = bitsetLSB * uint64(ctrlDeleted)
)

// Slot holds a key and value.
type Slot struct {
	key   uint64
	value uint64
}

// Group is the unit of storage in a shard: groupSize slots and the control
// word describing them. Groups are aligned, so a probe never straddles two
// groups and the control bytes never need to be mirrored.
type Group struct {
	ctrls ctrlGroup
	slots [groupSize]Slot
}

// Each slot in a shard has a control byte which can have one of three
// states: empty, deleted and full. They have the following bit patterns:
//
//	  empty: 1 0 0 0 0 0 0 0
//	deleted: 1 1 1 1 1 1 1 0
//	   full: 0 h h h h h h h  // h represents the H2 hash bits
type ctrl uint8

// ctrlGroup is a fixed size array of groupSize control bytes stored in a
// uint64. Byte i of the group lives in bits [8*i, 8*i+8), independent of
// the endianness of the CPU.
type ctrlGroup uint64

func (g *ctrlGroup) get(i uintptr) ctrl {
	return ctrl(*g >> (i << 3))
}

func (g *ctrlGroup) set(i uintptr, c ctrl) {
	shift := i << 3
	*g = (*g &^ (ctrlGroup(0xff) << shift)) | (ctrlGroup(c) << shift)
}

func (g *ctrlGroup) setEmpty() {
	*g = ctrlGroup(bitsetEmpty)
}

func (g ctrlGroup) matchH2(h uint64) bitset {
	// NB: This generic matching routine produces false positive matches when
	// h is 2^N and the control bytes have a seq of 2^N followed by 2^N+1. For
	// example: if ctrls==0x0302 and h=02, we'll compute v as 0x0100. When we
	// subtract off 0x0101 the first 2 bytes we'll become 0xffff and both be
	// considered matches of h. The false positive matches are not a problem,
	// just a rare inefficiency. Note that they only occur if there is a real
	// match and never occur on ctrlEmpty or ctrlDeleted. The subsequent key
	// comparisons ensure that there is no correctness issue.
	v := uint64(g) ^ (bitsetLSB * h)
	return bitset(((v - bitsetLSB) &^ v) & bitsetMSB)
}

// matchEmpty returns a bitset where each byte is 0x80 if that control byte
// indicates an empty slot (and 0x00 otherwise).
func (g ctrlGroup) matchEmpty() bitset {
	// An empty slot is   1000 0000
	// A deleted slot is  1111 1110
	// A slot is empty iff bit 7 is set and bit 1 is not.
	v := uint64(g)
	return bitset((v &^ (v << 6)) & bitsetMSB)
}

// matchEmptyOrDeleted returns a bitset where each byte is 0x80 if that
// control byte indicates an empty or deleted slot (and 0x00 otherwise).
func (g ctrlGroup) matchEmptyOrDeleted() bitset {
	// A full slot has bit 7 clear; both empty and deleted have it set.
	return bitset(uint64(g) & bitsetMSB)
}

// matchFull returns a bitset where each byte is 0x80 if that control byte
// indicates a full slot.
func (g ctrlGroup) matchFull() bitset {
	return bitset(^uint64(g) & bitsetMSB)
}

// convertNonFullToEmptyAndFullToDeleted converts deleted control bytes in a
// group to empty control bytes, and control bytes indicating full slots to
// deleted control bytes.
func (g *ctrlGroup) convertNonFullToEmptyAndFullToDeleted() {
	// An empty slot is     1000 0000
	// A deleted slot is    1111 1110
	// A full slot is       0??? ????
	//
	// We select the MSB, invert, add 1 if the MSB was set and zero out the low
	// bit.
	//
	//  - if the MSB was set (i.e. slot was empty or deleted):
	//     v:             1000 0000
	//     ^v:            0111 1111
	//     ^v + (v >> 7): 1000 0000
	//     &^ bitsetLSB:  1000 0000  = empty slot.
	//
	// - if the MSB was not set (i.e. full slot):
	//     v:             0000 0000
	//     ^v:            1111 1111
	//     ^v + (v >> 7): 1111 1111
	//     &^ bitsetLSB:  1111 1110 = deleted slot.
	v := uint64(*g) & bitsetMSB
	*g = ctrlGroup((^v + (v >> 7)) &^ bitsetLSB)
}

func (g ctrlGroup) String() string {
	var buf strings.Builder
	for i := uintptr(0); i < groupSize; i++ {
		if i > 0 {
			buf.WriteString(" ")
		}
		switch c := g.get(i); c {
		case ctrlEmpty:
			buf.WriteString("..")
		case ctrlDeleted:
			buf.WriteString("xx")
		default:
			fmt.Fprintf(&buf, "%02x", uint8(c))
		}
	}
	return buf.String()
}

// bitset represents a set of slots within a group. Slot i is a member of the
// set if bit 8*i+7 is set.
type bitset uint64

// first returns the index of the lowest slot in the set.
func (b bitset) first() uintptr {
	return uintptr(bits.TrailingZeros64(uint64(b))) >> 3
}

// removeFirst removes the lowest slot from the set.
func (b bitset) removeFirst() bitset {
	return b & (b - 1)
}

func (b bitset) String() string {
	var buf strings.Builder
	buf.Grow(groupSize)
	for i := 0; i < groupSize; i++ {
		if (b & (bitset(0x80) << (i << 3))) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a probe sequence over the groups of a
// shard. The sequence is a triangular progression of the form
//
//	p(i) := (i^2 + i)/2 + hash (mod mask+1)
//
// It visits every group exactly once if the number of groups is a power of
// two, since (i^2+i)/2 is a bijection in Z/(2^m). See
// https://en.wikipedia.org/wiki/Quadratic_probing
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash uint64, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		offset: uintptr(hash) & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset = (s.offset + s.index) & s.mask
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}

// Extracts the H1 portion of a hash: the 57 upper bits. Only the low bits of
// H1 are used to select a group; the high bits of the hash select the shard.
func h1(h uint64) uint64 {
	return h >> 7
}

// Extracts the H2 portion of a hash: the 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uint64) uint64 {
	return h & 0x7f
}
