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
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeCtrlGroup(ctrls ...ctrl) ctrlGroup {
	var g ctrlGroup
	g.setEmpty()
	for i, c := range ctrls {
		g.set(uintptr(i), c)
	}
	return g
}

func bitsetIndexes(b bitset) []uintptr {
	var r []uintptr
	for ; b != 0; b = b.removeFirst() {
		r = append(r, b.first())
	}
	return r
}

func TestProbeSeq(t *testing.T) {
	genSeq := func(n int, hash uint64, mask uintptr) []uintptr {
		seq := makeProbeSeq(hash, mask)
		vals := make([]uintptr, n)
		for i := 0; i < n; i++ {
			vals[i] = seq.offset
			seq = seq.next()
		}
		return vals
	}
	genGroups := func(n uintptr) []uintptr {
		var vals []uintptr
		for i := uintptr(0); i < n; i++ {
			vals = append(vals, i)
		}
		return vals
	}

	// The Abseil probeSeq test cases.
	expected := []uintptr{0, 1, 3, 6, 10, 15, 5, 12, 4, 13, 7, 2, 14, 11, 9, 8}
	require.Equal(t, expected, genSeq(16, 0, 15))
	require.Equal(t, expected, genSeq(16, 16, 15))

	// Verify that we touch all of the groups no matter what our start offset
	// is.
	for i := uint64(0); i < 16; i++ {
		vals := genSeq(16, i, 15)
		require.Equal(t, 16, len(vals))
		sort.Slice(vals, func(i, j int) bool {
			return vals[i] < vals[j]
		})
		require.Equal(t, genGroups(16), vals)
	}
}

func TestCtrlGroupGetSet(t *testing.T) {
	var g ctrlGroup
	g.setEmpty()
	for i := uintptr(0); i < groupSize; i++ {
		require.Equal(t, ctrlEmpty, g.get(i))
	}
	g.set(3, 0x2a)
	g.set(7, ctrlDeleted)
	require.EqualValues(t, 0x2a, g.get(3))
	require.Equal(t, ctrlDeleted, g.get(7))
	require.Equal(t, ctrlEmpty, g.get(2))
	require.Equal(t, ctrlEmpty, g.get(4))
	require.Equal(t, ".. .. .. 2a .. .. .. xx", g.String())
}

func TestMatchH2(t *testing.T) {
	g := makeCtrlGroup(0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8)
	for i := uint64(1); i <= 8; i++ {
		match := g.matchH2(i)
		require.EqualValues(t, i-1, match.first())
	}
	require.EqualValues(t, 0, makeCtrlGroup().matchH2(0))
}

func TestMatchEmpty(t *testing.T) {
	testCases := []struct {
		ctrls    []ctrl
		expected []uintptr
	}{
		{[]ctrl{0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8}, nil},
		{[]ctrl{0x1, 0x2, 0x3, ctrlEmpty, 0x5, ctrlDeleted, 0x7, ctrlDeleted}, []uintptr{3}},
		{[]ctrl{0x1, 0x2, 0x3, ctrlEmpty, 0x5, 0x6, ctrlEmpty, 0x8}, []uintptr{3, 6}},
	}
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			require.Equal(t, c.expected, bitsetIndexes(makeCtrlGroup(c.ctrls...).matchEmpty()))
		})
	}
}

func TestMatchEmptyOrDeleted(t *testing.T) {
	testCases := []struct {
		ctrls    []ctrl
		expected []uintptr
	}{
		{[]ctrl{0x1, 0x2, 0x3, 0x4, 0x5, 0x6, 0x7, 0x8}, nil},
		{[]ctrl{0x1, 0x2, ctrlEmpty, ctrlDeleted, 0x5, 0x6, 0x7, 0x7f}, []uintptr{2, 3}},
	}
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			require.Equal(t, c.expected, bitsetIndexes(makeCtrlGroup(c.ctrls...).matchEmptyOrDeleted()))
		})
	}
}

func TestMatchFull(t *testing.T) {
	g := makeCtrlGroup(0x0, ctrlEmpty, 0x7f, ctrlDeleted, ctrlEmpty, 0x11, ctrlDeleted, 0x5)
	require.Equal(t, []uintptr{0, 2, 5, 7}, bitsetIndexes(g.matchFull()))
	require.Equal(t, "10100101", g.matchFull().String())
}

func TestConvertNonFullToEmptyAndFullToDeleted(t *testing.T) {
	ctrls := make([]ctrl, groupSize)
	expected := make([]ctrl, groupSize)
	for i := 0; i < 100; i++ {
		for j := 0; j < groupSize; j++ {
			switch rand.Intn(3) {
			case 0: // 33% empty
				ctrls[j] = ctrlEmpty
				expected[j] = ctrlEmpty
			case 1: // 33% deleted
				ctrls[j] = ctrlDeleted
				expected[j] = ctrlEmpty
			default: // 33% full
				ctrls[j] = ctrl(rand.Intn(128))
				expected[j] = ctrlDeleted
			}
		}

		g := makeCtrlGroup(ctrls...)
		g.convertNonFullToEmptyAndFullToDeleted()
		require.Equal(t, makeCtrlGroup(expected...), g)
	}
}

func TestHashSplit(t *testing.T) {
	h := uint64(0xfedcba9876543210)
	require.EqualValues(t, 0x10, h2(h))
	require.EqualValues(t, h>>7, h1(h))
	require.Less(t, h2(^uint64(0)), uint64(128))
}
