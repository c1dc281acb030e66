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
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// DefaultSeed is the murmur3 seed used when no WithSeed option is given. It
// is fixed so that the placement of keys in shards and groups is
// reproducible across processes.
const DefaultSeed uint32 = 0x9747b28c

// hashFn maps a key to a 64-bit hash. The high bits select the shard and the
// low bits select the group and control byte within the shard, so the
// function must mix every input bit into both ends of the output.
type hashFn func(key uint64) uint64

// murmurHasher returns the MurmurHash3 x64 hash of the little-endian
// encoding of the key.
func murmurHasher(seed uint32) hashFn {
	return func(key uint64) uint64 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], key)
		return murmur3.Sum64WithSeed(buf[:], seed)
	}
}
