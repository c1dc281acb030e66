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

import "errors"

var (
	// ErrInvalidShardCount is returned by New when the requested number of
	// shards is zero, negative or larger than MaxShardCount.
	ErrInvalidShardCount = errors.New("shardmap: invalid shard count")

	// ErrInvalidOption is returned by New when an option carries a value
	// outside its permitted range.
	ErrInvalidOption = errors.New("shardmap: invalid option")

	// ErrOutOfMemory is wrapped by the error used to abort an operation when
	// the Allocator cannot provide storage for a shard. The shard is left in
	// the state it had before the failed allocation.
	ErrOutOfMemory = errors.New("shardmap: out of memory")
)
