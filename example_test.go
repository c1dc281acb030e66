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

package shardmap_test

import (
	"fmt"

	"github.com/cockroachdb/shardmap"
)

func Example() {
	m, err := shardmap.New(8)
	if err != nil {
		panic(err)
	}
	defer m.Close()

	fmt.Println(m.Insert(10, 100))
	fmt.Println(m.Insert(20, 200))
	fmt.Println(m.Insert(10, 101))
	fmt.Println(m.Find(10))
	fmt.Println(m.Erase(10))
	fmt.Println(m.Erase(30))
	fmt.Println(m.Find(10))
	fmt.Println(m.Find(20))
	// Output:
	// true
	// true
	// false
	// 101 true
	// true
	// false
	// 0 false
	// 200 true
}

func ExampleMap_Update() {
	m, err := shardmap.New(4)
	if err != nil {
		panic(err)
	}

	incr := func(v uint64, _ bool) (uint64, bool) { return v + 1, true }
	for i := 0; i < 3; i++ {
		m.Update(42, incr)
	}
	fmt.Println(m.Find(42))
	// Output:
	// 3 true
}
