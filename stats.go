// Copyright 2012 Alec Thomas
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package malloc

// liveStats tracks the four counters spec invariant 8 requires stay
// consistent with the free list and allocation set at every observation
// point: number of free blocks, total free payload bytes (in words
// internally), the largest single free block, and bytes currently handed
// out to callers.
type liveStats struct {
	numberFreeBlocks int
	totalFreeWords   int64
	largestFreeWords uint32
	allocatedBytes   int64
}

func (s *liveStats) addFree(words uint32) {
	s.numberFreeBlocks++
	s.totalFreeWords += int64(words)
	s.bumpLargest(words)
}

func (s *liveStats) removeFree(words uint32) {
	s.numberFreeBlocks--
	s.totalFreeWords -= int64(words)
}

func (s *liveStats) bumpLargest(words uint32) {
	if words > s.largestFreeWords {
		s.largestFreeWords = words
	}
}

// Stats is the snapshot returned by (*Heap).Stats, expressed in bytes for
// everything except the block count.
type Stats struct {
	NumberFreeBlocks       int
	TotalFreeSpace         int64
	LargestFreeBlock       int64
	CurrentAllocatedMemory int64
}
