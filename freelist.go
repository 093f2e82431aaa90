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

// freeList is the circular, doubly-linked free list: a next-fit cursor over
// blocks whose prev/next pointers live inside their own payload bytes,
// rather than in any Go-side structure. freeList itself only remembers
// where the cursor currently sits and shares its count/size bookkeeping
// with the owning Heap's liveStats.
type freeList struct {
	rm     *regionManager
	stats  *liveStats
	cursor blockAddr
	active bool
}

func newFreeList(rm *regionManager, stats *liveStats) *freeList {
	return &freeList{rm: rm, stats: stats}
}

func (fl *freeList) empty() bool { return !fl.active }

func (fl *freeList) count() int { return fl.stats.numberFreeBlocks }

func (fl *freeList) resolve(a blockAddr) blockRef {
	return blockRef{region: fl.rm.regions[a.regionIndex], offset: a.offset}
}

// insertFresh links a block that was not previously tracked as free into the
// list at the cursor position, or bootstraps the list (self-linked) if it
// was empty. Used for region creation, region fusion, and the
// neither-neighbour-free release case.
func (fl *freeList) insertFresh(b blockRef, sizeWords uint32, prevFree bool) {
	if !fl.active {
		b.writeFree(sizeWords, prevFree, b.addr(), b.addr())
		fl.stats.addFree(sizeWords)
		fl.cursor = b.addr()
		fl.active = true
		return
	}
	at := fl.resolve(fl.cursor)
	prevAddr, _ := at.links()
	b.writeFree(sizeWords, prevFree, prevAddr, at.addr())
	fl.stats.addFree(sizeWords)
	fl.resolve(prevAddr).setNextLink(b.addr())
	at.setPrevLink(b.addr())
}

// replace swaps an existing free block — whose links the caller has already
// captured before overwriting it — for a newly-shaped free block occupying
// the same list slot. Used when splitting a free block on allocation.
func (fl *freeList) replace(oldSizeWords uint32, prevAddr, nextAddr blockAddr, wasSole bool, fresh blockRef, freshWords uint32, prevFree bool) {
	if wasSole {
		fresh.writeFree(freshWords, prevFree, fresh.addr(), fresh.addr())
	} else {
		fresh.writeFree(freshWords, prevFree, prevAddr, nextAddr)
		fl.resolve(prevAddr).setNextLink(fresh.addr())
		fl.resolve(nextAddr).setPrevLink(fresh.addr())
	}
	fl.stats.addFree(freshWords)
	fl.stats.removeFree(oldSizeWords)
	fl.cursor = fresh.addr()
}

// remove unlinks b from the free list entirely, with no replacement. Used
// when an allocation consumes a free block whole.
func (fl *freeList) remove(b blockRef, sizeWords uint32) {
	if fl.stats.numberFreeBlocks == 1 {
		fl.active = false
		fl.stats.removeFree(sizeWords)
		return
	}
	prevAddr, nextAddr := b.links()
	fl.resolve(prevAddr).setNextLink(nextAddr)
	fl.resolve(nextAddr).setPrevLink(prevAddr)
	fl.cursor = nextAddr
	fl.stats.removeFree(sizeWords)
}

// rescanLargest recomputes the largest-free-block statistic by walking the
// whole list. Only called when the block that was just consumed or shrunk
// was itself the recorded largest, preserving the original allocator's
// amortized-cheap behaviour instead of rescanning on every mutation.
func (fl *freeList) rescanLargest() {
	fl.stats.largestFreeWords = 0
	if !fl.active {
		return
	}
	start := fl.cursor
	cur := start
	for {
		b := fl.resolve(cur)
		fl.stats.bumpLargest(b.header().sizeWords)
		_, next := b.links()
		cur = next
		if cur == start {
			break
		}
	}
}
