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

// Package malloc implements a single-threaded, boundary-tagged dynamic
// memory allocator over anonymous OS memory: a next-fit circular free list
// threaded through the free blocks' own payload bytes, with regions grown
// and fused on demand.
package malloc

// Heap is the allocator's public handle. It owns the region list and the
// free list threaded through it, plus the live statistics spec invariant 8
// requires. The zero value is not usable; construct with NewHeap.
type Heap struct {
	cfg           Config
	regionManager *regionManager
	freeList      *freeList
	stats         liveStats
}

// NewHeap constructs an empty heap. No memory is mapped until the first
// Allocate call.
func NewHeap(cfg Config) *Heap {
	cfg = cfg.withDefaults()
	rm := &regionManager{
		mapper:      cfg.Mapper,
		regionPages: cfg.RegionPages,
		pageSize:    cfg.Mapper.PageSize(),
		logger:      cfg.Logger,
		exit:        cfg.Exit,
		head:        noNextRegion,
	}
	h := &Heap{cfg: cfg, regionManager: rm}
	h.freeList = newFreeList(rm, &h.stats)
	return h
}

// Allocate returns a byte slice of length sizeBytes carved out of the heap.
// It validates the request, walks the free list next-fit starting at the
// cursor, splits or consumes the first block that fits, and — failing a
// full circuit — maps a new region sized to guarantee a fit before retrying
// exactly once.
func (h *Heap) Allocate(sizeBytes int) ([]byte, error) {
	if sizeBytes < 1 || int64(sizeBytes) > maxRequestBytes {
		return nil, ErrSizeOutOfRange
	}
	sizeWords := bytesToWords(sizeBytes)

	for {
		if h.freeList.empty() {
			h.regionManager.acquire(sizeBytes, h.freeList)
			continue
		}

		hitBlock, hitWords, found := h.scanForFit(sizeWords)
		if !found {
			h.regionManager.acquire(sizeBytes, h.freeList)
			continue
		}

		wasLargest := hitWords >= h.stats.largestFreeWords
		out := h.placeAllocation(hitBlock, sizeWords, hitWords)

		if h.freeList.empty() {
			h.stats.largestFreeWords = 0
		} else if wasLargest {
			h.freeList.rescanLargest()
		}

		h.stats.allocatedBytes += int64(sizeBytes)
		return out[:sizeBytes], nil
	}
}

// scanForFit walks at most one full circuit of the free list starting at the
// cursor, returning the first block whose payload is at least sizeWords.
func (h *Heap) scanForFit(sizeWords uint32) (blockRef, uint32, bool) {
	cur := h.freeList.cursor
	for steps, n := 0, h.freeList.count(); steps < n; steps++ {
		b := h.freeList.resolve(cur)
		words := b.header().sizeWords
		if words >= sizeWords {
			return b, words, true
		}
		_, next := b.links()
		cur = next
	}
	return blockRef{}, 0, false
}

// placeAllocation decides whether the matched free block should be split or
// consumed whole. A request smaller than the minimum block size is rounded
// up to minimumSizeWords, both in the space-left computation and in the
// allocated portion, so the split tiles the old block exactly and the block
// can later hold free-list links and a footer once released.
func (h *Heap) placeAllocation(b blockRef, sizeWords, freeWords uint32) []byte {
	var spaceLeft uint32
	if sufficientSize(sizeWords) {
		spaceLeft = freeWords - sizeWords
	} else {
		spaceLeft = freeWords - minimumSizeWords
	}

	if spaceLeft > minimumSizeWords {
		allocWords := sizeWords
		if !sufficientSize(sizeWords) {
			allocWords = minimumSizeWords
		}
		return h.splitBlock(b, allocWords, spaceLeft, freeWords)
	}
	return h.consumeBlock(b, freeWords)
}

// splitBlock carves allocWords off the bottom of a free block, leaving the
// upper remainder as a new free block spliced into the block's former list
// slot. The allocated portion keeps b's own address, so it inherits b's
// prev-free bit unchanged: that bit describes b's lower neighbour, which
// splitting does not move.
func (h *Heap) splitBlock(b blockRef, allocWords, spaceLeftWords, oldSizeWords uint32) []byte {
	origPrevFree := b.header().prevFree
	prevAddr, nextAddr := b.links()
	wasSole := h.freeList.count() == 1

	allocated := b
	allocated.setHeader(blockHeader{prevFree: origPrevFree, sizeWords: allocWords})

	residualWords := spaceLeftWords - 1
	residualOffset := allocated.payloadOffset() + allocWords*wordSize
	residual := blockRef{region: b.region, offset: residualOffset}

	h.freeList.replace(oldSizeWords, prevAddr, nextAddr, wasSole, residual, residualWords, false)

	return allocated.payload()
}

// consumeBlock hands the whole free block to the caller, unlinking it and
// clearing its upper neighbour's prev-free bit (including when that
// neighbour is the region sentinel).
func (h *Heap) consumeBlock(b blockRef, freeWords uint32) []byte {
	origPrevFree := b.header().prevFree
	h.freeList.remove(b, freeWords)

	b.setHeader(blockHeader{prevFree: origPrevFree, sizeWords: freeWords})

	upper, kind := b.upperNeighbour()
	if kind == upperSentinel {
		upper.setHeader(blockHeader{prevFree: false, sizeWords: 0})
	} else {
		upper.setHeader(blockHeader{prevFree: false, sizeWords: upper.header().sizeWords})
	}

	return b.payload()
}

// Release returns a previously-allocated slice to the heap. Passing a slice
// that Allocate did not return is undefined behaviour; this implementation's
// own (conservative) choice within that freedom is to return
// ErrInvalidPointer rather than write through an unrecognised address.
func (h *Heap) Release(payload []byte) error {
	b, hdr, err := h.locateBlock(payload)
	if err != nil {
		return err
	}
	h.stats.allocatedBytes -= int64(len(payload))

	if h.freeList.empty() {
		h.freeList.insertFresh(b, hdr.sizeWords, hdr.prevFree)
		markUpperPrevFree(b)
		return nil
	}
	h.coalesceAndFree(b, hdr)
	return nil
}

func (h *Heap) locateBlock(payload []byte) (blockRef, blockHeader, error) {
	if len(payload) == 0 {
		return blockRef{}, blockHeader{}, ErrInvalidPointer
	}
	addr := addrOf(payload)
	for _, r := range h.regionManager.regions {
		base := addrOf(r.data)
		end := base + uintptr(len(r.data))
		if addr >= base && addr < end {
			b := blockRef{region: r, offset: uint32(addr-base) - headerSize}
			return b, b.header(), nil
		}
	}
	return blockRef{}, blockHeader{}, ErrInvalidPointer
}

// coalesceAndFree classifies the released block's two physical neighbours
// and dispatches to the matching release case, then updates the
// largest-free-block statistic and cursor uniformly.
func (h *Heap) coalesceAndFree(b blockRef, hdr blockHeader) {
	sizeWords := hdr.sizeWords
	lower, hasLower := b.lowerNeighbour()
	upper, kind := b.upperNeighbour()
	upperIsFree := kind == upperFree

	var resultAddr blockAddr
	switch {
	case !hasLower && !upperIsFree:
		resultAddr = h.releaseNeitherFree(b, sizeWords, hdr.prevFree)
	case hasLower && !upperIsFree:
		resultAddr = h.releaseLowerFree(b, lower, sizeWords)
	case !hasLower && upperIsFree:
		resultAddr = h.releaseUpperFree(b, upper, sizeWords, hdr.prevFree)
	default:
		resultAddr = h.releaseBothFree(b, lower, upper, sizeWords)
	}

	result := h.freeList.resolve(resultAddr)
	h.stats.bumpLargest(result.header().sizeWords)
	h.freeList.cursor = resultAddr
}

// releaseNeitherFree handles the case where neither physical neighbour is
// free: the released block becomes a fresh free block inserted at the
// cursor position. It keeps its own prev-free bit, since that describes its
// lower neighbour, which this case leaves untouched.
func (h *Heap) releaseNeitherFree(b blockRef, sizeWords uint32, prevFree bool) blockAddr {
	h.freeList.insertFresh(b, sizeWords, prevFree)
	markUpperPrevFree(b)
	return b.addr()
}

// releaseLowerFree fuses the released block into its free lower neighbour.
// The lower block's list position is unchanged.
func (h *Heap) releaseLowerFree(b, lower blockRef, sizeWords uint32) blockAddr {
	extendFreeBlock(lower, lower.header().sizeWords+1+sizeWords, &h.stats)
	markUpperPrevFree(lower)
	return lower.addr()
}

// releaseUpperFree fuses the released block into its free upper neighbour.
// The combined block is written at the released block's (lower) base
// address but reuses the upper neighbour's list links, per the original
// allocator's coalesce-with-next behaviour. It keeps the released block's
// own prev-free bit, since the combined block's lower neighbour is
// unchanged by this merge.
func (h *Heap) releaseUpperFree(b, upper blockRef, sizeWords uint32, prevFree bool) blockAddr {
	upperWords := upper.header().sizeWords
	prevAddr, nextAddr := upper.links()
	newWords := sizeWords + 1 + upperWords

	b.writeFree(newWords, prevFree, prevAddr, nextAddr)
	if prevAddr == upper.addr() {
		b.setLinks(b.addr(), b.addr())
	} else {
		h.freeList.resolve(prevAddr).setNextLink(b.addr())
		h.freeList.resolve(nextAddr).setPrevLink(b.addr())
	}
	h.stats.totalFreeWords += int64(sizeWords) + 1
	markUpperPrevFree(b)
	return b.addr()
}

// releaseBothFree fuses the released block with both neighbours. The
// combined block inherits the lower neighbour's list position; the upper
// neighbour is unlinked entirely.
func (h *Heap) releaseBothFree(b, lower, upper blockRef, sizeWords uint32) blockAddr {
	upperWords := upper.header().sizeWords
	h.freeList.remove(upper, upperWords)

	newWords := lower.header().sizeWords + 1 + sizeWords + 1 + upperWords
	extendFreeBlock(lower, newWords, &h.stats)
	markUpperPrevFree(lower)
	return lower.addr()
}

// Stats returns a snapshot of the heap's live statistics.
func (h *Heap) Stats() Stats {
	return Stats{
		NumberFreeBlocks:       h.stats.numberFreeBlocks,
		TotalFreeSpace:         h.stats.totalFreeWords * wordSize,
		LargestFreeBlock:       int64(h.stats.largestFreeWords) * wordSize,
		CurrentAllocatedMemory: h.stats.allocatedBytes,
	}
}
