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

import (
	"encoding/binary"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	regionHeaderSize = 8 // next-region index (4 bytes) + length-in-words (4 bytes)
	noNextRegion     = -1
)

// Mapper abstracts the OS memory-mapping boundary so tests can substitute a
// fake that hands back carefully-placed buffers, letting region-adjacency
// fusion be exercised without depending on the kernel actually returning
// contiguous mappings.
type Mapper interface {
	Map(length int) ([]byte, error)
	PageSize() int
}

// osMapper is the production Mapper: anonymous, private, read/write memory.
type osMapper struct{}

func (osMapper) Map(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (osMapper) PageSize() int {
	return unix.Getpagesize()
}

// region is one OS-backed mapping. Its base bytes hold a small descriptor
// (next-region index, length in words) followed by interior blocks and
// terminated by a zero-size sentinel block header.
type region struct {
	index int
	data  []byte
}

func (r *region) lengthWords() uint32 {
	return binary.LittleEndian.Uint32(r.data[4:8])
}

func (r *region) setLengthWords(w uint32) {
	binary.LittleEndian.PutUint32(r.data[4:8], w)
}

func (r *region) nextIndex() int32 {
	return int32(binary.LittleEndian.Uint32(r.data[0:4]))
}

func (r *region) setNextIndex(i int32) {
	binary.LittleEndian.PutUint32(r.data[0:4], uint32(i))
}

func (r *region) firstBlockOffset() uint32 {
	return regionHeaderSize
}

func (r *region) sentinelOffset() uint32 {
	return r.lengthWords()*wordSize - headerSize
}

func (r *region) sentinel() blockRef {
	return blockRef{region: r, offset: r.sentinelOffset()}
}

func (r *region) firstBlock() blockRef {
	return blockRef{region: r, offset: r.firstBlockOffset()}
}

func addrOf(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}

func sliceAt(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// regionManager owns the region list (newest-first) and mints new regions on
// demand.
type regionManager struct {
	mapper      Mapper
	regions     []*region
	head        int32
	pageSize    int
	regionPages int
	logger      *slog.Logger
	exit        func(int)
}

// regionLengthFor implements the region-length formula: the default page
// count when that suffices, else ceil(requestBytes/pageSize)+1 pages to cover
// the request along with its overhead (region header, the first block's
// header, and the sentinel). The ceiling matters:
// a truncating division can round down to a page count whose usable space
// (after overhead) falls short of requestBytes, which would leave acquire's
// caller unable to ever satisfy the request it was driving.
func (rm *regionManager) regionLengthFor(requestBytes int) int {
	overhead := regionHeaderSize + 2*headerSize
	def := rm.regionPages * rm.pageSize
	if def-overhead >= requestBytes {
		return def
	}
	pages := (requestBytes+rm.pageSize-1)/rm.pageSize + 1
	return pages * rm.pageSize
}

// acquire maps a new region sized to satisfy requestBytes, attempts a single
// adjacency-fusion pass against the existing region list, and otherwise
// links it in at the head of the list. A mapping failure is fatal: it logs
// and terminates the process rather than returning an error, mirroring the
// original allocator's behaviour on kernel mapping failure.
func (rm *regionManager) acquire(requestBytes int, fl *freeList) *region {
	length := rm.regionLengthFor(requestBytes)
	data, err := rm.mapper.Map(length)
	if err != nil {
		rm.logger.Error("memory overflow: anonymous mapping failed", "length_bytes", length, "error", err)
		rm.exit(1)
		return nil
	}

	fresh := &region{index: -1, data: data}
	fresh.setLengthWords(uint32(length / wordSize))
	fresh.sentinel().setHeader(blockHeader{prevFree: true, sizeWords: 0})

	for _, old := range rm.regions {
		if addrOf(old.data)+uintptr(len(old.data)) == addrOf(fresh.data) {
			rm.fuse(old, fresh, fl)
			return old
		}
	}

	fresh.index = len(rm.regions)
	fresh.setNextIndex(rm.head)
	rm.regions = append(rm.regions, fresh)
	rm.head = int32(fresh.index)
	rm.initRegionFreeSpan(fresh, fl)
	return fresh
}

// initRegionFreeSpan installs a brand-new region's sole interior block as a
// free block spanning the whole region. The region header counts as a free
// (but unmergeable) lower neighbour, per blockRef.lowerNeighbour's contract.
func (rm *regionManager) initRegionFreeSpan(r *region, fl *freeList) {
	first := r.firstBlock()
	spanWords := (r.sentinelOffset() - r.firstBlockOffset() - headerSize) / wordSize
	fl.insertFresh(first, spanWords, true)
}

// fuse merges a virtually-adjacent fresh region into an existing one: old's
// length grows to cover both, a new sentinel is written at the combined end,
// and the join point (old's former sentinel) becomes the start of a new free
// span — coalesced into the block immediately below the join if that block
// is free, else inserted as a free block of its own.
func (rm *regionManager) fuse(old, fresh *region, fl *freeList) {
	joinOffset := old.sentinelOffset()
	combinedWords := old.lengthWords() + fresh.lengthWords()

	base := addrOf(old.data)
	old.data = sliceAt(base, int(combinedWords)*wordSize)
	old.setLengthWords(combinedWords)

	joinRef := blockRef{region: old, offset: joinOffset}
	joinHeader := joinRef.header()
	spanWords := (old.sentinelOffset() - joinOffset - headerSize) / wordSize

	old.sentinel().setHeader(blockHeader{prevFree: true, sizeWords: 0})

	if lower, ok := joinRef.lowerNeighbour(); ok {
		extendFreeBlock(lower, lower.header().sizeWords+1+spanWords, fl.stats)
		return
	}
	fl.insertFresh(joinRef, spanWords, joinHeader.prevFree)
}
