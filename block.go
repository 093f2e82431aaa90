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

import "encoding/binary"

const (
	wordSize = 4

	headerSize    = 4  // bytes: one word, MSB = prev-free flag, low 31 bits = size in words
	footerSize    = 4  // bytes: one word, pure size, no flags
	blockAddrSize = 8  // bytes: regionIndex(4) + offset(4)
	linksSize     = blockAddrSize * 2

	footerSizeWords = footerSize / wordSize

	// minimumSizeWords is the smallest payload a block can have and still
	// hold a header, both free-list links, and a footer (spec invariant 7).
	minimumSizeWords = (headerSize + linksSize + footerSize + wordSize - 1) / wordSize

	msbMask  uint32 = 1 << 31
	sizeMask uint32 = msbMask - 1

	// maxRequestBytes bounds Allocate's input: the largest payload whose size
	// in words still fits the header's 31-bit size field.
	maxRequestBytes = int64(sizeMask) * wordSize
)

func bytesToWords(n int) uint32 {
	return uint32((n + wordSize - 1) / wordSize)
}

func sufficientSize(words uint32) bool {
	return words >= minimumSizeWords
}

type blockHeader struct {
	prevFree  bool
	sizeWords uint32
}

func decodeHeader(v uint32) blockHeader {
	return blockHeader{prevFree: v&msbMask != 0, sizeWords: v & sizeMask}
}

func (h blockHeader) encode() uint32 {
	v := h.sizeWords & sizeMask
	if h.prevFree {
		v |= msbMask
	}
	return v
}

// blockAddr identifies a block anywhere in the heap: a region index (stable
// for that region's lifetime) plus a byte offset into its backing buffer.
// It is the on-heap representation of a free block's previous-free/next-free
// pointers, stored as two little-endian uint32s rather than native pointers
// since this memory sits outside the Go garbage collector's view.
type blockAddr struct {
	regionIndex uint32
	offset      uint32
}

func decodeBlockAddr(buf []byte) blockAddr {
	return blockAddr{
		regionIndex: binary.LittleEndian.Uint32(buf[0:4]),
		offset:      binary.LittleEndian.Uint32(buf[4:8]),
	}
}

func encodeBlockAddr(buf []byte, a blockAddr) {
	binary.LittleEndian.PutUint32(buf[0:4], a.regionIndex)
	binary.LittleEndian.PutUint32(buf[4:8], a.offset)
}

// blockRef is an opaque handle to a block's base address. It carries no
// cached state — every accessor re-reads the underlying bytes — so it stays
// valid across any mutation except one that moves or unmaps its region.
type blockRef struct {
	region *region
	offset uint32
}

func (b blockRef) addr() blockAddr {
	return blockAddr{regionIndex: uint32(b.region.index), offset: b.offset}
}

func (b blockRef) header() blockHeader {
	return decodeHeader(binary.LittleEndian.Uint32(b.region.data[b.offset : b.offset+4]))
}

func (b blockRef) setHeader(h blockHeader) {
	binary.LittleEndian.PutUint32(b.region.data[b.offset:b.offset+4], h.encode())
}

func (b blockRef) payloadOffset() uint32 {
	return b.offset + headerSize
}

func (b blockRef) payload() []byte {
	start := b.payloadOffset()
	end := start + b.header().sizeWords*wordSize
	return b.region.data[start:end]
}

func (b blockRef) footer() uint32 {
	end := b.payloadOffset() + b.header().sizeWords*wordSize
	return binary.LittleEndian.Uint32(b.region.data[end-footerSize : end])
}

func (b blockRef) setFooter(sizeWords uint32) {
	end := b.payloadOffset() + sizeWords*wordSize
	binary.LittleEndian.PutUint32(b.region.data[end-footerSize:end], sizeWords)
}

func (b blockRef) links() (prev, next blockAddr) {
	p := b.payloadOffset()
	prev = decodeBlockAddr(b.region.data[p : p+blockAddrSize])
	next = decodeBlockAddr(b.region.data[p+blockAddrSize : p+linksSize])
	return prev, next
}

func (b blockRef) setLinks(prev, next blockAddr) {
	p := b.payloadOffset()
	encodeBlockAddr(b.region.data[p:p+blockAddrSize], prev)
	encodeBlockAddr(b.region.data[p+blockAddrSize:p+linksSize], next)
}

func (b blockRef) setPrevLink(a blockAddr) {
	_, next := b.links()
	b.setLinks(a, next)
}

func (b blockRef) setNextLink(a blockAddr) {
	prev, _ := b.links()
	b.setLinks(prev, a)
}

// writeFree writes a free block's header, links, and footer without
// touching statistics. Callers moving bytes between already-accounted-for
// free blocks use this directly; a genuinely new free block goes through
// freeList.insertFresh, which also updates stats.
func (b blockRef) writeFree(sizeWords uint32, prevFree bool, prev, next blockAddr) {
	b.setHeader(blockHeader{prevFree: prevFree, sizeWords: sizeWords})
	b.setLinks(prev, next)
	b.setFooter(sizeWords)
}

type upperKind int

const (
	upperSentinel upperKind = iota
	upperFree
	upperAllocated
)

// lowerNeighbour returns the block immediately below b, if one is both
// present and discoverable. The region header reads as "free" through the
// prev-free bit (invariant 3) but is never a mergeable neighbour, so this
// reports false for the first block in a region even though its header bit
// is set.
func (b blockRef) lowerNeighbour() (blockRef, bool) {
	h := b.header()
	if !h.prevFree || b.offset == b.region.firstBlockOffset() {
		return blockRef{}, false
	}
	footerOff := b.offset - footerSize
	size := binary.LittleEndian.Uint32(b.region.data[footerOff : footerOff+footerSize])
	lowerOffset := b.offset - size*wordSize - headerSize
	return blockRef{region: b.region, offset: lowerOffset}, true
}

// upperNeighbour returns the block immediately above b's payload, classified
// as the region sentinel, a free block, or an allocated one. A block's own
// header only records its lower neighbour's free state, so telling whether
// the upper neighbour itself is free requires reading one block further up;
// that read is always in bounds because a non-sentinel upper neighbour has
// nonzero size and blocks tile exactly up to the sentinel.
func (b blockRef) upperNeighbour() (blockRef, upperKind) {
	h := b.header()
	upOffset := b.payloadOffset() + h.sizeWords*wordSize
	up := blockRef{region: b.region, offset: upOffset}
	uh := up.header()
	if uh.sizeWords == 0 {
		return up, upperSentinel
	}
	aboveOffset := up.payloadOffset() + uh.sizeWords*wordSize
	above := blockRef{region: b.region, offset: aboveOffset}
	if above.header().prevFree {
		return up, upperFree
	}
	return up, upperAllocated
}

// markUpperPrevFree sets b's upper neighbour's prev-free bit, leaving its
// size untouched. Valid for any neighbour kind, including the sentinel.
func markUpperPrevFree(b blockRef) {
	h := b.header()
	upOffset := b.payloadOffset() + h.sizeWords*wordSize
	up := blockRef{region: b.region, offset: upOffset}
	uh := up.header()
	up.setHeader(blockHeader{prevFree: true, sizeWords: uh.sizeWords})
}

// extendFreeBlock grows an already-tracked free block's recorded size in
// place, used when region fusion or release-time coalescing absorbs
// additional bytes into an existing free block without moving it within the
// free list.
func extendFreeBlock(b blockRef, newWords uint32, st *liveStats) {
	oldWords := b.header().sizeWords
	prevFree := b.header().prevFree
	b.setHeader(blockHeader{prevFree: prevFree, sizeWords: newWords})
	b.setFooter(newWords)
	st.totalFreeWords += int64(newWords) - int64(oldWords)
	st.bumpLargest(newWords)
}
