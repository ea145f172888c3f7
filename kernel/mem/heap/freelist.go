package heap

import "unsafe"

// freeNode is the header a free hole is overlaid with. It lives directly in
// the memory it describes -- there is no separate bookkeeping allocation --
// so its size and alignment bound the smallest hole the list can track.
type freeNode struct {
	size uintptr
	next uintptr // address of the next freeNode, or 0
}

const (
	freeNodeSize  = unsafe.Sizeof(freeNode{})
	freeNodeAlign = unsafe.Alignof(freeNode{})
)

func nodeAt(addr uintptr) *freeNode {
	return (*freeNode)(unsafe.Pointer(addr))
}

// holeInfo describes a span of memory by address and size, independent of
// whether that span currently carries a freeNode header.
type holeInfo struct {
	addr uintptr
	size uintptr
}

// allocation is the result of carving layout out of a hole: the span
// returned to the caller, plus whatever leftover slivers (each large enough
// to host a freeNode of its own) must be re-threaded back into the list.
type allocation struct {
	info                     holeInfo
	frontPadding, backPadding holeInfo
	hasFront, hasBack         bool
}

// freeList is a singly linked, address-ordered list of free holes headed by
// a zero-sized sentinel. Holes are never adjacent: free always merges with
// any abutting neighbor, so fragmentation shows up only as a hole count,
// never as wasted bytes between two holes that could have been one.
type freeList struct {
	head           freeNode // sentinel; head.size is always 0
	allocatedSpace uintptr
	freeSpace      uintptr
}

// newFreeList overlays a freeList sentinel over [start, limit), formatting
// the entire span as a single free hole. start is rounded up to
// freeNodeAlign first.
func newFreeList(start, limit uintptr) freeList {
	alignedStart := alignUp(start, freeNodeAlign)
	size := uintptr(0)
	if limit > alignedStart {
		size = limit - alignedStart
	}
	if size < freeNodeSize {
		panic("heap: backing buffer too small for a single free node")
	}

	n := nodeAt(alignedStart)
	n.size = size
	n.next = 0

	return freeList{
		head:      freeNode{size: 0, next: alignedStart},
		freeSpace: size,
	}
}

func alignUp(v, align uintptr) uintptr   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uintptr) uintptr { return v &^ (align - 1) }

// allocate finds the first hole that can satisfy size bytes at align
// alignment, removes it from the list, and re-inserts any leftover padding.
// size must already be at least freeNodeSize and a multiple of align, and
// align must be at least freeNodeAlign -- callers normalize layouts before
// reaching here.
func (l *freeList) allocate(size, align uintptr) (uintptr, bool) {
	a, ok := l.tailAllocate(size, align)
	if !ok {
		return 0, false
	}
	if a.hasFront {
		l.deallocateHole(a.frontPadding)
	}
	if a.hasBack {
		l.deallocateHole(a.backPadding)
	}
	l.allocatedSpace += a.info.size
	l.freeSpace -= a.info.size
	return a.info.addr, true
}

// tailAllocate walks the list looking for the first node satisfying the
// request, splicing it out of the chain when found.
func (l *freeList) tailAllocate(size, align uintptr) (allocation, bool) {
	prevAddr := uintptr(0) // 0 means "the sentinel", i.e. l.head
	for {
		var cur *freeNode
		if prevAddr == 0 {
			if l.head.next == 0 {
				return allocation{}, false
			}
			cur = nodeAt(l.head.next)
		} else {
			prevNode := nodeAt(prevAddr)
			if prevNode.next == 0 {
				return allocation{}, false
			}
			cur = nodeAt(prevNode.next)
		}

		info := holeInfo{addr: uintptr(unsafe.Pointer(cur)), size: cur.size}
		if a, ok := allocateFromHole(info, size, align); ok {
			next := cur.next
			if prevAddr == 0 {
				l.head.next = next
			} else {
				nodeAt(prevAddr).next = next
			}
			return a, true
		}

		if prevAddr == 0 {
			prevAddr = uintptr(unsafe.Pointer(cur))
		} else {
			prevAddr = uintptr(unsafe.Pointer(cur))
		}
	}
}

// allocateFromHole tries to carve [size bytes, align alignment] out of a
// single hole, returning the leftover front/back slivers if they are large
// enough to host a freeNode of their own, or failing if a sliver would be
// too small to describe.
func allocateFromHole(hole holeInfo, size, align uintptr) (allocation, bool) {
	nodeStart := hole.addr
	nodeEnd := nodeStart + hole.size

	var alignedStart uintptr
	var front holeInfo
	hasFront := false
	if alignUp(nodeStart, align) == nodeStart {
		alignedStart = nodeStart
	} else {
		alignedStart = alignUp(nodeStart+freeNodeSize, align)
		front = holeInfo{addr: nodeStart, size: alignedStart - nodeStart}
		hasFront = true
	}

	if alignedStart+size > nodeEnd {
		return allocation{}, false
	}
	alignedSize := nodeEnd - alignedStart

	var back holeInfo
	hasBack := false
	if alignedSize != size {
		if alignedSize-size < freeNodeSize {
			return allocation{}, false
		}
		back = holeInfo{addr: alignedStart + size, size: alignedSize - size}
		hasBack = true
	}

	return allocation{
		info:         holeInfo{addr: alignedStart, size: size},
		frontPadding: front, hasFront: hasFront,
		backPadding: back, hasBack: hasBack,
	}, true
}

// deallocate returns [addr, addr+size) to the list, merging it with an
// abutting predecessor and/or successor hole.
func (l *freeList) deallocate(addr, size uintptr) {
	l.deallocateHole(holeInfo{addr: addr, size: size})
	l.allocatedSpace -= size
	l.freeSpace += size
}

func (l *freeList) deallocateHole(hole holeInfo) {
	prevAddr := uintptr(0)
	for {
		var prevSize, prevNext uintptr
		var prevSelfAddr uintptr
		if prevAddr == 0 {
			prevSize, prevNext = l.head.size, l.head.next
			prevSelfAddr = 0
		} else {
			p := nodeAt(prevAddr)
			prevSize, prevNext = p.size, p.next
			prevSelfAddr = prevAddr
		}

		if prevSelfAddr+prevSize > hole.addr && prevSelfAddr != 0 {
			panic("heap: invalid deallocation, hole precedes its own free node")
		}

		var nextInfo holeInfo
		hasNext := prevNext != 0
		if hasNext {
			n := nodeAt(prevNext)
			nextInfo = holeInfo{addr: prevNext, size: n.size}
		}

		switch {
		case hasNext && prevSelfAddr+prevSize == hole.addr && hole.addr+hole.size == nextInfo.addr:
			// Exact fit between this node and the next: merge all three.
			setSize(prevAddr, &l.head, prevSize+hole.size+nextInfo.size)
			setNext(prevAddr, &l.head, nodeAt(nextInfo.addr).next)
			return

		case prevSelfAddr+prevSize == hole.addr:
			// Directly after this node.
			setSize(prevAddr, &l.head, prevSize+hole.size)
			return

		case hasNext && hole.addr+hole.size == nextInfo.addr:
			// Directly before the next node: absorb it and keep scanning
			// from here in case it also abuts what follows.
			setNext(prevAddr, &l.head, nodeAt(nextInfo.addr).next)
			hole.size += nextInfo.size
			continue

		case hasNext && nextInfo.addr <= hole.addr:
			// Still behind the next node; advance.
			prevAddr = prevNext
			continue

		default:
			// Splice a fresh node in between this node and the next.
			n := nodeAt(hole.addr)
			n.size = hole.size
			n.next = prevNext
			setNext(prevAddr, &l.head, hole.addr)
			return
		}
	}
}

func setSize(addr uintptr, sentinel *freeNode, size uintptr) {
	if addr == 0 {
		sentinel.size = size
		return
	}
	nodeAt(addr).size = size
}

func setNext(addr uintptr, sentinel *freeNode, next uintptr) {
	if addr == 0 {
		sentinel.next = next
		return
	}
	nodeAt(addr).next = next
}
