// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides a first-fit allocator for buffers that are shared
// between a guest driver and a host across a memory-mapped transport. Since
// the target runtime has no MMU translation to account for, an address
// handed out by this package is usable directly as the bus address placed
// in a virtqueue descriptor: the guest and the simulated host side of a
// transport see the same bytes at the same address.
package dma

import (
	"container/list"
	"errors"
	"sync"
	"unsafe"
)

// Region represents a memory region allocated for DMA purposes.
type Region struct {
	sync.Mutex

	start uint
	size  uint

	freeBlocks *list.List
	usedBlocks map[uint]*block
}

var dma *Region

// Init initializes a memory region for DMA buffer allocation. The caller
// must guarantee that the passed memory range is never used for anything
// else for the lifetime of the region.
func (r *Region) Init() {
	b := &block{
		addr: r.start,
		size: r.size,
	}

	r.Lock()
	defer r.Unlock()

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(b)

	r.usedBlocks = make(map[uint]*block)
}

// NewRegion allocates and initializes a Region instance for an existing
// memory range, without taking ownership of a global default region. This is
// used to overlay the allocator on top of a fixed address window — such as
// an MMIO device's configuration space — so that byte-aligned sub-slices of
// it can be handed out through Reserve.
func NewRegion(start uint, size int, physical bool) (r *Region, err error) {
	if size <= 0 {
		return nil, errors.New("invalid DMA region size")
	}

	r = &Region{
		start: start,
		size:  uint(size),
	}

	r.Init()

	return
}

// Init initializes the package default DMA region.
func Init(start uint, size int) {
	dma = &Region{
		start: start,
		size:  uint(size),
	}

	dma.Init()
}

// Default returns the package default DMA region instance.
func Default() *Region {
	return dma
}

// Start returns the DMA region start address.
func (r *Region) Start() uint {
	return r.start
}

// End returns the DMA region end address.
func (r *Region) End() uint {
	return r.start + r.size
}

// Size returns the DMA region size.
func (r *Region) Size() uint {
	return r.size
}

// Reserve allocates a slice of bytes for DMA purposes, by placing its data
// within the DMA region, with optional alignment. It returns the slice along
// with its data allocation address. The buffer can be freed up with
// Release().
//
// Reserving buffers with Reserve() allows callers to pre-allocate DMA
// regions, avoiding unnecessary memory copy operations when performance is a
// concern. Reserved buffers cause Alloc() and Read() to return without any
// allocation or memory copy.
//
// Reserved buffer contents are uninitialized (unlike when using Alloc()),
// and buf slices remain in reserved space but only the original buf can be
// the subject of Release().
//
// The optional alignment must be a power of 2; word alignment is always
// enforced (0 == 4).
func (r *Region) Reserve(size int, align int) (addr uint, buf []byte) {
	if size == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint(size), uint(align))
	b.res = true

	r.usedBlocks[b.addr] = b

	return b.addr, b.slice()
}

// Reserved returns whether a slice of bytes is allocated within the DMA
// region, used to determine whether the passed buffer was previously
// allocated by this package with Reserve().
func (r *Region) Reserved(buf []byte) (res bool, addr uint) {
	if len(buf) == 0 {
		return false, 0
	}

	ptr := uint(uintptr(unsafe.Pointer(&buf[0])))
	res = ptr >= r.start && ptr+uint(len(buf)) <= r.start+r.size

	return res, ptr
}

// Alloc reserves a memory region for DMA purposes, copying over a buffer and
// returning its allocation address, with optional alignment. The region can
// be freed up with Free().
//
// If the argument is a buffer previously created with Reserve(), then its
// address is returned without any re-allocation.
func (r *Region) Alloc(buf []byte, align int) (addr uint) {
	size := len(buf)

	if size == 0 {
		return 0
	}

	if res, addr := r.Reserved(buf); res {
		return addr
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint(size), uint(align))
	b.write(0, buf)

	r.usedBlocks[b.addr] = b

	return b.addr
}

// Read reads exactly len(buf) bytes from a memory region address into a
// buffer, the region must have been previously allocated with Alloc() or
// Reserve().
//
// If the argument is a buffer previously created with Reserve(), then the
// function returns without modifying it, as it is assumed for the buffer to
// already be current.
func (r *Region) Read(addr uint, off int, buf []byte) {
	size := len(buf)

	if addr == 0 || size == 0 {
		return
	}

	if res, _ := r.Reserved(buf); res {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		panic("read of unallocated pointer")
	}

	if uint(off+size) > b.size {
		panic("invalid read parameters")
	}

	b.read(uint(off), buf)
}

// Write writes buffer contents to a memory region address, the region must
// have been previously allocated with Alloc() or Reserve().
func (r *Region) Write(addr uint, off int, buf []byte) {
	size := len(buf)

	if addr == 0 || size == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		return
	}

	if uint(off+size) > b.size {
		panic("invalid write parameters")
	}

	b.write(uint(off), buf)
}

// Free frees the memory region stored at the passed address, the region must
// have been previously allocated with Alloc().
func (r *Region) Free(addr uint) {
	r.freeBlock(addr, false)
}

// Release frees the memory region stored at the passed address, the region
// must have been previously allocated with Reserve().
func (r *Region) Release(addr uint) {
	r.freeBlock(addr, true)
}

// Reserve allocates from the package default region.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

// Reserved reports whether buf came from the package default region.
func Reserved(buf []byte) (res bool, addr uint) {
	return dma.Reserved(buf)
}

// Alloc allocates from the package default region, copying buf into it.
func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

// Read reads from the package default region.
func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

// Write writes to the package default region.
func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

// Free releases an Alloc()-ed buffer back to the package default region.
func Free(addr uint) {
	dma.Free(addr)
}

// Release releases a Reserve()-ed buffer back to the package default region.
func Release(addr uint) {
	dma.Release(addr)
}

func (r *Region) defrag() {
	var prevBlock *block

	// find contiguous free blocks and combine them
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prevBlock != nil {
			if prevBlock.addr+prevBlock.size == b.addr {
				prevBlock.size += b.size
				defer r.freeBlocks.Remove(e)
				continue
			}
		}

		prevBlock = e.Value.(*block)
	}
}

func (r *Region) alloc(size uint, align uint) *block {
	var e *list.Element
	var freeBlock *block
	var pad uint

	if align == 0 {
		// force word alignment
		align = 4
	}

	// find suitable block
	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		// pad to required alignment
		pad = -b.addr & (align - 1)

		if b.size >= size+pad {
			freeBlock = b
			break
		}
	}

	if freeBlock == nil {
		panic("out of memory")
	}

	// allocate block from free linked list
	defer r.freeBlocks.Remove(e)

	// adjust block to desired size, add new block for remainder
	if rem := freeBlock.size - (size + pad); rem != 0 {
		newBlockAfter := &block{
			addr: freeBlock.addr + pad + size,
			size: rem,
		}

		r.freeBlocks.InsertAfter(newBlockAfter, e)
	}

	if pad != 0 {
		// claim padding space
		newBlockBefore := &block{
			addr: freeBlock.addr,
			size: pad,
		}

		freeBlock.addr += pad
		r.freeBlocks.InsertBefore(newBlockBefore, e)
	}

	freeBlock.size = size

	return freeBlock
}

func (r *Region) free(usedBlock *block) {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.addr > usedBlock.addr {
			r.freeBlocks.InsertBefore(usedBlock, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(usedBlock)
}

func (r *Region) freeBlock(addr uint, res bool) {
	if addr == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		return
	}

	if b.res != res {
		return
	}

	r.free(b)
	delete(r.usedBlocks, addr)
}
