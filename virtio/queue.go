// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/usbarmory/virtio/dma"
)

const (
	descFNext  uint16 = 1
	descFWrite uint16 = 2

	availFNoInterrupt uint16 = 1
	usedFNoNotify     uint16 = 1

	descSize = 16

	pageSize = 4096
	// tailSlack reserves a few extra bytes past the formal ring layout
	// computed by vringSize.
	tailSlack = 4
)

// Segment is one physically-contiguous fragment of a scatter/gather
// buffer handed to Add.
type Segment struct {
	Addr   uint64
	Length uint32
}

// Queue is one split virtqueue: a contiguous, page-aligned DMA allocation
// holding the descriptor table, available ring and used ring, plus the
// driver-side shadow state needed to walk them.
type Queue struct {
	device *Device
	index  int

	num uint16

	mem  []byte
	addr uint

	availOff int
	usedOff  int

	freeHead uint16
	numFree  uint16

	availIdxShadow  uint16
	lastKickedAvail uint16
	lastUsedIdx     uint16

	eventIdxEnabled bool
}

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// vringSize returns the number of bytes needed to hold a ring of num
// descriptors, with the used ring beginning at the given alignment.
func vringSize(num int, alignment int) int {
	descBytes := descSize * num
	availBytes := 2 * (3 + num)
	usedBytes := 2*3 + 8*num

	return align(descBytes+availBytes, alignment) + usedBytes
}

// newQueue allocates and initializes a queue of up to size descriptors,
// halving the request if the allocator cannot satisfy it, mirroring
// vring_create_virtqueue's retry against page-sized allocations.
func newQueue(d *Device, index int, size uint16) (q *Queue, err error) {
	n := size

	for n > 0 {
		total := vringSize(int(n), pageSize) + tailSlack

		addr, mem, ok := tryReserve(total)
		if ok {
			q = &Queue{
				device:   d,
				index:    index,
				num:      n,
				mem:      mem,
				addr:     addr,
				availOff: descSize * int(n),
			}
			q.usedOff = align(q.availOff+2*(3+int(n)), pageSize)
			q.eventIdxEnabled = d.HasFeature(FeatureRingEventIdx)
			q.init()

			return q, nil
		}

		n /= 2
	}

	return nil, fmt.Errorf("%w: queue %d of size %d", ErrOutOfMemory, index, size)
}

// tryReserve wraps dma.Reserve so an allocator panic (out of memory) can be
// turned into an (ok=false) return instead of crashing the halving retry.
func tryReserve(size int) (addr uint, buf []byte, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	addr, buf = dma.Reserve(size, pageSize)

	return addr, buf, true
}

func (q *Queue) init() {
	for i := uint16(0); i < q.num; i++ {
		q.setDescriptor(i, 0, 0, 0, i+1)
	}

	q.freeHead = 0
	q.numFree = q.num
}

func (q *Queue) descAddr() uint64  { return uint64(q.addr) }
func (q *Queue) availAddr() uint64 { return uint64(q.addr + uint(q.availOff)) }
func (q *Queue) usedAddr() uint64  { return uint64(q.addr + uint(q.usedOff)) }

// Addresses returns the bus addresses of the descriptor table, available
// ring and used ring, for tooling (a test harness's simulated host, a
// debugger) that needs to walk the ring from outside the package.
func (q *Queue) Addresses() (desc, avail, used uint64) {
	return q.descAddr(), q.availAddr(), q.usedAddr()
}

// Size returns the queue's ring capacity.
func (q *Queue) Size() uint16 { return q.num }

// Close releases the queue's backing DMA allocation. The queue must not be
// used afterward.
func (q *Queue) Close() {
	dma.Release(q.addr)
}

// --- descriptor table ---

func (q *Queue) descriptorOffset(i uint16) int {
	return int(i) * descSize
}

func (q *Queue) setDescriptor(i uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := q.descriptorOffset(i)
	order := q.device.ByteOrder()

	order.PutUint64(q.mem[off:off+8], addr)
	order.PutUint32(q.mem[off+8:off+12], length)
	order.PutUint16(q.mem[off+12:off+14], flags)
	order.PutUint16(q.mem[off+14:off+16], next)
}

func (q *Queue) descriptorNext(i uint16) uint16 {
	off := q.descriptorOffset(i)
	return q.device.ByteOrder().Uint16(q.mem[off+14 : off+16])
}

func (q *Queue) descriptorFlags(i uint16) uint16 {
	off := q.descriptorOffset(i)
	return q.device.ByteOrder().Uint16(q.mem[off+12 : off+14])
}

// --- available ring ---
// layout at availOff: flags(2) idx(2) ring[num](2 each) used_event(2)

func (q *Queue) setAvailRing(slot uint16, desc uint16) {
	off := q.availOff + 4 + int(slot)*2
	q.device.ByteOrder().PutUint16(q.mem[off:off+2], desc)
}

func (q *Queue) loadUsedEvent() uint16 {
	off := q.availOff + 4 + int(q.num)*2
	return q.device.ByteOrder().Uint16(q.mem[off : off+2])
}

// publishAvailIdx stores flags and idx together as a single atomic word, so
// a concurrent reader never observes one updated without the other, and
// never observes the new idx before the descriptor/ring-slot writes that
// precede it in program order (those plain writes happen-before this
// atomic store per the Go memory model, which is exactly the release
// barrier the split virtqueue protocol requires here).
func (q *Queue) publishAvailIdx(flags, idx uint16) {
	var b [4]byte
	order := q.device.ByteOrder()
	order.PutUint16(b[0:2], flags)
	order.PutUint16(b[2:4], idx)

	w := *(*uint32)(unsafe.Pointer(&b[0]))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&q.mem[q.availOff])), w)
}

// --- used ring ---
// layout at usedOff: flags(2) idx(2) ring[num](id uint32, len uint32 each) avail_event(2)

func (q *Queue) loadUsedFlagsIdx() (flags, idx uint16) {
	w := atomic.LoadUint32((*uint32)(unsafe.Pointer(&q.mem[q.usedOff])))
	b := (*[4]byte)(unsafe.Pointer(&w))

	order := q.device.ByteOrder()
	return order.Uint16(b[0:2]), order.Uint16(b[2:4])
}

func (q *Queue) usedRingEntry(slot uint16) (id uint32, length uint32) {
	off := q.usedOff + 4 + int(slot)*8
	order := q.device.ByteOrder()
	return order.Uint32(q.mem[off : off+4]), order.Uint32(q.mem[off+4 : off+8])
}

func (q *Queue) setAvailEvent(idx uint16) {
	off := q.usedOff + 4 + int(q.num)*8
	q.device.ByteOrder().PutUint16(q.mem[off:off+2], idx)
}

func (q *Queue) loadAvailEvent() uint16 {
	off := q.usedOff + 4 + int(q.num)*8
	return q.device.ByteOrder().Uint16(q.mem[off : off+2])
}

// vringNeedEvent reports whether a notification is owed given the event
// index the other side last published, and the old/new positions this side
// advanced through.
func vringNeedEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return newIdx-eventIdx-1 < newIdx-oldIdx
}

// Add submits a descriptor chain built from out (device-readable) segments
// followed by in (device-writable) segments, and advances the available
// ring. It does not ring the doorbell for a successful submission, except
// when the entries added since the last kick are one short of wrapping the
// 16-bit index; call KickPrepare/Notify (or Kick) afterward. A submission
// that does not fit and carries out segments rings it before failing.
func (q *Queue) Add(out, in []Segment) (uint16, error) {
	total := len(out) + len(in)

	if total == 0 {
		return 0, fmt.Errorf("%w: empty descriptor chain", ErrProtocol)
	}

	if uint16(total) > q.numFree {
		if len(out) > 0 {
			q.Notify()
		}

		return 0, ErrNoSpace
	}

	head := q.freeHead
	cur := head

	write := func(seg Segment, isWrite bool, last bool) {
		flags := uint16(0)

		if !last {
			flags |= descFNext
		}

		if isWrite {
			flags |= descFWrite
		}

		next := q.descriptorNext(cur)
		q.setDescriptor(cur, seg.Addr, seg.Length, flags, next)

		if !last {
			cur = next
		}
	}

	for i, seg := range out {
		write(seg, false, i == len(out)-1 && len(in) == 0)
	}

	for i, seg := range in {
		write(seg, true, i == len(in)-1)
	}

	q.freeHead = q.descriptorNext(cur)
	q.numFree -= uint16(total)

	slot := q.availIdxShadow % q.num
	q.setAvailRing(slot, head)

	q.availIdxShadow++

	// the core never asks for interrupts (it is polled end to end): without
	// event index, avail.flags says so with NO_INTERRUPT
	flags := uint16(0)
	if !q.eventIdxEnabled {
		flags = availFNoInterrupt
	}

	q.publishAvailIdx(flags, q.availIdxShadow)

	// force a doorbell before the entries added since the last kick can
	// wrap the 16-bit index space
	if q.availIdxShadow-q.lastKickedAvail == 0xffff {
		q.Kick()
	}

	return head, nil
}

// KickPrepare reports whether the device wants to be notified of the
// descriptors added since the previous call, consulting the event index
// published by the device if negotiated, or its NO_NOTIFY flag otherwise.
func (q *Queue) KickPrepare() bool {
	old := q.lastKickedAvail
	newIdx := q.availIdxShadow
	q.lastKickedAvail = newIdx

	if old == newIdx {
		return false
	}

	if q.eventIdxEnabled {
		return vringNeedEvent(q.loadAvailEvent(), newIdx, old)
	}

	flags, _ := q.loadUsedFlagsIdx()

	return flags&usedFNoNotify == 0
}

// Notify unconditionally rings the queue's doorbell.
func (q *Queue) Notify() {
	q.device.Transport.QueueNotify(q.index)
}

// Kick rings the doorbell if KickPrepare reports the device wants one.
func (q *Queue) Kick() {
	if q.KickPrepare() {
		q.Notify()
	}
}

// GetBuf returns the next completed descriptor chain's head id and the
// byte count the device reported writing, or ok=false if none is ready
// yet.
func (q *Queue) GetBuf() (head uint16, length uint32, ok bool, err error) {
	_, usedIdx := q.loadUsedFlagsIdx()

	if q.lastUsedIdx == usedIdx {
		return 0, 0, false, nil
	}

	slot := q.lastUsedIdx % q.num
	id, length := q.usedRingEntry(slot)

	if id >= uint32(q.num) {
		return 0, 0, false, fmt.Errorf("%w: used id %d out of range", ErrProtocol, id)
	}

	q.detach(uint16(id))
	q.lastUsedIdx++

	if q.eventIdxEnabled {
		q.setUsedEvent(q.lastUsedIdx)
	}

	return uint16(id), length, true, nil
}

// setUsedEvent publishes used_event (the avail ring's trailing field,
// written by the driver to tell the device when next to notify). Ordinary
// store: a stale read only delays an unnecessary notification, it never
// corrupts transferred data, so it does not need the atomic treatment
// avail.idx/used.idx get.
func (q *Queue) setUsedEvent(idx uint16) {
	off := q.availOff + 4 + int(q.num)*2
	q.device.ByteOrder().PutUint16(q.mem[off:off+2], idx)
}

// detach walks the chain starting at id, following NEXT flags, and relinks
// every visited descriptor back onto the free list.
func (q *Queue) detach(id uint16) {
	n := uint16(1)
	cur := id

	for q.descriptorFlags(cur)&descFNext != 0 {
		cur = q.descriptorNext(cur)
		n++
	}

	// relink tail -> old free head, advance free head to the released
	// chain's first descriptor
	off := q.descriptorOffset(cur)
	order := q.device.ByteOrder()
	order.PutUint16(q.mem[off+14:off+16], q.freeHead)

	q.freeHead = id
	q.numFree += n
}

// Poll busy-waits for the next completed descriptor chain, calling yield
// between attempts (typically runtime.Gosched, or a sleep in production).
func (q *Queue) Poll(yield func()) (head uint16, length uint32, err error) {
	for {
		head, length, ok, err := q.GetBuf()
		if err != nil {
			return 0, 0, err
		}

		if ok {
			return head, length, nil
		}

		yield()
	}
}
