// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vhost is an in-memory simulation of the host side of a virtio
// MMIO device, used only by _test.go files across this module so the
// split virtqueue and MMIO transport can be exercised on a plain `go test`
// host without real hardware.
//
// It deliberately re-implements the wire layout independently of package
// virtio's internals, the way a real host-side device model (QEMU, a
// vhost-user backend) would: the two sides of the protocol share a byte
// format, not Go code.
package vhost

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"unsafe"
)

const (
	regMagic         = 0x000
	regVersion       = 0x004
	regDeviceID      = 0x008
	regVendorID      = 0x00c
	regDeviceFeat    = 0x010
	regDeviceFeatSel = 0x014
	regDriverFeat    = 0x020
	regDriverFeatSel = 0x024
	regQueueSel      = 0x030
	regQueueNumMax   = 0x034
	regConfigGen     = 0x0fc
	regConfig        = 0x100

	magicValue = 0x74726976

	descFNext  = 1
	descFWrite = 2
	descSize   = 16

	windowSize = 4096
)

// Config describes the fake device a Host presents.
type Config struct {
	Version    int
	VendorID   uint32
	DeviceID   uint32
	Features   uint64
	QueueMax   []uint16 // QueueMax[i] is queue i's max ring size
	ConfigData []byte
}

// Host is a simulated virtio MMIO device.
type Host struct {
	mem  []byte
	cfg  Config
	stop int32
	done chan struct{}
}

// New builds a Host and starts its register-bank reactor goroutine. The
// caller must call Close when done.
func New(cfg Config) *Host {
	size := windowSize + len(cfg.ConfigData)
	mem := make([]byte, size)

	h := &Host{mem: mem, cfg: cfg, done: make(chan struct{})}

	binary.LittleEndian.PutUint32(mem[regMagic:], magicValue)
	binary.LittleEndian.PutUint32(mem[regVersion:], uint32(cfg.Version))
	binary.LittleEndian.PutUint32(mem[regDeviceID:], cfg.DeviceID)
	binary.LittleEndian.PutUint32(mem[regVendorID:], cfg.VendorID)
	copy(mem[regConfig:], cfg.ConfigData)

	go h.reactor()

	return h
}

// Base is the address to hand to virtio.NewMMIO.
func (h *Host) Base() uint {
	return uint(uintptr(unsafe.Pointer(&h.mem[0])))
}

// Close stops the reactor goroutine.
func (h *Host) Close() {
	atomic.StoreInt32(&h.stop, 1)
	<-h.done
}

// reactor keeps the bank-switched registers (DEVICE_FEATURES,
// QUEUE_NUM_MAX) consistent with whichever bank/index the guest most
// recently selected. Real hardware reacts to a selector write
// combinatorially; this goroutine is the software stand-in for that.
func (h *Host) reactor() {
	defer close(h.done)

	for atomic.LoadInt32(&h.stop) == 0 {
		sel := atomic.LoadUint32((*uint32)(unsafe.Pointer(&h.mem[regDeviceFeatSel])))

		var feat uint32
		if sel == 1 {
			feat = uint32(h.cfg.Features >> 32)
		} else {
			feat = uint32(h.cfg.Features)
		}

		atomic.StoreUint32((*uint32)(unsafe.Pointer(&h.mem[regDeviceFeat])), feat)

		qsel := atomic.LoadUint32((*uint32)(unsafe.Pointer(&h.mem[regQueueSel])))

		var max uint32
		if int(qsel) < len(h.cfg.QueueMax) {
			max = uint32(h.cfg.QueueMax[qsel])
		}

		atomic.StoreUint32((*uint32)(unsafe.Pointer(&h.mem[regQueueNumMax])), max)

		runtime.Gosched()
	}
}

// ReadConfig reads back whatever bytes are currently stored in the config
// region (as written by the guest via SetHardwareAddr, for instance).
func (h *Host) ReadConfig(off, n int) []byte {
	buf := make([]byte, n)
	copy(buf, h.mem[regConfig+off:])
	return buf
}

// --- split virtqueue, host side ---

func memAt(addr uint, length int) []byte {
	ptr := unsafe.Pointer(uintptr(addr))
	return unsafe.Slice((*byte)(ptr), length)
}

// Segment is one descriptor as seen from the host side: the raw bytes it
// addresses, and whether the device may write into it.
type Segment struct {
	Data    []byte
	Writable bool
}

// Handler processes one descriptor chain and returns the byte count to
// report as written (only meaningful for the writable segments).
type Handler func(chain []Segment) uint32

// Service drains every new entry on the avail ring of the queue described
// by desc/avail/used/num (the addresses and size a Queue published via
// SetQueue) and, for each, invokes fn with the chain's segments, then
// posts a used-ring entry. It is a synchronous stand-in for the device
// constantly servicing the queue: tests call it once after a guest Kick
// instead of racing a background goroutine against the ring's own
// atomics. lastAvail tracks this queue's position across calls and must
// start out pointing at a zeroed uint16.
func Service(desc, availAddr, usedAddr uint64, num int, lastAvail *uint16, fn Handler) {
	avail := memAt(uint(availAddr), 4+2*num+2)
	used := memAt(uint(usedAddr), 4+8*num+2)
	descMem := memAt(uint(desc), num*descSize)

	idx := binary.LittleEndian.Uint16(avail[2:4])

	for *lastAvail != idx {
		slot := *lastAvail % uint16(num)
		head := binary.LittleEndian.Uint16(avail[4+int(slot)*2:])

		var chain []Segment
		cur := head

		for {
			off := int(cur) * descSize
			addr := binary.LittleEndian.Uint64(descMem[off:])
			length := binary.LittleEndian.Uint32(descMem[off+8:])
			flags := binary.LittleEndian.Uint16(descMem[off+12:])
			next := binary.LittleEndian.Uint16(descMem[off+14:])

			chain = append(chain, Segment{
				Data:     memAt(uint(addr), int(length)),
				Writable: flags&descFWrite != 0,
			})

			if flags&descFNext == 0 {
				break
			}

			cur = next
		}

		written := fn(chain)

		usedIdx := binary.LittleEndian.Uint16(used[2:4])
		slot2 := usedIdx % uint16(num)
		off := 4 + int(slot2)*8
		binary.LittleEndian.PutUint32(used[off:], uint32(head))
		binary.LittleEndian.PutUint32(used[off+4:], written)

		var w [4]byte
		binary.LittleEndian.PutUint16(w[0:2], 0)
		binary.LittleEndian.PutUint16(w[2:4], usedIdx+1)
		atomic.StoreUint32((*uint32)(unsafe.Pointer(&used[0])), *(*uint32)(unsafe.Pointer(&w[0])))

		*lastAvail++
	}
}

// ServiceLoop runs Service in a loop until stop is closed, yielding between
// empty passes. End-to-end tests whose driver code blocks on Poll inside a
// single call (block.Device.ReadAt, net.Device.Send) need something on the
// other side servicing the queue concurrently; this is that something.
func ServiceLoop(desc, availAddr, usedAddr uint64, num int, lastAvail *uint16, fn Handler, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		Service(desc, availAddr, usedAddr, num, lastAvail, fn)
		runtime.Gosched()
	}
}
