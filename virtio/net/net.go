// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package net implements the virtio network device class driver: RX buffer
// pre-posting, 2-segment TX framing and hardware address handling, as
// described by drivers/net/virtio.c in the original C implementation this
// module's design is based on.
package net

import (
	"fmt"

	"github.com/usbarmory/virtio/bits"
	"github.com/usbarmory/virtio/dma"
	"github.com/usbarmory/virtio/virtio"
)

const (
	// NumRXBuffers is the number of receive buffers pre-posted at Start.
	NumRXBuffers = 4
	// RXBufferSize is the size of each pre-posted receive buffer,
	// large enough for the virtio_net_hdr plus a maximum-size Ethernet
	// frame.
	RXBufferSize = 1526

	netHdrSize = 12 // virtio_net_hdr, all flags/offload fields zeroed

	featMAC        = 5
	featStatus     = 16
	rxQueue        = 0
	txQueue        = 1
)

// Device is a bound virtio network device.
type Device struct {
	dev *virtio.Device
	rx  *virtio.Queue
	tx  *virtio.Queue

	rxBufs    map[uint16]rxBuffer // posted, awaiting the device
	rxPending map[uint16]rxBuffer // harvested by Recv, awaiting FreePkt
}

type rxBuffer struct {
	addr uint
	buf  []byte
}

// Driver is the virtio.Driver implementation for net devices.
type Driver struct{}

// Name implements virtio.Driver.
func (Driver) Name() string { return "virtio-net" }

// Probe implements virtio.Driver.
func (Driver) Probe(dev *virtio.Device) (uint64, error) {
	offered := dev.Transport.DeviceFeatures()

	want := uint64(0)
	for _, bit := range []int{int(virtio.FeatureVersion1), featMAC, featStatus} {
		if bits.Get64(&offered, bit, 1) != 0 {
			bits.Set64(&want, bit)
		}
	}

	return want, nil
}

// SetupQueues implements virtio.Driver: a net device has a receive queue
// and a transmit queue, both set up before DRIVER_OK.
func (Driver) SetupQueues(dev *virtio.Device) error {
	if _, err := dev.SetupQueue(rxQueue, 0); err != nil {
		return err
	}

	if _, err := dev.SetupQueue(txQueue, 0); err != nil {
		return err
	}

	return nil
}

func init() {
	virtio.DefaultRegistry.Register(Driver{}, virtio.Match{VendorID: virtio.AnyID, DeviceID: virtio.DeviceIDNet})
}

// Open finishes binding a probed net device: the RX and TX queues already
// exist (virtio.Probe calls Driver.SetupQueues before returning), so Open
// only looks them up.
func Open(dev *virtio.Device) (*Device, error) {
	if dev.Transport.DeviceID() != virtio.DeviceIDNet {
		return nil, fmt.Errorf("%w: not a net device", virtio.ErrUnsupported)
	}

	rx := dev.Queue(rxQueue)
	tx := dev.Queue(txQueue)

	if rx == nil || tx == nil {
		return nil, fmt.Errorf("%w: RX/TX queues not set up", virtio.ErrNotPresent)
	}

	d := &Device{
		dev:       dev,
		rx:        rx,
		tx:        tx,
		rxBufs:    make(map[uint16]rxBuffer),
		rxPending: make(map[uint16]rxBuffer),
	}

	return d, nil
}

// Start pre-posts NumRXBuffers receive buffers and kicks the RX queue
// once, mirroring virtnet_start.
func (d *Device) Start() error {
	for i := 0; i < NumRXBuffers; i++ {
		if err := d.postRX(); err != nil {
			return err
		}
	}

	d.rx.Notify()

	return nil
}

func (d *Device) postRX() error {
	buf := make([]byte, RXBufferSize)
	addr := dma.Alloc(buf, 0)

	return d.postBuffer(addr, buf)
}

func (d *Device) postBuffer(addr uint, buf []byte) error {
	head, err := d.rx.Add(nil, []virtio.Segment{{Addr: uint64(addr), Length: RXBufferSize}})
	if err != nil {
		dma.Free(addr)
		return err
	}

	d.rxBufs[head] = rxBuffer{addr: addr, buf: buf}

	return nil
}

// Send transmits frame as the device-readable payload of a 2-segment
// request: a zeroed virtio_net_hdr followed by the frame itself.
func (d *Device) Send(frame []byte) error {
	hdr := make([]byte, netHdrSize)
	hdrAddr := dma.Alloc(hdr, 0)
	defer dma.Free(hdrAddr)

	frameAddr := dma.Alloc(frame, 0)
	defer dma.Free(frameAddr)

	out := []virtio.Segment{
		{Addr: uint64(hdrAddr), Length: netHdrSize},
		{Addr: uint64(frameAddr), Length: uint32(len(frame))},
	}

	if _, err := d.tx.Add(out, nil); err != nil {
		return err
	}

	d.tx.Kick()

	if _, _, err := d.tx.Poll(yieldOnce); err != nil {
		return err
	}

	return nil
}

// Recv harvests one received frame without blocking, returning ok=false if
// none is ready. The returned buffer must be passed to FreePkt once
// consumed, to re-post it for the device.
func (d *Device) Recv() (id uint16, frame []byte, ok bool, err error) {
	head, length, ready, err := d.rx.GetBuf()
	if err != nil || !ready {
		return 0, nil, false, err
	}

	rb, found := d.rxBufs[head]
	if !found {
		return 0, nil, false, fmt.Errorf("%w: unknown RX descriptor %d", virtio.ErrProtocol, head)
	}

	delete(d.rxBufs, head)

	if int(length) < netHdrSize {
		return 0, nil, false, fmt.Errorf("%w: short RX frame", virtio.ErrProtocol)
	}

	dma.Read(rb.addr, 0, rb.buf[:length])
	d.rxPending[head] = rb

	return head, rb.buf[netHdrSize:length], true, nil
}

// FreePkt re-posts a buffer previously returned by Recv back onto the RX
// queue, reusing its allocation rather than taking a fresh one.
func (d *Device) FreePkt(id uint16) error {
	rb, found := d.rxPending[id]
	if !found {
		return fmt.Errorf("%w: unknown RX descriptor %d", virtio.ErrProtocol, id)
	}

	delete(d.rxPending, id)

	return d.postBuffer(rb.addr, rb.buf)
}

// HardwareAddr returns the device's MAC address, read from config space
// when the MAC feature was negotiated. Unlike the source this is derived
// from, it never substitutes a hardcoded address over the config value.
func (d *Device) HardwareAddr() (addr [6]byte, err error) {
	if !d.dev.HasFeature(featMAC) {
		return addr, fmt.Errorf("%w: device has no MAC feature", virtio.ErrUnsupported)
	}

	d.dev.Transport.ReadConfig(0, addr[:])

	return addr, nil
}

// SetHardwareAddr writes addr to config space. It requires VERSION_1,
// matching virtnet_write_hwaddr's gate: a legacy device's config space has
// no defined write semantics for the MAC field.
func (d *Device) SetHardwareAddr(addr [6]byte) error {
	if !d.dev.HasFeature(virtio.FeatureVersion1) {
		return fmt.Errorf("%w: hwaddr write requires VERSION_1", virtio.ErrUnsupported)
	}

	d.dev.Transport.WriteConfig(0, addr[:])

	return nil
}

func yieldOnce() {}
