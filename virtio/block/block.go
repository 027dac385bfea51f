// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package block implements the virtio block device class driver: a single
// request queue carrying 3-segment (header, data, status) requests, as
// described by drivers/block/virtio.c in the original C implementation
// this module's design is based on.
package block

import (
	"fmt"
	"runtime"

	"github.com/usbarmory/virtio/bits"
	"github.com/usbarmory/virtio/virtio"
	"github.com/usbarmory/virtio/dma"
)

const (
	// SectorSize is the fixed block size the virtio block device class
	// operates on.
	SectorSize = 512

	reqHeaderSize = 16
	reqStatusSize = 1

	typeIn  = 0
	typeOut = 1

	statusOK             = 0
	statusIOErr          = 1
	statusUnsupported    = 2

	featCapacity = 0 // always offered
	featRO       = 5
)

// Device is a bound virtio block device.
type Device struct {
	dev *virtio.Device
	q   *virtio.Queue

	capacity uint64 // in 512-byte sectors
	readOnly bool
}

// Driver is the virtio.Driver implementation for block devices.
type Driver struct{}

// Name implements virtio.Driver.
func (Driver) Name() string { return "virtio-blk" }

// Probe implements virtio.Driver: it negotiates no optional features
// beyond VERSION_1 (if offered) and RO.
func (Driver) Probe(dev *virtio.Device) (uint64, error) {
	offered := dev.Transport.DeviceFeatures()

	want := uint64(0)
	for _, bit := range []int{int(virtio.FeatureVersion1), featRO} {
		if bits.Get64(&offered, bit, 1) != 0 {
			bits.Set64(&want, bit)
		}
	}

	return want, nil
}

// SetupQueues implements virtio.Driver: a block device has a single
// request queue, set up with the device's reported maximum size.
func (Driver) SetupQueues(dev *virtio.Device) error {
	_, err := dev.SetupQueue(0, 0)
	return err
}

func init() {
	virtio.DefaultRegistry.Register(Driver{}, virtio.Match{VendorID: virtio.AnyID, DeviceID: virtio.DeviceIDBlock})
}

// Open finishes binding a probed block device: it reads the capacity from
// config space. The request queue must already exist (virtio.Probe calls
// Driver.SetupQueues before returning), so Open only looks it up.
func Open(dev *virtio.Device) (*Device, error) {
	if dev.Transport.DeviceID() != virtio.DeviceIDBlock {
		return nil, fmt.Errorf("%w: not a block device", virtio.ErrUnsupported)
	}

	q := dev.Queue(0)
	if q == nil {
		return nil, fmt.Errorf("%w: request queue not set up", virtio.ErrNotPresent)
	}

	var capBuf [8]byte
	readConfigStable(dev, 0, capBuf[:])

	d := &Device{
		dev:      dev,
		q:        q,
		capacity: dev.ByteOrder().Uint64(capBuf[:]),
		readOnly: dev.HasFeature(featRO),
	}

	return d, nil
}

// readConfigStable reads buf from config space, retrying if the
// generation counter changes across the read: a multi-word field like
// capacity can be torn by a concurrent device-side config update, and the
// generation counter is how the caller detects and retries that.
func readConfigStable(dev *virtio.Device, off int, buf []byte) {
	for {
		before := dev.Transport.ConfigGeneration()
		dev.Transport.ReadConfig(off, buf)
		after := dev.Transport.ConfigGeneration()

		if before == after {
			return
		}
	}
}

// Capacity returns the device size in 512-byte sectors.
func (d *Device) Capacity() uint64 { return d.capacity }

// ReadOnly reports whether the device rejects write requests.
func (d *Device) ReadOnly() bool { return d.readOnly }

// ReadAt reads count sectors starting at sector into buf, which must be
// exactly count*SectorSize bytes.
func (d *Device) ReadAt(sector uint64, buf []byte) error {
	return d.do(typeIn, sector, buf)
}

// WriteAt writes buf (a multiple of SectorSize bytes) to sector.
func (d *Device) WriteAt(sector uint64, buf []byte) error {
	if d.readOnly {
		return fmt.Errorf("%w: device is read-only", virtio.ErrUnsupported)
	}

	return d.do(typeOut, sector, buf)
}

// do submits one request (header, data, status) and busy-polls for
// completion, distinguishing an I/O failure from an unsupported request
// instead of collapsing both to a single error value.
func (d *Device) do(reqType uint32, sector uint64, buf []byte) error {
	if len(buf)%SectorSize != 0 {
		return fmt.Errorf("%w: buffer not a multiple of sector size", virtio.ErrProtocol)
	}

	order := d.dev.ByteOrder()

	var hdr [reqHeaderSize]byte
	order.PutUint32(hdr[0:4], reqType)
	order.PutUint32(hdr[4:8], 0)
	order.PutUint64(hdr[8:16], sector)

	hdrAddr := dma.Alloc(hdr[:], 0)
	defer dma.Free(hdrAddr)

	dataAddr := dma.Alloc(buf, 0)
	defer func() {
		if reqType == typeIn {
			dma.Read(dataAddr, 0, buf)
		}
		dma.Free(dataAddr)
	}()

	statusBuf := make([]byte, reqStatusSize)
	statusAddr := dma.Alloc(statusBuf, 0)
	defer dma.Free(statusAddr)

	out := []virtio.Segment{{Addr: uint64(hdrAddr), Length: reqHeaderSize}}
	in := []virtio.Segment{}

	if reqType == typeOut {
		out = append(out, virtio.Segment{Addr: uint64(dataAddr), Length: uint32(len(buf))})
	} else {
		in = append(in, virtio.Segment{Addr: uint64(dataAddr), Length: uint32(len(buf))})
	}

	in = append(in, virtio.Segment{Addr: uint64(statusAddr), Length: reqStatusSize})

	if _, err := d.q.Add(out, in); err != nil {
		return err
	}

	d.q.Kick()

	if _, _, err := d.q.Poll(runtime.Gosched); err != nil {
		return err
	}

	dma.Read(statusAddr, 0, statusBuf)

	switch statusBuf[0] {
	case statusOK:
		return nil
	case statusUnsupported:
		return virtio.ErrUnsupported
	default:
		return virtio.ErrIO
	}
}
