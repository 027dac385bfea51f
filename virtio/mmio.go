// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/virtio/bits"
	"github.com/usbarmory/virtio/internal/reg"
)

// MMIO register offsets, common to the legacy (v1) and modern (v2) layouts
// unless noted.
const (
	regMagic         = 0x000
	regVersion       = 0x004
	regDeviceID      = 0x008
	regVendorID      = 0x00c
	regDeviceFeat    = 0x010
	regDeviceFeatSel = 0x014
	regDriverFeat    = 0x020
	regDriverFeatSel = 0x024
	regGuestPageSize = 0x028 // v1 only
	regQueueSel      = 0x030
	regQueueNumMax   = 0x034
	regQueueNum      = 0x038
	regQueueAlign    = 0x03c // v1 only
	regQueuePFN      = 0x040 // v1 only
	regQueueReady    = 0x044 // v2 only
	regQueueNotify   = 0x050
	regInterruptStat = 0x060
	regInterruptAck  = 0x064
	regStatus        = 0x070
	regQueueDescLow  = 0x080 // v2 only
	regQueueDescHigh = 0x084
	regQueueDrvLow   = 0x090
	regQueueDrvHigh  = 0x094
	regQueueDevLow   = 0x0a0
	regQueueDevHigh  = 0x0a4
	regConfigGen     = 0x0fc // v2 only
	regConfig        = 0x100

	magicValue      = 0x74726976 // "virt"
	legacyPageSize  = 4096
)

// MMIO implements Transport over the virtio memory-mapped I/O register
// layout, for both the legacy (version 1) and modern (version 2) device
// flavours described by the virtio specification.
type MMIO struct {
	// Base is the physical address of the device's register window.
	Base uint

	version int

	deviceFeatures  uint64
	driverFeatures  uint64
	negotiated      uint64
	featuresLatched bool

	configSize int
}

// NewMMIO probes the register window at base and returns a ready
// Transport, or an error if the magic value or version field is not one
// this module understands.
func NewMMIO(base uint, configSize int) (*MMIO, error) {
	m := &MMIO{Base: base, configSize: configSize}

	if reg.Read(m.reg(regMagic)) != magicValue {
		return nil, fmt.Errorf("%w: bad magic at %#x", ErrNotPresent, base)
	}

	version := reg.Read(m.reg(regVersion))

	if version != 1 && version != 2 {
		return nil, fmt.Errorf("%w: unsupported MMIO version %d", ErrNotPresent, version)
	}

	m.version = int(version)

	// a DeviceIDInvalid slot is an inert placeholder, not a
	// register-level failure: Probe decides what to do with it, and no
	// further register writes (including the v1 page size write below)
	// are made on its behalf.
	if DeviceID(reg.Read(m.reg(regDeviceID))) == DeviceIDInvalid {
		return m, nil
	}

	if m.version == 1 {
		reg.Write(m.reg(regGuestPageSize), legacyPageSize)
	}

	return m, nil
}

func (m *MMIO) reg(offset uintptr) uintptr {
	return uintptr(m.Base) + offset
}

// DeviceID implements Transport.
func (m *MMIO) DeviceID() DeviceID {
	return DeviceID(reg.Read(m.reg(regDeviceID)))
}

// VendorID implements Transport.
func (m *MMIO) VendorID() uint32 {
	return reg.Read(m.reg(regVendorID))
}

// DeviceFeatures implements Transport.
func (m *MMIO) DeviceFeatures() uint64 {
	reg.Write(m.reg(regDeviceFeatSel), 1)
	hi := reg.Read(m.reg(regDeviceFeat))

	reg.Write(m.reg(regDeviceFeatSel), 0)
	lo := reg.Read(m.reg(regDeviceFeat))

	m.deviceFeatures = uint64(hi)<<32 | uint64(lo)

	return m.deviceFeatures
}

// SetDriverFeatures implements Transport: it writes the chosen subset of
// DeviceFeatures. It does not write FEATURES_OK; Probe adds that status bit
// afterwards. On a modern device a subset without VERSION_1 is rejected and
// FAILED is set.
func (m *MMIO) SetDriverFeatures(features uint64) error {
	m.driverFeatures = features

	reg.Write(m.reg(regDriverFeatSel), 0)
	reg.Write(m.reg(regDriverFeat), uint32(features))

	reg.Write(m.reg(regDriverFeatSel), 1)
	reg.Write(m.reg(regDriverFeat), uint32(features>>32))

	if m.version == 2 && !hasFeature(features, FeatureVersion1) {
		m.AddStatus(StatusFailed)
		return fmt.Errorf("%w: modern transport requires VERSION_1", ErrUnsupported)
	}

	m.negotiated = features
	m.featuresLatched = true

	return nil
}

// NegotiatedFeatures implements Transport.
func (m *MMIO) NegotiatedFeatures() uint64 {
	if !m.featuresLatched {
		return 0
	}

	return m.negotiated
}

// MaxQueueSize implements Transport.
func (m *MMIO) MaxQueueSize(index int) (uint16, error) {
	reg.Write(m.reg(regQueueSel), uint32(index))

	max := reg.Read(m.reg(regQueueNumMax))
	if max == 0 {
		return 0, fmt.Errorf("%w: queue %d", ErrNotPresent, index)
	}

	if max > 0xffff {
		max = 0xffff
	}

	return uint16(max), nil
}

// SetQueue implements Transport, publishing a queue's ring addresses and
// marking it live. It fails if the transport already reports the queue as
// active, matching the "already live" guard in the source handshake.
func (m *MMIO) SetQueue(index int, size uint16, desc, avail, used uint64) error {
	reg.Write(m.reg(regQueueSel), uint32(index))

	if m.version == 1 {
		if reg.Read(m.reg(regQueuePFN)) != 0 {
			return fmt.Errorf("%w: queue %d", ErrAlreadySet, index)
		}
	} else {
		if reg.Read(m.reg(regQueueReady)) != 0 {
			return fmt.Errorf("%w: queue %d", ErrAlreadySet, index)
		}
	}

	reg.Write(m.reg(regQueueNum), uint32(size))

	if m.version == 1 {
		reg.Write(m.reg(regQueueAlign), legacyPageSize)
		reg.Write(m.reg(regQueuePFN), uint32(desc/legacyPageSize))
		return nil
	}

	reg.Write(m.reg(regQueueDescLow), uint32(desc))
	reg.Write(m.reg(regQueueDescHigh), uint32(desc>>32))
	reg.Write(m.reg(regQueueDrvLow), uint32(avail))
	reg.Write(m.reg(regQueueDrvHigh), uint32(avail>>32))
	reg.Write(m.reg(regQueueDevLow), uint32(used))
	reg.Write(m.reg(regQueueDevHigh), uint32(used>>32))
	reg.Write(m.reg(regQueueReady), 1)

	return nil
}

// QueueNotify implements Transport.
func (m *MMIO) QueueNotify(index int) {
	reg.Write(m.reg(regQueueNotify), uint32(index))
}

// ReadConfig implements Transport. Version 1 devices are copied byte by
// byte regardless of requested width. Version 2 devices are read in 32-bit
// little-endian words, an 8-byte field as two such halves, matching the
// source's vm_get behaviour; a 2- or 1-byte remainder is taken from the low
// bytes of a further 32-bit load, so no 8- or 16-bit access is ever issued.
func (m *MMIO) ReadConfig(off int, buf []byte) {
	base := m.reg(regConfig) + uintptr(off)

	if m.version == 1 {
		for i := range buf {
			buf[i] = byte(reg.Read(base + uintptr(i)))
		}

		return
	}

	i := 0
	for i < len(buf) {
		switch {
		case len(buf)-i >= 4:
			binary.LittleEndian.PutUint32(buf[i:], reg.Read(base+uintptr(i)))
			i += 4
		case len(buf)-i >= 2:
			v := reg.Read(base + uintptr(i))
			binary.LittleEndian.PutUint16(buf[i:], uint16(v))
			i += 2
		default:
			v := reg.Read(base + uintptr(i))
			buf[i] = byte(v)
			i++
		}
	}
}

// WriteConfig implements Transport, with the same width rules as
// ReadConfig.
func (m *MMIO) WriteConfig(off int, buf []byte) {
	base := m.reg(regConfig) + uintptr(off)

	if m.version == 1 {
		for i, b := range buf {
			reg.Write(base+uintptr(i), uint32(b))
		}

		return
	}

	i := 0
	for i < len(buf) {
		switch {
		case len(buf)-i >= 4:
			reg.Write(base+uintptr(i), binary.LittleEndian.Uint32(buf[i:]))
			i += 4
		case len(buf)-i >= 2:
			reg.Write(base+uintptr(i), uint32(binary.LittleEndian.Uint16(buf[i:])))
			i += 2
		default:
			reg.Write(base+uintptr(i), uint32(buf[i]))
			i++
		}
	}
}

// ConfigGeneration implements Transport. It is always 0 for a legacy
// device, which has no atomicity guarantee for multi-word config reads.
func (m *MMIO) ConfigGeneration() uint32 {
	if m.version == 1 {
		return 0
	}

	return reg.Read(m.reg(regConfigGen))
}

// Status implements Transport. Only the low 8 bits of the register carry
// meaning; the rest is reserved.
func (m *MMIO) Status() uint32 {
	raw := reg.Read(m.reg(regStatus))
	return bits.Get(&raw, 0, 0xff)
}

// AddStatus implements Transport.
func (m *MMIO) AddStatus(bits uint32) {
	reg.Or(m.reg(regStatus), bits)
}

// Reset implements Transport. Writing 0 is the only legal way to clear any
// status bit.
func (m *MMIO) Reset() {
	reg.Write(m.reg(regStatus), 0)
}
