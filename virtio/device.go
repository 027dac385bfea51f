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
)

// Status bits, as written to the device status register. They are only
// ever added to, never individually cleared: the only way back to 0 is a
// full Reset.
const (
	StatusAcknowledge uint32 = 1 << 0
	StatusDriver      uint32 = 1 << 1
	StatusDriverOK    uint32 = 1 << 2
	StatusFeaturesOK  uint32 = 1 << 3
	StatusNeedsReset  uint32 = 1 << 6
	StatusFailed      uint32 = 1 << 7
)

// Reserved feature bits common to every device type.
const (
	// FeatureVersion1 (bit 32) marks a modern (non-legacy) device: when
	// negotiated, all ring and config fields are little-endian.
	FeatureVersion1 uint = 32
	// FeatureRingEventIdx (bit 29) enables the used_event/avail_event
	// notification suppression fields.
	FeatureRingEventIdx uint = 29
)

// DeviceID identifies a virtio device class over config space.
type DeviceID uint32

const (
	DeviceIDInvalid DeviceID = 0
	DeviceIDNet     DeviceID = 1
	DeviceIDBlock   DeviceID = 2
)

// AnyID matches any vendor or device ID in a Match entry, mirroring the
// VIRTIO_DEV_ANY_ID wildcard sentinel.
const AnyID = 0xffffffff

// Transport is the capability every virtio carrier (MMIO today, PCI in
// principle) must provide to the core lifecycle and to Queue. It replaces
// the struct-of-function-pointers "operation table" pattern with a plain Go
// interface: one concrete type per carrier, no runtime type switch.
type Transport interface {
	// DeviceID returns the device's class.
	DeviceID() DeviceID
	// VendorID returns the device's vendor ID.
	VendorID() uint32

	// DeviceFeatures returns the full 64-bit feature bitmap offered by
	// the device.
	DeviceFeatures() uint64
	// SetDriverFeatures writes the subset of DeviceFeatures the driver
	// has chosen to enable. It does not set FEATURES_OK: Probe adds that
	// status bit itself once this returns.
	SetDriverFeatures(features uint64) error
	// NegotiatedFeatures returns the features written by the most
	// recent successful SetDriverFeatures.
	NegotiatedFeatures() uint64

	// MaxQueueSize returns the maximum ring size the device supports
	// for the given queue index, or 0 and an ErrNotPresent error if the
	// queue does not exist.
	MaxQueueSize(index int) (uint16, error)
	// SetQueue publishes the addresses and size of a queue's backing
	// memory and marks it live.
	SetQueue(index int, size uint16, desc, avail, used uint64) error
	// QueueNotify rings the doorbell for the given queue index.
	QueueNotify(index int)

	// ReadConfig copies len(buf) bytes from the device-specific config
	// space starting at off.
	ReadConfig(off int, buf []byte)
	// WriteConfig writes buf into the device-specific config space
	// starting at off.
	WriteConfig(off int, buf []byte)
	// ConfigGeneration returns the config space generation counter,
	// used to detect a torn multi-word config read.
	ConfigGeneration() uint32

	// Status returns the current device status byte.
	Status() uint32
	// AddStatus ORs bits into the device status register.
	AddStatus(bits uint32)
	// Reset writes 0 to the device status register, the only legal way
	// to clear any status bit.
	Reset()
}

// Match is one (vendor, device) pair a Driver claims to support. AnyID is a
// wildcard for either field.
type Match struct {
	VendorID uint32
	DeviceID DeviceID
}

// Driver is registered against one or more Match entries and is handed a
// bound Device once the core lifecycle reaches the DRIVER step.
type Driver interface {
	// Name identifies the driver for logging and registry introspection.
	Name() string
	// Probe is invoked after the device has reached the DRIVER status
	// step but before feature finalization, mirroring
	// virtio_find_and_bind_driver / the per-device init step in the
	// source handshake. Implementations negotiate features here by
	// returning the mask they want finalized.
	Probe(dev *Device) (features uint64, err error)
	// SetupQueues is invoked after FEATURES_OK and before DRIVER_OK, so
	// every queue a driver needs exists before the device is allowed to
	// start processing requests. Implementations call dev.SetupQueue
	// for each queue index they use.
	SetupQueues(dev *Device) error
}

type registration struct {
	driver Driver
	match  []Match
}

// Registry holds the drivers available to bind a probed device to, in
// insertion order, mirroring the linker-set driver table the original
// implementation walks.
type Registry struct {
	entries []registration
}

// DefaultRegistry is the registry drivers register themselves against from
// an init() function, analogous to a linker-set entry.
var DefaultRegistry = &Registry{}

// Register appends a driver and its match list to the registry.
func (r *Registry) Register(d Driver, match ...Match) {
	r.entries = append(r.entries, registration{driver: d, match: match})
}

// Find returns the first registered driver whose match list contains an
// entry matching vendorID/deviceID, in insertion order. AnyID in a Match
// entry matches any value.
func (r *Registry) Find(vendorID uint32, deviceID DeviceID) (Driver, bool) {
	for _, reg := range r.entries {
		for _, m := range reg.match {
			vendorOK := m.VendorID == AnyID || m.VendorID == vendorID
			deviceOK := m.DeviceID == AnyID || uint32(m.DeviceID) == AnyID || m.DeviceID == deviceID

			if vendorOK && deviceOK {
				return reg.driver, true
			}
		}
	}

	return nil, false
}

// Device is a bound virtio device: a Transport plus the queues set up on
// top of it. The negotiated feature mask and the status byte are not stored
// here; they are read back from the Transport.
type Device struct {
	Transport Transport

	// NativeOrder is the byte order used for a legacy (pre-VERSION_1)
	// device. It defaults to little-endian, true of every real target
	// this module runs on; tests may override it to exercise a
	// big-endian legacy guest.
	NativeOrder binary.ByteOrder

	queues []*Queue
}

// NewDevice wraps a Transport in a Device ready for Probe.
func NewDevice(t Transport) *Device {
	return &Device{
		Transport:   t,
		NativeOrder: binary.LittleEndian,
	}
}

// ByteOrder returns the wire byte order for the device's negotiated
// features: little-endian once VERSION_1 is negotiated, the device's
// NativeOrder otherwise. Class drivers must encode every multi-byte
// scalar that crosses the ring or config space through this, rather than
// assuming little-endian, so a legacy native-order device is handled
// correctly.
func (d *Device) ByteOrder() binary.ByteOrder {
	return wireOrder(d.Transport.NegotiatedFeatures(), d.NativeOrder)
}

// HasFeature reports whether bit is set in the device's negotiated feature
// mask. Unlike the always-false stub this corrects, it actually consults
// the mask.
func (d *Device) HasFeature(bit uint) bool {
	return hasFeature(d.Transport.NegotiatedFeatures(), bit)
}

// Queue returns the queue previously set up at index by SetupQueue.
func (d *Device) Queue(index int) *Queue {
	if index < 0 || index >= len(d.queues) {
		return nil
	}

	return d.queues[index]
}

// fail marks the device FAILED, the sole global side effect of a failed
// initialization step.
func (d *Device) fail() {
	d.Transport.AddStatus(StatusFailed)
}

// Probe runs the eight-step initialization handshake: reset, ACKNOWLEDGE,
// bind a driver from reg, DRIVER, negotiate features via the bound driver,
// finalize features, let the driver set up its queues, DRIVER_OK. Any
// failure past ACKNOWLEDGE sets FAILED before the error is returned.
//
// A slot reporting DeviceIDInvalid is a placeholder, not a failure: Probe
// returns with no error, no bound driver and no status writes beyond the
// DeviceID read already needed to tell the two cases apart.
func Probe(t Transport, reg *Registry) (dev *Device, driver Driver, err error) {
	if t.DeviceID() == DeviceIDInvalid {
		return nil, nil, nil
	}

	t.Reset()
	t.AddStatus(StatusAcknowledge)

	driver, ok := reg.Find(t.VendorID(), t.DeviceID())
	if !ok {
		t.AddStatus(StatusFailed)
		return nil, nil, fmt.Errorf("%w: no driver for vendor %#x device %d", ErrUnsupported, t.VendorID(), t.DeviceID())
	}

	t.AddStatus(StatusDriver)

	dev = NewDevice(t)

	wanted, err := driver.Probe(dev)
	if err != nil {
		dev.fail()
		return nil, nil, err
	}

	if err := t.SetDriverFeatures(wanted); err != nil {
		dev.fail()
		return nil, nil, err
	}

	if hasFeature(t.DeviceFeatures(), FeatureVersion1) {
		t.AddStatus(StatusFeaturesOK)

		if t.Status()&StatusFeaturesOK == 0 {
			dev.fail()
			return nil, nil, fmt.Errorf("%w: device rejected feature set", ErrUnsupported)
		}
	}

	if err := driver.SetupQueues(dev); err != nil {
		dev.fail()
		return nil, nil, err
	}

	t.AddStatus(StatusDriverOK)

	return dev, driver, nil
}

// SetupQueue allocates and publishes a queue at index with the given ring
// size (0 requests the device's reported maximum). It fails if the
// transport already reports the queue as live.
func (d *Device) SetupQueue(index int, size uint16) (*Queue, error) {
	for len(d.queues) <= index {
		d.queues = append(d.queues, nil)
	}

	if d.queues[index] != nil {
		return nil, fmt.Errorf("%w: queue %d", ErrAlreadySet, index)
	}

	max, err := d.Transport.MaxQueueSize(index)
	if err != nil {
		return nil, err
	}

	if max == 0 {
		return nil, fmt.Errorf("%w: queue %d has no capacity", ErrNotPresent, index)
	}

	if size == 0 || size > max {
		size = max
	}

	q, err := newQueue(d, index, size)
	if err != nil {
		return nil, err
	}

	if err := d.Transport.SetQueue(index, q.num, q.descAddr(), q.availAddr(), q.usedAddr()); err != nil {
		return nil, err
	}

	d.queues[index] = q

	return q, nil
}
