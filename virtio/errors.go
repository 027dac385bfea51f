// VirtIO guest transport and ring engine
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import "errors"

// Error kinds surfaced by the core. Callers compare with errors.Is, not
// string matching: every returned error either is one of these sentinels or
// wraps one with fmt.Errorf("...: %w", ...).
var (
	// ErrNotPresent is returned when a transport window itself cannot be
	// used: bad magic, unsupported version, or a queue with no
	// capacity. It is distinct from a DeviceIDInvalid slot, which is a
	// valid, inert placeholder that Probe reports as success with no
	// child bound, not an error.
	ErrNotPresent = errors.New("virtio: device not present")

	// ErrUnsupported is returned when a modern transport cannot
	// negotiate VERSION_1, or no registered driver claims a device.
	ErrUnsupported = errors.New("virtio: unsupported")

	// ErrNoSpace is returned when a submission needs more descriptors
	// than are currently free.
	ErrNoSpace = errors.New("virtio: no free descriptors")

	// ErrProtocol is returned when the host violates the ring protocol,
	// e.g. publishing an out-of-range descriptor id.
	ErrProtocol = errors.New("virtio: protocol error")

	// ErrIO is returned for a host-reported I/O failure.
	ErrIO = errors.New("virtio: I/O error")

	// ErrOutOfMemory is returned when a vring allocation fails. Per-request
	// buffer allocations through package dma panic instead.
	ErrOutOfMemory = errors.New("virtio: out of memory")

	// ErrAlreadySet is returned when setting up a queue that the
	// transport already reports as live.
	ErrAlreadySet = errors.New("virtio: queue already set up")
)
