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

	"github.com/usbarmory/virtio/bits"
)

// wireOrder returns the byte order ring and descriptor fields are encoded
// with for a device that negotiated the given feature mask. Modern devices
// (VERSION_1 set) are always little-endian on the wire; legacy devices use
// whatever byte order the guest itself is native in, which a Device can
// override for testing — every real target this module runs on (ARM,
// ARM64, x86, RISC-V) is little-endian, so the legacy and modern cases
// coincide in practice, but the two are kept distinct so a big-endian
// legacy guest is representable.
func wireOrder(features uint64, native binary.ByteOrder) binary.ByteOrder {
	if hasFeature(features, FeatureVersion1) {
		return binary.LittleEndian
	}

	if native == nil {
		return binary.LittleEndian
	}

	return native
}

func hasFeature(features uint64, bit uint) bool {
	if bit >= 64 {
		return false
	}

	return bits.Get64(&features, int(bit), 1) != 0
}
