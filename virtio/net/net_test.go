package net_test

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/usbarmory/virtio/dma"
	"github.com/usbarmory/virtio/internal/vhost"
	"github.com/usbarmory/virtio/virtio"
	virtionet "github.com/usbarmory/virtio/virtio/net"
)

func setupDMA(t *testing.T, size int) {
	t.Helper()

	buf := make([]byte, size)
	dma.Init(uint(uintptr(unsafe.Pointer(&buf[0]))), size)
}

func openTestDevice(t *testing.T, features uint64, macAddr []byte) (*virtionet.Device, *vhost.Host, *virtio.Device) {
	return openTestDeviceVersion(t, 2, features, macAddr)
}

func openTestDeviceVersion(t *testing.T, version int, features uint64, macAddr []byte) (*virtionet.Device, *vhost.Host, *virtio.Device) {
	t.Helper()

	setupDMA(t, 1<<22)

	cfg := make([]byte, 8)
	copy(cfg, macAddr)

	h := vhost.New(vhost.Config{
		Version:    version,
		VendorID:   0x1af4,
		DeviceID:   uint32(virtio.DeviceIDNet),
		Features:   features,
		QueueMax:   []uint16{64, 64},
		ConfigData: cfg,
	})
	t.Cleanup(h.Close)

	m, err := virtio.NewMMIO(h.Base(), len(cfg))
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	dev, _, err := virtio.Probe(m, virtio.DefaultRegistry)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	nd, err := virtionet.Open(dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return nd, h, dev
}

func TestNetStartAndRecv(t *testing.T) {
	nd, _, dev := openTestDevice(t, 1<<virtio.FeatureVersion1, nil)

	if err := nd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rx := dev.Queue(0)
	desc, avail, used := rx.Addresses()
	var lastAvail uint16

	payload := []byte("hello from the host")

	frameHandler := func(chain []vhost.Segment) uint32 {
		if len(chain) != 1 || !chain[0].Writable {
			t.Fatalf("unexpected RX chain shape: %+v", chain)
		}

		n := copy(chain[0].Data[12:], payload)

		return uint32(12 + n)
	}

	vhost.Service(desc, avail, used, int(rx.Size()), &lastAvail, frameHandler)

	id, frame, ok, err := nd.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if !ok {
		t.Fatal("Recv: expected a frame to be ready")
	}

	if !bytes.Equal(frame, payload) {
		t.Fatalf("Recv frame = %q, want %q", frame, payload)
	}

	if err := nd.FreePkt(id); err != nil {
		t.Fatalf("FreePkt: %v", err)
	}

	// the buffer should have been re-posted: servicing the queue again
	// with a fresh avail entry must succeed without error.
	vhost.Service(desc, avail, used, int(rx.Size()), &lastAvail, frameHandler)

	if _, _, ok, err := nd.Recv(); err != nil || !ok {
		t.Fatalf("Recv after FreePkt: ok=%v err=%v", ok, err)
	}
}

func TestNetSend(t *testing.T) {
	nd, _, dev := openTestDevice(t, 1<<virtio.FeatureVersion1, nil)

	tx := dev.Queue(1)
	desc, avail, used := tx.Addresses()
	var lastAvail uint16
	stop := make(chan struct{})
	defer close(stop)

	var got []byte

	echo := func(chain []vhost.Segment) uint32 {
		if len(chain) != 2 {
			t.Fatalf("unexpected TX chain length %d", len(chain))
		}

		got = append([]byte{}, chain[1].Data...)

		return 0
	}

	go vhost.ServiceLoop(desc, avail, used, int(tx.Size()), &lastAvail, echo, stop)

	frame := []byte("outbound ethernet frame")

	if err := nd.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !bytes.Equal(got, frame) {
		t.Fatalf("host observed %q, want %q", got, frame)
	}
}

func TestHardwareAddrRequiresMACFeature(t *testing.T) {
	nd, _, _ := openTestDevice(t, 1<<virtio.FeatureVersion1, nil)

	if _, err := nd.HardwareAddr(); err == nil {
		t.Fatal("expected an error when the MAC feature was not negotiated")
	}
}

func TestHardwareAddrFromConfig(t *testing.T) {
	mac := []byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}

	nd, _, _ := openTestDevice(t, 1<<virtio.FeatureVersion1|1<<5, mac)

	addr, err := nd.HardwareAddr()
	if err != nil {
		t.Fatalf("HardwareAddr: %v", err)
	}

	if !bytes.Equal(addr[:], mac) {
		t.Fatalf("HardwareAddr = %x, want %x (config value must never be overridden)", addr, mac)
	}
}

func TestSetHardwareAddrRequiresVersion1(t *testing.T) {
	// a legacy (v1) transport, so Probe can succeed without VERSION_1
	nd, _, _ := openTestDeviceVersion(t, 1, 1<<5, nil) // MAC feature, no VERSION_1

	if err := nd.SetHardwareAddr([6]byte{1, 2, 3, 4, 5, 6}); err == nil {
		t.Fatal("expected an error when VERSION_1 was not negotiated")
	}
}
