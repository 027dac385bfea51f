package virtio

import (
	"testing"
	"unsafe"

	"github.com/kylelemons/godebug/pretty"

	"github.com/usbarmory/virtio/dma"
	"github.com/usbarmory/virtio/internal/vhost"
)

func setupDMA(t *testing.T, size int) {
	t.Helper()

	buf := make([]byte, size)
	dma.Init(uint(uintptr(unsafe.Pointer(&buf[0]))), size)
}

// freeListSnapshot walks the free list starting at freeHead and returns the
// sequence of descriptor indices on it, for before/after comparison.
func freeListSnapshot(q *Queue) []uint16 {
	var out []uint16

	cur := q.freeHead

	for i := uint16(0); i < q.numFree; i++ {
		out = append(out, cur)
		cur = q.descriptorNext(cur)
	}

	return out
}

func echoHandler(fill byte) vhost.Handler {
	return func(chain []vhost.Segment) uint32 {
		var n uint32

		for _, seg := range chain {
			if !seg.Writable {
				continue
			}

			for i := range seg.Data {
				seg.Data[i] = fill
			}

			n += uint32(len(seg.Data))
		}

		return n
	}
}

func TestFreeListConservation(t *testing.T) {
	setupDMA(t, 1<<20)

	dev := NewDevice(newStubTransport(DeviceIDBlock, 1<<FeatureVersion1))

	q, err := newQueue(dev, 0, 8)
	if err != nil {
		t.Fatal(err)
	}

	before := freeListSnapshot(q)

	desc, availAddr, usedAddr := q.Addresses()
	var lastAvail uint16

	for i := 0; i < 200; i++ {
		addr, buf := dma.Reserve(4, 0)

		head, err := q.Add(nil, []Segment{{Addr: uint64(addr), Length: uint32(len(buf))}})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}

		q.Kick()

		vhost.Service(desc, availAddr, usedAddr, int(q.Size()), &lastAvail, echoHandler(0xaa))

		gotHead, _, ok, err := q.GetBuf()
		if err != nil {
			t.Fatalf("GetBuf: %v", err)
		}

		if !ok {
			t.Fatalf("round %d: expected completion", i)
		}

		if gotHead != head {
			t.Fatalf("round %d: got head %d, want %d", i, gotHead, head)
		}

		dma.Release(addr)
	}

	after := freeListSnapshot(q)

	if diff := pretty.Compare(before, after); diff != "" {
		t.Fatalf("free list not conserved after round trips:\n%s", diff)
	}
}

func TestRoundTripData(t *testing.T) {
	setupDMA(t, 1<<20)

	dev := NewDevice(newStubTransport(DeviceIDBlock, 1<<FeatureVersion1))

	q, err := newQueue(dev, 0, 4)
	if err != nil {
		t.Fatal(err)
	}

	desc, availAddr, usedAddr := q.Addresses()
	var lastAvail uint16

	addr, buf := dma.Reserve(8, 0)
	defer dma.Release(addr)

	if _, err := q.Add(nil, []Segment{{Addr: uint64(addr), Length: uint32(len(buf))}}); err != nil {
		t.Fatal(err)
	}

	q.Kick()
	vhost.Service(desc, availAddr, usedAddr, int(q.Size()), &lastAvail, echoHandler(0x42))

	_, length, ok, err := q.GetBuf()
	if err != nil || !ok {
		t.Fatalf("GetBuf: ok=%v err=%v", ok, err)
	}

	if length != uint32(len(buf)) {
		t.Fatalf("got length %d, want %d", length, len(buf))
	}

	for i, b := range buf {
		if b != 0x42 {
			t.Fatalf("byte %d = %#x, want 0x42", i, b)
		}
	}
}

func TestWrapSafety(t *testing.T) {
	setupDMA(t, 1<<21)

	dev := NewDevice(newStubTransport(DeviceIDBlock, 1<<FeatureVersion1))

	q, err := newQueue(dev, 0, 8)
	if err != nil {
		t.Fatal(err)
	}

	desc, availAddr, usedAddr := q.Addresses()
	var lastAvail uint16

	const rounds = 1<<16 + 3

	for i := 0; i < rounds; i++ {
		addr, buf := dma.Reserve(2, 0)

		if _, err := q.Add(nil, []Segment{{Addr: uint64(addr), Length: uint32(len(buf))}}); err != nil {
			t.Fatalf("round %d: Add: %v", i, err)
		}

		q.Kick()

		vhost.Service(desc, availAddr, usedAddr, int(q.Size()), &lastAvail, echoHandler(0x11))

		if _, _, ok, err := q.GetBuf(); err != nil || !ok {
			t.Fatalf("round %d: GetBuf ok=%v err=%v", i, ok, err)
		}

		dma.Release(addr)
	}

	if q.numFree != q.num {
		t.Fatalf("numFree = %d after %d rounds, want %d", q.numFree, rounds, q.num)
	}
}

func TestNoSpaceCourtesyKick(t *testing.T) {
	setupDMA(t, 1<<20)

	dev := NewDevice(newStubTransport(DeviceIDBlock, 1<<FeatureVersion1))
	st := dev.Transport.(*stubTransport)

	q, err := newQueue(dev, 0, 2)
	if err != nil {
		t.Fatal(err)
	}

	addr1, buf1 := dma.Reserve(2, 0)
	addr2, buf2 := dma.Reserve(2, 0)
	addr3, buf3 := dma.Reserve(2, 0)

	defer dma.Release(addr1)
	defer dma.Release(addr2)
	defer dma.Release(addr3)

	if _, err := q.Add(nil, []Segment{{Addr: uint64(addr1), Length: uint32(len(buf1))}}); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Add(nil, []Segment{{Addr: uint64(addr2), Length: uint32(len(buf2))}}); err != nil {
		t.Fatal(err)
	}

	_, err = q.Add([]Segment{{Addr: uint64(addr3), Length: uint32(len(buf3))}}, nil)
	if err != ErrNoSpace {
		t.Fatalf("got %v, want ErrNoSpace", err)
	}

	if len(st.notified) == 0 {
		t.Fatal("expected a courtesy notify when out segments could not be added")
	}
}
