package virtio

import "testing"

func TestRegistryFindInsertionOrderAndWildcard(t *testing.T) {
	reg := &Registry{}

	first := nopDriver{wantFeatures: 1}
	second := nopDriver{wantFeatures: 2}

	reg.Register(first, Match{VendorID: 0x1af4, DeviceID: DeviceIDBlock})
	reg.Register(second, Match{VendorID: AnyID, DeviceID: DeviceIDBlock})

	driver, ok := reg.Find(0x1af4, DeviceIDBlock)
	if !ok {
		t.Fatal("expected a match")
	}

	if driver.(nopDriver).wantFeatures != 1 {
		t.Fatal("expected the first registered match to win over a later, more general one")
	}

	driver, ok = reg.Find(0xdead, DeviceIDBlock)
	if !ok {
		t.Fatal("expected AnyID vendor wildcard to match")
	}

	if driver.(nopDriver).wantFeatures != 2 {
		t.Fatal("wildcard entry should have matched here")
	}

	if _, ok := reg.Find(0x1af4, DeviceIDNet); ok {
		t.Fatal("did not expect a match for an unregistered device class")
	}
}

func TestHasFeatureReflectsNegotiation(t *testing.T) {
	st := newStubTransport(DeviceIDBlock, 1<<FeatureVersion1|1<<5)

	dev := NewDevice(st)

	if dev.HasFeature(5) {
		t.Fatal("HasFeature should be false before negotiation finalizes anything")
	}

	if err := st.SetDriverFeatures(1 << 5); err != nil {
		t.Fatal(err)
	}

	if !dev.HasFeature(5) {
		t.Fatal("HasFeature should reflect the negotiated mask, not the offered one")
	}

	if dev.HasFeature(FeatureVersion1) {
		t.Fatal("VERSION_1 was not negotiated, HasFeature should be false")
	}
}

func TestQueueLookupOutOfRange(t *testing.T) {
	dev := NewDevice(newStubTransport(DeviceIDBlock, 0))

	if q := dev.Queue(0); q != nil {
		t.Fatal("expected nil for an unset-up queue index")
	}

	if q := dev.Queue(-1); q != nil {
		t.Fatal("expected nil for a negative index")
	}
}

// queueingDriver requests one queue from SetupQueues and records whether it
// was already visible (and DRIVER_OK not yet set) at that point.
type queueingDriver struct {
	sawQueueBeforeDriverOK bool
	sawDriverOKAtSetup     bool
}

func (*queueingDriver) Name() string { return "queueing" }

func (*queueingDriver) Probe(dev *Device) (uint64, error) { return 0, nil }

func (d *queueingDriver) SetupQueues(dev *Device) error {
	_, err := dev.SetupQueue(0, 0)
	if err != nil {
		return err
	}

	d.sawQueueBeforeDriverOK = dev.Queue(0) != nil
	d.sawDriverOKAtSetup = dev.Transport.Status()&StatusDriverOK != 0

	return nil
}

func TestProbeSetsUpQueuesBeforeDriverOK(t *testing.T) {
	setupDMA(t, 1<<20)

	st := newStubTransport(DeviceIDBlock, 0)

	reg := &Registry{}
	driver := &queueingDriver{}
	reg.Register(driver, Match{VendorID: AnyID, DeviceID: DeviceIDBlock})

	dev, _, err := Probe(st, reg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	if !driver.sawQueueBeforeDriverOK {
		t.Fatal("queue was not visible inside SetupQueues, before DRIVER_OK")
	}

	if driver.sawDriverOKAtSetup {
		t.Fatal("DRIVER_OK was already set when SetupQueues ran")
	}

	if dev.Queue(0) == nil {
		t.Fatal("expected queue 0 to exist once Probe returns")
	}

	if st.Status()&StatusDriverOK == 0 {
		t.Fatal("expected DRIVER_OK to be set once Probe returns")
	}
}

func TestProbeFailureSetsFailedOnBadFeatures(t *testing.T) {
	st := newStubTransport(DeviceIDBlock, 1<<FeatureVersion1)
	st.failSetDrv = true

	reg := &Registry{}
	reg.Register(nopDriver{wantFeatures: 1 << FeatureVersion1}, Match{VendorID: AnyID, DeviceID: DeviceIDBlock})

	if _, _, err := Probe(st, reg); err == nil {
		t.Fatal("expected an error when SetDriverFeatures fails")
	}

	if st.Status()&StatusFailed == 0 {
		t.Fatal("expected FAILED to be set after a failed feature negotiation")
	}
}
