package device

import (
	"testing"

	"frostbyte/kernel"
)

type stubOps struct {
	initErr   *kernel.Error
	cleanups  int
	lastRead  uint32
	lastWrite uint32
}

func (s *stubOps) Init(dev *Device) *kernel.Error { return s.initErr }
func (s *stubOps) Read(dev *Device, off uint32, buf []byte) (int, *kernel.Error) {
	s.lastRead = off
	return len(buf), nil
}
func (s *stubOps) Write(dev *Device, off uint32, data []byte) (int, *kernel.Error) {
	s.lastWrite = off
	return len(data), nil
}
func (s *stubOps) Ioctl(dev *Device, cmd uint32, arg uintptr) *kernel.Error { return nil }
func (s *stubOps) Cleanup(dev *Device)                                      { s.cleanups++ }

func resetManager(t *testing.T) {
	t.Helper()
	origHead, origID := listHead, nextDeviceID
	origReg, origUnreg := registerHook, unregisterHook
	t.Cleanup(func() {
		listHead, nextDeviceID = origHead, origID
		registerHook, unregisterHook = origReg, origUnreg
	})
	listHead, nextDeviceID = nil, 1
	registerHook, unregisterHook = nil, nil
}

func TestRegisterAssignsIDsAndInitializes(t *testing.T) {
	resetManager(t)

	a := &Device{Name: "ata0", Type: TypeStorage, Subtype: SubtypeStorageATA, Ops: &stubOps{}}
	b := &Device{Name: "kbd0", Type: TypeInput, Subtype: SubtypeKeyboard, Ops: &stubOps{}}

	if err := Register(a); err != nil {
		t.Fatal(err)
	}
	if err := Register(b); err != nil {
		t.Fatal(err)
	}

	if a.ID == b.ID || a.ID == 0 {
		t.Fatalf("ids not unique: %d %d", a.ID, b.ID)
	}
	if a.Status != StatusReady {
		t.Fatalf("status after init: %v", a.Status)
	}

	if FindByName("ata0") != a || FindByType(TypeInput) != b || FindBySubtype(SubtypeStorageATA) != a {
		t.Fatal("lookups broken")
	}
	if FindByName("nope") != nil {
		t.Fatal("phantom device")
	}
}

func TestRegisterRejectsMissingOpsAndInitFailure(t *testing.T) {
	resetManager(t)

	if err := Register(&Device{Name: "x"}); err != ErrNoOps {
		t.Fatalf("expected ErrNoOps; got %v", err)
	}

	bad := &Device{Name: "bad0", Ops: &stubOps{initErr: ErrNotFound}}
	if err := Register(bad); err != ErrNotFound {
		t.Fatalf("expected init error; got %v", err)
	}
	if bad.Status != StatusError {
		t.Fatalf("status after failed init: %v", bad.Status)
	}
}

func TestUnregisterRunsCleanupAndHooks(t *testing.T) {
	resetManager(t)

	ops := &stubOps{}
	dev := &Device{Name: "snd0", Type: TypeOutput, Subtype: SubtypeAudio, Ops: ops}
	Register(dev)

	var published, removed []*Device
	SetPublishHooks(
		func(d *Device) { published = append(published, d) },
		func(d *Device) { removed = append(removed, d) },
	)

	// Installing hooks late replays already-registered devices.
	if len(published) != 1 || published[0] != dev {
		t.Fatalf("late hook did not replay registrations: %v", published)
	}

	if err := Unregister(dev.ID); err != nil {
		t.Fatal(err)
	}
	if ops.cleanups != 1 {
		t.Fatal("cleanup capability not invoked")
	}
	if len(removed) != 1 || removed[0] != dev {
		t.Fatal("unregister hook not invoked")
	}
	if FindByName("snd0") != nil {
		t.Fatal("device still enumerable")
	}
	if err := Unregister(dev.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound; got %v", err)
	}
}

func TestVisitOrderAndStop(t *testing.T) {
	resetManager(t)

	for _, name := range []string{"a", "b", "c"} {
		Register(&Device{Name: name, Ops: &stubOps{}})
	}

	var seen []string
	Visit(func(d *Device) bool {
		seen = append(seen, d.Name)
		return len(seen) < 2
	})
	// Most recent registration first.
	if len(seen) != 2 || seen[0] != "c" || seen[1] != "b" {
		t.Fatalf("visit order %v", seen)
	}
}
