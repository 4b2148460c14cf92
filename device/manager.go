package device

import (
	"frostbyte/kernel"
	"frostbyte/kernel/kfmt"
)

var (
	// ErrNoOps is reported when a device without a capability is used.
	ErrNoOps = &kernel.Error{Module: "device", Message: "device has no operations", Errno: kernel.EINVAL}

	// ErrNotFound is reported when a lookup fails.
	ErrNotFound = &kernel.Error{Module: "device", Message: "no such device", Errno: kernel.ENOENT}

	listHead     *Device
	nextDeviceID uint32 = 1

	// registerHook and unregisterHook publish registration changes to
	// devfs once the VFS is up.
	registerHook   func(*Device)
	unregisterHook func(*Device)
)

// SetPublishHooks installs the devfs callbacks invoked on registration and
// unregistration.
func SetPublishHooks(onRegister, onUnregister func(*Device)) {
	registerHook, unregisterHook = onRegister, onUnregister
	// Publish devices that registered before devfs came up.
	if registerHook != nil {
		for dev := listHead; dev != nil; dev = dev.next {
			registerHook(dev)
		}
	}
}

// Register adds a device to the manager, assigns it an ID and runs its Init
// capability.
func Register(dev *Device) *kernel.Error {
	if dev == nil || dev.Ops == nil {
		return ErrNoOps
	}

	dev.ID = nextDeviceID
	nextDeviceID++
	dev.Status = StatusUninitialized

	dev.next = listHead
	listHead = dev

	dev.Status = StatusInitializing
	if err := dev.Ops.Init(dev); err != nil {
		dev.Status = StatusError
		w := kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[device] " + dev.Name + ": ")}
		kfmt.Fprintf(&w, "initialization failed\n%s\n", err.Message)
		return err
	}
	dev.Status = StatusReady

	if registerHook != nil {
		registerHook(dev)
	}
	return nil
}

// Unregister removes the device with the given ID from enumeration and runs
// its Cleanup capability.
func Unregister(id uint32) *kernel.Error {
	for pp := &listHead; *pp != nil; pp = &(*pp).next {
		if (*pp).ID != id {
			continue
		}
		dev := *pp
		*pp = dev.next
		dev.next = nil

		if unregisterHook != nil {
			unregisterHook(dev)
		}
		dev.Ops.Cleanup(dev)
		return nil
	}
	return ErrNotFound
}

// FindByName returns the registered device with the given name.
func FindByName(name string) *Device {
	for dev := listHead; dev != nil; dev = dev.next {
		if dev.Name == name {
			return dev
		}
	}
	return nil
}

// FindByType returns the first registered device of the given type.
func FindByType(t Type) *Device {
	for dev := listHead; dev != nil; dev = dev.next {
		if dev.Type == t {
			return dev
		}
	}
	return nil
}

// FindBySubtype returns the first registered device of the given subtype.
func FindBySubtype(s Subtype) *Device {
	for dev := listHead; dev != nil; dev = dev.next {
		if dev.Subtype == s {
			return dev
		}
	}
	return nil
}

// Visit invokes the visitor for every registered device in most-recent-first
// order. The visitor returns false to stop the walk.
func Visit(visitor func(*Device) bool) {
	for dev := listHead; dev != nil; dev = dev.next {
		if !visitor(dev) {
			return
		}
	}
}
