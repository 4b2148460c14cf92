// Package device defines the capability every driver exposes to the kernel
// (init/read/write/ioctl/cleanup) and the manager that tracks registered
// devices. Registered devices are published into devfs through a hook so the
// rest of the system reaches them as /dev/<name>.
package device

import "frostbyte/kernel"

// Type classifies a device by its primary role.
type Type uint8

// Device types.
const (
	TypeStorage Type = iota
	TypeInput
	TypeOutput
	TypeNetwork
	TypeTimer
	TypeUnknown
)

// String implements fmt.Stringer for Type.
func (t Type) String() string {
	switch t {
	case TypeStorage:
		return "Storage"
	case TypeInput:
		return "Input"
	case TypeOutput:
		return "Output"
	case TypeNetwork:
		return "Network"
	case TypeTimer:
		return "Timer"
	default:
		return "Unknown"
	}
}

// Subtype refines the classification within a Type.
type Subtype uint8

// Device subtypes.
const (
	SubtypeGeneric Subtype = iota
	SubtypeAudio
	SubtypeDisplay
	SubtypeKeyboard
	SubtypeMouse
	SubtypeStorageATA
	SubtypeStorageUSB
	SubtypeNetworkEth
	SubtypeNetworkWifi
)

// Status tracks the lifecycle of a registered device.
type Status uint8

// Device statuses.
const (
	StatusUninitialized Status = iota
	StatusInitializing
	StatusReady
	StatusError
	StatusDisabled
)

// Ops is the capability a driver implements for its devices. Read and Write
// report the number of bytes moved; a short count is not an error.
type Ops interface {
	// Init prepares the device; called once after registration.
	Init(dev *Device) *kernel.Error

	// Read copies up to len(buf) bytes from the device starting at off.
	Read(dev *Device, off uint32, buf []byte) (int, *kernel.Error)

	// Write copies up to len(data) bytes to the device starting at off.
	Write(dev *Device, off uint32, data []byte) (int, *kernel.Error)

	// Ioctl performs a device-specific control operation.
	Ioctl(dev *Device, cmd uint32, arg uintptr) *kernel.Error

	// Cleanup releases driver resources; called on unregistration.
	Cleanup(dev *Device)
}

// Device describes one registered device instance.
type Device struct {
	Name    string
	Type    Type
	Subtype Subtype
	Status  Status
	ID      uint32
	Private interface{}
	Ops     Ops

	next *Device
}

// Read invokes the device capability, guarding against devices without
// operations.
func (d *Device) Read(off uint32, buf []byte) (int, *kernel.Error) {
	if d.Ops == nil {
		return 0, ErrNoOps
	}
	return d.Ops.Read(d, off, buf)
}

// Write invokes the device capability, guarding against devices without
// operations.
func (d *Device) Write(off uint32, data []byte) (int, *kernel.Error) {
	if d.Ops == nil {
		return 0, ErrNoOps
	}
	return d.Ops.Write(d, off, data)
}

// Ioctl invokes the device capability, guarding against devices without
// operations.
func (d *Device) Ioctl(cmd uint32, arg uintptr) *kernel.Error {
	if d.Ops == nil {
		return ErrNoOps
	}
	return d.Ops.Ioctl(d, cmd, arg)
}
