// Package tty implements the terminal line discipline and registers the
// tty0 device. Input events come from the keyboard driver through the
// registered event source; output goes to the active console writer.
package tty

import (
	"unsafe"

	"frostbyte/device"
	"frostbyte/kernel"
)

// Control bytes handled by the discipline.
const (
	ctrlC = 0x03
	ctrlD = 0x04
)

// extendedKeyMask marks keyboard events for non-ASCII keys; the discipline
// skips them.
const extendedKeyMask = 0xE000

var (
	errNoArg = &kernel.Error{Module: "tty", Message: "ioctl needs an argument", Errno: kernel.EINVAL}
	errBadCmd = &kernel.Error{Module: "tty", Message: "unknown ioctl", Errno: kernel.ENOTTY}

	// mode is the device-global mode applied to every read. Each process
	// also carries a TTYMode word, which is stored and inherited but not
	// consulted by reads here.
	mode = device.TTYModeCanon | device.TTYModeEcho

	reading bool

	// getEventFn blocks for the next keyboard event; pollEventFn returns
	// 0 when nothing is immediately available. The keyboard driver
	// registers the real sources.
	getEventFn  = func() uint16 { return 0 }
	pollEventFn = func() uint16 { return 0 }

	// echoFn prints one byte to the console.
	echoFn = func(b byte) {}
)

// SetEventSource registers the blocking and polling keyboard event
// providers.
func SetEventSource(get, poll func() uint16) {
	if get != nil {
		getEventFn = get
	}
	if poll != nil {
		pollEventFn = poll
	}
}

// SetEchoSink registers the console output used for echoing.
func SetEchoSink(fn func(b byte)) {
	if fn != nil {
		echoFn = fn
	}
}

// IsReading reports whether a read is in flight (the keyboard driver routes
// events to the discipline instead of the hotkey handler while true).
func IsReading() bool { return reading }

func echoString(m uint32, s string) {
	if m&device.TTYModeEcho == 0 {
		return
	}
	for i := 0; i < len(s); i++ {
		echoFn(s[i])
	}
}

// nextByte pulls one usable byte from an event source, folding CR to LF and
// skipping extended keys. ok is false when the source ran dry.
func nextByte(source func() uint16) (byte, bool) {
	for {
		ev := source()
		if ev == 0 {
			return 0, false
		}
		if ev&0xFF00 == extendedKeyMask {
			continue
		}
		c := byte(ev)
		if c == '\r' {
			c = '\n'
		}
		return c, true
	}
}

// ReadMode reads input under an explicit mode word.
//
// Canonical mode blocks until a newline or a full buffer, with backspace
// editing; Ctrl-C cancels the read returning 0, Ctrl-D terminates it at its
// current length. Raw mode blocks for one byte then drains whatever else is
// immediately pending.
func ReadMode(buf []byte, m uint32) int {
	if len(buf) == 0 {
		return 0
	}

	reading = true
	defer func() { reading = false }()

	pos := 0

	if m&device.TTYModeCanon != 0 {
		for {
			c, ok := nextByte(getEventFn)
			if !ok {
				return pos
			}

			switch {
			case c == ctrlC:
				echoString(m, "^C\n")
				return 0

			case c == ctrlD:
				return pos

			case c == '\b':
				if pos > 0 {
					pos--
					echoString(m, "\b")
				}

			case c >= 32 || c == '\n' || c == '\t':
				if pos < len(buf) {
					buf[pos] = c
					pos++
					echoString(m, string(c))
				}
			}

			if c == '\n' || pos >= len(buf) {
				return pos
			}
		}
	}

	// Raw mode: one blocking byte, then drain.
	c, ok := nextByte(getEventFn)
	if !ok {
		return 0
	}
	if c == ctrlC {
		echoString(m, "^C\n")
		return 0
	}
	if c == ctrlD {
		return 0
	}
	buf[pos] = c
	pos++
	echoString(m, string(c))

	for pos < len(buf) {
		c, ok = nextByte(pollEventFn)
		if !ok {
			break
		}
		if c == ctrlC {
			echoString(m, "^C\n")
			return pos
		}
		if c == ctrlD {
			return pos
		}
		buf[pos] = c
		pos++
		echoString(m, string(c))
	}
	return pos
}

// Write sends printable bytes and newlines to the console, silently
// consuming other control bytes.
func Write(data []byte) int {
	for _, c := range data {
		if c == '\n' || (c >= 32 && c <= 126) {
			echoFn(c)
		}
	}
	return len(data)
}

// ttyOps adapts the discipline to the device capability.
type ttyOps struct{}

func (ttyOps) Init(dev *device.Device) *kernel.Error { return nil }

func (ttyOps) Read(dev *device.Device, off uint32, buf []byte) (int, *kernel.Error) {
	return ReadMode(buf, mode), nil
}

func (ttyOps) Write(dev *device.Device, off uint32, data []byte) (int, *kernel.Error) {
	return Write(data), nil
}

func (ttyOps) Ioctl(dev *device.Device, cmd uint32, arg uintptr) *kernel.Error {
	if arg == 0 {
		return errNoArg
	}
	word := (*uint32)(unsafe.Pointer(arg))
	switch cmd {
	case device.TTYSetMode:
		mode = *word
		return nil
	case device.TTYGetMode:
		*word = mode
		return nil
	}
	return errBadCmd
}

func (ttyOps) Cleanup(dev *device.Device) {}

// RegisterDevice publishes the terminal as tty0.
func RegisterDevice() *kernel.Error {
	dev := &device.Device{
		Name:    "tty0",
		Type:    device.TypeOutput,
		Subtype: device.SubtypeDisplay,
		Ops:     ttyOps{},
	}
	return device.Register(dev)
}
