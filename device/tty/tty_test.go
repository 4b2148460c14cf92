package tty

import (
	"testing"
	"unsafe"

	"frostbyte/device"
)

// fakeKbd is a scripted keyboard: get hands out the scripted events in order
// and returns 0 once the script is exhausted.
type fakeKbd struct {
	events []uint16
}

func (k *fakeKbd) get() uint16 {
	if len(k.events) == 0 {
		return 0
	}
	ev := k.events[0]
	k.events = k.events[1:]
	return ev
}

func installTTYEnv(t *testing.T, events ...uint16) (*fakeKbd, *[]byte) {
	t.Helper()

	kbd := &fakeKbd{events: events}
	echoed := &[]byte{}

	origGet, origPoll, origEcho, origMode := getEventFn, pollEventFn, echoFn, mode
	t.Cleanup(func() {
		getEventFn, pollEventFn, echoFn, mode = origGet, origPoll, origEcho, origMode
	})

	getEventFn = kbd.get
	pollEventFn = kbd.get
	echoFn = func(b byte) { *echoed = append(*echoed, b) }

	return kbd, echoed
}

func ev(s string) []uint16 {
	out := make([]uint16, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = uint16(s[i])
	}
	return out
}

func TestCanonicalLineRead(t *testing.T) {
	installTTYEnv(t, ev("ls -l\r")...)

	buf := make([]byte, 64)
	n := ReadMode(buf, device.TTYModeCanon)
	if string(buf[:n]) != "ls -l\n" {
		t.Fatalf("read %q", buf[:n])
	}
}

func TestCanonicalBackspaceEditing(t *testing.T) {
	_, echoed := installTTYEnv(t, ev("cau\b t\n")...)

	buf := make([]byte, 64)
	n := ReadMode(buf, device.TTYModeCanon|device.TTYModeEcho)
	if string(buf[:n]) != "ca t\n" {
		t.Fatalf("read %q", buf[:n])
	}

	// The erase was echoed as a backspace.
	found := false
	for _, b := range *echoed {
		if b == '\b' {
			found = true
		}
	}
	if !found {
		t.Fatal("backspace not echoed")
	}
}

func TestCanonicalCtrlCCancelsRead(t *testing.T) {
	_, echoed := installTTYEnv(t, append(ev("par"), ctrlC)...)

	buf := make([]byte, 64)
	if n := ReadMode(buf, device.TTYModeCanon|device.TTYModeEcho); n != 0 {
		t.Fatalf("expected cancelled read; got %d bytes", n)
	}
	if string((*echoed)[len(*echoed)-3:]) != "^C\n" {
		t.Fatalf("^C not echoed: %q", *echoed)
	}
}

func TestCanonicalCtrlDTerminatesAtLength(t *testing.T) {
	installTTYEnv(t, append(ev("ab"), ctrlD)...)

	buf := make([]byte, 64)
	n := ReadMode(buf, device.TTYModeCanon)
	if string(buf[:n]) != "ab" {
		t.Fatalf("read %q", buf[:n])
	}
}

func TestCanonicalStopsAtFullBuffer(t *testing.T) {
	installTTYEnv(t, ev("abcdef")...)

	buf := make([]byte, 4)
	n := ReadMode(buf, device.TTYModeCanon)
	if string(buf[:n]) != "abcd" {
		t.Fatalf("read %q", buf[:n])
	}
}

func TestRawModeDrainsPendingBytes(t *testing.T) {
	installTTYEnv(t, ev("xyz")...)

	buf := make([]byte, 16)
	n := ReadMode(buf, 0)
	if string(buf[:n]) != "xyz" {
		t.Fatalf("raw read %q", buf[:n])
	}
}

func TestExtendedKeysSkipped(t *testing.T) {
	installTTYEnv(t, 0xE048, 'h', 0xE050, 'i', '\n')

	buf := make([]byte, 16)
	n := ReadMode(buf, device.TTYModeCanon)
	if string(buf[:n]) != "hi\n" {
		t.Fatalf("read %q", buf[:n])
	}
}

func TestEchoOnlyWhenEnabled(t *testing.T) {
	_, echoed := installTTYEnv(t, ev("a\n")...)

	buf := make([]byte, 8)
	ReadMode(buf, device.TTYModeCanon)
	if len(*echoed) != 0 {
		t.Fatalf("echo without mode bit: %q", *echoed)
	}
}

func TestIoctlModeRoundTrip(t *testing.T) {
	installTTYEnv(t)

	ops := ttyOps{}
	var word uint32 = device.TTYModeCanon

	if err := ops.Ioctl(nil, device.TTYSetMode, uintptr(unsafe.Pointer(&word))); err != nil {
		t.Fatal(err)
	}
	word = 0
	if err := ops.Ioctl(nil, device.TTYGetMode, uintptr(unsafe.Pointer(&word))); err != nil {
		t.Fatal(err)
	}
	if word != device.TTYModeCanon {
		t.Fatalf("mode word %x", word)
	}

	if err := ops.Ioctl(nil, 99, uintptr(unsafe.Pointer(&word))); err != errBadCmd {
		t.Fatalf("expected errBadCmd; got %v", err)
	}
	if err := ops.Ioctl(nil, device.TTYSetMode, 0); err != errNoArg {
		t.Fatalf("expected errNoArg; got %v", err)
	}
}

func TestWriteFiltersControlBytes(t *testing.T) {
	_, echoed := installTTYEnv(t)

	n := Write([]byte("ok\x01\n"))
	if n != 4 {
		t.Fatalf("write count %d", n)
	}
	if string(*echoed) != "ok\n" {
		t.Fatalf("console output %q", *echoed)
	}
}
