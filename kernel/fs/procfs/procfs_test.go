package procfs

import (
	"strings"
	"testing"

	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/fs/vfs"
	"frostbyte/kernel/proc"
)

func mountProc(t *testing.T) {
	t.Helper()
	vfs.Init()
	fs := &FS{}
	if err := vfs.RegisterFS(fs); err != nil {
		t.Fatal(err)
	}
	if err := vfs.MountFS("", "/", "procfs"); err != nil {
		t.Fatal(err)
	}
}

func withProcesses(t *testing.T, cur *proc.Process, others ...*proc.Process) {
	t.Helper()
	origCurrent, origByPID := currentFn, byPIDFn
	t.Cleanup(func() { currentFn, byPIDFn = origCurrent, origByPID })

	all := append([]*proc.Process{cur}, others...)
	currentFn = func() *proc.Process { return cur }
	byPIDFn = func(pid uint32) *proc.Process {
		for _, p := range all {
			if p != nil && p.PID == pid {
				return p
			}
		}
		return nil
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	node, err := vfs.Open(path, vfs.FlagRead)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer vfs.Close(node)

	buf := make([]byte, 1024)
	n, rerr := vfs.Read(node, 0, buf)
	if rerr != nil {
		t.Fatalf("read %s: %v", path, rerr)
	}
	return string(buf[:n])
}

func TestSelfStatusFormat(t *testing.T) {
	mountProc(t)

	cur := &proc.Process{PID: 7, Name: "sh", Cmdline: "/bin/sh", State: proc.StateRunning}
	withProcesses(t, cur)

	content := readFile(t, "/self/status")
	lines := strings.Split(content, "\n")
	if len(lines) < 3 {
		t.Fatalf("status too short: %q", content)
	}
	if lines[0] != "Name:\tsh" {
		t.Fatalf("first line %q", lines[0])
	}
	if lines[1] != "Pid:\t7" {
		t.Fatalf("second line %q", lines[1])
	}
	if lines[2] != "State:\tRUNNING" {
		t.Fatalf("third line %q", lines[2])
	}
}

func TestPidCmdline(t *testing.T) {
	mountProc(t)

	cur := &proc.Process{PID: 1, Name: "init", Cmdline: "/bin/sh", State: proc.StateRunning}
	withProcesses(t, cur)

	if got := readFile(t, "/1/cmdline"); got != "/bin/sh\n" {
		t.Fatalf("cmdline %q", got)
	}

	if _, err := vfs.ResolvePath("/99/status"); err != vfs.ErrNotFound {
		t.Fatalf("expected ErrNotFound for dead pid; got %v", err)
	}
	if _, err := vfs.ResolvePath("/abc"); err != vfs.ErrNotFound {
		t.Fatalf("expected ErrNotFound for non-numeric name; got %v", err)
	}
}

func TestUptimeFormat(t *testing.T) {
	mountProc(t)
	withProcesses(t, &proc.Process{PID: 1, State: proc.StateRunning})

	// No tick source in tests: uptime reads 0.00.
	if got := readFile(t, "/uptime"); got != "0.00\n" {
		t.Fatalf("uptime %q", got)
	}
}

func TestVGAControlFile(t *testing.T) {
	mountProc(t)
	withProcesses(t, &proc.Process{PID: 1, State: proc.StateRunning})

	var modes []string
	SetVGAHook(func(mode string) *kernel.Error {
		modes = append(modes, mode)
		return nil
	})
	t.Cleanup(func() { vgaSwitchFn = nil })

	node, err := vfs.Open("/vga", vfs.FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer vfs.Close(node)

	for _, cmd := range []string{"13h", "12h", "text", "03h"} {
		if _, werr := vfs.Write(node, 0, []byte(cmd+"\n")); werr != nil {
			t.Fatalf("write %q: %v", cmd, werr)
		}
	}
	if len(modes) != 4 || modes[3] != "text" {
		t.Fatalf("modes %v (03h must alias text)", modes)
	}

	if _, werr := vfs.Write(node, 0, []byte("weird")); werr != ErrBadCommand {
		t.Fatalf("expected ErrBadCommand; got %v", werr)
	}
}

func TestRescanControlFile(t *testing.T) {
	mountProc(t)
	withProcesses(t, &proc.Process{PID: 1, State: proc.StateRunning})

	rescans := 0
	SetRescanHook(func() { rescans++ })
	t.Cleanup(func() { rescanFn = nil })

	node, err := vfs.Open("/rescan", vfs.FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer vfs.Close(node)

	if _, werr := vfs.Write(node, 0, []byte("anything at all")); werr != nil {
		t.Fatal(werr)
	}
	if rescans != 1 {
		t.Fatalf("rescan hook ran %d times", rescans)
	}
}

func TestTTYControlFile(t *testing.T) {
	mountProc(t)

	cur := &proc.Process{PID: 1, State: proc.StateRunning}
	withProcesses(t, cur)

	serial := &device.Device{Name: "ttyS0"}
	origFind := findDevFn
	t.Cleanup(func() { findDevFn = origFind })
	findDevFn = func(name string) *device.Device {
		if name == "ttyS0" {
			return serial
		}
		return nil
	}

	node, err := vfs.Open("/tty", vfs.FlagRead|vfs.FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer vfs.Close(node)

	if _, werr := vfs.Write(node, 0, []byte("ttyS0\n")); werr != nil {
		t.Fatal(werr)
	}
	if cur.TTY != serial {
		t.Fatal("controlling TTY not switched")
	}
	if got := readFile(t, "/tty"); got != "ttyS0\n" {
		t.Fatalf("tty read %q", got)
	}

	if _, werr := vfs.Write(node, 0, []byte("nosuch")); werr != ErrBadCommand {
		t.Fatalf("expected ErrBadCommand; got %v", werr)
	}
}

func TestMountsListing(t *testing.T) {
	mountProc(t)
	withProcesses(t, &proc.Process{PID: 1, State: proc.StateRunning})

	content := readFile(t, "/mounts")
	if !strings.Contains(content, "none / procfs rw 0 0") {
		t.Fatalf("mounts content %q", content)
	}
}
