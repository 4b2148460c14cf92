// Package ktime owns the kernel tick source. A PIT (or APIC timer, which
// substitutes its own tick hook) raises IRQ0; every tick bumps a 64-bit
// counter and forwards to the scheduler.
package ktime

import (
	"frostbyte/kernel/cpu"
	"frostbyte/kernel/irq"
)

// pitInputHz is the PIT crystal frequency.
const pitInputHz = 1193180

// DateTime is a calendar timestamp as supplied by the RTC driver.
type DateTime struct {
	Year                  uint16
	Month, Day            uint8
	Hour, Minute, Second  uint8
}

var (
	ticks     uint64
	frequency uint32

	// tickCallback is an optional per-tick hook (used by the display
	// refresh and by tests).
	tickCallback func()

	// schedulerTickFn is invoked on every tick; the proc package installs
	// the real scheduler hook during its init.
	schedulerTickFn = func() {}

	// nowFn returns the wall-clock time. The RTC driver registers the
	// real source; until then timestamps read as the FAT epoch.
	nowFn = func() DateTime { return DateTime{Year: 1980, Month: 1, Day: 1} }

	portWriteByteFn   = cpu.PortWriteByte
	installHandlerFn  = irq.InstallHandler
)

// Init programs the PIT for the requested frequency and installs the tick
// handler on IRQ0.
func Init(hz uint32) {
	if hz == 0 {
		hz = 100
	}
	frequency = hz
	divisor := uint32(pitInputHz) / hz

	installHandlerFn(0, handleTick)

	// Channel 0, lobyte/hibyte access, mode 3 (square wave), binary.
	portWriteByteFn(0x43, 0x36)
	portWriteByteFn(0x40, uint8(divisor&0xFF))
	portWriteByteFn(0x40, uint8((divisor>>8)&0xFF))
}

func handleTick() {
	ticks++
	schedulerTickFn()
	if tickCallback != nil {
		tickCallback()
	}
}

// GetTicks returns the number of ticks since boot.
func GetTicks() uint64 { return ticks }

// GetFrequency returns the tick frequency in Hz.
func GetFrequency() uint32 { return frequency }

// SetSchedulerTick installs the scheduler's per-tick hook.
func SetSchedulerTick(fn func()) {
	if fn != nil {
		schedulerTickFn = fn
	}
}

// RegisterCallback installs an optional callback invoked after the scheduler
// hook on every tick.
func RegisterCallback(cb func()) {
	tickCallback = cb
}

// SetClockSource registers the wall-clock provider (the RTC driver).
func SetClockSource(fn func() DateTime) {
	if fn != nil {
		nowFn = fn
	}
}

// Now returns the current wall-clock time.
func Now() DateTime { return nowFn() }

// Uptime returns whole seconds and remaining hundredths since boot.
func Uptime() (secs uint64, hundredths uint32) {
	if frequency == 0 {
		return 0, 0
	}
	secs = ticks / uint64(frequency)
	rem := ticks % uint64(frequency)
	hundredths = uint32(rem * 100 / uint64(frequency))
	return secs, hundredths
}
