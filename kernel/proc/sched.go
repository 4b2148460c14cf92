package proc

import (
	"frostbyte/kernel/irq"
	"frostbyte/kernel/ktime"
)

// Scheduler tuning.
const (
	// DefaultTimeSlice is the slice handed to every scheduled-in process,
	// in timer ticks.
	DefaultTimeSlice = 10

	// AgingMax caps the per-process aging accumulator.
	AgingMax = 32

	// agingShift converts an aging score into a priority boost: eight
	// starved ticks buy one level.
	agingShift = 3
)

// Priority levels; lower numbers run first.
const (
	PriorityMin     = 0
	PriorityMax     = 7
	PriorityKernel  = 0
	PriorityDefault = 3
)

var (
	setPreemptNeededFn = irq.SetPreemptNeeded

	// lastPicked drives the round-robin tie break within a priority
	// level: scans start just past the previously chosen slot.
	lastPicked int
)

// schedInit wires the scheduler into the tick source and the IRQ preemption
// hook.
func schedInit() {
	lastPicked = 0
	ktime.SetSchedulerTick(Tick)
	irq.SetPreemptHook(preemptFromIRQ)
}

// setPriority assigns a static priority level, deriving the scheduler weight
// the same way for every process so the fields stay consistent.
func setPriority(p *Process, level uint8) {
	if level > PriorityMax {
		level = PriorityMax
	}
	p.StaticPriority = level
	p.BasePriority = uint32(level)
	p.Priority = uint32(level)
	p.Weight = uint16(PriorityMax-level) + 1
	p.AgingScore = 0
}

// SetPriority adjusts the scheduling level of a process.
func SetPriority(p *Process, level uint8) {
	if p != nil {
		setPriority(p, level)
	}
}

// makeRunnable moves a process into the runnable set.
func makeRunnable(p *Process) {
	if p == nil || p.State == StateUnused || p.State == StateZombie {
		return
	}
	p.State = StateRunnable
}

// Tick runs once per timer interrupt: it ages runnable processes, wakes
// expired sleepers and burns the current slice, requesting preemption when
// the slice is gone.
func Tick() {
	now := getTicksFn()

	for i := range processTable {
		p := &processTable[i]
		switch p.State {
		case StateRunnable:
			if p.AgingScore < AgingMax {
				p.AgingScore++
			}
		case StateSleeping:
			if p.WakeupTick != 0 && now >= p.WakeupTick {
				p.WakeupTick = 0
				makeRunnable(p)
			}
		}
	}

	if current == nil || current.PID == 0 {
		// Idle: preempt as soon as anything is runnable.
		for i := range processTable {
			if processTable[i].State == StateRunnable {
				setPreemptNeededFn()
				return
			}
		}
		return
	}

	if current.TimeSlice > 0 {
		current.TimeSlice--
	}
	if current.TimeSlice == 0 {
		setPreemptNeededFn()
	}
}

// effectivePriority folds the aging boost into the base priority; starved
// processes migrate toward level zero.
func effectivePriority(p *Process) int32 {
	eff := int32(p.BasePriority) - p.AgingScore>>agingShift
	if eff < PriorityMin {
		eff = PriorityMin
	}
	return eff
}

// pickNext selects the runnable process with the lowest effective priority,
// breaking ties round-robin within the level. Returns nil when nothing is
// runnable.
func pickNext() *Process {
	var (
		best    *Process
		bestEff int32
	)

	for off := 1; off <= MaxProcesses; off++ {
		idx := (lastPicked + off) % MaxProcesses
		if idx == 0 {
			// Idle is the fallback when nothing is runnable, never a
			// candidate.
			continue
		}
		p := &processTable[idx]
		if p.State != StateRunnable {
			continue
		}
		if eff := effectivePriority(p); best == nil || eff < bestEff {
			best, bestEff = p, eff
		}
	}
	return best
}

// Schedule switches to the next runnable process. It is the only place a
// context switch happens: cooperatively from sleeping/exiting code paths, or
// from the IRQ tail via preemptFromIRQ.
func Schedule() {
	flags := saveFlagsFn()
	disableInterruptsFn()

	prev := current
	next := pickNext()
	if next == nil {
		next = &processTable[0] // idle
	}

	if next == prev {
		if prev.State == StateRunning || prev.State == StateRunnable {
			prev.State = StateRunning
			prev.TimeSlice = DefaultTimeSlice
			restoreFlagsFn(flags)
			return
		}
		// The only runnable slot is going to sleep; fall through to idle.
		next = &processTable[0]
	}

	for i := range processTable {
		if &processTable[i] == next {
			lastPicked = i
			break
		}
	}

	if prev.State == StateRunning {
		prev.State = StateRunnable
	}
	next.State = StateRunning
	next.TimeSlice = DefaultTimeSlice
	next.AgingScore = 0
	next.Started = true
	current = next

	// Pick the context to resume: a process parked inside the kernel
	// resumes its kernel context, everything else follows the saved CS.
	nextCtx := &next.KContext
	if !next.InKernel && next.Context.UserMode() {
		nextCtx = &next.Context
	}

	targetDir := next.PageDirectory
	if next.PID == 0 || targetDir == nil {
		targetDir = kernelDirectoryFn()
	}
	switchDirectoryFn(targetDir)

	switchContextFn(&prev.KContext, nextCtx)

	// Execution resumes here when prev is scheduled back in.
	restoreFlagsFn(flags)
}

// preemptFromIRQ is invoked at the tail of interrupt dispatch when the tick
// handler requested preemption and the interrupted code ran in ring 3. The
// interrupted user state is captured into the current process before
// switching away so it can be resumed with an iret later.
func preemptFromIRQ(regs *irq.Regs, frame *irq.Frame) {
	if current == nil || regs == nil || frame == nil || !frame.FromUserMode() {
		return
	}

	ctx := &current.Context
	ctx.EAX = regs.EAX
	ctx.EBX = regs.EBX
	ctx.ECX = regs.ECX
	ctx.EDX = regs.EDX
	ctx.ESI = regs.ESI
	ctx.EDI = regs.EDI
	ctx.EBP = regs.EBP
	ctx.ESP = frame.UserESP
	ctx.EIP = frame.EIP
	ctx.CS = frame.CS
	ctx.SS = frame.SS
	ctx.EFlags = frame.EFlags
	ctx.DS, ctx.ES, ctx.FS, ctx.GS = 0x23, 0x23, 0x23, 0x23
	current.InKernel = false

	Schedule()
}

// IdleLoop is what PID 0 runs: halt until the next interrupt, forever.
func IdleLoop() {
	for {
		haltFn()
	}
}
