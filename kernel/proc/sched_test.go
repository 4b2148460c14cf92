package proc

import "testing"

func TestTickBurnsSliceAndRequestsPreemption(t *testing.T) {
	env := installTestEnv(t)

	p, _ := Create("worker", 0x08048000, true)
	current = p
	p.State = StateRunning
	p.TimeSlice = 3

	for i := 0; i < 2; i++ {
		Tick()
	}
	if env.preempts != 0 {
		t.Fatalf("preemption requested too early (%d)", env.preempts)
	}

	Tick()
	if env.preempts != 1 {
		t.Fatalf("expected preemption after slice expiry; got %d", env.preempts)
	}
}

func TestTickAgesRunnableAndWakesSleepers(t *testing.T) {
	env := installTestEnv(t)

	runnable, _ := Create("starved", 0x08048000, true)
	sleeper, _ := Create("sleeper", 0x08048000, true)
	sleeper.State = StateSleeping
	sleeper.WakeupTick = 5

	env.ticks = 1
	Tick()
	if runnable.AgingScore != 1 {
		t.Fatalf("expected aging 1; got %d", runnable.AgingScore)
	}
	if sleeper.State != StateSleeping {
		t.Fatal("sleeper woke early")
	}

	env.ticks = 5
	Tick()
	if sleeper.State != StateRunnable || sleeper.WakeupTick != 0 {
		t.Fatalf("sleeper not woken at deadline: state=%v tick=%d", sleeper.State, sleeper.WakeupTick)
	}

	runnable.AgingScore = AgingMax
	Tick()
	if runnable.AgingScore != AgingMax {
		t.Fatalf("aging must cap at %d; got %d", AgingMax, runnable.AgingScore)
	}
}

func TestScheduleRoundRobinFairness(t *testing.T) {
	installTestEnv(t)

	a, _ := Create("a", 0x08048000, true)
	b, _ := Create("b", 0x08048000, true)

	// Two compute-bound processes at the same priority must alternate.
	var order []*Process
	current = a
	a.State = StateRunning
	for i := 0; i < 6; i++ {
		current.TimeSlice = 0
		Schedule()
		order = append(order, current)
	}

	for i, p := range order {
		want := b
		if i%2 == 1 {
			want = a
		}
		if p != want {
			t.Fatalf("slot %d: expected %s, got %s (order %v)", i, want.Name, p.Name, names(order))
		}
	}
}

func TestSchedulePrefersLowerPriorityLevel(t *testing.T) {
	installTestEnv(t)

	low, _ := Create("low", 0x08048000, true)
	high, _ := Create("high", 0x08048000, true)
	SetPriority(low, 5)
	SetPriority(high, 1)

	current = &processTable[0]
	Schedule()
	if current != high {
		t.Fatalf("expected high-priority process; got %s", current.Name)
	}
	if high.AgingScore != 0 {
		t.Fatal("chosen process must have its aging reset")
	}

	// Starvation: enough aging lifts the low-priority process above.
	high.State = StateRunning
	current = high
	low.AgingScore = AgingMax
	current.TimeSlice = 0
	Schedule()
	if current != low {
		t.Fatalf("aged process was not boosted; running %s", current.Name)
	}
}

func TestScheduleFallsBackToIdle(t *testing.T) {
	installTestEnv(t)

	p, _ := Create("only", 0x08048000, true)
	current = p
	p.State = StateRunning

	// The only process goes to sleep: idle must take over.
	p.State = StateSleeping
	Schedule()
	if current.PID != 0 {
		t.Fatalf("expected idle; running pid %d", current.PID)
	}
}

func names(ps []*Process) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}
