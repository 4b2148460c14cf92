package proc

import "testing"

func TestSignalDefaultTerminate(t *testing.T) {
	installTestEnv(t)

	parent, _ := Create("parent", 0x08048000, true)
	current = parent
	parent.State = StateRunning

	victim, _ := Create("victim", 0x08048000, true)
	current = victim
	victim.State = StateRunning

	SignalRaise(victim, SIGTERM)
	SignalCheckCurrent()

	if victim.State != StateZombie {
		t.Fatalf("expected zombie after SIGTERM; got %v", victim.State)
	}
	if victim.ExitCode != 128+SIGTERM {
		t.Fatalf("expected exit code %d; got %d", 128+SIGTERM, victim.ExitCode)
	}
}

func TestSignalBlockedNotDelivered(t *testing.T) {
	installTestEnv(t)

	p, _ := Create("p", 0x08048000, true)
	current = p
	p.State = StateRunning

	p.SigBlocked = 1 << SIGTERM
	SignalRaise(p, SIGTERM)
	SignalCheckCurrent()

	if p.State == StateZombie {
		t.Fatal("blocked SIGTERM must not terminate")
	}
	if p.SigPending&(1<<SIGTERM) == 0 {
		t.Fatal("blocked signal must stay pending")
	}

	// SigBlocked masks SIGKILL like any other signal here; clear it and
	// raise SIGKILL unblocked.
	p.SigBlocked = 0
	SignalRaise(p, SIGKILL)
	SignalCheckCurrent()
	if p.State != StateZombie || p.ExitCode != 128+SIGKILL {
		t.Fatalf("SIGKILL not fatal: state=%v code=%d", p.State, p.ExitCode)
	}
}

func TestSIGCHLDIgnoredByDefault(t *testing.T) {
	installTestEnv(t)

	p, _ := Create("p", 0x08048000, true)
	current = p
	p.State = StateRunning

	SignalRaise(p, SIGCHLD)
	SignalCheckCurrent()

	if p.State == StateZombie {
		t.Fatal("SIGCHLD must not terminate")
	}
	if p.SigPending&(1<<SIGCHLD) != 0 {
		t.Fatal("SIGCHLD must be cleared as ignored")
	}
}

func TestKillWakesSleepingTarget(t *testing.T) {
	installTestEnv(t)

	sleeper, _ := Create("sleeper", 0x08048000, true)
	sleeper.State = StateSleeping

	if !Kill(sleeper.PID, SIGTERM) {
		t.Fatal("kill failed to find target")
	}
	if sleeper.State != StateRunnable {
		t.Fatalf("fatal signal must wake the target; state=%v", sleeper.State)
	}
	if sleeper.SigPending&(1<<SIGTERM) == 0 {
		t.Fatal("pending bit must survive until the target's own boundary")
	}

	// The target observes the default action at its next boundary.
	current = sleeper
	sleeper.State = StateRunning
	SignalCheckCurrent()
	if sleeper.State != StateZombie || sleeper.ExitCode != 128+SIGTERM {
		t.Fatalf("deferred termination failed: state=%v code=%d", sleeper.State, sleeper.ExitCode)
	}
}
