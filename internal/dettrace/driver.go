package dettrace

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/ptracer"
	"github.com/Vogtinator/dettrace/internal/tracestate"
)

// driver is the single-threaded outer loop: it waits for any stopped
// tracee, selects its per-thread state, acts, and resumes it before waiting
// again. Exactly one logical controller drives each tracee and no two
// register or memory operations on the same tid are ever concurrent. The
// only suspension points are the waits.
type driver struct {
	global   *tracestate.Global
	threads  map[int]*tracestate.Thread
	tracees  map[int]*ptracer.Tracee
	handlers map[uint64]Handler

	pgid       int
	epoch      uint64
	useSeccomp bool

	// Tids auto-attached through a clone/fork/vfork event. Their first
	// stop is a trace-induced SIGSTOP which must be suppressed, not
	// delivered.
	pendingAttach map[int]bool

	// The initial child is our own binary re-execing the target; tracing
	// becomes interesting only after its exec event.
	execDone bool

	exitStatus int
}

func newDriver(pgid int, epoch uint64, useSeccomp bool) *driver {
	return &driver{
		global:        tracestate.NewGlobal(),
		threads:       map[int]*tracestate.Thread{},
		tracees:       map[int]*ptracer.Tracee{},
		handlers:      defaultHandlers(),
		pgid:          pgid,
		epoch:         epoch,
		useSeccomp:    useSeccomp,
		pendingAttach: map[int]bool{},
	}
}

func (d *driver) tracee(tid int) *ptracer.Tracee {
	tr, ok := d.tracees[tid]
	if !ok {
		tr = ptracer.New(tid)
		d.tracees[tid] = tr
	}
	return tr
}

func (d *driver) thread(tid int) *tracestate.Thread {
	th, ok := d.threads[tid]
	if !ok {
		th = tracestate.NewThread(tid, d.epoch)
		d.threads[tid] = th
	}
	return th
}

// run is the wait/classify/act/resume loop. It returns the exit status of
// the traced process once the whole tree is gone.
func (d *driver) run() (int, errors.E) {
	firstStop := true

	for {
		var status unix.WaitStatus
		var pid int
		var err error
		for {
			// Any member of the traced group may stop, including threads
			// the intermediate child's runtime clones before the exec;
			// those have to be waited on and resumed like everything else.
			pid, err = unix.Wait4(-d.pgid, &status, unix.WALL, nil)
			if err != unix.EINTR {
				break
			}
		}
		if err == unix.ECHILD {
			// Nothing left to trace.
			return d.exitStatus, nil
		}
		if err != nil {
			return d.exitStatus, errors.Errorf("wait4: %w", err)
		}

		event, errE := ptracer.DecodeWaitStatus(status)
		if errE != nil {
			return d.exitStatus, errors.Errorf("pid %d: %w", pid, errE)
		}
		logDebugf("pid %d: %s", pid, event)

		tr := d.tracee(pid)
		if firstStop && status.Stopped() {
			// The initial child's first stop; children created later
			// inherit the options automatically.
			errE = tr.SetOptions()
			if errE != nil {
				return d.exitStatus, errE
			}
			errE = d.global.AddProcess(pid)
			if errE != nil {
				return d.exitStatus, errE
			}
			d.thread(pid)
			firstStop = false
		}

		errE = d.handleEvent(tr, status, event)
		if errE != nil {
			return d.exitStatus, errE
		}

		if len(d.threads) == 0 {
			return d.exitStatus, nil
		}
	}
}

func (d *driver) handleEvent(tr *ptracer.Tracee, status unix.WaitStatus, event ptracer.Event) errors.E {
	tid := tr.Tid
	th := d.thread(tid)

	switch event {
	case ptracer.EventNonEventExit:
		if tid == d.pgid {
			d.exitStatus = status.ExitStatus()
		}
		return d.dropThread(tid)

	case ptracer.EventTerminatedBySignal:
		if tid == d.pgid {
			d.exitStatus = 128 + int(status.Signal())
		}
		return d.dropThread(tid)

	case ptracer.EventEventExit:
		// The thread is about to die but is still inspectable; actual
		// cleanup happens at the real exit.
		return d.resume(tr, th)

	case ptracer.EventExec:
		d.execDone = true
		// On exec every other thread of the group dies without an exit
		// event, including the execing thread's former identity if it was
		// not the leader; their state goes with them.
		if group, ok := d.global.ThreadGroupOf(tid); ok {
			for _, member := range d.global.ThreadGroupMembers(group) {
				if member == tid {
					continue
				}
				errE := d.dropThread(member)
				if errE != nil {
					return errE
				}
			}
		}
		return d.resume(tr, th)

	case ptracer.EventClone, ptracer.EventFork, ptracer.EventVFork:
		return d.handleNewThread(tr, th, event)

	case ptracer.EventSignal:
		sig := ptracer.StopSignalFor(status)
		if sig == int(unix.SIGSTOP) && d.pendingAttach[tid] {
			delete(d.pendingAttach, tid)
			sig = 0
		}
		th.SignalToDeliver = sig
		return d.resume(tr, th)

	case ptracer.EventSeccomp:
		if th.Phase == tracestate.PhasePost {
			// On kernels which raise the seccomp stop between the entry
			// and exit stops the entry stop was already handled.
			return d.resume(tr, th)
		}
		errE := d.handleSyscallStop(tr, th)
		if errE != nil {
			return errE
		}
		return d.resume(tr, th)

	case ptracer.EventSyscall:
		errE := d.handleSyscallStop(tr, th)
		if errE != nil {
			return errE
		}
		return d.resume(tr, th)
	}

	return errors.Errorf("pid %d: unhandled event %s", tid, event)
}

// handleNewThread registers the child a clone/fork/vfork event announces.
// A clone stays in the parent's thread group; fork and vfork start a new
// process and with it a new group.
func (d *driver) handleNewThread(tr *ptracer.Tracee, th *tracestate.Thread, event ptracer.Event) errors.E {
	msg, errE := tr.EventMessage()
	if errE != nil {
		return errE
	}
	newTid := int(msg)

	if event == ptracer.EventClone {
		group, ok := d.global.ThreadGroupOf(tr.Tid)
		if !ok {
			return errors.Errorf("clone by pid %d which has no thread group", tr.Tid)
		}
		errE = d.global.AddThread(group, newTid)
	} else {
		errE = d.global.AddProcess(newTid)
	}
	if errE != nil {
		return errE
	}

	logDebugf("pid %d: new %s child %d", tr.Tid, event, newTid)
	d.thread(newTid)
	d.tracee(newTid)
	d.pendingAttach[newTid] = true

	return d.resume(tr, th)
}

// dropThread tears down all state of an exited thread. Leaking either the
// thread state or the group entry would leave an empty thread group behind.
func (d *driver) dropThread(tid int) errors.E {
	delete(d.threads, tid)
	delete(d.tracees, tid)
	delete(d.pendingAttach, tid)
	if d.global.HasThread(tid) {
		return d.global.RemoveThread(tid)
	}
	return nil
}

// handleSyscallStop runs the pre- or post-hook for a syscall stop,
// according to the thread's phase, and toggles the phase.
func (d *driver) handleSyscallStop(tr *ptracer.Tracee, th *tracestate.Thread) errors.E {
	errE := tr.RefreshRegs()
	if errE != nil {
		return errE
	}

	c := &Call{
		Tracee: tr,
		Memory: tr.Memory(),
		Thread: th,
		Global: d.global,
	}

	if th.Phase == tracestate.PhasePre {
		if th.FirstTry {
			th.SavedSyscall = tr.SyscallNumber()
			th.SaveArgs(tr.Arg1(), tr.Arg2(), tr.Arg3(), tr.Arg4(), tr.Arg5())
			th.PrevRegs = tr.Regs()
		}
		// A replayed entry carries the tracer's rewritten arguments; the
		// saved originals must survive it.
		if handler, ok := d.handlers[th.SavedSyscall]; ok && d.execDone {
			errE = handler.Prepare(c)
			if errE != nil {
				return errE
			}
		}
		th.Phase = tracestate.PhasePost
		return nil
	}

	if handler, ok := d.handlers[th.SavedSyscall]; ok && d.execDone {
		errE = handler.Finish(c)
		if errE != nil {
			return errE
		}
	}
	th.Phase = tracestate.PhasePre

	return nil
}

// resume restarts the thread until its next interesting stop, delivering a
// pending signal if one is queued. With the seccomp filter loaded a thread
// outside a syscall runs freely until the filter raises a stop; a thread
// inside one still needs the syscall-exit stop.
func (d *driver) resume(tr *ptracer.Tracee, th *tracestate.Thread) errors.E {
	sig := th.SignalToDeliver
	th.SignalToDeliver = 0
	if d.useSeccomp && th.Phase == tracestate.PhasePre {
		return tr.Continue(sig)
	}
	return tr.ContinueToSyscall(sig)
}

// killAll terminates every process in the traced group.
func killAll(pgid int) {
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// collectZombie reaps whatever is left of the group after killAll.
func collectZombie(pgid int) {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(-pgid, &status, unix.WALL|unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}
