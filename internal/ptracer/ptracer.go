// Package ptracer is the transport layer between the tracer and a traced
// thread. It provides typed access to the tracee's saved registers through a
// cached snapshot, word-granularity reads and writes of the tracee's memory,
// and decoding of raw wait statuses into tracing events.
//
// Ptrace only allows requests against a stopped tracee and only from the
// thread that attached to it, so callers must hold runtime.LockOSThread for
// the lifetime of a Tracee and must only use it between an event and the
// following resume.
package ptracer

import (
	"runtime"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Words are 8 bytes on x86-64. The memory transport moves exactly one word
// per ptrace request.
const wordSize = 8

// Tracing options set once per traced thread. Children are traced
// automatically and report clone/fork/vfork/exec/exit as distinct events,
// syscall stops are flagged with bit 7 of the stop signal, and tracees die
// with the tracer instead of running away unvirtualized.
const traceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACESECCOMP | unix.PTRACE_O_EXITKILL

// Tracee is the per-thread handle to a traced thread. It owns the cached
// register snapshot for that thread. The snapshot is only valid immediately
// after WaitForEvent or RefreshRegs; all register and memory manipulation of
// the thread must go through the handle so that the cache stays consistent.
type Tracee struct {
	Tid int

	regs unix.PtraceRegs
	// The cache is authoritative only once it has been pushed to the tracee
	// or freshly fetched from it. Setters write through immediately.
	flushed  bool
	attached bool
}

// New returns a handle for the thread tid. The thread must already be a
// ptrace child of the calling thread (via fork with PTRACE_TRACEME or a
// clone/fork/vfork event) and SetOptions must be called at its first stop.
func New(tid int) *Tracee {
	return &Tracee{Tid: tid}
}

// SetOptions sets the tracing options for the thread. It must be called
// exactly once per thread lifetime, at the thread's first ptrace stop.
// Calling it twice on a still-alive thread is a caller error.
func (t *Tracee) SetOptions() errors.E {
	if t.attached {
		return errors.Errorf("tracee %d: options already set", t.Tid)
	}

	err := unix.PtraceSetOptions(t.Tid, traceOptions)
	if err != nil {
		return errors.Errorf("ptrace setoptions tid %d: %w", t.Tid, err)
	}

	t.attached = true

	return nil
}

// Attached reports whether SetOptions has been called on this handle.
func (t *Tracee) Attached() bool {
	return t.attached
}

// RefreshRegs fetches the thread's registers into the cached snapshot.
func (t *Tracee) RefreshRegs() errors.E {
	err := unix.PtraceGetRegs(t.Tid, &t.regs)
	if err != nil {
		t.flushed = false
		return errors.Errorf("ptrace getregs tid %d: %w", t.Tid, err)
	}

	t.flushed = true

	return nil
}

// Regs returns the cached register snapshot.
func (t *Tracee) Regs() unix.PtraceRegs {
	return t.regs
}

// SetRegs replaces the cached snapshot and pushes it to the tracee
// immediately. Like all register setters it is not deferred.
func (t *Tracee) SetRegs(regs unix.PtraceRegs) errors.E {
	t.regs = regs
	return t.flushRegs()
}

func (t *Tracee) flushRegs() errors.E {
	err := unix.PtraceSetRegs(t.Tid, &t.regs)
	if err != nil {
		t.flushed = false
		return errors.Errorf("ptrace setregs tid %d: %w", t.Tid, err)
	}

	t.flushed = true

	return nil
}

// EventMessage returns the auxiliary ptrace event message for the current
// stop. For clone/fork/vfork events this is the tid of the new thread.
func (t *Tracee) EventMessage() (uint64, errors.E) {
	msg, err := unix.PtraceGetEventMsg(t.Tid)
	if err != nil {
		return 0, errors.Errorf("ptrace geteventmsg tid %d: %w", t.Tid, err)
	}
	return uint64(msg), nil
}

// ContinueToSyscall resumes the thread until the next syscall stop (or other
// event), delivering sig to it if non-zero. The register cache is invalid
// until the next event.
func (t *Tracee) ContinueToSyscall(sig int) errors.E {
	t.flushed = false
	err := unix.PtraceSyscall(t.Tid, sig)
	if err != nil {
		return errors.Errorf("ptrace syscall tid %d: %w", t.Tid, err)
	}
	return nil
}

// Continue resumes the thread without syscall stops, delivering sig to it if
// non-zero.
func (t *Tracee) Continue(sig int) errors.E {
	t.flushed = false
	err := unix.PtraceCont(t.Tid, sig)
	if err != nil {
		return errors.Errorf("ptrace cont tid %d: %w", t.Tid, err)
	}
	return nil
}

// Detach detaches from the thread and lets it run freely.
func (t *Tracee) Detach() errors.E {
	t.flushed = false
	t.attached = false
	err := unix.PtraceDetach(t.Tid)
	if err != nil {
		return errors.Errorf("ptrace detach tid %d: %w", t.Tid, err)
	}
	return nil
}

// WaitForEvent blocks until this thread changes state and returns the
// decoded event. On stop events the register cache is refreshed. Only used
// when driving a single thread; a multiplexing driver waits on the whole
// process group itself and decodes statuses with DecodeWaitStatus.
func (t *Tracee) WaitForEvent() (Event, errors.E) {
	// Waiting and the follow-up requests must happen on the attached OS
	// thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(t.Tid, &status, unix.WALL, nil)
		if err == nil {
			break
		}
		if err != unix.EINTR {
			return EventSignal, errors.Errorf("wait4 tid %d: %w", t.Tid, err)
		}
	}

	event, errE := DecodeWaitStatus(status)
	if errE != nil {
		return event, errors.Errorf("tid %d: %w", t.Tid, errE)
	}

	if status.Stopped() {
		errE = t.RefreshRegs()
		if errE != nil {
			return event, errE
		}
	}

	return event, nil
}
