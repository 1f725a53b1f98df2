// Package tracestate holds the bookkeeping a deterministic tracer keeps
// between syscall stops: per-thread lifecycle state (phase, retries,
// injected calls, the logical clock) and the process-tree-wide identity
// maps which make inode numbers and modification times reproducible.
package tracestate

import (
	"golang.org/x/sys/unix"
)

// ClockEpoch is the starting value of every thread's logical clock.
// Starting well above zero avoids virtualized timestamps that predate
// every real file, which programs tend to treat as "in the future" or
// "never built". Can be overridden per thread group for reproducible-build
// setups.
const ClockEpoch = 744847200

// DirentBufferSize is the size of the buffer registered per directory file
// descriptor. glibc uses 32 KiB for getdents, so we do too.
const DirentBufferSize = 32768

// Phase says whether the next syscall stop of a thread is the entry
// (pre-hook) or the exit (post-hook). Ptrace does not report this, so it is
// tracked manually, alternating per completed syscall.
type Phase int

const (
	PhasePre Phase = iota
	PhasePost
)

func (p Phase) String() string {
	if p == PhasePre {
		return "pre"
	}
	return "post"
}

// Thread is the state of one traced thread, created when the thread is
// first observed and dropped when it exits.
type Thread struct {
	Tid int

	// Phase of the next syscall stop.
	Phase Phase

	// FirstTry is true until the current syscall has been replayed or
	// injected once. It distinguishes a syscall naturally entered by the
	// tracee from one the tracer re-entered artificially.
	FirstTry bool

	// Injected is true while the thread executes a syscall the tracer
	// issued on its behalf rather than one its own program requested.
	Injected bool

	// SignalToDeliver is the pending signal to redeliver on the next
	// resume. Zero means none.
	SignalToDeliver int

	// BeforeRetry is the register state at the post-hook before any
	// retries, so a retried call can expose a coherent result.
	BeforeRetry unix.PtraceRegs

	// PrevRegs is the register state saved before the tracer modified it,
	// for restoration at the post-hook.
	PrevRegs unix.PtraceRegs

	// Original argument values from the pre-hook. Restored at the
	// post-hook whenever the tracer rewrote arguments in between, so the
	// tracee never observes tracer-internal rewrites.
	OriginalArg1 uint64
	OriginalArg2 uint64
	OriginalArg3 uint64
	OriginalArg4 uint64
	OriginalArg5 uint64

	// TotalBytes accumulates bytes transferred across retries of a
	// partially completed read or write, so the final result can report
	// the full count.
	TotalBytes uint64

	// SavedSyscall is the number of the syscall entered at the last
	// pre-hook. Needed because the thread may be switched away from
	// between the hooks, and because injected calls overwrite the number
	// in the registers.
	SavedSyscall uint64

	// InjectedStatBuf is the tracee address of the scratch stat buffer the
	// injected stat call writes to, while one is in flight.
	InjectedStatBuf uint64

	clock uint64

	pendingDeleteInode    uint64
	hasPendingDeleteInode bool

	direntBuffers map[int][]byte
}

// NewThread returns the state for a newly observed thread. The logical
// clock starts at epoch; zero means "use ClockEpoch".
func NewThread(tid int, epoch uint64) *Thread {
	if epoch == 0 {
		epoch = ClockEpoch
	}
	return &Thread{
		Tid:      tid,
		Phase:    PhasePre,
		FirstTry: true,
		clock:    epoch,
	}
}

// Clock returns the thread's logical time. It never resets and is never
// zero.
func (t *Thread) Clock() uint64 {
	return t.clock
}

// IncrementClock advances logical time by one tick and returns the new
// value. Called only from handlers of time-observing syscalls, so time
// appears to progress exactly as fast as the tracee observes it.
func (t *Thread) IncrementClock() uint64 {
	t.clock++
	return t.clock
}

// SaveArgs records the true argument values of the syscall being entered so
// they can be restored after the tracer rewrote them.
func (t *Thread) SaveArgs(arg1, arg2, arg3, arg4, arg5 uint64) {
	t.OriginalArg1 = arg1
	t.OriginalArg2 = arg2
	t.OriginalArg3 = arg3
	t.OriginalArg4 = arg4
	t.OriginalArg5 = arg5
}

// SetPendingDeleteInode records the real inode resolved by the injected
// stat call ahead of a delete-class syscall.
func (t *Thread) SetPendingDeleteInode(ino uint64) {
	t.pendingDeleteInode = ino
	t.hasPendingDeleteInode = true
}

// PendingDeleteInode returns the recorded inode, if any.
func (t *Thread) PendingDeleteInode() (uint64, bool) {
	return t.pendingDeleteInode, t.hasPendingDeleteInode
}

// ClearPendingDeleteInode drops the recorded inode once the delete's
// post-hook has erased it from the global maps.
func (t *Thread) ClearPendingDeleteInode() {
	t.pendingDeleteInode = 0
	t.hasPendingDeleteInode = false
}

// DirentBuffer returns the directory-entry buffer for fd, allocating it on
// first use. The buffer holds getdents results the dispatch layer parses;
// this state only owns the slot.
func (t *Thread) DirentBuffer(fd int) []byte {
	if t.direntBuffers == nil {
		t.direntBuffers = map[int][]byte{}
	}
	buf, ok := t.direntBuffers[fd]
	if !ok {
		buf = make([]byte, DirentBufferSize)
		t.direntBuffers[fd] = buf
	}
	return buf
}

// HasDirentBuffer reports whether fd has an allocated buffer.
func (t *Thread) HasDirentBuffer(fd int) bool {
	_, ok := t.direntBuffers[fd]
	return ok
}

// RemoveDirentBuffer frees the slot for fd. Called when the descriptor is
// closed.
func (t *Thread) RemoveDirentBuffer(fd int) {
	delete(t.direntBuffers, fd)
}
