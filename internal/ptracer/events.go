package ptracer

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Event is the decoded form of a raw wait status. Ptrace reports several
// different kinds of stops through the same waitpid interface and some of
// them are only distinguishable through the auxiliary event code in the
// upper status bits, so all status decoding goes through DecodeWaitStatus
// and nothing else interprets raw statuses.
type Event int

const (
	// EventSyscall is a syscall stop, either entry or exit. Ptrace does not
	// say which; the per-thread phase flag does.
	EventSyscall Event = iota
	// EventNonEventExit is a thread which is gone, reported through a plain
	// exit status without a preceding PTRACE_EVENT_EXIT stop we acted on.
	EventNonEventExit
	// EventEventExit is a PTRACE_EVENT_EXIT stop: the thread is about to
	// exit but can still be inspected.
	EventEventExit
	// EventSignal is a signal delivery stop.
	EventSignal
	// EventExec is a PTRACE_EVENT_EXEC stop.
	EventExec
	// EventClone is a PTRACE_EVENT_CLONE stop; the new tid is in the event
	// message.
	EventClone
	// EventFork is a PTRACE_EVENT_FORK stop.
	EventFork
	// EventVFork is a PTRACE_EVENT_VFORK stop. Fork and vfork can share a
	// syscall entry point so they are told apart here, not by syscall
	// number.
	EventVFork
	// EventTerminatedBySignal is a thread killed by a signal.
	EventTerminatedBySignal
	// EventSeccomp is a PTRACE_EVENT_SECCOMP stop, raised at syscall entry
	// for syscalls the installed filter marked with ActionTrace.
	EventSeccomp
)

func (e Event) String() string {
	switch e {
	case EventSyscall:
		return "syscall"
	case EventNonEventExit:
		return "nonEventExit"
	case EventEventExit:
		return "eventExit"
	case EventSignal:
		return "signal"
	case EventExec:
		return "exec"
	case EventClone:
		return "clone"
	case EventFork:
		return "fork"
	case EventVFork:
		return "vfork"
	case EventTerminatedBySignal:
		return "terminatedBySignal"
	case EventSeccomp:
		return "seccomp"
	}
	return "unknown"
}

// With PTRACE_O_TRACESYSGOOD the kernel sets bit 7 of the stop signal at
// syscall stops so they cannot be confused with a real SIGTRAP.
const syscallStopBit = 0x80

// DecodeWaitStatus maps a raw wait status to exactly one Event. A
// signal-termination status takes priority over anything else, an exit
// status with a pending PTRACE_EVENT_EXIT code is distinguished from a
// plain exit, and clone/fork/vfork come from the auxiliary event code. A
// status which is none of the known stops is surfaced as an error rather
// than guessed; the driver decides whether that is fatal. The mapping is
// pure: the same status always decodes to the same event.
func DecodeWaitStatus(status unix.WaitStatus) (Event, errors.E) {
	switch {
	case status.Signaled():
		return EventTerminatedBySignal, nil
	case status.Exited():
		return EventNonEventExit, nil
	case status.Stopped():
		sig := status.StopSignal()
		if sig&syscallStopBit != 0 {
			return EventSyscall, nil
		}
		switch status.TrapCause() {
		case unix.PTRACE_EVENT_EXIT:
			return EventEventExit, nil
		case unix.PTRACE_EVENT_EXEC:
			return EventExec, nil
		case unix.PTRACE_EVENT_CLONE:
			return EventClone, nil
		case unix.PTRACE_EVENT_FORK:
			return EventFork, nil
		case unix.PTRACE_EVENT_VFORK:
			return EventVFork, nil
		case unix.PTRACE_EVENT_SECCOMP:
			return EventSeccomp, nil
		}
		// A plain SIGTRAP (trap cause 0) or any other signal is a signal
		// delivery stop.
		return EventSignal, nil
	}
	return EventSignal, errors.Errorf("unexpected wait status %#x", uint32(status))
}

// StopSignalFor returns the signal to redeliver for a signal delivery stop,
// or zero when the stop was tracer-internal (a trap for our own tracing).
func StopSignalFor(status unix.WaitStatus) int {
	if !status.Stopped() {
		return 0
	}
	sig := status.StopSignal()
	if sig&syscallStopBit != 0 {
		// Syscall stop, not a real signal.
		return 0
	}
	if sig == unix.SIGTRAP {
		// Traps (breakpoints, ptrace events) belong to the tracer.
		return 0
	}
	return int(sig)
}
