//go:build linux && amd64
// +build linux,amd64

package ptracer

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// x86-64 syscall convention: number in rax (orig_rax once the kernel has
// clobbered rax with the return value), arguments in rdi, rsi, rdx, r10,
// r8, r9.

// The syscall instruction (0x0F 0x05) is two bytes; replaying a syscall
// means rewinding the instruction pointer by this much.
const SyscallInstructionSize = 2

// SyscallNumber returns the number of the syscall being entered or exited.
func (t *Tracee) SyscallNumber() uint64 {
	return t.regs.Orig_rax
}

// ReturnValue returns the syscall result during a post stop. Errors are
// encoded as negative errno values.
func (t *Tracee) ReturnValue() uint64 {
	return t.regs.Rax
}

// Arg1 through Arg6 return the syscall argument slots.
func (t *Tracee) Arg1() uint64 { return t.regs.Rdi }
func (t *Tracee) Arg2() uint64 { return t.regs.Rsi }
func (t *Tracee) Arg3() uint64 { return t.regs.Rdx }
func (t *Tracee) Arg4() uint64 { return t.regs.R10 }
func (t *Tracee) Arg5() uint64 { return t.regs.R8 }
func (t *Tracee) Arg6() uint64 { return t.regs.R9 }

// IP returns the instruction pointer.
func (t *Tracee) IP() uint64 { return t.regs.Rip }

// SP returns the stack pointer.
func (t *Tracee) SP() uint64 { return t.regs.Rsp }

// SetSyscallNumber changes the syscall about to be executed. Setting it to
// ^uint64(0) makes the kernel skip the call and return ENOSYS.
func (t *Tracee) SetSyscallNumber(no uint64) errors.E {
	t.regs.Orig_rax = no
	return t.flushRegs()
}

// SetReturnValue overwrites the result the tracee will observe.
func (t *Tracee) SetReturnValue(val uint64) errors.E {
	t.regs.Rax = val
	return t.flushRegs()
}

// SetArg1 through SetArg4 rewrite syscall argument slots.
func (t *Tracee) SetArg1(val uint64) errors.E {
	t.regs.Rdi = val
	return t.flushRegs()
}

func (t *Tracee) SetArg2(val uint64) errors.E {
	t.regs.Rsi = val
	return t.flushRegs()
}

func (t *Tracee) SetArg3(val uint64) errors.E {
	t.regs.Rdx = val
	return t.flushRegs()
}

func (t *Tracee) SetArg4(val uint64) errors.E {
	t.regs.R10 = val
	return t.flushRegs()
}

// SetIP moves the instruction pointer, typically back by
// SyscallInstructionSize to replay a syscall.
func (t *Tracee) SetIP(val uint64) errors.E {
	t.regs.Rip = val
	return t.flushRegs()
}

// SyscallEntryRegs returns regs rewritten so that resuming the thread
// re-enters the given syscall with the given arguments: the instruction
// pointer is rewound over the syscall instruction and the number is put
// back in the accumulator. regs must come from a syscall stop, where the
// instruction pointer already points past the instruction.
func SyscallEntryRegs(regs unix.PtraceRegs, call, arg1, arg2, arg3, arg4, arg5 uint64) unix.PtraceRegs {
	regs.Rip -= SyscallInstructionSize
	regs.Rax = call
	regs.Orig_rax = call
	regs.Rdi = arg1
	regs.Rsi = arg2
	regs.Rdx = arg3
	regs.R10 = arg4
	regs.R8 = arg5
	return regs
}

// SyscallExitRegs returns regs with the argument slots restored to the
// given values and the result set, for exposing a coherent post-hook state
// to the tracee after the tracer temporarily rewrote arguments.
func SyscallExitRegs(regs unix.PtraceRegs, arg1, arg2, arg3, arg4, arg5, ret uint64) unix.PtraceRegs {
	regs.Rdi = arg1
	regs.Rsi = arg2
	regs.Rdx = arg3
	regs.R10 = arg4
	regs.R8 = arg5
	regs.Rax = ret
	return regs
}
