// Package seccomp builds the seccomp BPF program a seccomp-stop driven
// tracer installs in the traced child before exec. Syscalls whose results
// are deterministic anyway get ActionAllow and run at full speed; everything
// else gets ActionTrace, which raises a PTRACE_EVENT_SECCOMP stop at entry
// for the tracer to virtualize.
package seccomp

import (
	libseccomp "github.com/elastic/go-seccomp-bpf"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// DefaultAllow are syscalls with no observable nondeterminism, safe to run
// without a stop: pure memory and signal management. Anything touching
// inodes, time, randomness, or blocking I/O stays traced.
var DefaultAllow = []string{ //nolint:gochecknoglobals
	"mmap", "munmap", "mprotect", "mremap", "brk", "madvise",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"arch_prctl", "exit", "exit_group",
}

// Program is a seccomp filter in the kernel's raw BPF form.
type Program []unix.SockFilter

// SockFprog returns the program in the form the seccomp syscall takes. The
// instruction slice must stay alive while the pointer is in use.
func (p Program) SockFprog() *unix.SockFprog {
	instructions := []unix.SockFilter(p)
	return &unix.SockFprog{
		Len:    uint16(len(instructions)),
		Filter: &instructions[0],
	}
}

// Builder assembles a trace filter from syscall names. Names not known on
// the build architecture are an error, not silently dropped: a typo here
// would quietly un-virtualize a syscall.
type Builder struct {
	// Allow runs without any stop.
	Allow []string
	// Trace raises a seccomp stop at entry. Empty means "everything not
	// allowed", via the default action.
	Trace []string
}

func (b *Builder) policy() libseccomp.Policy {
	groups := []libseccomp.SyscallGroup{
		{
			Action: libseccomp.ActionAllow,
			Names:  b.Allow,
		},
	}
	if len(b.Trace) > 0 {
		groups = append(groups, libseccomp.SyscallGroup{
			Action: libseccomp.ActionTrace,
			Names:  b.Trace,
		})
	}
	return libseccomp.Policy{
		DefaultAction: libseccomp.ActionTrace,
		Syscalls:      groups,
	}
}

// Assemble compiles the policy down to raw BPF instructions.
func (b *Builder) Assemble() (Program, errors.E) {
	policy := b.policy()

	instructions, err := policy.Assemble()
	if err != nil {
		return nil, errors.Errorf("assemble seccomp policy: %w", err)
	}

	raw, err := bpf.Assemble(instructions)
	if err != nil {
		return nil, errors.Errorf("assemble bpf: %w", err)
	}

	program := make(Program, 0, len(raw))
	for _, instruction := range raw {
		program = append(program, unix.SockFilter{
			Code: instruction.Op,
			Jt:   instruction.Jt,
			Jf:   instruction.Jf,
			K:    instruction.K,
		})
	}

	return program, nil
}

// Load installs the filter on the calling thread, with no-new-privs set and
// TSYNC so every thread of the process is covered. Called in the traced
// child between fork and exec, never in the tracer.
func (b *Builder) Load() errors.E {
	// Assemble first so a bad policy fails before we flip no-new-privs.
	_, errE := b.Assemble()
	if errE != nil {
		return errE
	}

	err := libseccomp.LoadFilter(libseccomp.Filter{
		NoNewPrivs: true,
		Flag:       libseccomp.FilterFlagTSync,
		Policy:     b.policy(),
	})
	if err != nil {
		return errors.Errorf("load seccomp filter: %w", err)
	}

	return nil
}
