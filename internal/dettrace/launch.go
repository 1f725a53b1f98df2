package dettrace

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/seccomp"
)

// The traced program cannot be started with plain exec: the seccomp filter
// has to be installed after the fork and before the target runs, and Go
// offers no hook between the two. So the tracer re-execs itself as the
// child ("stage two"), which loads the filter and then execs the real
// target. Stage two is marked through the environment.
const (
	stage2Env        = "DETTRACE_STAGE2"
	stage2SeccompEnv = "DETTRACE_STAGE2_SECCOMP"
)

// IsStage2 reports whether this process is the intermediate child.
func IsStage2() bool {
	return os.Getenv(stage2Env) == "1"
}

// Launch starts the stage-two child stopped under trace, in its own
// process group, inheriting our stdio. The caller becomes its tracer and
// must be locked to one OS thread before calling.
func Launch(args []string, useSeccomp bool) (*exec.Cmd, errors.E) {
	executable, err := os.Executable()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), stage2Env+"=1")
	if useSeccomp {
		cmd.Env = append(cmd.Env, stage2SeccompEnv+"=1")
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:  true,
		Setpgid: true,
	}

	err = cmd.Start()
	if err != nil {
		return nil, errors.Errorf("start %s: %w", args[0], err)
	}

	return cmd, nil
}

// Stage2 runs in the intermediate child: optionally install the trace
// filter, then replace ourselves with the target program. On success it
// never returns.
func Stage2(args []string) errors.E {
	if len(args) == 0 {
		return errors.New("stage two started without a command")
	}

	if os.Getenv(stage2SeccompEnv) == "1" {
		builder := seccomp.Builder{Allow: seccomp.DefaultAllow}
		errE := builder.Load()
		if errE != nil {
			return errE
		}
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		return errors.Errorf("%s: %w", args[0], err)
	}

	env := os.Environ()
	filtered := env[:0]
	for _, e := range env {
		// The stage markers must not leak into the traced program.
		if strings.HasPrefix(e, stage2Env) {
			continue
		}
		filtered = append(filtered, e)
	}

	err = unix.Exec(path, args, filtered)
	return errors.Errorf("exec %s: %w", path, err)
}
