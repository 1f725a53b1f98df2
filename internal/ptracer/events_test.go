package ptracer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/ptracer"
)

const stopped = 0x7f

func stopStatus(sig unix.Signal, event int) unix.WaitStatus {
	return unix.WaitStatus(stopped | int(sig)<<8 | event<<16)
}

func TestDecodeWaitStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status unix.WaitStatus
		want   ptracer.Event
	}{
		{"exit zero", unix.WaitStatus(0), ptracer.EventNonEventExit},
		{"exit nonzero", unix.WaitStatus(3 << 8), ptracer.EventNonEventExit},
		{"killed by signal", unix.WaitStatus(unix.SIGKILL), ptracer.EventTerminatedBySignal},
		{"segv with core", unix.WaitStatus(int(unix.SIGSEGV) | 0x80), ptracer.EventTerminatedBySignal},
		{"syscall stop", stopStatus(unix.SIGTRAP|0x80, 0), ptracer.EventSyscall},
		{"signal stop", stopStatus(unix.SIGUSR1, 0), ptracer.EventSignal},
		{"plain sigtrap", stopStatus(unix.SIGTRAP, 0), ptracer.EventSignal},
		{"event exit", stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_EXIT), ptracer.EventEventExit},
		{"event exec", stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_EXEC), ptracer.EventExec},
		{"event clone", stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_CLONE), ptracer.EventClone},
		{"event fork", stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_FORK), ptracer.EventFork},
		{"event vfork", stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_VFORK), ptracer.EventVFork},
		{"event seccomp", stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_SECCOMP), ptracer.EventSeccomp},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ptracer.DecodeWaitStatus(tt.status)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Decoding is idempotent given the same raw status.
			again, err := ptracer.DecodeWaitStatus(tt.status)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestDecodeWaitStatusPrecedence(t *testing.T) {
	t.Parallel()

	// A signal termination wins over anything that could look like a stop.
	got, err := ptracer.DecodeWaitStatus(unix.WaitStatus(unix.SIGTERM))
	require.NoError(t, err)
	assert.Equal(t, ptracer.EventTerminatedBySignal, got)
}

func TestStopSignalFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, ptracer.StopSignalFor(stopStatus(unix.SIGTRAP|0x80, 0)))
	assert.Equal(t, 0, ptracer.StopSignalFor(stopStatus(unix.SIGTRAP, unix.PTRACE_EVENT_CLONE)))
	assert.Equal(t, 0, ptracer.StopSignalFor(unix.WaitStatus(0)))
	assert.Equal(t, int(unix.SIGUSR2), ptracer.StopSignalFor(stopStatus(unix.SIGUSR2, 0)))
	assert.Equal(t, int(unix.SIGINT), ptracer.StopSignalFor(stopStatus(unix.SIGINT, 0)))
}
