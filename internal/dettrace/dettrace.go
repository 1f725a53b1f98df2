// Package dettrace drives deterministic tracing of a process tree: it
// launches the target stopped under ptrace, multiplexes over every traced
// thread, and virtualizes the nondeterminism its syscalls could observe
// (inode numbers, modification times, time, randomness) so repeated runs
// are bit-identical.
package dettrace

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const logFlags = log.Ldate | log.Ltime | log.LUTC

var logInfof = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf("dettrace: info: "+msg, args...)
}

var logWarnf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf("dettrace: warning: "+msg, args...)
}

var logErrorf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf("dettrace: error: "+msg, args...)
}

var logDebugf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf("dettrace: debug: "+msg, args...)
}

// ConfigureLog sets the log level: none, error, warn (default), info, or
// debug. Levels are disabled by replacing their functions so call sites
// stay cheap.
func ConfigureLog(level string) errors.E {
	log.SetFlags(logFlags)

	switch level {
	case "none":
		logErrorf = func(msg string, args ...any) {}
		fallthrough
	case "error":
		logWarnf = func(msg string, args ...any) {}
		fallthrough
	case "warn", "": // Default log level.
		logInfof = func(msg string, args ...any) {}
		fallthrough
	case "info":
		logDebugf = func(msg string, args ...any) {}
	case "debug":
	default:
		return errors.Errorf("invalid log level %s", level)
	}

	return nil
}

// Config is what a tracing session needs to start.
type Config struct {
	// Command is the program to trace and its arguments.
	Command []string
	// Epoch overrides the logical-clock starting value. Zero means the
	// default.
	Epoch uint64
	// UseSeccomp installs a trace filter in the child so deterministic
	// syscalls run without stops.
	UseSeccomp bool
}

// Run traces the configured command to completion and returns its exit
// status. All tracing happens on the calling goroutine, pinned to one OS
// thread; ptrace requests are only valid from the attaching thread.
func Run(ctx context.Context, config Config) (int, errors.E) {
	if len(config.Command) == 0 {
		return 0, errors.New("no command to trace")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	session, err := uuid.NewRandom()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	logInfof("session %s: tracing %v", session, config.Command)

	cmd, errE := Launch(config.Command, config.UseSeccomp)
	if errE != nil {
		return 0, errE
	}
	pgid := cmd.Process.Pid

	// Dying with traced children still running would leave them
	// unvirtualized; on cancellation the whole group goes down.
	cctx, cancel := context.WithCancel(ctx)
	g, cctx := errgroup.WithContext(cctx)
	g.Go(func() error {
		<-cctx.Done()
		killAll(pgid)
		return nil
	})

	d := newDriver(pgid, config.Epoch, config.UseSeccomp)
	status, errE := d.run()

	cancel()
	_ = g.Wait()
	collectZombie(pgid)

	logDiagnostics(session.String(), d)

	if errE != nil {
		return status, errE
	}
	if err := cctx.Err(); err != nil && ctx.Err() != nil {
		return status, errors.WithStack(ctx.Err())
	}

	return status, nil
}

func logDiagnostics(session string, d *driver) {
	c := d.global.Counters
	logInfof("session %s: %d injected syscalls, %d replays (%d blocking), "+
		"%d read retries, %d write retries, %d time calls, %d getrandom calls, "+
		"%d /dev/urandom opens, %d /dev/random opens, %d live inode mappings",
		session, c.InjectedSyscalls, c.TotalReplays, c.ReplaysDueToBlocking,
		c.ReadRetries, c.WriteRetries, c.TimeCalls, c.GetRandomCalls,
		c.DevURandomOpens, c.DevRandomOpens, d.global.Inodes.Len())
}

// ConfigFromEnv builds a session config from the environment and the
// command line: DETTRACE_LOG_LEVEL, DETTRACE_EPOCH, DETTRACE_SECCOMP and
// the command to trace.
func ConfigFromEnv(args []string) (Config, errors.E) {
	if len(args) == 0 {
		return Config{}, errors.New("usage: dettrace <command> [args...]")
	}

	config := Config{
		Command:    args,
		UseSeccomp: os.Getenv("DETTRACE_SECCOMP") == "1",
	}

	if epoch := os.Getenv("DETTRACE_EPOCH"); epoch != "" {
		value, err := strconv.ParseUint(epoch, 10, 64)
		if err != nil || value == 0 {
			return Config{}, errors.Errorf("invalid DETTRACE_EPOCH %q", epoch)
		}
		config.Epoch = value
	}

	return config, nil
}

// Main is the entry point shared by the real binary: stage-two children
// exec the target, everything else parses the environment and traces.
func Main() {
	if IsStage2() {
		errE := Stage2(os.Args[1:])
		// Reaching this point at all means exec failed.
		log.Printf("dettrace: error: %+v", errE)
		os.Exit(127)
	}

	errE := ConfigureLog(os.Getenv("DETTRACE_LOG_LEVEL"))
	if errE != nil {
		log.Printf("dettrace: error: %s", errE)
		os.Exit(2)
	}

	config, errE := ConfigFromEnv(os.Args[1:])
	if errE != nil {
		logErrorf("%s", errE)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	status, errE := Run(ctx, config)
	if errE != nil {
		logErrorf("%+v", errE)
		if status == 0 {
			status = 1
		}
	}
	stop()
	os.Exit(status)
}
