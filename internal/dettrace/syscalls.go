package dettrace

import (
	"unsafe"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/ptracer"
	"github.com/Vogtinator/dettrace/internal/tracestate"
)

const (
	// These errno values are not really meant for user space programs (so
	// they are not defined in the unix package) but the kernel reports
	// interrupted syscalls with them at syscall-exit stops.
	ERESTARTSYS    = unix.Errno(512)
	ERESTARTNOINTR = unix.Errno(513)
	ERESTARTNOHAND = unix.Errno(514)
)

// The x86-64 ABI reserves 128 bytes below the stack pointer which signal
// handlers leave alone; scratch buffers for injected calls go below it.
const redZone = 128

var statSize = uint64(unsafe.Sizeof(unix.Stat_t{})) //nolint:gochecknoglobals

// Registers is the view of a stopped thread's registers the syscall
// lifecycle logic needs. *ptracer.Tracee implements it; tests implement it
// over a plain register struct.
type Registers interface {
	Regs() unix.PtraceRegs
	SetRegs(regs unix.PtraceRegs) errors.E
	SyscallNumber() uint64
	ReturnValue() uint64
	Arg1() uint64
	Arg2() uint64
	Arg3() uint64
	Arg4() uint64
	Arg5() uint64
	Arg6() uint64
	SP() uint64
	SetSyscallNumber(no uint64) errors.E
	SetReturnValue(val uint64) errors.E
}

// Call is everything a handler may touch for one syscall stop of one
// thread.
type Call struct {
	Tracee Registers
	Memory *ptracer.Memory
	Thread *tracestate.Thread
	Global *tracestate.Global
}

// Handler virtualizes one syscall family. Prepare runs at the pre-hook,
// before the kernel executes the call; Finish runs at the post-hook, with
// the result in the return register. Handlers are selected by syscall
// number from a table, one entry per family.
type Handler interface {
	Prepare(c *Call) errors.E
	Finish(c *Call) errors.E
}

// noPrepare and noFinish are embedded by handlers which only care about one
// of the two hooks.
type noPrepare struct{}

func (noPrepare) Prepare(*Call) errors.E { return nil }

type noFinish struct{}

func (noFinish) Finish(*Call) errors.E { return nil }

func defaultHandlers() map[uint64]Handler {
	handlers := map[uint64]Handler{}

	deletes := deleteHandler{}
	handlers[unix.SYS_UNLINK] = deletes
	handlers[unix.SYS_UNLINKAT] = deletes
	handlers[unix.SYS_RMDIR] = deletes

	times := timeHandler{}
	handlers[unix.SYS_TIME] = times
	handlers[unix.SYS_GETTIMEOFDAY] = times
	handlers[unix.SYS_CLOCK_GETTIME] = times

	handlers[unix.SYS_GETRANDOM] = randomHandler{}

	opens := openHandler{}
	handlers[unix.SYS_OPEN] = opens
	handlers[unix.SYS_OPENAT] = opens

	stats := statHandler{}
	handlers[unix.SYS_STAT] = stats
	handlers[unix.SYS_FSTAT] = stats
	handlers[unix.SYS_LSTAT] = stats
	handlers[unix.SYS_NEWFSTATAT] = stats
	handlers[unix.SYS_STATX] = stats

	handlers[unix.SYS_READ] = transferHandler{write: false}
	handlers[unix.SYS_WRITE] = transferHandler{write: true}

	dirents := direntHandler{}
	handlers[unix.SYS_GETDENTS] = dirents
	handlers[unix.SYS_GETDENTS64] = dirents

	handlers[unix.SYS_CLOSE] = closeHandler{}

	return handlers
}

// replaySyscall rewrites the registers at a post-hook so that resuming the
// thread re-executes call with the given arguments, and counts the replay.
// The pre-hook snapshot is the base, so registers the tracer rewrote in
// between go back to the tracee's own values.
func replaySyscall(c *Call, call, arg1, arg2, arg3, arg4, arg5 uint64) errors.E {
	c.Global.Counters.TotalReplays++
	regs := ptracer.SyscallEntryRegs(c.Thread.PrevRegs, call, arg1, arg2, arg3, arg4, arg5)
	return c.Tracee.SetRegs(regs)
}

// deleteHandler implements the delete-class protocol for unlink, unlinkat
// and rmdir. Stat-ing after the delete cannot work, the path is gone by
// then, so the inode has to be resolved strictly before the delete runs:
//
//  1. At the first pre-hook the real call is suppressed by turning it into
//     an injected stat resolving the target's inode into the thread's
//     pending-delete slot.
//  2. The injected stat's post-hook replays the original delete.
//  3. The original delete's post-hook erases the pending inode from the
//     global inode and mtime maps, permitting the kernel to recycle it.
type deleteHandler struct{}

func (deleteHandler) Prepare(c *Call) errors.E {
	if _, pending := c.Thread.PendingDeleteInode(); pending || !c.Thread.FirstTry {
		// The replayed original call; let it through untouched. FirstTry
		// covers the case where the injected stat failed and no inode was
		// resolved.
		return nil
	}

	regs := c.Tracee.Regs()
	statBuf := c.Tracee.SP() - redZone - statSize

	var dirfd, path, flags uint64
	switch c.Thread.SavedSyscall {
	case unix.SYS_UNLINKAT:
		dirfd = c.Thread.OriginalArg1
		path = c.Thread.OriginalArg2
		flags = unix.AT_SYMLINK_NOFOLLOW
	default: // unlink, rmdir
		dirfd = wrapNeg(unix.AT_FDCWD)
		path = c.Thread.OriginalArg1
		flags = unix.AT_SYMLINK_NOFOLLOW
	}

	c.Thread.Injected = true
	c.Thread.FirstTry = false
	c.Thread.PrevRegs = regs
	c.Thread.InjectedStatBuf = statBuf
	c.Global.Counters.InjectedSyscalls++

	regs.Orig_rax = unix.SYS_NEWFSTATAT
	regs.Rax = unix.SYS_NEWFSTATAT
	regs.Rdi = dirfd
	regs.Rsi = path
	regs.Rdx = statBuf
	regs.R10 = flags

	return c.Tracee.SetRegs(regs)
}

func (deleteHandler) Finish(c *Call) errors.E {
	if c.Thread.Injected {
		// Post-hook of the injected stat: record the inode and replay the
		// original delete.
		res := int64(c.Tracee.ReturnValue())
		if res == 0 {
			stat, err := ptracer.Read[unix.Stat_t](c.Memory, uintptr(c.Thread.InjectedStatBuf))
			if err != nil {
				return err
			}
			c.Thread.SetPendingDeleteInode(stat.Ino)
		}
		// If the stat failed the path does not resolve and the delete will
		// fail on its own; replay it regardless so the tracee sees the
		// real errno.
		c.Thread.Injected = false
		c.Thread.InjectedStatBuf = 0

		t := c.Thread
		return replaySyscall(c, t.SavedSyscall,
			t.OriginalArg1, t.OriginalArg2, t.OriginalArg3, t.OriginalArg4, t.OriginalArg5)
	}

	// Post-hook of the original delete (replayed or, if the injection never
	// happened, natural).
	ino, pending := c.Thread.PendingDeleteInode()
	c.Thread.ClearPendingDeleteInode()
	c.Thread.FirstTry = true

	if !pending || int64(c.Tracee.ReturnValue()) != 0 {
		// Nothing resolved or the delete failed; the mappings stay.
		return nil
	}

	if _, ok := c.Global.Inodes.Get(ino); ok {
		err := c.Global.Inodes.Erase(ino)
		if err != nil {
			return err
		}
	}
	if _, ok := c.Global.Mtimes.Get(ino); ok {
		err := c.Global.Mtimes.Erase(ino)
		if err != nil {
			return err
		}
	}

	return nil
}

// timeHandler virtualizes time observations: every time-observing call
// ticks the thread's logical clock and reports it instead of the kernel's
// answer, so time advances exactly as fast as the tracee watches it.
type timeHandler struct {
	noPrepare
}

func (timeHandler) Finish(c *Call) errors.E {
	if int64(c.Tracee.ReturnValue()) < 0 {
		// The call failed (a bad pointer, typically); the errno passes
		// through and the pointer must not be touched.
		return nil
	}

	c.Global.Counters.TimeCalls++
	now := c.Thread.IncrementClock()

	switch c.Thread.SavedSyscall {
	case unix.SYS_TIME:
		if c.Thread.OriginalArg1 != 0 {
			err := ptracer.Write(c.Memory, uintptr(c.Thread.OriginalArg1), int64(now))
			if err != nil {
				return err
			}
		}
		return c.Tracee.SetReturnValue(now)
	case unix.SYS_GETTIMEOFDAY:
		if c.Thread.OriginalArg1 == 0 {
			return nil
		}
		tv := unix.Timeval{Sec: int64(now)}
		return ptracer.Write(c.Memory, uintptr(c.Thread.OriginalArg1), tv)
	case unix.SYS_CLOCK_GETTIME:
		if c.Thread.OriginalArg2 == 0 {
			return nil
		}
		ts := unix.Timespec{Sec: int64(now)}
		return ptracer.Write(c.Memory, uintptr(c.Thread.OriginalArg2), ts)
	}

	return nil
}

// randomHandler overwrites getrandom results with bytes derived from the
// logical clock, which is deterministic, instead of the kernel's entropy.
type randomHandler struct {
	noPrepare
}

func (randomHandler) Finish(c *Call) errors.E {
	c.Global.Counters.GetRandomCalls++

	res := int64(c.Tracee.ReturnValue())
	if res <= 0 {
		return nil
	}

	seed := c.Thread.IncrementClock()
	data := make([]byte, res)
	for i := range data {
		data[i] = byte(seed + uint64(i))
	}

	return c.Memory.WriteBytes(uintptr(c.Thread.OriginalArg1), data)
}

// openHandler counts opens of the kernel randomness devices. We do not
// track which fds map to which files, so opens are the best proxy for
// urandom consumption we have.
type openHandler struct {
	noPrepare
}

func (openHandler) Finish(c *Call) errors.E {
	if int64(c.Tracee.ReturnValue()) < 0 {
		// Failed opens consumed no randomness, and the path pointer is
		// not necessarily readable.
		return nil
	}

	pathArg := c.Thread.OriginalArg1
	if c.Thread.SavedSyscall == unix.SYS_OPENAT {
		pathArg = c.Thread.OriginalArg2
	}
	if pathArg == 0 {
		return nil
	}

	path, err := c.Memory.ReadCString(uintptr(pathArg))
	if err != nil {
		return err
	}

	switch path {
	case "/dev/urandom":
		c.Global.Counters.DevURandomOpens++
	case "/dev/random":
		c.Global.Counters.DevRandomOpens++
	}

	return nil
}

// statHandler rewrites stat results so the tracee only ever sees virtual
// inode numbers and virtual modification times.
type statHandler struct {
	noPrepare
}

func (statHandler) Finish(c *Call) errors.E {
	if int64(c.Tracee.ReturnValue()) != 0 {
		return nil
	}

	if c.Thread.SavedSyscall == unix.SYS_STATX {
		return finishStatx(c)
	}

	bufArg := c.Thread.OriginalArg2
	if c.Thread.SavedSyscall == unix.SYS_NEWFSTATAT {
		bufArg = c.Thread.OriginalArg3
	}
	if bufArg == 0 {
		return nil
	}

	stat, err := ptracer.Read[unix.Stat_t](c.Memory, uintptr(bufArg))
	if err != nil {
		return err
	}

	realIno := stat.Ino
	stat.Ino = c.Global.Inodes.GetOrInsert(realIno)
	mtime := int64(c.Global.Mtimes.GetOrInsert(realIno))
	stat.Mtim = unix.Timespec{Sec: mtime}
	stat.Atim = unix.Timespec{Sec: mtime}
	stat.Ctim = unix.Timespec{Sec: mtime}

	return ptracer.Write(c.Memory, uintptr(bufArg), stat)
}

// finishStatx applies the same rewriting to the statx result layout, which
// modern libcs stat through.
func finishStatx(c *Call) errors.E {
	bufArg := c.Thread.OriginalArg5
	if bufArg == 0 {
		return nil
	}

	stx, err := ptracer.Read[unix.Statx_t](c.Memory, uintptr(bufArg))
	if err != nil {
		return err
	}

	realIno := stx.Ino
	stx.Ino = c.Global.Inodes.GetOrInsert(realIno)
	ts := unix.StatxTimestamp{Sec: int64(c.Global.Mtimes.GetOrInsert(realIno))}
	stx.Mtime = ts
	stx.Atime = ts
	stx.Ctime = ts
	stx.Btime = ts

	return ptracer.Write(c.Memory, uintptr(bufArg), stx)
}

// transferHandler implements the retry protocol for read and write.
// Interrupted or would-block results and partial transfers are hidden from
// the tracee: the call is replayed over the remaining window until it
// completes, and the post-hook then exposes the cumulative count with the
// original arguments restored, as if one call had transferred everything.
type transferHandler struct {
	noPrepare
	write bool
}

func (h transferHandler) Finish(c *Call) errors.E {
	t := c.Thread
	res := int64(c.Tracee.ReturnValue())
	requested := t.OriginalArg3

	if t.FirstTry {
		t.BeforeRetry = c.Tracee.Regs()
	}

	retry := false
	switch unix.Errno(-res) {
	case unix.EINTR, unix.EAGAIN, ERESTARTSYS, ERESTARTNOINTR, ERESTARTNOHAND:
		retry = true
		c.Global.Counters.ReplaysDueToBlocking++
	default:
		if res > 0 && t.TotalBytes+uint64(res) < requested {
			// Partial transfer; go after the rest.
			t.TotalBytes += uint64(res)
			retry = true
		}
	}

	if retry {
		t.FirstTry = false
		if h.write {
			c.Global.Counters.WriteRetries++
		} else {
			c.Global.Counters.ReadRetries++
		}
		return replaySyscall(c, t.SavedSyscall,
			t.OriginalArg1, t.OriginalArg2+t.TotalBytes, requested-t.TotalBytes,
			t.OriginalArg4, t.OriginalArg5)
	}

	if !t.FirstTry {
		// The call completed after retries; expose the cumulative result
		// and the full register state of the first attempt's exit, so the
		// tracee never sees the tracer's argument rewrites.
		total := t.TotalBytes
		if res > 0 {
			total += uint64(res)
		}
		regs := ptracer.SyscallExitRegs(t.BeforeRetry,
			t.OriginalArg1, t.OriginalArg2, t.OriginalArg3, t.OriginalArg4, t.OriginalArg5,
			total)
		err := c.Tracee.SetRegs(regs)
		if err != nil {
			return err
		}
	}

	t.TotalBytes = 0
	t.FirstTry = true

	return nil
}

// direntHandler owns the per-descriptor directory-entry buffer slots.
// Parsing the entries is the dispatch layer's job; this only makes sure the
// slot exists before the kernel fills it.
type direntHandler struct {
	noFinish
}

func (direntHandler) Prepare(c *Call) errors.E {
	c.Thread.DirentBuffer(int(c.Tracee.Arg1()))
	return nil
}

// closeHandler frees the directory-entry buffer slot when its descriptor
// goes away.
type closeHandler struct {
	noPrepare
}

func (closeHandler) Finish(c *Call) errors.E {
	if int64(c.Tracee.ReturnValue()) == 0 {
		c.Thread.RemoveDirentBuffer(int(c.Thread.OriginalArg1))
	}
	return nil
}

// wrapNeg encodes a negative syscall argument the way registers hold it.
func wrapNeg(v int) uint64 {
	return uint64(int64(v))
}
