package dettrace

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/Vogtinator/dettrace/internal/ptracer"
	"github.com/Vogtinator/dettrace/internal/tracestate"
)

// fakeRegs implements Registers over a plain register struct, standing in
// for a stopped thread.
type fakeRegs struct {
	regs unix.PtraceRegs
}

func (f *fakeRegs) Regs() unix.PtraceRegs { return f.regs }

func (f *fakeRegs) SetRegs(regs unix.PtraceRegs) errors.E {
	f.regs = regs
	return nil
}

func (f *fakeRegs) SyscallNumber() uint64 { return f.regs.Orig_rax }
func (f *fakeRegs) ReturnValue() uint64   { return f.regs.Rax }
func (f *fakeRegs) Arg1() uint64          { return f.regs.Rdi }
func (f *fakeRegs) Arg2() uint64          { return f.regs.Rsi }
func (f *fakeRegs) Arg3() uint64          { return f.regs.Rdx }
func (f *fakeRegs) Arg4() uint64          { return f.regs.R10 }
func (f *fakeRegs) Arg5() uint64          { return f.regs.R8 }
func (f *fakeRegs) Arg6() uint64          { return f.regs.R9 }
func (f *fakeRegs) SP() uint64            { return f.regs.Rsp }

func (f *fakeRegs) SetSyscallNumber(no uint64) errors.E {
	f.regs.Orig_rax = no
	return nil
}

func (f *fakeRegs) SetReturnValue(val uint64) errors.E {
	f.regs.Rax = val
	return nil
}

// fakeWordIO is a sparse memory with word-granularity transfers, like the
// real transport. With fail set every transfer errors, like a vanished or
// unmapped tracee address.
type fakeWordIO struct {
	data map[uintptr]byte
	fail bool
}

func (f *fakeWordIO) PeekWord(addr uintptr) (uint64, errors.E) {
	if f.fail {
		return 0, errors.New("peek failed")
	}
	var word [8]byte
	for i := range word {
		word[i] = f.data[addr+uintptr(i)]
	}
	return binary.LittleEndian.Uint64(word[:]), nil
}

func (f *fakeWordIO) PokeWord(addr uintptr, w uint64) errors.E {
	if f.fail {
		return errors.New("poke failed")
	}
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], w)
	for i := range word {
		f.data[addr+uintptr(i)] = word[i]
	}
	return nil
}

func newCall(t *testing.T) (*Call, *fakeRegs, *fakeWordIO) {
	t.Helper()

	regs := &fakeRegs{}
	io := &fakeWordIO{data: map[uintptr]byte{}}
	c := &Call{
		Tracee: regs,
		Memory: ptracer.NewMemory(io),
		Thread: tracestate.NewThread(1000, 0),
		Global: tracestate.NewGlobal(),
	}
	return c, regs, io
}

// enterSyscall mimics what the driver does at a pre-hook before any
// handler runs.
func enterSyscall(c *Call, regs *fakeRegs, call uint64, args ...uint64) {
	regs.regs.Orig_rax = call
	slots := []*uint64{&regs.regs.Rdi, &regs.regs.Rsi, &regs.regs.Rdx, &regs.regs.R10, &regs.regs.R8}
	for i := range slots {
		if i < len(args) {
			*slots[i] = args[i]
		} else {
			*slots[i] = 0
		}
	}
	c.Thread.SavedSyscall = call
	c.Thread.SaveArgs(regs.regs.Rdi, regs.regs.Rsi, regs.regs.Rdx, regs.regs.R10, regs.regs.R8)
	c.Thread.PrevRegs = regs.regs
}

func TestDeleteProtocol(t *testing.T) {
	t.Parallel()

	c, regs, _ := newCall(t)
	handler := deleteHandler{}

	// Inode 77 is already mapped, with a recorded mtime.
	virtual := c.Global.Inodes.GetOrInsert(77)
	c.Global.Mtimes.GetOrInsert(77)

	const pathAddr = 0x7000
	regs.regs.Rip = 0x400002
	regs.regs.Rsp = 0x7ff000

	// Pre-hook of rmdir: the delete is suppressed and turned into an
	// injected stat.
	enterSyscall(c, regs, unix.SYS_RMDIR, pathAddr)
	require.NoError(t, handler.Prepare(c))

	statBuf := uint64(0x7ff000) - redZone - statSize
	assert.Equal(t, uint64(unix.SYS_NEWFSTATAT), regs.regs.Orig_rax)
	assert.Equal(t, wrapNeg(unix.AT_FDCWD), regs.regs.Rdi)
	assert.Equal(t, uint64(pathAddr), regs.regs.Rsi)
	assert.Equal(t, statBuf, regs.regs.Rdx)
	assert.True(t, c.Thread.Injected)
	assert.False(t, c.Thread.FirstTry)
	assert.Equal(t, uint64(1), c.Global.Counters.InjectedSyscalls)

	// The kernel executes the stat, filling the scratch buffer.
	require.NoError(t, ptracer.Write(c.Memory, uintptr(statBuf), unix.Stat_t{Ino: 77}))
	regs.regs.Rax = 0

	// Post-hook of the injected stat: the inode is recorded and the
	// original delete replayed.
	require.NoError(t, handler.Finish(c))

	ino, pending := c.Thread.PendingDeleteInode()
	require.True(t, pending)
	assert.Equal(t, uint64(77), ino)
	assert.False(t, c.Thread.Injected)
	assert.Equal(t, uint64(unix.SYS_RMDIR), regs.regs.Orig_rax)
	assert.Equal(t, uint64(pathAddr), regs.regs.Rdi)
	assert.Equal(t, uint64(0x400000), regs.regs.Rip, "instruction pointer rewound over the syscall instruction")
	assert.Equal(t, uint64(1), c.Global.Counters.TotalReplays)

	// Pre-hook of the replayed delete: it runs untouched.
	before := regs.regs
	require.NoError(t, handler.Prepare(c))
	assert.Equal(t, before, regs.regs)

	// Post-hook of the delete: both mappings are erased.
	regs.regs.Rax = 0
	require.NoError(t, handler.Finish(c))

	_, pending = c.Thread.PendingDeleteInode()
	assert.False(t, pending)
	assert.True(t, c.Thread.FirstTry)
	_, ok := c.Global.Inodes.Get(77)
	assert.False(t, ok)
	_, ok = c.Global.Mtimes.Get(77)
	assert.False(t, ok)

	// A recycled real inode gets a fresh identity.
	assert.NotEqual(t, virtual, c.Global.Inodes.GetOrInsert(77))
}

func TestDeleteProtocolStatFailure(t *testing.T) {
	t.Parallel()

	c, regs, _ := newCall(t)
	handler := deleteHandler{}

	c.Global.Inodes.GetOrInsert(77)

	regs.regs.Rip = 0x400002
	regs.regs.Rsp = 0x7ff000
	enterSyscall(c, regs, unix.SYS_UNLINK, 0x7000)
	require.NoError(t, handler.Prepare(c))

	// The injected stat fails: the path raced away underneath us.
	regs.regs.Rax = wrapNeg(-int(unix.ENOENT))
	require.NoError(t, handler.Finish(c))

	_, pending := c.Thread.PendingDeleteInode()
	assert.False(t, pending, "no inode resolved")
	// The delete is still replayed so the tracee sees the real errno.
	assert.Equal(t, uint64(unix.SYS_UNLINK), regs.regs.Orig_rax)

	// Its post-hook leaves the mappings alone.
	require.NoError(t, handler.Prepare(c))
	regs.regs.Rax = wrapNeg(-int(unix.ENOENT))
	require.NoError(t, handler.Finish(c))
	_, ok := c.Global.Inodes.Get(77)
	assert.True(t, ok)
}

func TestReadRetryPartialTransfer(t *testing.T) {
	t.Parallel()

	c, regs, _ := newCall(t)
	handler := transferHandler{write: false}

	regs.regs.Rip = 0x400002
	enterSyscall(c, regs, unix.SYS_READ, 3, 0x1000, 100)

	// First post-hook: only 60 of 100 bytes arrived.
	regs.regs.Rax = 60
	require.NoError(t, handler.Finish(c))

	assert.False(t, c.Thread.FirstTry)
	assert.Equal(t, uint64(60), c.Thread.TotalBytes)
	assert.Equal(t, uint64(unix.SYS_READ), regs.regs.Orig_rax)
	assert.Equal(t, uint64(0x1000+60), regs.regs.Rsi, "buffer advanced past transferred bytes")
	assert.Equal(t, uint64(40), regs.regs.Rdx, "remaining count requested")
	assert.Equal(t, uint64(0x400000), regs.regs.Rip)
	assert.Equal(t, uint64(1), c.Global.Counters.ReadRetries)

	// Second post-hook: the rest arrived. The tracee sees one complete
	// read with its own arguments.
	regs.regs.Rax = 40
	require.NoError(t, handler.Finish(c))

	assert.True(t, c.Thread.FirstTry)
	assert.Zero(t, c.Thread.TotalBytes)
	assert.Equal(t, uint64(100), regs.regs.Rax)
	assert.Equal(t, uint64(0x1000), regs.regs.Rsi)
	assert.Equal(t, uint64(100), regs.regs.Rdx)
	assert.Equal(t, uint64(0x400002), regs.regs.Rip,
		"full register state of the first attempt's exit restored")
	assert.Equal(t, uint64(0x1000), c.Thread.OriginalArg2,
		"saved originals survive the replay")
	assert.Equal(t, uint64(100), c.Thread.OriginalArg3)
}

func TestReadRetryInterrupted(t *testing.T) {
	t.Parallel()

	c, regs, _ := newCall(t)
	handler := transferHandler{write: false}

	regs.regs.Rip = 0x400002
	enterSyscall(c, regs, unix.SYS_READ, 3, 0x1000, 100)

	regs.regs.Rax = wrapNeg(-int(unix.EINTR))
	require.NoError(t, handler.Finish(c))

	assert.False(t, c.Thread.FirstTry)
	assert.Equal(t, uint64(0x1000), regs.regs.Rsi, "nothing transferred, full window replayed")
	assert.Equal(t, uint64(100), regs.regs.Rdx)
	assert.Equal(t, uint64(1), c.Global.Counters.ReplaysDueToBlocking)
	assert.Equal(t, uint64(1), c.Global.Counters.TotalReplays)
}

func TestTimeVirtualization(t *testing.T) {
	t.Parallel()

	c, regs, _ := newCall(t)
	handler := timeHandler{}

	const tsAddr = 0x2000
	enterSyscall(c, regs, unix.SYS_CLOCK_GETTIME, uint64(unix.CLOCK_REALTIME), tsAddr)
	regs.regs.Rax = 0

	start := c.Thread.Clock()
	require.NoError(t, handler.Finish(c))

	assert.Equal(t, start+1, c.Thread.Clock())
	assert.Equal(t, uint64(1), c.Global.Counters.TimeCalls)

	ts, err := ptracer.Read[unix.Timespec](c.Memory, tsAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(start+1), ts.Sec)
	assert.Zero(t, ts.Nsec)

	// time(2) returns the clock directly.
	enterSyscall(c, regs, unix.SYS_TIME, 0)
	regs.regs.Rax = 99999
	require.NoError(t, handler.Finish(c))
	assert.Equal(t, start+2, regs.regs.Rax)
}

func TestRandomVirtualization(t *testing.T) {
	t.Parallel()

	fill := func() []byte {
		c, regs, _ := newCall(t)
		enterSyscall(c, regs, unix.SYS_GETRANDOM, 0x3000, 16)
		regs.regs.Rax = 16
		require.NoError(t, randomHandler{}.Finish(c))

		data, err := c.Memory.ReadBytes(0x3000, 16)
		require.NoError(t, err)
		return data
	}

	// Two independent runs observe identical "randomness".
	assert.Equal(t, fill(), fill())
}

func TestStatVirtualization(t *testing.T) {
	t.Parallel()

	c, regs, _ := newCall(t)
	handler := statHandler{}

	const bufAddr = 0x4000
	require.NoError(t, ptracer.Write(c.Memory, bufAddr, unix.Stat_t{
		Ino:  77,
		Mtim: unix.Timespec{Sec: 1700000000, Nsec: 123},
	}))

	enterSyscall(c, regs, unix.SYS_STAT, 0x7000, bufAddr)
	regs.regs.Rax = 0
	require.NoError(t, handler.Finish(c))

	stat, err := ptracer.Read[unix.Stat_t](c.Memory, bufAddr)
	require.NoError(t, err)

	virtual, ok := c.Global.Inodes.Get(77)
	require.True(t, ok)
	assert.Equal(t, virtual, stat.Ino)
	mtime, ok := c.Global.Mtimes.Get(77)
	require.True(t, ok)
	assert.Equal(t, int64(mtime), stat.Mtim.Sec)
	assert.Zero(t, stat.Mtim.Nsec)

	// Stat-ing again reports the same identity.
	require.NoError(t, ptracer.Write(c.Memory, bufAddr, unix.Stat_t{Ino: 77}))
	regs.regs.Rax = 0
	require.NoError(t, handler.Finish(c))
	again, err := ptracer.Read[unix.Stat_t](c.Memory, bufAddr)
	require.NoError(t, err)
	assert.Equal(t, virtual, again.Ino)
}

func TestStatxVirtualization(t *testing.T) {
	t.Parallel()

	c, regs, _ := newCall(t)
	handler := statHandler{}

	const bufAddr = 0x4800
	require.NoError(t, ptracer.Write(c.Memory, bufAddr, unix.Statx_t{
		Ino:   77,
		Mtime: unix.StatxTimestamp{Sec: 1700000000, Nsec: 123},
		Btime: unix.StatxTimestamp{Sec: 1600000000},
	}))

	enterSyscall(c, regs, unix.SYS_STATX,
		wrapNeg(unix.AT_FDCWD), 0x7000, 0, unix.STATX_BASIC_STATS, bufAddr)
	regs.regs.Rax = 0
	require.NoError(t, handler.Finish(c))

	stx, err := ptracer.Read[unix.Statx_t](c.Memory, bufAddr)
	require.NoError(t, err)

	virtual, ok := c.Global.Inodes.Get(77)
	require.True(t, ok)
	assert.Equal(t, virtual, stx.Ino)
	mtime, ok := c.Global.Mtimes.Get(77)
	require.True(t, ok)
	assert.Equal(t, int64(mtime), stx.Mtime.Sec)
	assert.Zero(t, stx.Mtime.Nsec)
	assert.Equal(t, int64(mtime), stx.Btime.Sec)

	// The same file stat-ed through the classic layout reports the same
	// identity.
	require.NoError(t, ptracer.Write(c.Memory, 0x5800, unix.Stat_t{Ino: 77}))
	enterSyscall(c, regs, unix.SYS_STAT, 0x7000, 0x5800)
	regs.regs.Rax = 0
	require.NoError(t, handler.Finish(c))
	stat, err := ptracer.Read[unix.Stat_t](c.Memory, 0x5800)
	require.NoError(t, err)
	assert.Equal(t, virtual, stat.Ino)
}

func TestTimeFaultingPointer(t *testing.T) {
	t.Parallel()

	c, regs, io := newCall(t)
	io.fail = true

	enterSyscall(c, regs, unix.SYS_TIME, 0x2000)
	regs.regs.Rax = wrapNeg(-int(unix.EFAULT))
	require.NoError(t, timeHandler{}.Finish(c))

	assert.Equal(t, wrapNeg(-int(unix.EFAULT)), regs.regs.Rax)
	assert.Equal(t, uint64(tracestate.ClockEpoch), c.Thread.Clock())
	assert.Zero(t, c.Global.Counters.TimeCalls)
}

func TestOpenFaultingPath(t *testing.T) {
	t.Parallel()

	c, regs, io := newCall(t)
	io.fail = true

	enterSyscall(c, regs, unix.SYS_OPEN, 0x7000, uint64(unix.O_RDONLY))
	regs.regs.Rax = wrapNeg(-int(unix.EFAULT))
	require.NoError(t, openHandler{}.Finish(c))

	assert.Zero(t, c.Global.Counters.DevURandomOpens)
	assert.Zero(t, c.Global.Counters.DevRandomOpens)
}

func TestDirentBufferLifecycle(t *testing.T) {
	t.Parallel()

	c, regs, _ := newCall(t)

	enterSyscall(c, regs, unix.SYS_GETDENTS64, 5, 0x5000, 32768)
	require.NoError(t, direntHandler{}.Prepare(c))
	assert.True(t, c.Thread.HasDirentBuffer(5))

	enterSyscall(c, regs, unix.SYS_CLOSE, 5)
	regs.regs.Rax = 0
	require.NoError(t, closeHandler{}.Finish(c))
	assert.False(t, c.Thread.HasDirentBuffer(5))
}

func TestStatScratchBufferBelowRedZone(t *testing.T) {
	t.Parallel()

	// The scratch buffer for injected stats must sit strictly below the
	// red zone to survive signal handlers.
	c, regs, _ := newCall(t)

	regs.regs.Rip = 0x400002
	regs.regs.Rsp = 0x7ff000
	enterSyscall(c, regs, unix.SYS_UNLINK, 0x7000)
	require.NoError(t, deleteHandler{}.Prepare(c))

	assert.Less(t, c.Thread.InjectedStatBuf, uint64(0x7ff000)-redZone)
	assert.GreaterOrEqual(t, uint64(0x7ff000)-c.Thread.InjectedStatBuf,
		redZone+uint64(unsafe.Sizeof(unix.Stat_t{})))
}
