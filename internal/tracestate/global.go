package tracestate

import (
	"sort"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// First virtual inode number handed out. Arbitrary but fixed, so runs
// agree; distinct from zero, which too much software treats as "no inode".
const inodeFreshStart = 5000

// Counters are diagnostic totals, ticked up in syscall hooks. They are
// reported at teardown and are not correctness-critical: nothing reads them
// back to make decisions. Mutated only from the driver loop.
type Counters struct {
	ReadRetries          uint64
	WriteRetries         uint64
	GetRandomCalls       uint64
	DevURandomOpens      uint64
	DevRandomOpens       uint64
	TimeCalls            uint64
	ReplaysDueToBlocking uint64
	TotalReplays         uint64
	InjectedSyscalls     uint64
}

// Global is the state shared across a whole traced process tree: which
// threads are alive, how they group into processes, and the identity maps
// which virtualize inodes and modification times. One instance per process
// tree; constructed explicitly and passed in, never a package singleton, so
// tests can run independent trees side by side.
//
// Thread and group mutations are each a single critical section so a
// multi-worker driver stays correct; the per-thread logical clock lives on
// Thread and is never shared.
type Global struct {
	mu sync.Mutex

	liveThreads   map[int]struct{}
	threadGroups  map[int]map[int]struct{}
	threadGroupOf map[int]int

	// Inodes is the isomorphism between real and virtual inode numbers.
	Inodes *ValueMapper
	// Mtimes maps inodes to virtualized modification times. Same deletion
	// discipline as Inodes.
	Mtimes *ValueMapper

	// Counters is only touched by the driver loop.
	Counters Counters
}

// NewGlobal returns empty shared state for one traced process tree.
func NewGlobal() *Global {
	return &Global{
		liveThreads:   map[int]struct{}{},
		threadGroups:  map[int]map[int]struct{}{},
		threadGroupOf: map[int]int{},
		Inodes:        NewValueMapper("inode", inodeFreshStart),
		Mtimes:        NewValueMapper("mtime", ClockEpoch),
	}
}

// AddProcess registers pid as a new process: a thread group whose first
// member is the process itself. A process id which is already a member of
// some group is a caller error.
func (g *Global) AddProcess(pid int) errors.E {
	g.mu.Lock()
	defer g.mu.Unlock()

	if group, ok := g.threadGroupOf[pid]; ok {
		return errors.Errorf("process %d is already a member of thread group %d", pid, group)
	}

	g.threadGroups[pid] = map[int]struct{}{pid: {}}
	g.threadGroupOf[pid] = pid
	g.liveThreads[pid] = struct{}{}

	return nil
}

// AddThread registers tid as a thread of the process pid. The group must
// exist and tid must not be a member of any group; two distinct processes
// can never share a thread group.
func (g *Global) AddThread(pid, tid int) errors.E {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.threadGroups[pid]
	if !ok {
		return errors.Errorf("thread group %d does not exist", pid)
	}
	if group, ok := g.threadGroupOf[tid]; ok {
		return errors.Errorf("thread %d is already a member of thread group %d", tid, group)
	}

	members[tid] = struct{}{}
	g.threadGroupOf[tid] = pid
	g.liveThreads[tid] = struct{}{}

	return nil
}

// RemoveThread removes tid from its thread group and the live set. When the
// last member leaves, the group itself is removed; empty groups never
// linger. Removing an unknown tid means our bookkeeping diverged from the
// kernel's, which is fatal to the whole virtualization.
func (g *Global) RemoveThread(tid int) errors.E {
	g.mu.Lock()
	defer g.mu.Unlock()

	group, ok := g.threadGroupOf[tid]
	if !ok {
		return errors.Errorf("thread %d is not a member of any thread group", tid)
	}

	delete(g.threadGroupOf, tid)
	delete(g.liveThreads, tid)

	members := g.threadGroups[group]
	delete(members, tid)
	if len(members) == 0 {
		delete(g.threadGroups, group)
	}

	return nil
}

// ThreadGroupOf returns the process owning tid.
func (g *Global) ThreadGroupOf(tid int) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	group, ok := g.threadGroupOf[tid]
	return group, ok
}

// ThreadGroupMembers returns the member tids of the group owned by pid, in
// ascending order.
func (g *Global) ThreadGroupMembers(pid int) []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	members := make([]int, 0, len(g.threadGroups[pid]))
	for tid := range g.threadGroups[pid] {
		members = append(members, tid)
	}
	sort.Ints(members)

	return members
}

// HasThread reports whether tid is currently under trace.
func (g *Global) HasThread(tid int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.liveThreads[tid]
	return ok
}

// LiveThreadCount returns the number of threads under trace.
func (g *Global) LiveThreadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.liveThreads)
}
