// dettrace runs a command with every source of observable nondeterminism
// virtualized, so repeated runs of the same command produce bit-identical
// results. Everything happens through ptrace; the traced program needs no
// cooperation or modification.
//
// Usage:
//
//	dettrace <command> [args...]
//
// Behavior is configured through the environment: DETTRACE_LOG_LEVEL (none,
// error, warn, info, debug), DETTRACE_EPOCH (logical-clock start),
// DETTRACE_SECCOMP=1 (install a seccomp trace filter so deterministic
// syscalls run without tracer round trips).
package main

import (
	"github.com/Vogtinator/dettrace/internal/dettrace"
)

func main() {
	dettrace.Main()
}
