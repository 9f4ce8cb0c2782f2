// Package process launches child processes and relays their output.
//
// Spawn returns as soon as the operating system has assigned a pid. That pid
// may belong to a wrapper (a shell, a package-manager shim) rather than the
// long-running worker; callers that care resolve the worker separately.
//
// Each piped stream is drained by its own goroutine until EOF. Lines are
// handed to the sink through a bounded queue so a slow or failing sink never
// stalls the child: when the queue is full lines are dropped and a single
// "dropped=N" notice is delivered once the sink catches up.
//
// Platform behaviour is fixed at build time. On unix a detached child starts
// a new session; an attached child gets its own process group and, on Linux,
// is killed when the supervisor dies. On Windows the hidden and detached
// flags map to process creation flags.
package process
