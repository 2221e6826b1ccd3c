// Package fatal marks the invariant violations that spec.md §7 requires
// the node to halt on rather than recover from silently: a missing tree
// node referenced by a valid descent, a corrupt versioned envelope, or a
// commit-atomicity violation. Recovering from these would let the node's
// computed hashes silently diverge from the rest of the network, which is
// worse than crashing.
package fatal

import "fmt"

// Error panics with a message tagging it as a fatal, non-recoverable
// condition. Callers must not wrap this in a recover() that lets
// execution continue.
func Error(format string, args ...any) {
	panic(fmt.Sprintf("fatal: %s", fmt.Sprintf(format, args...)))
}

// OnErr panics if err is non-nil, tagging the failure as fatal.
func OnErr(err error, context string) {
	if err != nil {
		panic(fmt.Sprintf("fatal: %s: %v", context, err))
	}
}
