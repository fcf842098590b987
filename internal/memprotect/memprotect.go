// SPDX-License-Identifier: Apache-2.0

// Package memprotect hardens the daemon process so that credentials held in
// memory cannot be read through core dumps, ptrace or swap.
package memprotect

// Result records which protections took effect.
type Result struct {
	// NonDumpable is set when core dumps and same-uid ptrace are disabled.
	NonDumpable bool
	// Locked is set when all current and future pages are pinned in RAM.
	Locked bool
	// LockErr explains why pages could not be locked.
	LockErr error
}
