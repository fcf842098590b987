// SPDX-License-Identifier: Apache-2.0

//go:build linux

package memprotect

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HardenProcess must run before any credential is loaded.
//
//  1. prctl(PR_SET_DUMPABLE, 0) disables core dumps, makes /proc/<pid>/mem
//     unreadable by other processes of the same uid, and blocks their ptrace.
//  2. mlockall(MCL_CURRENT|MCL_FUTURE) keeps every page out of swap.
//
// Failing step 1 is an error. Step 2 often fails under a small
// RLIMIT_MEMLOCK or in containers; that is reported in Result.LockErr and
// the daemon carries on.
func HardenProcess() (Result, error) {
	var res Result
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return res, fmt.Errorf("prctl PR_SET_DUMPABLE=0: %w", err)
	}
	res.NonDumpable = true

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		res.LockErr = fmt.Errorf("mlockall: %w", err)
		return res, nil
	}
	res.Locked = true
	return res, nil
}
