// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package memprotect

import "errors"

// HardenProcess has no process-wide protections to apply on this platform.
func HardenProcess() (Result, error) {
	return Result{LockErr: errors.New("memory locking not supported on this platform")}, nil
}
