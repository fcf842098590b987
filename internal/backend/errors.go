// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a live
	// credential and none is held. No external call is attempted.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrToolUnavailable means the vault tool cannot be run at all.
	ErrToolUnavailable = errors.New("vault tool unavailable")

	// ErrAuth means authentication or validation was rejected.
	ErrAuth = errors.New("authentication failed")

	// ErrTimeout means the external call exceeded its bound.
	ErrTimeout = errors.New("vault tool timed out")
)

// Op names a vault tool operation for diagnostics.
type Op string

const (
	OpVersion    Op = "version"
	OpSignIn     Op = "signin"
	OpSignOut    Op = "signout"
	OpValidate   Op = "validate"
	OpGetItem    Op = "get_item"
	OpListItems  Op = "list_items"
	OpListVaults Op = "list_vaults"
)

// Label is the human-readable operation name used in client-facing messages.
func (o Op) Label() string {
	switch o {
	case OpGetItem:
		return "Get item"
	case OpListItems:
		return "List items"
	case OpListVaults:
		return "List vaults"
	case OpSignIn:
		return "Sign in"
	case OpSignOut:
		return "Sign out"
	case OpValidate:
		return "Validate"
	case OpVersion:
		return "Version"
	}
	return string(o)
}

// ToolError is a non-zero exit of the vault tool. Diagnostic is the tool's
// stderr after sanitization; it never contains the credential.
type ToolError struct {
	Op         Op
	ExitCode   int
	Diagnostic string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: vault tool exited %d: %s", e.Op, e.ExitCode, e.Diagnostic)
}

// DecodeError means the tool's output was not the structured data expected.
type DecodeError struct {
	Op  Op
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode output: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TimeoutError wraps ErrTimeout with the operation that timed out.
type TimeoutError struct {
	Op Op
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, ErrTimeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// AuthError wraps ErrAuth. Diagnostic is kept for the daemon log only and is
// never forwarded to clients.
type AuthError struct {
	Op         Op
	Diagnostic string
}

func (e *AuthError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrAuth)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrAuth, e.Diagnostic)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }
