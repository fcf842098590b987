// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRateLimited is returned when sign-in attempts arrive faster than the
// configured limit allows.
var ErrRateLimited = errors.New("too many sign-in attempts")

// ArgumentError rejects a request argument before any external call.
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s %s", e.Name, e.Reason)
}

func required(name, value string) error {
	if value == "" {
		return &ArgumentError{Name: name, Reason: "is required"}
	}
	return nil
}

// notFlag rejects values the vault tool would parse as a flag.
func notFlag(name, value string) error {
	if strings.HasPrefix(value, "-") {
		return &ArgumentError{Name: name, Reason: "must not start with '-'"}
	}
	return nil
}
