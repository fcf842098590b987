// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package tokensource

import (
	"errors"

	"github.com/akihiro/opsessiond/internal/credential"
)

// ErrUnsupported is returned by sources that need another platform.
var ErrUnsupported = errors.New("token source not supported on this platform")

// Wincred reads the token from the Windows Credential Manager. It only
// works on Windows.
type Wincred struct {
	Target string
}

func (w Wincred) String() string { return "wincred " + w.Target }

func (w Wincred) Load() (*credential.Credential, error) {
	return nil, ErrUnsupported
}
