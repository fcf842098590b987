// SPDX-License-Identifier: Apache-2.0

//go:build windows

package tokensource

import (
	"fmt"

	"github.com/danieljoos/wincred"

	"github.com/akihiro/opsessiond/internal/credential"
	"github.com/akihiro/opsessiond/internal/secret"
)

// Wincred reads the token from a generic credential in the Windows
// Credential Manager.
type Wincred struct {
	Target string
}

func (w Wincred) String() string { return "wincred " + w.Target }

// Load fetches the credential blob stored under Target.
func (w Wincred) Load() (*credential.Credential, error) {
	cred, err := wincred.GetGenericCredential(w.Target)
	if err != nil {
		return nil, fmt.Errorf("reading credential %q: %w", w.Target, err)
	}
	defer secret.Zero(cred.CredentialBlob)
	return fromBytes(cred.CredentialBlob)
}
