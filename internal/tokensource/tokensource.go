// SPDX-License-Identifier: Apache-2.0

// Package tokensource loads the pre-provisioned service-account token.
package tokensource

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/akihiro/opsessiond/internal/credential"
	"github.com/akihiro/opsessiond/internal/secret"
)

// ErrEmpty means the source exists but holds no token.
var ErrEmpty = errors.New("service account token is empty")

// Source yields the service-account credential.
type Source interface {
	Load() (*credential.Credential, error)
	String() string
}

// File reads the token from a file. Surrounding whitespace is ignored.
type File struct {
	Path string
}

func (f File) String() string { return "file " + f.Path }

// Load reads the file. A missing or empty file is an error.
func (f File) Load() (*credential.Credential, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	defer secret.Zero(data)
	return fromBytes(data)
}

// fromBytes wraps raw token bytes. The caller zeroes raw.
func fromBytes(raw []byte) (*credential.Credential, error) {
	token := bytes.TrimSpace(raw)
	if len(token) == 0 {
		return nil, ErrEmpty
	}
	return credential.FromBytes(credential.ServiceAccount, "", token)
}
