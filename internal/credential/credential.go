// SPDX-License-Identifier: Apache-2.0

// Package credential defines the in-memory secret that authorizes vault
// tool invocations. A Credential is never logged or serialized; use
// Fingerprint to refer to it in diagnostics.
package credential

import (
	"encoding/hex"
	"errors"

	"github.com/akihiro/opsessiond/internal/secret"
	"github.com/zeebo/blake3"
)

// Provenance records how a credential was obtained.
type Provenance string

const (
	// Interactive credentials are session tokens from an interactive sign-in.
	Interactive Provenance = "interactive"
	// ServiceAccount credentials are long-lived pre-provisioned tokens.
	ServiceAccount Provenance = "service_account"
)

// ErrDiscarded is returned when a discarded credential is used.
var ErrDiscarded = errors.New("credential has been discarded")

// Credential is a token plus its provenance. For interactive sessions
// Account names the account the session token belongs to.
type Credential struct {
	provenance Provenance
	account    string
	token      *secret.Buffer
}

// New wraps token. Ownership of token passes to the Credential.
func New(provenance Provenance, account string, token *secret.Buffer) *Credential {
	return &Credential{provenance: provenance, account: account, token: token}
}

// FromBytes copies raw into protected memory and zeroes raw.
func FromBytes(provenance Provenance, account string, raw []byte) (*Credential, error) {
	token, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return New(provenance, account, token), nil
}

func (c *Credential) Provenance() Provenance { return c.provenance }

func (c *Credential) Account() string { return c.account }

// Token returns the secret as a string. It is only meant for handing the
// credential to a child process environment.
func (c *Credential) Token() (string, error) {
	if c == nil || c.token == nil || c.token.Closed() {
		return "", ErrDiscarded
	}
	return c.token.String(), nil
}

// Fingerprint returns a short BLAKE3 digest of the token, safe to log.
func (c *Credential) Fingerprint() string {
	if c == nil || c.token == nil || c.token.Closed() {
		return "discarded"
	}
	sum := blake3.Sum256(c.token.Bytes())
	return hex.EncodeToString(sum[:8])
}

// Discard zeroes the token. Safe to call on nil and more than once.
func (c *Credential) Discard() {
	if c == nil || c.token == nil {
		return
	}
	c.token.Close() //nolint:errcheck
}
