// SPDX-License-Identifier: Apache-2.0

// Package backend defines the contract between session state and the vault
// tool. Implementations run one bounded external invocation per call and
// receive the credential by value; they never retain it.
package backend

import (
	"context"
	"encoding/json"

	"github.com/akihiro/opsessiond/internal/credential"
)

// SignInRequest carries interactive sign-in material. Password (and
// SecretKey, when adding an account) are delivered to the tool on stdin.
type SignInRequest struct {
	Account   string
	Email     string
	SecretKey string
	Password  string
}

// ItemQuery selects one item, optionally a single field of it, optionally
// scoped to a vault.
type ItemQuery struct {
	Name  string
	Field string
	Vault string
}

// ListQuery filters an item listing. Empty fields do not filter.
type ListQuery struct {
	Vault      string
	Categories string
}

// Backend is the Credential Provider.
type Backend interface {
	// Version reports the tool version. An error means the tool is unusable.
	Version(ctx context.Context) (string, error)

	// SignIn performs an interactive sign-in and returns a session credential.
	SignIn(ctx context.Context, req SignInRequest) (*credential.Credential, error)

	// SignOut revokes an interactive session. Callers treat failure as advisory.
	SignOut(ctx context.Context, cred *credential.Credential) error

	// Validate runs a low-cost liveness probe with cred. A nil error means
	// the credential is usable.
	Validate(ctx context.Context, cred *credential.Credential) error

	// GetItem returns an item (or one of its fields) as text.
	GetItem(ctx context.Context, cred *credential.Credential, query ItemQuery) (string, error)

	// ListItems returns the tool's JSON item listing.
	ListItems(ctx context.Context, cred *credential.Credential, query ListQuery) (json.RawMessage, error)

	// ListVaults returns the tool's JSON vault listing.
	ListVaults(ctx context.Context, cred *credential.Credential) (json.RawMessage, error)
}
