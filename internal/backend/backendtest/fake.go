// SPDX-License-Identifier: Apache-2.0

// Package backendtest provides an in-memory backend.Backend for tests of
// the packages layered on top of it.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/akihiro/opsessiond/internal/backend"
	"github.com/akihiro/opsessiond/internal/credential"
)

// Fake is a scriptable backend. The zero value rejects every credential;
// set the fields before use. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	// ServiceToken is the token Validate accepts for service accounts.
	ServiceToken string
	// Password is the password SignIn accepts.
	Password string
	// SessionToken is returned by a successful SignIn.
	SessionToken string
	// ValidateErr, when set, is returned by Validate regardless of token.
	ValidateErr error
	// Items maps item name to value.
	Items map[string]string
	// ItemsJSON and VaultsJSON are returned by the list operations.
	ItemsJSON  json.RawMessage
	VaultsJSON json.RawMessage
	// OpErr, when set, is returned by GetItem and the list operations.
	OpErr error
	// Delay is slept (respecting ctx) at the start of every call.
	Delay time.Duration
	// Panic makes GetItem panic with this value when non-nil.
	Panic any

	calls map[backend.Op]int
}

var _ backend.Backend = (*Fake)(nil)

// NewServiceAccount returns a Fake accepting token, with a small fixture.
func NewServiceAccount(token string) *Fake {
	return &Fake{
		ServiceToken: token,
		Items:        map[string]string{"db-password": "s3cr3t-db"},
		ItemsJSON:    json.RawMessage(`[{"id":"i1","title":"db-password"}]`),
		VaultsJSON:   json.RawMessage(`[{"id":"v1","name":"Private"}]`),
	}
}

// NewInteractive returns a Fake accepting password and issuing session.
func NewInteractive(password, session string) *Fake {
	f := NewServiceAccount("")
	f.Password = password
	f.SessionToken = session
	return f
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op backend.Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of invocations of any operation.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Set runs fn with the fake locked, for changing behavior mid-test.
func (f *Fake) Set(fn func(f *Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *Fake) enter(ctx context.Context, op backend.Op) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[backend.Op]int)
	}
	f.calls[op]++
	delay := f.Delay
	f.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return &backend.TimeoutError{Op: op}
	}
}

func (f *Fake) Version(ctx context.Context) (string, error) {
	if err := f.enter(ctx, backend.OpVersion); err != nil {
		return "", err
	}
	return "2.30.0-fake", nil
}

func (f *Fake) SignIn(ctx context.Context, req backend.SignInRequest) (*credential.Credential, error) {
	if err := f.enter(ctx, backend.OpSignIn); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Password != f.Password || f.SessionToken == "" {
		return nil, &backend.AuthError{Op: backend.OpSignIn, Diagnostic: "invalid credentials"}
	}
	return credential.FromBytes(credential.Interactive, req.Account, []byte(f.SessionToken))
}

func (f *Fake) SignOut(ctx context.Context, _ *credential.Credential) error {
	return f.enter(ctx, backend.OpSignOut)
}

func (f *Fake) Validate(ctx context.Context, cred *credential.Credential) error {
	if err := f.enter(ctx, backend.OpValidate); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ValidateErr != nil {
		return f.ValidateErr
	}
	token, err := cred.Token()
	if err != nil {
		return err
	}
	if token != f.ServiceToken && token != f.SessionToken {
		return &backend.AuthError{Op: backend.OpValidate, Diagnostic: "invalid token"}
	}
	return nil
}

func (f *Fake) GetItem(ctx context.Context, cred *credential.Credential, query backend.ItemQuery) (string, error) {
	if err := f.enter(ctx, backend.OpGetItem); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Panic != nil {
		panic(f.Panic)
	}
	if f.OpErr != nil {
		return "", f.OpErr
	}
	value, ok := f.Items[query.Name]
	if !ok {
		return "", &backend.ToolError{
			Op:         backend.OpGetItem,
			ExitCode:   1,
			Diagnostic: fmt.Sprintf("[ERROR] %q isn't an item.", query.Name),
		}
	}
	return value, nil
}

func (f *Fake) ListItems(ctx context.Context, _ *credential.Credential, _ backend.ListQuery) (json.RawMessage, error) {
	if err := f.enter(ctx, backend.OpListItems); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpErr != nil {
		return nil, f.OpErr
	}
	return f.ItemsJSON, nil
}

func (f *Fake) ListVaults(ctx context.Context, _ *credential.Credential) (json.RawMessage, error) {
	if err := f.enter(ctx, backend.OpListVaults); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpErr != nil {
		return nil, f.OpErr
	}
	return f.VaultsJSON, nil
}
