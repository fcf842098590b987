// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"time"

	"github.com/akihiro/opsessiond/internal/backend"
	"github.com/akihiro/opsessiond/internal/credential"
)

// errIdle is what an inactivity-only policy reports once the idle
// threshold has passed.
var errIdle = errors.New("session idle")

// Schedule configures the expiry monitor: how often it looks at the state,
// and how long the state may sit idle before the policy re-checks it.
type Schedule struct {
	Interval time.Duration
	Idle     time.Duration
}

// withDefaults fills zero fields from def.
func (s Schedule) withDefaults(def Schedule) Schedule {
	if s.Interval <= 0 {
		s.Interval = def.Interval
	}
	if s.Idle <= 0 {
		s.Idle = def.Idle
	}
	return s
}

// Policy is one way of obtaining, keeping and giving up a credential.
// All methods are called with the state lock held.
type Policy interface {
	Provenance() credential.Provenance

	// Idempotent policies treat sign-in while authenticated as a no-op.
	Idempotent() bool

	// CheckArgs rejects unusable sign-in arguments without an external call.
	CheckArgs(args SignInArgs) error

	// Authenticate returns a usable credential. current is the credential
	// held by the state, if any. args have passed CheckArgs.
	Authenticate(ctx context.Context, be backend.Backend, current *credential.Credential, args SignInArgs) (*credential.Credential, error)

	// Revoke gives up cred. discard reports whether the state should drop
	// and wipe the credential; err is advisory.
	Revoke(ctx context.Context, be backend.Backend, cred *credential.Credential) (discard bool, err error)

	// Stale is consulted by the monitor after the idle threshold passes.
	// A non-nil error invalidates the session.
	Stale(ctx context.Context, be backend.Backend, cred *credential.Credential) error

	Schedule() Schedule
}

// InteractivePolicy signs in with account credentials supplied by the
// client and expires purely on inactivity.
type InteractivePolicy struct {
	schedule Schedule
}

// DefaultInteractiveSchedule checks every minute and expires after 30
// minutes without activity.
var DefaultInteractiveSchedule = Schedule{Interval: time.Minute, Idle: 30 * time.Minute}

// NewInteractivePolicy returns an InteractivePolicy. Zero schedule fields
// take DefaultInteractiveSchedule values.
func NewInteractivePolicy(schedule Schedule) *InteractivePolicy {
	return &InteractivePolicy{schedule: schedule.withDefaults(DefaultInteractiveSchedule)}
}

func (p *InteractivePolicy) Provenance() credential.Provenance { return credential.Interactive }

func (p *InteractivePolicy) Idempotent() bool { return false }

func (p *InteractivePolicy) CheckArgs(args SignInArgs) error {
	if err := required("account", args.Account); err != nil {
		return err
	}
	if err := required("password", args.Password); err != nil {
		return err
	}
	if err := notFlag("account", args.Account); err != nil {
		return err
	}
	return notFlag("email", args.Email)
}

func (p *InteractivePolicy) Authenticate(ctx context.Context, be backend.Backend, _ *credential.Credential, args SignInArgs) (*credential.Credential, error) {
	return be.SignIn(ctx, backend.SignInRequest{
		Account:   args.Account,
		Email:     args.Email,
		SecretKey: args.SecretKey,
		Password:  args.Password,
	})
}

func (p *InteractivePolicy) Revoke(ctx context.Context, be backend.Backend, cred *credential.Credential) (bool, error) {
	return true, be.SignOut(ctx, cred)
}

func (p *InteractivePolicy) Stale(context.Context, backend.Backend, *credential.Credential) error {
	return errIdle
}

func (p *InteractivePolicy) Schedule() Schedule { return p.schedule }

// ServiceAccountPolicy validates a pre-provisioned token. Its credential
// cannot be revoked by the daemon, so sign-out only drops the
// authenticated flag.
type ServiceAccountPolicy struct {
	schedule Schedule
}

// DefaultServiceAccountSchedule checks every five minutes and re-validates
// after an hour without activity.
var DefaultServiceAccountSchedule = Schedule{Interval: 5 * time.Minute, Idle: time.Hour}

// NewServiceAccountPolicy returns a ServiceAccountPolicy. Zero schedule
// fields take DefaultServiceAccountSchedule values.
func NewServiceAccountPolicy(schedule Schedule) *ServiceAccountPolicy {
	return &ServiceAccountPolicy{schedule: schedule.withDefaults(DefaultServiceAccountSchedule)}
}

func (p *ServiceAccountPolicy) Provenance() credential.Provenance { return credential.ServiceAccount }

func (p *ServiceAccountPolicy) Idempotent() bool { return true }

// CheckArgs accepts anything; service-account sign-in ignores its arguments.
func (p *ServiceAccountPolicy) CheckArgs(SignInArgs) error { return nil }

func (p *ServiceAccountPolicy) Authenticate(ctx context.Context, be backend.Backend, current *credential.Credential, _ SignInArgs) (*credential.Credential, error) {
	if current == nil {
		return nil, &backend.AuthError{Op: backend.OpSignIn, Diagnostic: "no service account token loaded"}
	}
	if err := be.Validate(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (p *ServiceAccountPolicy) Revoke(context.Context, backend.Backend, *credential.Credential) (bool, error) {
	return false, nil
}

func (p *ServiceAccountPolicy) Stale(ctx context.Context, be backend.Backend, cred *credential.Credential) error {
	return be.Validate(ctx, cred)
}

func (p *ServiceAccountPolicy) Schedule() Schedule { return p.schedule }
