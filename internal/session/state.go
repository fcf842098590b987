// SPDX-License-Identifier: Apache-2.0

// Package session holds the daemon's single credential and the state
// machine around it: sign-in, sign-out, credential-gated vault operations,
// and the background expiry monitor.
//
// Every operation runs under one mutex, held across any vault tool call it
// makes, so a monitor-triggered sign-out can never interleave with a
// request that has just observed an authenticated session.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/akihiro/opsessiond/internal/backend"
	"github.com/akihiro/opsessiond/internal/credential"
	"golang.org/x/time/rate"
)

// SignInArgs is the client-supplied sign-in material. Service-account
// sign-in ignores it.
type SignInArgs struct {
	Account   string
	Email     string
	SecretKey string
	Password  string
}

// SignInResult tells the caller whether sign-in did any work.
type SignInResult struct {
	// Reused is true when an idempotent policy found the session already
	// authenticated and made no external call.
	Reused bool
}

// Status is a snapshot of the state for the status command.
type Status struct {
	Authenticated bool
	Provenance    credential.Provenance
	LastActivity  time.Time
}

// State is the session state singleton.
type State struct {
	mu            sync.Mutex
	backend       backend.Backend
	policy        Policy
	credential    *credential.Credential
	authenticated bool
	lastActivity  time.Time

	now     func() time.Time
	logger  *slog.Logger
	limiter *rate.Limiter
}

// Option configures a State.
type Option func(*State)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithLogger sets the logger. The default discards records.
func WithLogger(logger *slog.Logger) Option {
	return func(s *State) { s.logger = logger }
}

// WithSignInLimiter rate limits sign-in attempts that reach the vault tool.
func WithSignInLimiter(limiter *rate.Limiter) Option {
	return func(s *State) { s.limiter = limiter }
}

// WithCredential preloads a credential (a service-account token) without
// marking the session authenticated.
func WithCredential(cred *credential.Credential) Option {
	return func(s *State) { s.credential = cred }
}

// New creates an unauthenticated State.
func New(be backend.Backend, policy Policy, opts ...Option) *State {
	s := &State{
		backend: be,
		policy:  policy,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastActivity = s.now()
	return s
}

// Provenance reports which policy the state runs.
func (s *State) Provenance() credential.Provenance {
	return s.policy.Provenance()
}

// Schedule returns the policy's monitor schedule.
func (s *State) Schedule() Schedule {
	return s.policy.Schedule()
}

// SignIn authenticates according to the policy.
func (s *State) SignIn(ctx context.Context, args SignInArgs) (SignInResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authenticated && s.policy.Idempotent() {
		return SignInResult{Reused: true}, nil
	}
	if err := s.policy.CheckArgs(args); err != nil {
		return SignInResult{}, err
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("sign-in rate limited")
		return SignInResult{}, ErrRateLimited
	}

	cred, err := s.policy.Authenticate(ctx, s.backend, s.credential, args)
	if err != nil {
		s.logger.Warn("sign-in failed", "provenance", s.policy.Provenance(), "error", err)
		return SignInResult{}, err
	}
	if s.credential != nil && s.credential != cred {
		s.retireLocked(ctx, cred)
	}
	s.credential = cred
	s.authenticated = true
	s.lastActivity = s.now()
	s.logger.Info("signed in",
		"provenance", cred.Provenance(),
		"account", cred.Account(),
		"fingerprint", cred.Fingerprint(),
	)
	return SignInResult{}, nil
}

// SignOut ends the session. It always succeeds; revocation failures are
// logged and ignored.
func (s *State) SignOut(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signOutLocked(ctx, "requested")
}

func (s *State) signOutLocked(ctx context.Context, reason string) {
	if s.credential != nil {
		discard, err := s.policy.Revoke(ctx, s.backend, s.credential)
		if err != nil {
			s.logger.Warn("revoke failed, clearing session anyway", "error", err)
		}
		if discard {
			s.credential.Discard()
			s.credential = nil
		}
	}
	if s.authenticated {
		s.logger.Info("signed out", "reason", reason)
	}
	s.authenticated = false
}

// retireLocked gives up the held credential after next replaced it. A live
// session is revoked first unless next carries the same token.
func (s *State) retireLocked(ctx context.Context, next *credential.Credential) {
	if s.authenticated && s.credential.Fingerprint() != next.Fingerprint() {
		if _, err := s.policy.Revoke(ctx, s.backend, s.credential); err != nil {
			s.logger.Warn("revoking previous session failed", "error", err)
		}
	}
	s.credential.Discard()
}

// liveCredential returns the credential if the session is authenticated.
// Caller must hold s.mu.
func (s *State) liveCredential() (*credential.Credential, error) {
	if !s.authenticated || s.credential == nil {
		return nil, backend.ErrNotAuthenticated
	}
	return s.credential, nil
}

// GetItem fetches an item or one of its fields.
func (s *State) GetItem(ctx context.Context, query backend.ItemQuery) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.liveCredential()
	if err != nil {
		return "", err
	}
	if err := required("item_name", query.Name); err != nil {
		return "", err
	}
	for _, arg := range [][2]string{{"item_name", query.Name}, {"field", query.Field}, {"vault", query.Vault}} {
		if err := notFlag(arg[0], arg[1]); err != nil {
			return "", err
		}
	}

	value, err := s.backend.GetItem(ctx, cred, query)
	if err != nil {
		return "", err
	}
	s.lastActivity = s.now()
	return value, nil
}

// ListItems lists items, optionally filtered by vault and categories.
func (s *State) ListItems(ctx context.Context, query backend.ListQuery) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.liveCredential()
	if err != nil {
		return nil, err
	}
	if err := notFlag("vault", query.Vault); err != nil {
		return nil, err
	}
	if err := notFlag("categories", query.Categories); err != nil {
		return nil, err
	}

	items, err := s.backend.ListItems(ctx, cred, query)
	if err != nil {
		return nil, err
	}
	s.lastActivity = s.now()
	return items, nil
}

// ListVaults lists the vaults the credential can see.
func (s *State) ListVaults(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.liveCredential()
	if err != nil {
		return nil, err
	}
	vaults, err := s.backend.ListVaults(ctx, cred)
	if err != nil {
		return nil, err
	}
	s.lastActivity = s.now()
	return vaults, nil
}

// Status never fails and never calls the vault tool.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Authenticated: s.authenticated,
		Provenance:    s.policy.Provenance(),
		LastActivity:  s.lastActivity,
	}
}

// ReplaceCredential swaps in a rotated credential. A credential with the
// same fingerprint is ignored. If the session was authenticated the new
// credential is validated at once, and a failure leaves the session
// unauthenticated.
func (s *State) ReplaceCredential(ctx context.Context, cred *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.credential != nil && s.credential.Fingerprint() == cred.Fingerprint() {
		cred.Discard()
		return nil
	}
	if s.credential != nil {
		s.credential.Discard()
	}
	s.credential = cred
	s.logger.Info("credential replaced", "fingerprint", cred.Fingerprint())

	if !s.authenticated {
		return nil
	}
	if err := s.backend.Validate(ctx, cred); err != nil {
		s.authenticated = false
		s.logger.Error("replacement credential rejected", "error", err)
		return err
	}
	return nil
}

// expireIfStale is one monitor tick. It reports whether the session was
// invalidated.
func (s *State) expireIfStale(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authenticated {
		return false
	}
	idle := s.now().Sub(s.lastActivity)
	if idle <= s.policy.Schedule().Idle {
		return false
	}

	err := s.policy.Stale(ctx, s.backend, s.credential)
	if err == nil {
		// lastActivity tracks client activity only.
		s.logger.Debug("idle credential still valid", "idle", idle.Round(time.Second))
		return false
	}
	s.logger.Info("session expired", "idle", idle.Round(time.Second), "error", err)
	s.signOutLocked(ctx, "expired")
	return true
}

// Close discards the held credential at shutdown.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = false
	s.credential.Discard()
	s.credential = nil
}
