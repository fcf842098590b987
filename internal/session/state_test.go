// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akihiro/opsessiond/internal/backend"
	"github.com/akihiro/opsessiond/internal/backend/backendtest"
	"github.com/akihiro/opsessiond/internal/credential"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func serviceToken(t *testing.T, token string) *credential.Credential {
	t.Helper()
	cred, err := credential.FromBytes(credential.ServiceAccount, "", []byte(token))
	require.NoError(t, err)
	return cred
}

func newServiceState(t *testing.T, fake *backendtest.Fake, clock *testClock, opts ...Option) *State {
	t.Helper()
	opts = append([]Option{
		WithClock(clock.Now),
		WithCredential(serviceToken(t, "ops_token")),
	}, opts...)
	s := New(fake, NewServiceAccountPolicy(Schedule{}), opts...)
	t.Cleanup(s.Close)
	return s
}

func newInteractiveState(t *testing.T, fake *backendtest.Fake, clock *testClock) *State {
	t.Helper()
	s := New(fake, NewInteractivePolicy(Schedule{}), WithClock(clock.Now))
	t.Cleanup(s.Close)
	return s
}

func TestUnauthenticatedOperationsMakeNoCalls(t *testing.T) {
	for name, newState := range map[string]func(*testing.T, *backendtest.Fake, *testClock) *State{
		"interactive":     newInteractiveState,
		"service_account": func(t *testing.T, f *backendtest.Fake, c *testClock) *State { return newServiceState(t, f, c) },
	} {
		t.Run(name, func(t *testing.T) {
			fake := backendtest.NewInteractive("pw", "sess")
			fake.ServiceToken = "ops_token"
			s := newState(t, fake, newTestClock())
			ctx := context.Background()

			_, err := s.GetItem(ctx, backend.ItemQuery{Name: "db-password"})
			assert.ErrorIs(t, err, backend.ErrNotAuthenticated)
			_, err = s.ListItems(ctx, backend.ListQuery{})
			assert.ErrorIs(t, err, backend.ErrNotAuthenticated)
			_, err = s.ListVaults(ctx)
			assert.ErrorIs(t, err, backend.ErrNotAuthenticated)

			assert.False(t, s.Status().Authenticated)
			assert.Zero(t, fake.TotalCalls())
		})
	}
}

func TestInteractiveSignInSignOut(t *testing.T) {
	fake := backendtest.NewInteractive("hunter2", "sess-1")
	clock := newTestClock()
	s := newInteractiveState(t, fake, clock)
	ctx := context.Background()

	clock.Advance(time.Minute)
	result, err := s.SignIn(ctx, SignInArgs{Account: "my", Password: "hunter2"})
	require.NoError(t, err)
	assert.False(t, result.Reused)

	status := s.Status()
	assert.True(t, status.Authenticated)
	assert.Equal(t, credential.Interactive, status.Provenance)
	assert.Equal(t, clock.Now(), status.LastActivity)

	value, err := s.GetItem(ctx, backend.ItemQuery{Name: "db-password"})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-db", value)

	s.SignOut(ctx)
	assert.False(t, s.Status().Authenticated)
	assert.Equal(t, 1, fake.Calls(backend.OpSignOut))
	assert.Nil(t, s.credential)

	_, err = s.GetItem(ctx, backend.ItemQuery{Name: "db-password"})
	assert.ErrorIs(t, err, backend.ErrNotAuthenticated)
}

func TestInteractiveSignInFailureKeepsState(t *testing.T) {
	fake := backendtest.NewInteractive("hunter2", "sess-1")
	s := newInteractiveState(t, fake, newTestClock())

	_, err := s.SignIn(context.Background(), SignInArgs{Account: "my", Password: "wrong"})
	assert.ErrorIs(t, err, backend.ErrAuth)
	assert.False(t, s.Status().Authenticated)
}

func TestInteractiveSignInRequiresArguments(t *testing.T) {
	fake := backendtest.NewInteractive("hunter2", "sess-1")
	s := newInteractiveState(t, fake, newTestClock())
	ctx := context.Background()

	var argErr *ArgumentError
	_, err := s.SignIn(ctx, SignInArgs{Password: "hunter2"})
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "account is required", argErr.Error())

	_, err = s.SignIn(ctx, SignInArgs{Account: "my"})
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "password", argErr.Name)

	_, err = s.SignIn(ctx, SignInArgs{Account: "--help", Password: "x"})
	require.ErrorAs(t, err, &argErr)

	assert.Zero(t, fake.TotalCalls())
}

func TestServiceAccountSignInIsIdempotent(t *testing.T) {
	fake := backendtest.NewServiceAccount("ops_token")
	s := newServiceState(t, fake, newTestClock())
	ctx := context.Background()

	first, err := s.SignIn(ctx, SignInArgs{})
	require.NoError(t, err)
	assert.False(t, first.Reused)

	second, err := s.SignIn(ctx, SignInArgs{Account: "ignored"})
	require.NoError(t, err)
	assert.True(t, second.Reused)

	assert.Equal(t, 1, fake.Calls(backend.OpValidate))
}

func TestServiceAccountSignOutKeepsToken(t *testing.T) {
	fake := backendtest.NewServiceAccount("ops_token")
	s := newServiceState(t, fake, newTestClock())
	ctx := context.Background()

	_, err := s.SignIn(ctx, SignInArgs{})
	require.NoError(t, err)

	s.SignOut(ctx)
	assert.False(t, s.Status().Authenticated)
	assert.Zero(t, fake.Calls(backend.OpSignOut))

	_, err = s.SignIn(ctx, SignInArgs{})
	require.NoError(t, err)
	assert.True(t, s.Status().Authenticated)
	assert.Equal(t, 2, fake.Calls(backend.OpValidate))
}

func TestServiceAccountSignInWithoutToken(t *testing.T) {
	fake := backendtest.NewServiceAccount("ops_token")
	s := New(fake, NewServiceAccountPolicy(Schedule{}))

	_, err := s.SignIn(context.Background(), SignInArgs{})
	assert.ErrorIs(t, err, backend.ErrAuth)
	assert.Zero(t, fake.TotalCalls())
}

func TestServiceAccountInvalidToken(t *testing.T) {
	fake := backendtest.NewServiceAccount("other")
	s := newServiceState(t, fake, newTestClock())

	_, err := s.SignIn(context.Background(), SignInArgs{})
	assert.ErrorIs(t, err, backend.ErrAuth)
	assert.False(t, s.Status().Authenticated)
}

func TestActivityRefreshedOnlyOnSuccess(t *testing.T) {
	fake := backendtest.NewServiceAccount("ops_token")
	clock := newTestClock()
	s := newServiceState(t, fake, clock)
	ctx := context.Background()

	_, err := s.SignIn(ctx, SignInArgs{})
	require.NoError(t, err)
	signedIn := s.Status().LastActivity

	clock.Advance(time.Minute)
	_, err = s.GetItem(ctx, backend.ItemQuery{Name: "missing"})
	var toolErr *backend.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, signedIn, s.Status().LastActivity)

	_, err = s.ListVaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), s.Status().LastActivity)

	clock.Advance(time.Minute)
	_, err = s.ListItems(ctx, backend.ListQuery{Vault: "Private"})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), s.Status().LastActivity)
}

func TestStatusNeverCallsBackend(t *testing.T) {
	fake := backendtest.NewServiceAccount("ops_token")
	s := newServiceState(t, fake, newTestClock())
	for range 3 {
		s.Status()
	}
	assert.Zero(t, fake.TotalCalls())
}

func TestArgumentsStartingWithDashAreRejected(t *testing.T) {
	fake := backendtest.NewServiceAccount("ops_token")
	s := newServiceState(t, fake, newTestClock())
	ctx := context.Background()
	_, err := s.SignIn(ctx, SignInArgs{})
	require.NoError(t, err)
	before := fake.TotalCalls()

	var argErr *ArgumentError
	_, err = s.GetItem(ctx, backend.ItemQuery{})
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "item_name is required", argErr.Error())

	_, err = s.GetItem(ctx, backend.ItemQuery{Name: "db", Field: "--reveal"})
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "field", argErr.Name)

	_, err = s.ListItems(ctx, backend.ListQuery{Categories: "-x"})
	require.ErrorAs(t, err, &argErr)

	assert.Equal(t, before, fake.TotalCalls())
}

func TestSignInRateLimit(t *testing.T) {
	fake := backendtest.NewInteractive("hunter2", "sess-1")
	s := New(fake, NewInteractivePolicy(Schedule{}), WithSignInLimiter(rate.NewLimiter(0, 1)))
	t.Cleanup(s.Close)
	ctx := context.Background()

	_, err := s.SignIn(ctx, SignInArgs{Account: "my", Password: "wrong"})
	assert.ErrorIs(t, err, backend.ErrAuth)

	_, err = s.SignIn(ctx, SignInArgs{Account: "my", Password: "hunter2"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, fake.Calls(backend.OpSignIn))
}

func TestSignInRateLimitIgnoresRejectedArguments(t *testing.T) {
	fake := backendtest.NewInteractive("hunter2", "sess-1")
	s := New(fake, NewInteractivePolicy(Schedule{}), WithSignInLimiter(rate.NewLimiter(0, 1)))
	t.Cleanup(s.Close)
	ctx := context.Background()

	var argErr *ArgumentError
	for range 3 {
		_, err := s.SignIn(ctx, SignInArgs{Account: "my"})
		require.ErrorAs(t, err, &argErr)
	}

	_, err := s.SignIn(ctx, SignInArgs{Account: "my", Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls(backend.OpSignIn))
}

func TestInteractiveSignInAgainRevokesPreviousSession(t *testing.T) {
	fake := backendtest.NewInteractive("hunter2", "sess-1")
	s := newInteractiveState(t, fake, newTestClock())
	ctx := context.Background()

	_, err := s.SignIn(ctx, SignInArgs{Account: "my", Password: "hunter2"})
	require.NoError(t, err)

	// Same token back: nothing to revoke.
	_, err = s.SignIn(ctx, SignInArgs{Account: "my", Password: "hunter2"})
	require.NoError(t, err)
	assert.Zero(t, fake.Calls(backend.OpSignOut))

	fake.Set(func(f *backendtest.Fake) { f.SessionToken = "sess-2" })
	_, err = s.SignIn(ctx, SignInArgs{Account: "other", Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls(backend.OpSignOut))
	assert.True(t, s.Status().Authenticated)

	token, err := s.credential.Token()
	require.NoError(t, err)
	assert.Equal(t, "sess-2", token)
}

func TestReplaceCredential(t *testing.T) {
	fake := backendtest.NewServiceAccount("ops_token")
	s := newServiceState(t, fake, newTestClock())
	ctx := context.Background()
	_, err := s.SignIn(ctx, SignInArgs{})
	require.NoError(t, err)

	// Same token: ignored, no validation.
	require.NoError(t, s.ReplaceCredential(ctx, serviceToken(t, "ops_token")))
	assert.Equal(t, 1, fake.Calls(backend.OpValidate))

	// Rotated and accepted.
	fake.Set(func(f *backendtest.Fake) { f.ServiceToken = "ops_rotated" })
	require.NoError(t, s.ReplaceCredential(ctx, serviceToken(t, "ops_rotated")))
	assert.True(t, s.Status().Authenticated)

	// Rotated to something the vault rejects.
	err = s.ReplaceCredential(ctx, serviceToken(t, "ops_revoked"))
	assert.ErrorIs(t, err, backend.ErrAuth)
	assert.False(t, s.Status().Authenticated)
}

func TestConcurrentAccess(t *testing.T) {
	fake := backendtest.NewServiceAccount("ops_token")
	clock := newTestClock()
	s := newServiceState(t, fake, clock)
	ctx := context.Background()
	_, err := s.SignIn(ctx, SignInArgs{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				switch i % 4 {
				case 0:
					_, err := s.GetItem(ctx, backend.ItemQuery{Name: "db-password"})
					if err != nil && !errors.Is(err, backend.ErrNotAuthenticated) {
						t.Errorf("GetItem: %v", err)
					}
				case 1:
					s.Status()
				case 2:
					s.expireIfStale(ctx)
				case 3:
					s.SignIn(ctx, SignInArgs{}) //nolint:errcheck
				}
			}
		}()
	}
	wg.Wait()
}
