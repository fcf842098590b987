// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akihiro/opsessiond/internal/backend/backendtest"
	"github.com/akihiro/opsessiond/internal/dispatch"
	"github.com/akihiro/opsessiond/internal/server"
	"github.com/akihiro/opsessiond/internal/session"
)

// startDaemon serves an interactive session over a socket in a temp dir.
func startDaemon(t *testing.T) (*Client, *backendtest.Fake) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	fake := backendtest.NewInteractive("hunter2", "sess-1")
	state := session.New(fake, session.NewInteractivePolicy(session.Schedule{}))
	t.Cleanup(state.Close)

	path := filepath.Join(t.TempDir(), "daemon.sock")
	srv := server.New(path, dispatch.New(state, logger), logger, server.Options{})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Remove()
	})
	return New(path), fake
}

func TestClientSession(t *testing.T) {
	c, _ := startDaemon(t)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authenticated)
	assert.Equal(t, "interactive", st.AuthType)
	assert.WithinDuration(t, time.Now(), st.LastActivity, time.Minute)

	_, err = c.GetItem(ctx, "db-password", "", "")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Not authenticated", remote.Message)

	msg, err := c.SignIn(ctx, "my", "", "", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "Signed in to my", msg)

	value, err := c.GetItem(ctx, "db-password", "password", "Private")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-db", value)

	items, err := c.ListItems(ctx, "", "")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"i1","title":"db-password"}]`, string(items))

	_, err = c.ListVaults(ctx)
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Unknown command: list_vaults", remote.Message)

	msg, err = c.SignOut(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Signed out", msg)

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authenticated)
}

func TestClientRaw(t *testing.T) {
	c, _ := startDaemon(t)
	resp, err := c.DoRaw(context.Background(), []byte(`{not json`))
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, "Invalid JSON request", resp.Message)
}

func TestClientNoDaemon(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.Status(context.Background())
	assert.Error(t, err)
}

func TestClientContextDeadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silent.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = New(path).Status(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
