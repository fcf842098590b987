// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akihiro/opsessiond/internal/backend/backendtest"
	"github.com/akihiro/opsessiond/internal/client"
	"github.com/akihiro/opsessiond/internal/dispatch"
	"github.com/akihiro/opsessiond/internal/server"
	"github.com/akihiro/opsessiond/internal/session"
)

type fakeTerminal struct {
	tty     bool
	answers map[string]string
	prompts []string
}

func (f *fakeTerminal) IsTerminal() bool { return f.tty }

func (f *fakeTerminal) ReadPassword(prompt string) ([]byte, error) {
	f.prompts = append(f.prompts, prompt)
	return []byte(f.answers[prompt]), nil
}

func startDaemon(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	fake := backendtest.NewInteractive("hunter2", "sess-1")
	state := session.New(fake, session.NewInteractivePolicy(session.Schedule{}))
	t.Cleanup(state.Close)

	path := filepath.Join(t.TempDir(), "d.sock")
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
	return path
}

type result struct {
	stdout string
	stderr string
	err    error
}

func opctl(t *testing.T, socket string, tty *fakeTerminal, stdin string, args ...string) result {
	t.Helper()
	if tty == nil {
		tty = &fakeTerminal{}
	}
	var stdout, stderr bytes.Buffer
	full := append([]string{"--socket", socket}, args...)
	err := runWith(full, strings.NewReader(stdin), &stdout, &stderr, tty)
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func TestSessionCommands(t *testing.T) {
	socket := startDaemon(t)

	r := opctl(t, socket, nil, "", "status")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "authenticated: false")
	assert.Contains(t, r.stdout, "auth_type:     interactive")

	r = opctl(t, socket, nil, "", "get", "db-password")
	var remote *client.RemoteError
	require.ErrorAs(t, r.err, &remote)
	assert.Equal(t, "Not authenticated", remote.Message)

	pwFile := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(pwFile, []byte("hunter2\n"), 0o600))
	r = opctl(t, socket, nil, "", "signin", "--account", "my", "--password-file", pwFile)
	require.NoError(t, r.err)
	assert.Equal(t, "Signed in to my\n", r.stdout)

	r = opctl(t, socket, nil, "", "get", "db-password", "--field", "password")
	require.NoError(t, r.err)
	assert.Equal(t, "s3cr3t-db\n", r.stdout)

	r = opctl(t, socket, nil, "", "list")
	require.NoError(t, r.err)
	assert.Equal(t, "[\n  {\n    \"id\": \"i1\",\n    \"title\": \"db-password\"\n  }\n]\n", r.stdout)

	r = opctl(t, socket, nil, "", "vaults")
	require.ErrorAs(t, r.err, &remote)
	assert.Equal(t, "Unknown command: list_vaults", remote.Message)

	r = opctl(t, socket, nil, "", "signout")
	require.NoError(t, r.err)
	assert.Equal(t, "Signed out\n", r.stdout)

	r = opctl(t, socket, nil, "", "status")
	require.NoError(t, r.err)
	assert.Contains(t, r.stdout, "authenticated: false")
}

func TestSignInPrompts(t *testing.T) {
	socket := startDaemon(t)

	t.Run("terminal", func(t *testing.T) {
		tty := &fakeTerminal{tty: true, answers: map[string]string{
			"Secret key: ": "A3-XXXX",
			"Password: ":   "hunter2",
		}}
		r := opctl(t, socket, tty, "", "signin", "--account", "my", "--email", "me@example.com")
		require.NoError(t, r.err)
		assert.Equal(t, []string{"Secret key: ", "Password: "}, tty.prompts)
		assert.Equal(t, "Signed in to my\n", r.stdout)
	})

	t.Run("stdin", func(t *testing.T) {
		r := opctl(t, socket, nil, "hunter2\n", "signin", "--account", "my")
		require.NoError(t, r.err)
		assert.Equal(t, "Signed in to my\n", r.stdout)
	})

	t.Run("wrong password", func(t *testing.T) {
		r := opctl(t, socket, nil, "nope\n", "signin", "--account", "my")
		var remote *client.RemoteError
		require.ErrorAs(t, r.err, &remote)
		assert.Equal(t, "Sign in failed. Please check account and password.", remote.Message)
	})

	t.Run("no account skips prompts", func(t *testing.T) {
		tty := &fakeTerminal{tty: true}
		r := opctl(t, socket, tty, "", "signin")
		require.Error(t, r.err)
		assert.Empty(t, tty.prompts)
	})
}

func TestUsageErrors(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "absent.sock")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing command", nil, "missing command"},
		{"unknown command", []string{"frobnicate"}, `unknown command "frobnicate"`},
		{"get without item", []string{"get"}, "expected exactly one item name"},
		{"get with two items", []string{"get", "a", "b"}, "expected exactly one item name"},
		{"status with argument", []string{"status", "x"}, `unexpected argument "x"`},
		{"unknown flag", []string{"list", "--bogus"}, "unknown flag: --bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := opctl(t, socket, nil, "", tt.args...)
			require.Error(t, r.err)
			assert.Contains(t, r.err.Error(), tt.want)
		})
	}
}

func TestHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := runWith([]string{"--help"}, strings.NewReader(""), &stdout, &stderr, &fakeTerminal{})
	require.NoError(t, err)
	assert.Contains(t, stderr.String(), "Commands:")
	assert.Contains(t, stderr.String(), "--socket")
}

func TestDaemonUnreachable(t *testing.T) {
	r := opctl(t, filepath.Join(t.TempDir(), "absent.sock"), nil, "", "status")
	require.Error(t, r.err)
	var remote *client.RemoteError
	assert.False(t, errors.As(r.err, &remote))
}
