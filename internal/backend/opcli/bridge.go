// SPDX-License-Identifier: Apache-2.0

// Package opcli implements backend.Backend by running the 1Password `op`
// command-line tool, one process per operation. Credentials travel in the
// child's environment and passwords on its stdin, never in argv.
package opcli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/akihiro/opsessiond/internal/backend"
	"github.com/akihiro/opsessiond/internal/credential"
	"github.com/akihiro/opsessiond/internal/secret"
)

const (
	serviceAccountEnv = "OP_SERVICE_ACCOUNT_TOKEN"
	sessionEnvPrefix  = "OP_SESSION_"
)

// Timeouts bounds each kind of invocation.
type Timeouts struct {
	Version    time.Duration
	SignIn     time.Duration
	SignOut    time.Duration
	Validate   time.Duration
	GetItem    time.Duration
	ListItems  time.Duration
	ListVaults time.Duration
}

// DefaultTimeouts returns the stock bounds for each operation.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Version:    5 * time.Second,
		SignIn:     30 * time.Second,
		SignOut:    10 * time.Second,
		Validate:   10 * time.Second,
		GetItem:    10 * time.Second,
		ListItems:  15 * time.Second,
		ListVaults: 10 * time.Second,
	}
}

// Bridge implements backend.Backend by calling the op executable.
type Bridge struct {
	toolPath string
	timeouts Timeouts
}

var _ backend.Backend = (*Bridge)(nil)

// New creates a Bridge for the op executable at toolPath. A bare name is
// resolved through PATH and a few standard install locations.
func New(toolPath string, timeouts Timeouts) (*Bridge, error) {
	resolved, err := findTool(toolPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrToolUnavailable, err)
	}
	return &Bridge{toolPath: resolved, timeouts: timeouts}, nil
}

// Path returns the resolved executable path.
func (b *Bridge) Path() string { return b.toolPath }

// findTool searches for the op executable.
func findTool(name string) (string, error) {
	if name == "" {
		name = "op"
	}
	if strings.ContainsRune(name, filepath.Separator) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	for _, dir := range []string{"/usr/local/bin", "/usr/bin", "/opt/homebrew/bin"} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not found in PATH or standard locations", name)
}

// invocation describes one run of the tool.
type invocation struct {
	op      backend.Op
	args    []string
	cred    *credential.Credential
	stdin   []byte
	redact  []string
	timeout time.Duration
}

// call runs the tool and returns its stdout. The stdin buffer is zeroed
// before returning.
func (b *Bridge) call(ctx context.Context, inv invocation) ([]byte, error) {
	defer secret.Zero(inv.stdin)

	token := ""
	env := scrubbedEnviron()
	if inv.cred != nil {
		var err error
		token, err = inv.cred.Token()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", inv.op, err)
		}
		env = append(env, credentialEnv(inv.cred, token))
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.toolPath, inv.args...)
	cmd.Env = env
	cmd.WaitDelay = time.Second
	if inv.stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := runCtx.Err(); ctxErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", inv.op, ctx.Err())
		}
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, &backend.TimeoutError{Op: inv.op}
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &backend.ToolError{
				Op:         inv.op,
				ExitCode:   exitErr.ExitCode(),
				Diagnostic: sanitize(stderr.String(), append(inv.redact, token)...),
			}
		}
		return nil, fmt.Errorf("%w: run %s: %v", backend.ErrToolUnavailable, b.toolPath, err)
	}
	return stdout.Bytes(), nil
}

// Version runs `op --version`.
func (b *Bridge) Version(ctx context.Context) (string, error) {
	out, err := b.call(ctx, invocation{
		op:      backend.OpVersion,
		args:    []string{"--version"},
		timeout: b.timeouts.Version,
	})
	if err != nil {
		if errors.Is(err, backend.ErrToolUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", backend.ErrToolUnavailable, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// SignIn signs in to an account already known to the tool, or adds and
// signs in to it when an email and secret key are supplied. The tool reads
// the secret key and password from stdin.
func (b *Bridge) SignIn(ctx context.Context, req backend.SignInRequest) (*credential.Credential, error) {
	var args []string
	var stdin []byte
	if req.Email != "" && req.SecretKey != "" {
		args = []string{"account", "add", "--address", req.Account, "--email", req.Email, "--signin", "--raw"}
		stdin = []byte(req.SecretKey + "\n" + req.Password + "\n")
	} else {
		args = []string{"signin", "--account", req.Account, "--raw"}
		stdin = []byte(req.Password + "\n")
	}

	out, err := b.call(ctx, invocation{
		op:      backend.OpSignIn,
		args:    args,
		stdin:   stdin,
		redact:  []string{req.Password, req.SecretKey},
		timeout: b.timeouts.SignIn,
	})
	if err != nil {
		var toolErr *backend.ToolError
		if errors.As(err, &toolErr) {
			return nil, &backend.AuthError{Op: backend.OpSignIn, Diagnostic: toolErr.Diagnostic}
		}
		return nil, err
	}

	token := bytes.TrimSpace(out)
	if len(token) == 0 {
		return nil, &backend.AuthError{Op: backend.OpSignIn, Diagnostic: "empty session token"}
	}
	cred, err := credential.FromBytes(credential.Interactive, req.Account, token)
	secret.Zero(out)
	return cred, err
}

// SignOut ends an interactive session. Service-account credentials have no
// session to end.
func (b *Bridge) SignOut(ctx context.Context, cred *credential.Credential) error {
	if cred == nil || cred.Provenance() != credential.Interactive {
		return nil
	}
	_, err := b.call(ctx, invocation{
		op:      backend.OpSignOut,
		args:    []string{"signout", "--account", cred.Account()},
		cred:    cred,
		timeout: b.timeouts.SignOut,
	})
	return err
}

// Validate lists vaults as a liveness probe.
func (b *Bridge) Validate(ctx context.Context, cred *credential.Credential) error {
	_, err := b.call(ctx, invocation{
		op:      backend.OpValidate,
		args:    withAccount(cred, "vault", "list", "--format=json"),
		cred:    cred,
		timeout: b.timeouts.Validate,
	})
	var toolErr *backend.ToolError
	if errors.As(err, &toolErr) {
		return &backend.AuthError{Op: backend.OpValidate, Diagnostic: toolErr.Diagnostic}
	}
	return err
}

// GetItem runs `op item get`.
func (b *Bridge) GetItem(ctx context.Context, cred *credential.Credential, query backend.ItemQuery) (string, error) {
	args := withAccount(cred, "item", "get", query.Name)
	if query.Field != "" {
		args = append(args, "--field", query.Field)
	}
	if query.Vault != "" {
		args = append(args, "--vault", query.Vault)
	}
	out, err := b.call(ctx, invocation{
		op:      backend.OpGetItem,
		args:    args,
		cred:    cred,
		timeout: b.timeouts.GetItem,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ListItems runs `op item list --format=json`.
func (b *Bridge) ListItems(ctx context.Context, cred *credential.Credential, query backend.ListQuery) (json.RawMessage, error) {
	args := withAccount(cred, "item", "list", "--format=json")
	if query.Vault != "" {
		args = append(args, "--vault", query.Vault)
	}
	if query.Categories != "" {
		args = append(args, "--categories", query.Categories)
	}
	return b.callJSON(ctx, invocation{
		op:      backend.OpListItems,
		args:    args,
		cred:    cred,
		timeout: b.timeouts.ListItems,
	})
}

// ListVaults runs `op vault list --format=json`.
func (b *Bridge) ListVaults(ctx context.Context, cred *credential.Credential) (json.RawMessage, error) {
	return b.callJSON(ctx, invocation{
		op:      backend.OpListVaults,
		args:    withAccount(cred, "vault", "list", "--format=json"),
		cred:    cred,
		timeout: b.timeouts.ListVaults,
	})
}

func (b *Bridge) callJSON(ctx context.Context, inv invocation) (json.RawMessage, error) {
	out, err := b.call(ctx, inv)
	if err != nil {
		return nil, err
	}
	out = bytes.TrimSpace(out)
	var probe any
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, &backend.DecodeError{Op: inv.op, Err: err}
	}
	return json.RawMessage(out), nil
}

// withAccount appends --account for interactive credentials so the tool
// picks the session belonging to that account.
func withAccount(cred *credential.Credential, args ...string) []string {
	if cred != nil && cred.Provenance() == credential.Interactive && cred.Account() != "" {
		args = append(args, "--account", cred.Account())
	}
	return args
}
