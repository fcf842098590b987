// SPDX-License-Identifier: Apache-2.0

// Package dispatch turns one decoded request into one call on the session
// state and encodes the outcome as a response. It never returns an error:
// every failure, including a panic inside a command, becomes an error
// response.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/akihiro/opsessiond/internal/backend"
	"github.com/akihiro/opsessiond/internal/credential"
	"github.com/akihiro/opsessiond/internal/ipc"
	"github.com/akihiro/opsessiond/internal/session"
)

// Client-facing messages.
const (
	MsgInvalidRequest  = "Invalid JSON request"
	MsgNotAuthed       = "Not authenticated"
	MsgInvalidResponse = "Invalid JSON response"
	MsgRateLimited     = "Too many sign-in attempts, try again later"
	MsgToolUnavailable = "Vault tool unavailable"

	msgServiceAuthFailed = "Service account authentication failed. Please check token configuration."
	msgInteractiveFailed = "Sign in failed. Please check account and password."
)

type handler func(ctx context.Context, req *ipc.Request) (ipc.Response, error)

// Dispatcher maps command names to session operations.
type Dispatcher struct {
	state    *session.State
	logger   *slog.Logger
	handlers map[string]handler
}

// New creates a Dispatcher for state. list_vaults is only offered to
// service-account sessions.
func New(state *session.State, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{state: state, logger: logger}
	d.handlers = map[string]handler{
		ipc.CmdSignIn:    d.signIn,
		ipc.CmdGetItem:   d.getItem,
		ipc.CmdListItems: d.listItems,
		ipc.CmdSignOut:   d.signOut,
		ipc.CmdStatus:    d.status,
	}
	if state.Provenance() == credential.ServiceAccount {
		d.handlers[ipc.CmdListVaults] = d.listVaults
	}
	return d
}

// Commands returns the recognized command names.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Handle decodes raw as a request and executes it.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) ipc.Response {
	var req ipc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		d.logger.Debug("malformed request", "error", err)
		return ipc.Error(MsgInvalidRequest)
	}
	return d.Execute(ctx, &req)
}

// Execute runs an already decoded request.
func (d *Dispatcher) Execute(ctx context.Context, req *ipc.Request) (resp ipc.Response) {
	h, ok := d.handlers[req.Command]
	if !ok {
		d.logger.Debug("unknown command", "command", req.Command)
		return ipc.Error("Unknown command: " + req.Command)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while handling command",
				"command", req.Command,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			resp = ipc.Error(fmt.Sprint(r))
		}
		d.logger.Debug("command handled",
			"command", req.Command,
			"status", resp.Status,
			"duration", time.Since(start),
		)
	}()

	resp, err := h(ctx, req)
	if err != nil {
		return d.errorResponse(req.Command, err)
	}
	return resp
}

// errorResponse maps the error taxonomy to client messages. Diagnostics
// from authentication failures are logged but never returned.
func (d *Dispatcher) errorResponse(command string, err error) ipc.Response {
	var (
		argErr     *session.ArgumentError
		timeoutErr *backend.TimeoutError
		decodeErr  *backend.DecodeError
		toolErr    *backend.ToolError
	)
	switch {
	case errors.Is(err, backend.ErrNotAuthenticated):
		return ipc.Error(MsgNotAuthed)
	case errors.Is(err, session.ErrRateLimited):
		return ipc.Error(MsgRateLimited)
	case errors.As(err, &argErr):
		return ipc.Error(argErr.Error())
	case errors.Is(err, backend.ErrAuth):
		d.logger.Warn("authentication rejected", "command", command, "error", err)
		if d.state.Provenance() == credential.ServiceAccount {
			return ipc.Error(msgServiceAuthFailed)
		}
		return ipc.Error(msgInteractiveFailed)
	case errors.As(err, &timeoutErr):
		d.logger.Warn("vault tool timed out", "command", command, "op", timeoutErr.Op)
		return ipc.Error(timeoutErr.Op.Label() + " timeout")
	case errors.As(err, &decodeErr):
		d.logger.Warn("vault tool output not JSON", "command", command, "error", err)
		return ipc.Error(MsgInvalidResponse)
	case errors.As(err, &toolErr):
		d.logger.Info("vault tool failed", "command", command, "exit_code", toolErr.ExitCode)
		return ipc.Error(fmt.Sprintf("%s failed: %s", toolErr.Op.Label(), toolErr.Diagnostic))
	case errors.Is(err, backend.ErrToolUnavailable):
		d.logger.Error("vault tool unavailable", "command", command, "error", err)
		return ipc.Error(MsgToolUnavailable)
	}
	d.logger.Error("command failed", "command", command, "error", err)
	return ipc.Error(err.Error())
}

func (d *Dispatcher) signIn(ctx context.Context, req *ipc.Request) (ipc.Response, error) {
	result, err := d.state.SignIn(ctx, session.SignInArgs{
		Account:   req.Account,
		Email:     req.Email,
		SecretKey: req.SecretKey,
		Password:  req.Password,
	})
	if err != nil {
		return ipc.Response{}, err
	}
	switch {
	case d.state.Provenance() == credential.Interactive:
		return ipc.Success("Signed in to " + req.Account), nil
	case result.Reused:
		return ipc.Success("Already authenticated with service account"), nil
	default:
		return ipc.Success("Authenticated with service account"), nil
	}
}

func (d *Dispatcher) getItem(ctx context.Context, req *ipc.Request) (ipc.Response, error) {
	value, err := d.state.GetItem(ctx, backend.ItemQuery{
		Name:  req.ItemName,
		Field: ipc.Value(req.Field),
		Vault: ipc.Value(req.Vault),
	})
	if err != nil {
		return ipc.Response{}, err
	}
	return ipc.SuccessString(value), nil
}

func (d *Dispatcher) listItems(ctx context.Context, req *ipc.Request) (ipc.Response, error) {
	items, err := d.state.ListItems(ctx, backend.ListQuery{
		Vault:      ipc.Value(req.Vault),
		Categories: ipc.Value(req.Categories),
	})
	if err != nil {
		return ipc.Response{}, err
	}
	return ipc.SuccessData(items), nil
}

func (d *Dispatcher) listVaults(ctx context.Context, _ *ipc.Request) (ipc.Response, error) {
	vaults, err := d.state.ListVaults(ctx)
	if err != nil {
		return ipc.Response{}, err
	}
	return ipc.SuccessData(vaults), nil
}

func (d *Dispatcher) signOut(ctx context.Context, _ *ipc.Request) (ipc.Response, error) {
	d.state.SignOut(ctx)
	if d.state.Provenance() == credential.ServiceAccount {
		return ipc.Success("Authentication state cleared"), nil
	}
	return ipc.Success("Signed out"), nil
}

func (d *Dispatcher) status(context.Context, *ipc.Request) (ipc.Response, error) {
	st := d.state.Status()
	authenticated := st.Authenticated
	lastActivity := float64(st.LastActivity.UnixNano()) / float64(time.Second)
	return ipc.Response{
		Status:        ipc.StatusSuccess,
		Authenticated: &authenticated,
		AuthType:      string(st.Provenance),
		LastActivity:  &lastActivity,
	}, nil
}
