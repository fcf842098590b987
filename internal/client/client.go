// SPDX-License-Identifier: Apache-2.0

// Package client speaks the daemon's one-request-per-connection protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/akihiro/opsessiond/internal/ipc"
)

// DefaultTimeout bounds an exchange when the context has no deadline. It
// exceeds the slowest vault tool operation.
const DefaultTimeout = 60 * time.Second

// RemoteError is an error response from the daemon.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Client talks to the daemon at a socket path.
type Client struct {
	path string
}

// New creates a client for the socket at path.
func New(path string) *Client {
	return &Client{path: path}
}

// Do sends req and returns the daemon's response. The returned error covers
// transport failures only; check resp.Status for command failures.
func (c *Client) Do(ctx context.Context, req *ipc.Request) (ipc.Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return ipc.Response{}, fmt.Errorf("encoding request: %w", err)
	}
	return c.DoRaw(ctx, raw)
}

// DoRaw sends raw bytes as the request.
func (c *Client) DoRaw(ctx context.Context, raw []byte) (ipc.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return ipc.Response{}, fmt.Errorf("connecting to %s: %w", c.path, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(raw); err != nil {
		return ipc.Response{}, fmt.Errorf("sending request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	var resp ipc.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return ipc.Response{}, errors.New("daemon closed the connection without a response")
		}
		if ctx.Err() != nil {
			return ipc.Response{}, ctx.Err()
		}
		return ipc.Response{}, fmt.Errorf("reading response: %w", err)
	}
	return resp, nil
}

// call runs req and converts an error response into a RemoteError.
func (c *Client) call(ctx context.Context, req *ipc.Request) (ipc.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.OK() {
		return resp, &RemoteError{Message: resp.Message}
	}
	return resp, nil
}

// SignIn authenticates the daemon. Service-account daemons ignore the
// arguments. It returns the daemon's message.
func (c *Client) SignIn(ctx context.Context, account, email, secretKey, password string) (string, error) {
	resp, err := c.call(ctx, &ipc.Request{
		Command:   ipc.CmdSignIn,
		Account:   account,
		Email:     email,
		SecretKey: secretKey,
		Password:  password,
	})
	return resp.Message, err
}

// SignOut ends the daemon's session.
func (c *Client) SignOut(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, &ipc.Request{Command: ipc.CmdSignOut})
	return resp.Message, err
}

// GetItem fetches an item or, when field is set, one of its fields.
func (c *Client) GetItem(ctx context.Context, name, field, vault string) (string, error) {
	req := &ipc.Request{Command: ipc.CmdGetItem, ItemName: name}
	if field != "" {
		req.Field = ipc.Opt(field)
	}
	if vault != "" {
		req.Vault = ipc.Opt(vault)
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return "", err
	}
	var value string
	if err := json.Unmarshal(resp.Data, &value); err != nil {
		return "", fmt.Errorf("decoding item: %w", err)
	}
	return value, nil
}

// ListItems returns the item list as raw JSON.
func (c *Client) ListItems(ctx context.Context, vault, categories string) (json.RawMessage, error) {
	req := &ipc.Request{Command: ipc.CmdListItems}
	if vault != "" {
		req.Vault = ipc.Opt(vault)
	}
	if categories != "" {
		req.Categories = ipc.Opt(categories)
	}
	resp, err := c.call(ctx, req)
	return resp.Data, err
}

// ListVaults returns the vault list as raw JSON.
func (c *Client) ListVaults(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.call(ctx, &ipc.Request{Command: ipc.CmdListVaults})
	return resp.Data, err
}

// Status is the decoded status response.
type Status struct {
	Authenticated bool
	AuthType      string
	LastActivity  time.Time
}

// Status queries the daemon's session state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.call(ctx, &ipc.Request{Command: ipc.CmdStatus})
	if err != nil {
		return Status{}, err
	}
	st := Status{AuthType: resp.AuthType}
	if resp.Authenticated != nil {
		st.Authenticated = *resp.Authenticated
	}
	if resp.LastActivity != nil {
		sec := *resp.LastActivity
		st.LastActivity = time.Unix(0, int64(sec*float64(time.Second)))
	}
	return st, nil
}
