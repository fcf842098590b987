// SPDX-License-Identifier: Apache-2.0

// opctl is the command-line client for opsessiond.
//
// Usage:
//
//	opctl [--socket PATH] signin [--account A [--email E]] [--password-file F]
//	opctl [--socket PATH] get ITEM [--field F] [--vault V]
//	opctl [--socket PATH] list [--vault V] [--categories C]
//	opctl [--socket PATH] vaults
//	opctl [--socket PATH] signout
//	opctl [--socket PATH] status
//
// Interactive sign-in prompts for the password (and, with --email, the
// secret key) on the terminal with echo disabled. Exit status is 1 when the
// daemon answers with an error.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/akihiro/opsessiond/internal/client"
	"github.com/akihiro/opsessiond/internal/config"
	"github.com/akihiro/opsessiond/internal/secret"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "opctl: %v\n", err)
		os.Exit(1)
	}
}

// terminal is the prompt source; tests replace it.
type terminal interface {
	IsTerminal() bool
	ReadPassword(prompt string) ([]byte, error)
}

type stdinTerminal struct {
	in     *os.File
	prompt io.Writer
}

func (s stdinTerminal) IsTerminal() bool { return term.IsTerminal(int(s.in.Fd())) }

func (s stdinTerminal) ReadPassword(prompt string) ([]byte, error) {
	fmt.Fprint(s.prompt, prompt)
	defer fmt.Fprintln(s.prompt)
	return term.ReadPassword(int(s.in.Fd()))
}

// env is what a command needs besides its arguments.
type env struct {
	client *client.Client
	stdin  *bufio.Reader
	stdout io.Writer
	term   terminal
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer) error {
	return runWith(args, stdin, stdout, stderr, stdinTerminal{in: stdin, prompt: stderr})
}

func runWith(args []string, stdin io.Reader, stdout, stderr io.Writer, tty terminal) error {
	defaultSocket := os.Getenv("OPSESSIOND_SOCKET")
	if defaultSocket == "" {
		defaultSocket = config.Default().SocketPath
	}

	var socket string
	var timeout time.Duration
	global := pflag.NewFlagSet("opctl", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	global.StringVar(&socket, "socket", defaultSocket, "daemon socket path (default $OPSESSIOND_SOCKET)")
	global.DurationVar(&timeout, "timeout", client.DefaultTimeout, "give up after this long")
	global.Usage = func() { printUsage(stderr, global) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if global.NArg() == 0 {
		printUsage(stderr, global)
		return errors.New("missing command")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	e := env{client: client.New(socket), stdin: bufio.NewReader(stdin), stdout: stdout, term: tty}
	command, rest := global.Arg(0), global.Args()[1:]
	switch command {
	case "signin":
		return e.signIn(ctx, rest, stderr)
	case "get":
		return e.get(ctx, rest, stderr)
	case "list":
		return e.list(ctx, rest, stderr)
	case "vaults":
		return e.vaults(ctx, rest)
	case "signout":
		return e.signOut(ctx, rest)
	case "status":
		return e.status(ctx, rest)
	}
	return fmt.Errorf("unknown command %q", command)
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprint(w, `opctl talks to the opsessiond credential daemon.

Commands:
  signin    authenticate the daemon
  get       print an item or one of its fields
  list      list items
  vaults    list vaults (service account daemons)
  signout   end the daemon's session
  status    show whether the daemon is authenticated

Flags:
`)
	fmt.Fprint(w, fs.FlagUsages())
}

func noArgs(command string, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%s: unexpected argument %q", command, args[0])
	}
	return nil
}

func (e env) signIn(ctx context.Context, args []string, stderr io.Writer) error {
	var account, email, passwordFile, secretKeyFile string
	fs := pflag.NewFlagSet("signin", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&account, "account", "", "account shorthand or sign-in address (interactive daemons)")
	fs.StringVar(&email, "email", "", "email address, to add the account on first sign-in")
	fs.StringVar(&passwordFile, "password-file", "", "read the password from this file instead of prompting")
	fs.StringVar(&secretKeyFile, "secret-key-file", "", "read the secret key from this file instead of prompting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := noArgs("signin", fs.Args()); err != nil {
		return err
	}

	var password, secretKey []byte
	defer func() {
		secret.Zero(password)
		secret.Zero(secretKey)
	}()
	if account != "" {
		var err error
		if email != "" {
			if secretKey, err = e.readSecret(secretKeyFile, "Secret key: "); err != nil {
				return fmt.Errorf("reading secret key: %w", err)
			}
		}
		if password, err = e.readSecret(passwordFile, "Password: "); err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
	}

	msg, err := e.client.SignIn(ctx, account, email, string(secretKey), string(password))
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, msg)
	return nil
}

// readSecret reads from path when set, else prompts on the terminal, else
// reads one line from stdin.
func (e env) readSecret(path, prompt string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		trimmed := append([]byte(nil), bytes.TrimRight(data, "\r\n")...)
		secret.Zero(data)
		return trimmed, nil
	}
	if e.term.IsTerminal() {
		return e.term.ReadPassword(prompt)
	}
	line, err := e.stdin.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (e env) get(ctx context.Context, args []string, stderr io.Writer) error {
	var field, vault string
	fs := pflag.NewFlagSet("get", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&field, "field", "", "print only this field")
	fs.StringVar(&vault, "vault", "", "look the item up in this vault")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get: expected exactly one item name")
	}
	value, err := e.client.GetItem(ctx, fs.Arg(0), field, vault)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, value)
	return nil
}

func (e env) list(ctx context.Context, args []string, stderr io.Writer) error {
	var vault, categories string
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&vault, "vault", "", "only items in this vault")
	fs.StringVar(&categories, "categories", "", "comma-separated item categories")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := noArgs("list", fs.Args()); err != nil {
		return err
	}
	items, err := e.client.ListItems(ctx, vault, categories)
	if err != nil {
		return err
	}
	return printJSON(e.stdout, items)
}

func (e env) vaults(ctx context.Context, args []string) error {
	if err := noArgs("vaults", args); err != nil {
		return err
	}
	vaults, err := e.client.ListVaults(ctx)
	if err != nil {
		return err
	}
	return printJSON(e.stdout, vaults)
}

func (e env) signOut(ctx context.Context, args []string) error {
	if err := noArgs("signout", args); err != nil {
		return err
	}
	msg, err := e.client.SignOut(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, msg)
	return nil
}

func (e env) status(ctx context.Context, args []string) error {
	if err := noArgs("status", args); err != nil {
		return err
	}
	st, err := e.client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "authenticated: %t\n", st.Authenticated)
	fmt.Fprintf(e.stdout, "auth_type:     %s\n", st.AuthType)
	fmt.Fprintf(e.stdout, "last_activity: %s\n", st.LastActivity.Format(time.RFC3339))
	return nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err := fmt.Fprintln(w, strings.TrimSpace(string(raw)))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
