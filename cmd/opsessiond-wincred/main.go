// SPDX-License-Identifier: Apache-2.0

//go:build windows

// opsessiond-wincred provisions the service account token that opsessiond
// reads when token_source is "wincred".
//
// Usage:
//
//	opsessiond-wincred [--target NAME] store    < token
//	opsessiond-wincred [--target NAME] delete
//	opsessiond-wincred [--target NAME] check
//	opsessiond-wincred [--prefix P]    list
//
// store reads the token from stdin and writes it as a generic credential with
// PersistLocalMachine scope. check loads it back the same way the daemon does
// and prints its fingerprint; the token itself is never printed.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danieljoos/wincred"
	"github.com/spf13/pflag"

	"github.com/akihiro/opsessiond/internal/config"
	"github.com/akihiro/opsessiond/internal/secret"
	"github.com/akihiro/opsessiond/internal/tokensource"
)

const userName = "opsessiond"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "opsessiond-wincred: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var target, prefix string
	fs := pflag.NewFlagSet("opsessiond-wincred", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&target, "target", config.Default().WincredTarget, "credential TargetName")
	fs.StringVar(&prefix, "prefix", "opsessiond/", "TargetName prefix for list")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected one of: store, delete, check, list")
	}

	switch fs.Arg(0) {
	case "store":
		return store(target, stdin, stdout)
	case "delete":
		return remove(target, stdout)
	case "check":
		return check(target, stdout)
	case "list":
		return list(prefix, stdout)
	}
	return fmt.Errorf("unknown command %q", fs.Arg(0))
}

func store(target string, stdin io.Reader, stdout io.Writer) error {
	data, err := io.ReadAll(io.LimitReader(stdin, 64<<10))
	if err != nil {
		return fmt.Errorf("reading token: %w", err)
	}
	defer secret.Zero(data)
	token := bytes.TrimSpace(data)
	if len(token) == 0 {
		return tokensource.ErrEmpty
	}

	cred := wincred.NewGenericCredential(target)
	cred.CredentialBlob = token
	cred.UserName = userName
	cred.Persist = wincred.PersistLocalMachine
	if err := cred.Write(); err != nil {
		return fmt.Errorf("writing credential %q: %w", target, err)
	}
	fmt.Fprintf(stdout, "stored %s\n", target)
	return nil
}

func remove(target string, stdout io.Writer) error {
	cred, err := wincred.GetGenericCredential(target)
	if err != nil {
		return fmt.Errorf("reading credential %q: %w", target, err)
	}
	if err := cred.Delete(); err != nil {
		return fmt.Errorf("deleting credential %q: %w", target, err)
	}
	fmt.Fprintf(stdout, "deleted %s\n", target)
	return nil
}

func check(target string, stdout io.Writer) error {
	cred, err := tokensource.Wincred{Target: target}.Load()
	if err != nil {
		return err
	}
	defer cred.Discard()
	fmt.Fprintf(stdout, "%s fingerprint %s\n", target, cred.Fingerprint())
	return nil
}

// list prints every TargetName under prefix. FilteredList treats "*" as a
// wildcard.
func list(prefix string, stdout io.Writer) error {
	pattern := prefix
	if !strings.HasSuffix(pattern, "*") {
		pattern += "*"
	}
	creds, err := wincred.FilteredList(pattern)
	if err != nil {
		return err
	}
	for _, c := range creds {
		fmt.Fprintln(stdout, c.TargetName)
	}
	return nil
}
