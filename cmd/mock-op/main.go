// SPDX-License-Identifier: Apache-2.0

//go:build !windows

// mock-op is a stand-in for the 1Password `op` tool used by tests and local
// development. It implements the subset of commands opsessiond runs and is
// configured entirely through environment variables:
//
//	MOCK_OP_TOKEN     accepted service-account token (default: ops_mock_token)
//	MOCK_OP_PASSWORD  accepted account password (default: correct horse)
//	MOCK_OP_SESSION   session token printed by signin (default: mock-session-token)
//	MOCK_OP_STORE     JSON fixture with "vaults" and "items" (default: built in)
//	MOCK_OP_DELAY     sleep this long before doing anything (e.g. 2s)
//	MOCK_OP_GARBAGE   "1" makes list commands print non-JSON output
//	MOCK_OP_CALLS     append one line per invocation (argv only) to this file
//	MOCK_OP_ECHO      "1" makes auth failures echo the rejected secret on stderr
//
// Usage:
//
//	MOCK_OP_TOKEN=ops_dev ./bin/opsessiond --op-path ./bin/mock-op --token-file ./token
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"
)

type vault struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type item struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Category string            `json:"category"`
	Vault    vault             `json:"vault"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type fixture struct {
	Vaults []vault `json:"vaults"`
	Items  []item  `json:"items"`
}

func defaultFixture() fixture {
	private := vault{ID: "v1", Name: "Private"}
	infra := vault{ID: "v2", Name: "Infrastructure"}
	return fixture{
		Vaults: []vault{private, infra},
		Items: []item{
			{ID: "i1", Title: "db-password", Category: "PASSWORD", Vault: infra,
				Fields: map[string]string{"password": "s3cr3t-db", "username": "app"}},
			{ID: "i2", Title: "github", Category: "LOGIN", Vault: private,
				Fields: map[string]string{"password": "gh-pass", "username": "alice"}},
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[ERROR] "+format+"\n", args...)
	os.Exit(1)
}

func loadFixture() fixture {
	path := os.Getenv("MOCK_OP_STORE")
	if path == "" {
		return defaultFixture()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fail("read fixture: %v", err)
	}
	var f fixture
	if err := json.Unmarshal(data, &f); err != nil {
		fail("decode fixture: %v", err)
	}
	return f
}

// recordCall appends argv to MOCK_OP_CALLS under an exclusive lock so that
// concurrent invocations do not interleave lines.
func recordCall(args []string) {
	path := os.Getenv("MOCK_OP_CALLS")
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck
	fmt.Fprintln(f, strings.Join(args, " "))
}

// presentedToken returns the credential the caller put in the environment.
func presentedToken() string {
	if token := os.Getenv("OP_SERVICE_ACCOUNT_TOKEN"); token != "" {
		return token
	}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "OP_SESSION_") {
			_, value, _ := strings.Cut(kv, "=")
			return value
		}
	}
	return ""
}

func requireAuth() {
	token := presentedToken()
	if token == "" {
		fail("You are not currently signed in. Please run `op signin --help` for instructions")
	}
	if token == envOr("MOCK_OP_TOKEN", "ops_mock_token") || token == envOr("MOCK_OP_SESSION", "mock-session-token") {
		return
	}
	if os.Getenv("MOCK_OP_ECHO") == "1" {
		fail("invalid token %q", token)
	}
	fail("authorization prompt dismissed, please try again")
}

func printJSON(v any) {
	if os.Getenv("MOCK_OP_GARBAGE") == "1" {
		fmt.Println("this is not json {")
		return
	}
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		fail("encode output: %v", err)
	}
}

func main() {
	args := os.Args[1:]
	recordCall(args)

	if d, err := time.ParseDuration(os.Getenv("MOCK_OP_DELAY")); err == nil {
		time.Sleep(d)
	}

	if len(args) == 0 {
		fail("no command")
	}
	if args[0] == "--version" {
		fmt.Println("2.30.0-mock")
		return
	}

	stdin := bufio.NewReader(os.Stdin)
	switch args[0] {
	case "signin":
		signin(stdin, args[1:], false)
	case "account":
		if len(args) < 2 || args[1] != "add" {
			fail("unknown account subcommand")
		}
		signin(stdin, args[2:], true)
	case "signout":
		requireAuth()
	case "vault":
		if len(args) < 2 || args[1] != "list" {
			fail("unknown vault subcommand")
		}
		requireAuth()
		printJSON(loadFixture().Vaults)
	case "item":
		if len(args) < 2 {
			fail("missing item subcommand")
		}
		requireAuth()
		switch args[1] {
		case "list":
			itemList(args[2:])
		case "get":
			itemGet(args[2:])
		default:
			fail("unknown item subcommand %q", args[1])
		}
	default:
		fail("unknown command %q", args[0])
	}
}

func readLine(r *bufio.Reader) string {
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		fail("read stdin: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func signin(stdin *bufio.Reader, args []string, addAccount bool) {
	fs := flag.NewFlagSet("signin", flag.ContinueOnError)
	account := fs.String("account", "", "")
	fs.String("address", "", "")
	fs.String("email", "", "")
	fs.Bool("signin", false, "")
	raw := fs.Bool("raw", false, "")
	if err := fs.Parse(args); err != nil {
		fail("%v", err)
	}
	_ = account

	if addAccount {
		_ = readLine(stdin) // secret key
	}
	password := readLine(stdin)
	if password != envOr("MOCK_OP_PASSWORD", "correct horse") {
		if os.Getenv("MOCK_OP_ECHO") == "1" {
			fail("authentication failed for password %q", password)
		}
		fail("authentication failed: invalid credentials")
	}
	if !*raw {
		fmt.Printf("export OP_SESSION_mock=%q\n", envOr("MOCK_OP_SESSION", "mock-session-token"))
		return
	}
	fmt.Println(envOr("MOCK_OP_SESSION", "mock-session-token"))
}

func itemList(args []string) {
	fs := flag.NewFlagSet("item list", flag.ContinueOnError)
	fs.String("format", "", "")
	vaultName := fs.String("vault", "", "")
	categories := fs.String("categories", "", "")
	fs.String("account", "", "")
	if err := fs.Parse(args); err != nil {
		fail("%v", err)
	}

	wanted := map[string]bool{}
	for _, c := range strings.Split(*categories, ",") {
		if c = strings.TrimSpace(c); c != "" {
			wanted[strings.ToUpper(c)] = true
		}
	}

	type summary struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Category string `json:"category"`
		Vault    vault  `json:"vault"`
	}
	out := []summary{}
	for _, it := range loadFixture().Items {
		if *vaultName != "" && it.Vault.Name != *vaultName && it.Vault.ID != *vaultName {
			continue
		}
		if len(wanted) > 0 && !wanted[it.Category] {
			continue
		}
		out = append(out, summary{ID: it.ID, Title: it.Title, Category: it.Category, Vault: it.Vault})
	}
	printJSON(out)
}

func itemGet(args []string) {
	if len(args) == 0 {
		fail("item name required")
	}
	name := args[0]
	fs := flag.NewFlagSet("item get", flag.ContinueOnError)
	field := fs.String("field", "", "")
	vaultName := fs.String("vault", "", "")
	fs.String("account", "", "")
	if err := fs.Parse(args[1:]); err != nil {
		fail("%v", err)
	}

	for _, it := range loadFixture().Items {
		if it.Title != name && it.ID != name {
			continue
		}
		if *vaultName != "" && it.Vault.Name != *vaultName && it.Vault.ID != *vaultName {
			continue
		}
		if *field == "" {
			printJSON(it)
			return
		}
		value, ok := it.Fields[*field]
		if !ok {
			fail("%q isn't a field in the %q item", *field, name)
		}
		fmt.Println(value)
		return
	}
	fail("%q isn't an item. Specify the item with its UUID, name, or domain.", name)
}
