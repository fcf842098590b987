// SPDX-License-Identifier: Apache-2.0

// opsessiond brokers 1Password credentials to local clients over a Unix
// socket. It holds one credential in memory, either a service-account
// token loaded at startup or an interactive session obtained on request,
// and answers one JSON command per connection.
//
// Usage:
//
//	opsessiond [flags]
//
// Flags override values from the config file (--config or
// $OPSESSIOND_CONFIG). Exit status is 1 on any startup failure and 0 after
// a clean shutdown on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/akihiro/opsessiond/internal/config"
	"github.com/akihiro/opsessiond/internal/daemon"
	"github.com/akihiro/opsessiond/internal/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "opsessiond: %v\n", err)
		os.Exit(1)
	}
}

// overrides holds command-line values that replace config file values.
type overrides struct {
	mode      string
	socket    string
	pidFile   string
	opPath    string
	tokenFile string
	logLevel  string
	logFormat string
}

func run(args []string, stderr io.Writer) error {
	var configPath string
	var o overrides

	flagSet := pflag.NewFlagSet("opsessiond", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&configPath, "config", "", "config file (.yaml, .toml, .json or .jsonc); default $"+config.EnvVar)
	flagSet.StringVar(&o.mode, "mode", "", "authentication mode: service_account or interactive")
	flagSet.StringVar(&o.socket, "socket", "", "Unix socket path")
	flagSet.StringVar(&o.pidFile, "pid-file", "", "PID file path")
	flagSet.StringVar(&o.opPath, "op-path", "", "path to the op executable")
	flagSet.StringVar(&o.tokenFile, "token-file", "", "service account token file")
	flagSet.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&o.logFormat, "log-format", "", "text or json")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := loadConfig(config.Path(configPath), flagSet, o)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(stderr, logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	return nil
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(path string, flagSet *pflag.FlagSet, o overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	set := func(name string, dst *string, value string) {
		if flagSet.Changed(name) {
			*dst = value
		}
	}
	mode := string(cfg.Mode)
	set("mode", &mode, o.mode)
	cfg.Mode = config.Mode(mode)
	set("socket", &cfg.SocketPath, o.socket)
	set("pid-file", &cfg.PIDFile, o.pidFile)
	set("op-path", &cfg.OpPath, o.opPath)
	set("token-file", &cfg.TokenFile, o.tokenFile)
	set("log-level", &cfg.Log.Level, o.logLevel)
	set("log-format", &cfg.Log.Format, o.logFormat)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
