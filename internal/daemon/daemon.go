// SPDX-License-Identifier: Apache-2.0

// Package daemon wires the components together and owns the process
// lifecycle: startup checks, the PID marker, serving, and ordered shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/akihiro/opsessiond/internal/backend"
	"github.com/akihiro/opsessiond/internal/backend/opcli"
	"github.com/akihiro/opsessiond/internal/config"
	"github.com/akihiro/opsessiond/internal/dispatch"
	"github.com/akihiro/opsessiond/internal/logind"
	"github.com/akihiro/opsessiond/internal/memprotect"
	"github.com/akihiro/opsessiond/internal/server"
	"github.com/akihiro/opsessiond/internal/session"
	"github.com/akihiro/opsessiond/internal/tokensource"
)

// shutdownTimeout bounds the sign-out performed at shutdown.
const shutdownTimeout = 15 * time.Second

// Daemon is one configured daemon instance.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend backend.Backend
	source  tokensource.Source
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithBackend replaces the op-backed provider.
func WithBackend(be backend.Backend) Option {
	return func(d *Daemon) { d.backend = be }
}

// WithTokenSource replaces the configured service-account token source.
func WithTokenSource(src tokensource.Source) Option {
	return func(d *Daemon) { d.source = src }
}

// New creates a daemon from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Daemon {
	d := &Daemon{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the daemon and blocks until ctx is cancelled. Any error is a
// fatal startup condition; shutdown itself never fails.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.HardenMemory {
		d.harden()
	}

	be, err := d.provider(ctx)
	if err != nil {
		return err
	}

	state, err := d.newState(ctx, be)
	if err != nil {
		return err
	}

	if err := writePIDFile(d.cfg.PIDFile); err != nil {
		state.Close()
		return err
	}

	srv := server.New(d.cfg.SocketPath, dispatch.New(state, d.logger), d.logger, server.Options{
		Mode:            d.cfg.SocketMode.Perm(),
		MaxRequestBytes: d.cfg.MaxRequestBytes,
	})
	if err := srv.Listen(); err != nil {
		d.removePIDFile()
		state.Close()
		return err
	}

	monitor := session.NewMonitor(state, d.logger)
	monitor.Start(ctx)

	auxCtx, cancelAux := context.WithCancel(ctx)
	var aux sync.WaitGroup
	d.startWatchers(auxCtx, &aux, state)

	d.logger.Info("daemon ready",
		"mode", d.cfg.Mode,
		"socket", d.cfg.SocketPath,
		"pid", os.Getpid(),
	)
	serveErr := srv.Serve(ctx)

	d.logger.Info("shutting down")
	cancelAux()
	aux.Wait()
	monitor.Stop()
	d.shutdown(state, srv)
	return serveErr
}

// harden applies process protections. Failures are logged, not fatal.
func (d *Daemon) harden() {
	res, err := memprotect.HardenProcess()
	if err != nil {
		d.logger.Warn("process hardening failed", "error", err)
		return
	}
	if res.LockErr != nil {
		d.logger.Warn("memory not locked, secrets may reach swap", "error", res.LockErr)
	}
	d.logger.Debug("process hardened", "non_dumpable", res.NonDumpable, "locked", res.Locked)
}

// provider resolves the vault tool and checks that it runs.
func (d *Daemon) provider(ctx context.Context) (backend.Backend, error) {
	be := d.backend
	if be == nil {
		t := d.cfg.Timeouts
		bridge, err := opcli.New(d.cfg.OpPath, opcli.Timeouts{
			Version:    t.Version.D(),
			SignIn:     t.SignIn.D(),
			SignOut:    t.SignOut.D(),
			Validate:   t.Validate.D(),
			GetItem:    t.GetItem.D(),
			ListItems:  t.ListItems.D(),
			ListVaults: t.ListVaults.D(),
		})
		if err != nil {
			return nil, err
		}
		be = bridge
	}

	version, err := be.Version(ctx)
	if err != nil {
		if !errors.Is(err, backend.ErrToolUnavailable) {
			err = fmt.Errorf("%w: %v", backend.ErrToolUnavailable, err)
		}
		return nil, err
	}
	d.logger.Info("vault tool available", "version", version)
	return be, nil
}

// newState builds the session state for the configured mode. In
// service-account mode the token is loaded and validated here; either
// failing is fatal.
func (d *Daemon) newState(ctx context.Context, be backend.Backend) (*session.State, error) {
	schedule := session.Schedule{
		Interval: d.cfg.Expiry.Interval.D(),
		Idle:     d.cfg.Expiry.Idle.D(),
	}
	limiter := rate.NewLimiter(rate.Limit(d.cfg.SignInRate.PerMinute/60), d.cfg.SignInRate.Burst)
	opts := []session.Option{
		session.WithLogger(d.logger),
		session.WithSignInLimiter(limiter),
	}

	if d.cfg.Mode == config.ModeInteractive {
		return session.New(be, session.NewInteractivePolicy(schedule), opts...), nil
	}

	src := d.tokenSource()
	cred, err := src.Load()
	if err != nil {
		return nil, fmt.Errorf("loading service account token from %s: %w", src, err)
	}
	d.logger.Info("service account token loaded", "source", src.String(), "fingerprint", cred.Fingerprint())

	state := session.New(be, session.NewServiceAccountPolicy(schedule), append(opts, session.WithCredential(cred))...)
	if _, err := state.SignIn(ctx, session.SignInArgs{}); err != nil {
		state.Close()
		return nil, fmt.Errorf("validating service account token: %w", err)
	}
	return state, nil
}

func (d *Daemon) tokenSource() tokensource.Source {
	if d.source != nil {
		return d.source
	}
	if d.cfg.TokenSource == config.TokenSourceWincred {
		return tokensource.Wincred{Target: d.cfg.WincredTarget}
	}
	return tokensource.File{Path: d.cfg.TokenFile}
}

// startWatchers launches the optional token file and sleep watchers.
// Their failures are logged; the daemon keeps serving without them.
func (d *Daemon) startWatchers(ctx context.Context, wg *sync.WaitGroup, state *session.State) {
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				d.logger.Warn(name+" stopped", "error", err)
			}
		}()
	}

	if d.cfg.Mode == config.ModeServiceAccount && d.cfg.WatchTokenFile {
		if file, ok := d.tokenSource().(tokensource.File); ok {
			run("token watcher", tokensource.NewWatcher(file, state, d.logger).Run)
		}
	}
	if d.cfg.SignOutOnSleep {
		run("sleep watcher", logind.New(state, d.logger).Run)
	}
}

// shutdown signs out, removes the socket, removes the PID marker, and
// discards the credential. Each step runs even if an earlier one failed.
func (d *Daemon) shutdown(state *session.State, srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	state.SignOut(ctx)
	if err := srv.Remove(); err != nil {
		d.logger.Warn("removing socket", "error", err)
	}
	d.removePIDFile()
	state.Close()
	d.logger.Info("daemon stopped")
}

// writePIDFile writes through a temporary file so readers never see a
// partial PID.
func writePIDFile(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing PID file: %w", err)
	}
	return nil
}

func (d *Daemon) removePIDFile() {
	if err := os.Remove(d.cfg.PIDFile); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("removing PID file", "error", err)
	}
}
