// SPDX-License-Identifier: Apache-2.0

// Package logind signs the session out when systemd-logind announces that
// the machine is about to sleep.
package logind

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	managerPath  = dbus.ObjectPath("/org/freedesktop/login1")
	managerIface = "org.freedesktop.login1.Manager"
	sleepMember  = "PrepareForSleep"
	sleepSignal  = managerIface + "." + sleepMember
)

// SignOuter is the part of the session state the watcher needs.
type SignOuter interface {
	SignOut(ctx context.Context)
}

// Watcher listens for PrepareForSleep on the system bus.
type Watcher struct {
	target SignOuter
	logger *slog.Logger
}

// New creates a Watcher that signs target out before sleep.
func New(target SignOuter, logger *slog.Logger) *Watcher {
	return &Watcher{target: target, logger: logger}
}

// Run connects to the system bus and handles signals until ctx is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			w.logger.Debug("close system bus", "error", err)
		}
	}()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(managerPath),
		dbus.WithMatchInterface(managerIface),
		dbus.WithMatchMember(sleepMember),
	); err != nil {
		return fmt.Errorf("subscribe to %s: %w", sleepSignal, err)
	}

	ch := make(chan *dbus.Signal, 4)
	conn.Signal(ch)
	defer conn.RemoveSignal(ch)
	w.logger.Info("watching for system sleep")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return nil
			}
			w.handle(ctx, sig)
		}
	}
}

// handle signs out on PrepareForSleep(true). Resume, PrepareForSleep(false),
// is ignored: the client signs in again when it needs to.
func (w *Watcher) handle(ctx context.Context, sig *dbus.Signal) bool {
	if sig == nil || sig.Name != sleepSignal || len(sig.Body) != 1 {
		return false
	}
	start, ok := sig.Body[0].(bool)
	if !ok || !start {
		return false
	}
	w.logger.Info("system going to sleep, signing out")
	w.target.SignOut(ctx)
	return true
}
