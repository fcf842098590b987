// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor periodically asks the state to expire an idle session. It never
// terminates the process; its only effect is on the session state.
type Monitor struct {
	state    *State
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor using the state's policy schedule.
func NewMonitor(state *State, logger *slog.Logger) *Monitor {
	return &Monitor{
		state:    state,
		interval: state.Schedule().Interval,
		logger:   logger,
	}
}

// Start launches the monitor goroutine. It runs until ctx is cancelled or
// Stop is called. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.logger.Info("expiry monitor started",
		"interval", m.interval,
		"idle", m.state.Schedule().Idle,
	)
}

// Stop cancels the monitor and waits for its goroutine to exit, including
// any tick in progress.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.state.expireIfStale(ctx) {
				m.logger.Info("idle session invalidated by monitor")
			}
		}
	}
}
