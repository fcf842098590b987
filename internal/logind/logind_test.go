// SPDX-License-Identifier: Apache-2.0

package logind

import (
	"context"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

type countingSignOuter struct{ calls int }

func (c *countingSignOuter) SignOut(context.Context) { c.calls++ }

func TestHandle(t *testing.T) {
	tests := []struct {
		name string
		sig  *dbus.Signal
		want bool
	}{
		{"sleep", &dbus.Signal{Name: sleepSignal, Body: []any{true}}, true},
		{"resume", &dbus.Signal{Name: sleepSignal, Body: []any{false}}, false},
		{"other signal", &dbus.Signal{Name: managerIface + ".PrepareForShutdown", Body: []any{true}}, false},
		{"bad body", &dbus.Signal{Name: sleepSignal, Body: []any{"yes"}}, false},
		{"empty body", &dbus.Signal{Name: sleepSignal}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &countingSignOuter{}
			w := New(target, slog.New(slog.DiscardHandler))

			assert.Equal(t, tt.want, w.handle(context.Background(), tt.sig))
			if tt.want {
				assert.Equal(t, 1, target.calls)
			} else {
				assert.Zero(t, target.calls)
			}
		})
	}
}
