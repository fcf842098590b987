// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package tokensource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWincredUnsupported(t *testing.T) {
	w := Wincred{Target: "opsessiond/service-account-token"}
	assert.Equal(t, "wincred opsessiond/service-account-token", w.String())

	_, err := w.Load()
	assert.ErrorIs(t, err, ErrUnsupported)
}
