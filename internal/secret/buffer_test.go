// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("ops_token")
	buffer, err := NewFromBytes(source)
	require.NoError(t, err)
	defer buffer.Close()

	assert.Equal(t, "ops_token", buffer.String())
	assert.Equal(t, 9, buffer.Len())
	assert.Equal(t, make([]byte, 9), source, "source should be zeroed")
}

func TestNewFromBytesRejectsEmpty(t *testing.T) {
	_, err := NewFromBytes(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromString("value")
	require.NoError(t, err)

	require.NoError(t, buffer.Close())
	require.NoError(t, buffer.Close())
	assert.True(t, buffer.Closed())
	assert.Zero(t, buffer.Len())
	assert.Panics(t, func() { buffer.Bytes() })
}
