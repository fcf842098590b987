// SPDX-License-Identifier: Apache-2.0

// Package secret holds credential bytes outside the reach of swap and core
// dumps where the platform allows it, and zeroes them on Close.
//
// On Linux the backing memory is an anonymous mmap region that is mlock'd and
// marked MADV_DONTDUMP. Elsewhere it is an ordinary heap slice that is still
// zeroed on Close.
package secret

import (
	"errors"
	"sync"
)

// ErrEmpty is returned when a buffer would hold no bytes.
var ErrEmpty = errors.New("secret: empty source")

// Buffer holds sensitive bytes. It must not be copied after creation.
// Reading from a closed Buffer panics. Close is idempotent.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewFromBytes copies source into a new Buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, ErrEmpty
	}
	data, err := allocate(len(source))
	if err != nil {
		return nil, err
	}
	copy(data, source)
	Zero(source)
	return &Buffer{data: data}, nil
}

// NewFromString copies s into a new Buffer. The string itself cannot be
// wiped, so callers should prefer NewFromBytes.
func NewFromString(s string) (*Buffer, error) {
	return NewFromBytes([]byte(s))
}

// Bytes returns the secret. The slice aliases the protected region and must
// not outlive the Buffer.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// String returns a heap copy of the secret, for API boundaries that need a
// string (environment variables, process stdin).
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the number of secret bytes, or 0 once closed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	return len(b.data)
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close zeroes and releases the buffer.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)
	err := release(b.data)
	b.data = nil
	return err
}

// Zero overwrites data with zero bytes.
func Zero(data []byte) {
	clear(data)
}
