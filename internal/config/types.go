// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Duration is a time.Duration written as a string such as "30s" or "5m".
type Duration time.Duration

// Seconds returns n seconds as a Duration.
func Seconds(n int) Duration { return Duration(time.Duration(n) * time.Second) }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// FileMode is a permission mode written as an octal string such as "0660".
type FileMode os.FileMode

// Perm returns the value as an os.FileMode.
func (m FileMode) Perm() os.FileMode { return os.FileMode(m) }

func (m FileMode) String() string { return fmt.Sprintf("%#o", uint32(m)) }

func (m FileMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *FileMode) UnmarshalText(text []byte) error {
	parsed, err := strconv.ParseUint(string(text), 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: want an octal string such as \"0660\"", text)
	}
	*m = FileMode(parsed)
	return nil
}
