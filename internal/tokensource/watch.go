// SPDX-License-Identifier: Apache-2.0

package tokensource

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/akihiro/opsessiond/internal/credential"
)

// DefaultDebounce is how long the watcher waits after the last change
// before reloading. Editors and provisioning tools often write a file in
// several steps.
const DefaultDebounce = 250 * time.Millisecond

// Replacer accepts a rotated credential. session.State implements it.
type Replacer interface {
	ReplaceCredential(ctx context.Context, cred *credential.Credential) error
}

// Watcher reloads a token file when it changes and hands the new
// credential to a Replacer.
type Watcher struct {
	file     File
	target   Replacer
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for file.
func NewWatcher(file File, target Replacer, logger *slog.Logger) *Watcher {
	return &Watcher{
		file:     file,
		target:   target,
		logger:   logger,
		debounce: DefaultDebounce,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file itself so that replace-by-rename is seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()

	path := filepath.Clean(w.file.Path)
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	w.logger.Info("watching token file", "path", path)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("token watcher error", "error", err)

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

// reload reads the file and replaces the credential. A file that is
// missing or empty keeps the current credential.
func (w *Watcher) reload(ctx context.Context) {
	cred, err := w.file.Load()
	if err != nil {
		w.logger.Warn("token file changed but could not be loaded, keeping current token", "error", err)
		return
	}
	if err := w.target.ReplaceCredential(ctx, cred); err != nil {
		w.logger.Error("rotated token rejected", "error", err)
	}
}
