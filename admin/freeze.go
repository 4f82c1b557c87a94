package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/internal/logging"
)

type Freezer interface {
	SetFrozen(on bool, source string)
}

// FreezeWatcher freezes new entries while a marker file exists. Touching
// the file freezes; removing it unfreezes.
type FreezeWatcher struct {
	path string
	f    Freezer
	log  zerolog.Logger
}

func NewFreezeWatcher(path string, f Freezer, log zerolog.Logger) *FreezeWatcher {
	return &FreezeWatcher{path: filepath.Clean(path), f: f, log: logging.Component(log, "freeze")}
}

// Run applies the file's current state, then follows changes until ctx is
// done. The parent directory is watched so the file may come and go.
func (fw *FreezeWatcher) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(fw.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	fw.sync()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				fw.sync()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fw.log.Warn().Err(err).Msg("freeze watcher error")
		}
	}
}

func (fw *FreezeWatcher) sync() {
	_, err := os.Stat(fw.path)
	switch {
	case err == nil:
		fw.f.SetFrozen(true, "freeze file "+fw.path)
	case errors.Is(err, os.ErrNotExist):
		fw.f.SetFrozen(false, "freeze file "+fw.path)
	default:
		fw.log.Warn().Err(err).Msg("cannot stat freeze file")
	}
}
