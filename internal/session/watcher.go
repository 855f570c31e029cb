package session

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// CredentialEvent says what happened to the persisted credential file from
// outside this process.
type CredentialEvent int

const (
	// CredentialChanged: another process wrote a credential (logged in or
	// rotated the token).
	CredentialChanged CredentialEvent = iota
	// CredentialRemoved: another process cleared the credential (logged out).
	CredentialRemoved
)

// CredentialWatcher watches the sealed credential file so multiple shells on
// one machine stay in step: a logout in one process is observed by the
// others. Events are delivered on the watcher's own goroutine.
type CredentialWatcher struct {
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

func NewCredentialWatcher(store *FileCredentialStore, logger zerolog.Logger) (*CredentialWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: the credential file is replaced by rename and may
	// not exist yet.
	if err := watcher.Add(filepath.Dir(store.Path())); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &CredentialWatcher{
		path:    store.Path(),
		logger:  logger,
		watcher: watcher,
	}, nil
}

// Run delivers credential events until the context is cancelled.
func (w *CredentialWatcher) Run(ctx context.Context, handle func(CredentialEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Remove):
				w.logger.Info().Msg("credential file removed by another process")
				handle(CredentialRemoved)
			case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
				w.logger.Info().Msg("credential file changed by another process")
				handle(CredentialChanged)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("credential watcher error")
		}
	}
}

func (w *CredentialWatcher) Close() error {
	return w.watcher.Close()
}
