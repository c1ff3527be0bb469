// Package token loads the service bearer token from a mounted secret file
// and keeps it fresh when the file is rotated in place.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// Source holds the current bearer token and reloads it when the secret file
// changes. The zero value is unusable; construct with Open.
type Source struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	token string
}

// Open reads the token file at path. The file must exist and be non-empty.
func Open(path string) (*Source, error) {
	s := &Source{path: path, logger: slog.With("component", "token")}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Token returns the most recently loaded token.
func (s *Source) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Source) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading auth token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("auth token file %s is empty", s.path)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// Watch watches the token file's directory and reloads the token after
// changes settle. Mounted secrets are replaced via rename, so the watch is
// on the directory rather than the file itself. Blocks until the context is
// cancelled.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	s.logger.Debug("watching auth token for rotation", "path", s.path)

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("token file event", "file", event.Name, "op", event.Op)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				if err := s.reload(); err != nil {
					s.logger.Error("token reload failed, keeping previous token", "error", err)
					return
				}
				s.logger.Info("auth token reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("token watcher error", "error", err)
		}
	}
}
