package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// reloadInterval is how often the loader re-reads the config file. Readers
// always see a consistent snapshot; partial updates are impossible because
// the pointer swap is atomic.
const reloadInterval = 60 * time.Second

// Loader publishes immutable config snapshots and hot-reloads them from disk.
type Loader struct {
	path    string
	current atomic.Pointer[Config]
	logger  *logrus.Logger
}

// NewLoader loads the initial snapshot and returns a loader for it.
func NewLoader(path string, logger *logrus.Logger) (*Loader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	l := &Loader{path: path, logger: logger}
	l.current.Store(cfg)
	return l, nil
}

// Snapshot returns the current immutable configuration. Callers must not
// mutate the returned value.
func (l *Loader) Snapshot() *Config {
	return l.current.Load()
}

// Watch re-reads the config file every minute until ctx is cancelled. A file
// that fails to parse keeps the previous snapshot in place.
func (l *Loader) Watch(ctx context.Context) {
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := Load(l.path)
			if err != nil {
				l.logger.WithError(err).Warn("config reload failed, keeping previous snapshot")
				continue
			}
			l.current.Store(cfg)
			l.logger.Debug("config snapshot reloaded")
		}
	}
}
