package configsync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"
)

// Watcher polls the options file and fires when its size or mtime moves.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
}

func NewWatcher(path string, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{path: path, interval: interval, logger: logger}
}

type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

func (w *Watcher) stamp() (fileStamp, error) {
	info, err := os.Stat(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return fileStamp{}, nil
	}
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{exists: true, size: info.Size(), modTime: info.ModTime()}, nil
}

func (w *Watcher) Run(ctx context.Context, onConfigUpdated func()) {
	last, err := w.stamp()
	if err != nil {
		w.logger.Warn("options file stat failed", "path", w.path, "err", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, err := w.stamp()
		if err != nil {
			w.logger.Warn("options file stat failed", "path", w.path, "err", err)
			continue
		}
		if current == last {
			continue
		}
		last = current
		w.logger.Debug("options file changed", "path", w.path, "exists", current.exists)
		onConfigUpdated()
	}
}
