package correlation

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of file events (editors typically write a
// rule file several times in quick succession) into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watch hot-reloads the rule set when files in the external rule directory
// change. It returns immediately, watching in a background goroutine until
// ctx is cancelled. Failure to establish the watch degrades gracefully: the
// rules loaded so far keep serving and the error is only logged.
func (l *Loader) Watch(ctx context.Context) {
	if l.dir == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("rule hot-reload disabled", slog.String("error", err.Error()))

		return
	}

	if err := watcher.Add(l.dir); err != nil {
		l.logger.Warn("rule hot-reload disabled",
			slog.String("dir", l.dir), slog.String("error", err.Error()))
		_ = watcher.Close()

		return
	}

	l.logger.Info("watching rule directory", slog.String("dir", l.dir))

	go l.watchLoop(ctx, watcher)
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		_ = watcher.Close()
	}()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}

			if !isRuleFile(filepath.Base(ev.Name)) {
				continue
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerCh = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			l.logger.Warn("rule watcher error", slog.String("error", err.Error()))
		case <-timerCh:
			timerCh = nil
			timer = nil

			if err := l.Load(); err != nil {
				l.logger.Error("rule reload failed", slog.String("error", err.Error()))
			}
		}
	}
}
