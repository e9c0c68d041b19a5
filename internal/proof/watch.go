package proof

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

const defaultReloadDebounce = 250 * time.Millisecond

type RulesWatcherOptions struct {
	Path    string
	Manager *RulesManager
	Logger  log.Logger

	// Debounce collapses the burst of events an editor save produces
	Debounce time.Duration

	// OnReload is called after every reload attempt, err is nil on success
	OnReload func(err error)
}

// RulesWatcher reloads the rules file into a RulesManager when it changes.
// A file that fails to parse or validate is logged and the active rules stay.
type RulesWatcher struct {
	path     string
	manager  *RulesManager
	logger   log.Logger
	debounce time.Duration
	onReload func(error)

	watcher *fsnotify.Watcher
}

func NewRulesWatcher(opts RulesWatcherOptions) (*RulesWatcher, error) {
	if opts.Path == "" || opts.Manager == nil {
		return nil, xerrors.New("rules watcher requires a path and a manager")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultReloadDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Wrap(err, "create fsnotify watcher")
	}
	// watch the directory, editors and config management replace the file by rename
	if err := w.Add(filepath.Dir(opts.Path)); err != nil {
		_ = w.Close()
		return nil, xerrors.Wrapf(err, "watch %s", filepath.Dir(opts.Path))
	}

	return &RulesWatcher{
		path:     filepath.Clean(opts.Path),
		manager:  opts.Manager,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		onReload: opts.OnReload,
		watcher:  w,
	}, nil
}

// Run blocks until ctx is done, then closes the underlying watcher
func (rw *RulesWatcher) Run(ctx context.Context) error {
	defer rw.watcher.Close()
	rw.logger.Info(ctx, "proof rules watcher starting", "path", rw.path)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info(ctx, "proof rules watcher stopping", "reason", ctx.Err())
			return ctx.Err()

		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != rw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(rw.debounce)

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return nil
			}
			rw.logger.Warn(ctx, "proof rules watcher error", "err", err)

		case <-timer.C:
			rw.reload(ctx)
		}
	}
}

func (rw *RulesWatcher) reload(ctx context.Context) {
	r, err := LoadRules(rw.path)
	if err != nil {
		rw.logger.Error(ctx, err, "proof rules reload failed, keeping active rules", "path", rw.path)
	} else {
		rw.manager.Set(r)
		rw.logger.Info(ctx, "proof rules reloaded",
			"path", rw.path,
			"vocabulary", len(r.Vocabulary),
			"min_keywords", r.MinKeywords,
		)
	}
	if rw.onReload != nil {
		rw.onReload(err)
	}
}
