package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/l0p7/aidispatch/internal/runtime/registry"
)

const watchDebounce = 25 * time.Millisecond

// ProvidersWatcher monitors the providers file and invokes the supplied
// callback whenever it changes. Stop must be called to release filesystem
// resources.
type ProvidersWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ProvidersWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchProviders loads path once, hands the updates to onChange, then reloads
// on every write, create or rename of the file. Bursts of events collapse into
// a single reload.
func WatchProviders(ctx context.Context, path string, onChange func([]registry.Update), onError func(error)) (*ProvidersWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch providers requires a change callback")
	}
	if path == "" {
		return nil, errors.New("config: no providers file configured for watching")
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve providers file: %w", err)
	}
	target := filepath.Clean(resolved)

	updates, err := LoadProviderUpdates(target)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch providers: %w", err)
	}
	// Editors replace files by rename, so the directory is watched rather than the file.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}
	onChange(updates)

	done := make(chan struct{})
	watch := &ProvidersWatcher{cancel: cancel, done: done}
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch providers close: %w", err))
			}
		}()

		reload := func() {
			updates, err := LoadProviderUpdates(target)
			if err != nil {
				report(err)
				return
			}
			onChange(updates)
		}

		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(watchDebounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(watchDebounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&fsnotify.Remove != 0 {
					report(fmt.Errorf("config: providers file %s removed", target))
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return watch, nil
}
