package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/specjet-api/specjet-sub000/pkg/lifecycle"
)

const defaultDebounce = 300 * time.Millisecond

// watchContract runs run once, then again after every burst of writes to
// path, until ctx is done. The directory is watched rather than the file so
// that editors replacing the file atomically are still seen.
func watchContract(ctx context.Context, manager *lifecycle.Manager, path string, debounce time.Duration, logger *slog.Logger, run func(context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if _, err := manager.RegisterCloser(watcher, "watcher"); err != nil {
		_ = watcher.Close()
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	run(ctx)
	logger.InfoContext(ctx, "watching contract", "path", abs)

	trigger := make(chan struct{}, 1)
	var pending lifecycle.Handle
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if pending != 0 {
				_ = manager.Release(ctx, pending)
			}
			pending, err = manager.CreateTimer(debounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
			if err != nil {
				return err
			}
		case <-trigger:
			pending = 0
			logger.InfoContext(ctx, "contract changed, re-running", "path", abs)
			run(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "watch error", "error", err)
		}
	}
}
