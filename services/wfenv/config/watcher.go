// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SchemaChangeHandler receives the schema files changed during one
// debounce window, sorted and without duplicates.
type SchemaChangeHandler func(paths []string)

// Watcher watches a schema directory and reports changed schema files.
//
// Description:
//
//	Events for non-schema files are ignored. Events are collected until the
//	debounce window passes without a new one, then the handler is called
//	once with every path touched in the window. Removals are reported too,
//	so the handler can reload the whole directory.
//
// Thread Safety: Safe for concurrent use. The handler runs on a single
// goroutine.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	handler  SchemaChangeHandler
	debounce time.Duration
	logger   *slog.Logger

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	watching bool
}

// NewWatcher creates a watcher for dir. A non-positive debounce uses 250ms.
func NewWatcher(dir string, debounce time.Duration, handler SchemaChangeHandler, logger *slog.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil schema change handler", ErrInvalidConfig)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:      dir,
		watcher:  fw,
		handler:  handler,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "schema_watcher"), slog.String("dir", dir)),
		changes:  make(chan string, 256),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the directory is registered;
// events are processed until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watching = true

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	w.logger.Info("watching schema directory")
	return nil
}

// Stop ends watching and waits for the event goroutines. A pending batch
// is delivered before Stop returns.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsSchemaFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				w.logger.Warn("schema change buffer full; dropping event", slog.String("path", event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("schema watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		clear(pending)
		w.logger.Debug("schema files changed", slog.Int("count", len(paths)))
		w.handler(paths)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case path := <-w.changes:
			pending[path] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}
