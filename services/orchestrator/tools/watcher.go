// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

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

	"github.com/AleutianAI/AleutianQuery/pkg/validation"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

// Watcher loads dataset files dropped into a directory.
//
// # Description
//
// Created or written .csv and .xlsx files are (re)loaded under their base
// name after a debounce window, so a file copied in several writes loads
// once. Metadata for a name, when configured, is applied to the load.
// Existing files are loaded by Start.
//
// # Thread Safety
//
// Start and Stop are safe to call from any goroutine. Stop is idempotent.
type Watcher struct {
	catalog  *Catalog
	dir      string
	specs    map[string]datatypes.DatasetSpec
	debounce time.Duration
	logger   *slog.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// onLoad is called after each load attempt. Tests use it.
	onLoad func(name string, err error)
}

// NewWatcher creates a Watcher over dir.
//
// # Inputs
//
//   - catalog: Catalog to load into.
//   - dir: Directory to watch. Must exist.
//   - specs: Metadata keyed by dataset name. May be nil.
//   - debounce: Quiet period before loading. Default: 500ms.
//   - logger: Logger. Nil uses slog.Default().
func NewWatcher(catalog *Catalog, dir string, specs map[string]datatypes.DatasetSpec, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch dir %q is not a directory", dir)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		catalog:  catalog,
		dir:      dir,
		specs:    specs,
		debounce: debounce,
		logger:   logger,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start loads existing files and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read watch dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.load(ctx, filepath.Join(w.dir, e.Name()))
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	changes := make(chan string, 64)
	w.wg.Add(2)
	go w.processEvents(ctx, changes)
	go w.debounceLoop(ctx, changes)
	return nil
}

// Stop stops watching and waits for the loops to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *Watcher) processEvents(ctx context.Context, changes chan<- string) {
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
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, ok := FormatFromPath(event.Name); !ok {
				continue
			}
			select {
			case changes <- event.Name:
			default:
				w.logger.Warn("dataset change dropped, buffer full", slog.String("path", event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("dataset watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context, changes <-chan string) {
	defer w.wg.Done()
	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for path := range pending {
			w.load(ctx, path)
		}
		clear(pending)
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-changes:
			pending[path] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			flush()
		}
	}
}

func (w *Watcher) load(ctx context.Context, path string) {
	if _, ok := FormatFromPath(path); !ok {
		return
	}
	name := DatasetName(path)
	spec, ok := w.specs[name]
	if !ok {
		spec = datatypes.DatasetSpec{Name: name}
	}
	spec.Name = name
	spec.Path = path

	_, err := w.catalog.LoadFile(ctx, spec)
	if err != nil {
		w.logger.Warn("dataset load failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
	if w.onLoad != nil {
		w.onLoad(name, err)
	}
}

// DatasetName derives a dataset name from a file path.
func DatasetName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name := validation.NormalizeColumn(base)
	if name == "" {
		name = "dataset"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
