// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gdamore/rsvisor"
)

// DefaultSettle is how long a file must be quiet before it is read.
const DefaultSettle = 200 * time.Millisecond

// Watcher follows a services directory and reports each change to a
// service description as a Change.  Editors tend to write a file in
// several steps, so a file is only read once it has been quiet for the
// settle time.
type Watcher struct {
	dir     string
	settle  time.Duration
	logger  *log.Logger
	fsw     *fsnotify.Watcher
	changes chan Change
	known   map[string]*rsvisor.StartConfig // by file
	timers  map[string]*time.Timer
	closeq  chan struct{}
	wg      sync.WaitGroup
	mx      sync.Mutex
}

// NewWatcher starts watching dir.  The descriptions already present
// are taken as known, so they produce no changes; use Known to bring
// them up.
func NewWatcher(dir string, settle time.Duration, logger *log.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		dir:     dir,
		settle:  settle,
		logger:  logger,
		fsw:     fsw,
		changes: make(chan Change, 16),
		known:   make(map[string]*rsvisor.StartConfig),
		timers:  make(map[string]*time.Timer),
		closeq:  make(chan struct{}),
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, e := range ents {
		if e.IsDir() || !IsServiceFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if cfg, err := LoadService(path); err != nil {
			logger.Printf("Ignoring %s: %v", path, err)
		} else {
			w.known[path] = cfg
		}
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Known returns the descriptions currently on file.
func (w *Watcher) Known() []*rsvisor.StartConfig {
	w.mx.Lock()
	defer w.mx.Unlock()
	rv := make([]*rsvisor.StartConfig, 0, len(w.known))
	for _, cfg := range w.known {
		rv = append(rv, cfg.Clone())
	}
	return rv
}

// Changes returns the channel on which changes are delivered.  It is
// closed by Close.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mx.Lock()
	select {
	case <-w.closeq:
		w.mx.Unlock()
		return nil
	default:
	}
	close(w.closeq)
	for f, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, f)
	}
	w.mx.Unlock()
	err := w.fsw.Close()
	w.wg.Wait()
	close(w.changes)
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if IsServiceFile(ev.Name) && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.schedule(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watching %s: %v", w.dir, err)
		case <-w.closeq:
			return
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mx.Lock()
	defer w.mx.Unlock()
	select {
	case <-w.closeq:
		return
	default:
	}
	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(w.settle)
		return
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mx.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mx.Unlock()
		w.settled(path)
	})
	w.timers[path] = t
}

func (w *Watcher) settled(path string) {
	cfg, err := LoadService(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		// Leave the running service alone until the file is fixed.
		w.logger.Printf("Ignoring %s: %v", path, err)
		return
	}

	w.mx.Lock()
	old := w.known[path]
	if cfg == nil {
		delete(w.known, path)
	} else {
		w.known[path] = cfg
	}
	w.mx.Unlock()

	ch := Change{Action: Classify(old, cfg), File: path, Config: cfg}
	switch {
	case ch.Action == ActionNone:
		return
	case cfg != nil && old != nil && cfg.Label != old.Label:
		// A renamed service is a new service.
		w.send(Change{Action: ActionDown, Label: old.Label, File: path})
		ch = Change{Action: ActionUp, Label: cfg.Label, File: path, Config: cfg}
	case cfg != nil:
		ch.Label = cfg.Label
	default:
		ch.Label = old.Label
	}
	w.send(ch)
}

func (w *Watcher) send(ch Change) {
	select {
	case w.changes <- ch:
	case <-w.closeq:
	}
}
