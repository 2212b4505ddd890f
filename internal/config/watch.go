package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the config file on change and hands validated snapshots
// to the registered callback. Invalid edits are logged and skipped; the
// last good config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)

	mu   sync.Mutex
	cur  Config
	done chan struct{}
}

// Watch starts watching path. initial is the already-loaded config; onLoad
// fires for each subsequent valid reload.
func Watch(path string, initial Config, onLoad func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		onLoad:  onLoad,
		cur:     initial,
		done:    make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Current returns the last good config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

func (w *Watcher) Close() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	// Editors fire bursts of events per save; debounce before reloading.
	var pending *time.Timer
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watch error")
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config reload skipped")
		return
	}
	w.mu.Lock()
	changed := !equalConfig(cfg, w.cur)
	w.cur = cfg
	w.mu.Unlock()
	if !changed {
		return
	}
	log.Info().Str("path", w.path).Msg("config reloaded")
	if w.onLoad != nil {
		w.onLoad(cfg)
	}
}

func equalConfig(a, b Config) bool {
	if a.Identity != b.Identity || a.Store != b.Store || a.Call != b.Call ||
		a.Media != b.Media || a.Status != b.Status {
		return false
	}
	return equalServers(a.ICE.Servers, b.ICE.Servers)
}

func equalServers(a, b []ICEServer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Username != b[i].Username || a[i].Credential != b[i].Credential {
			return false
		}
		if len(a[i].URLs) != len(b[i].URLs) {
			return false
		}
		for j := range a[i].URLs {
			if a[i].URLs[j] != b[i].URLs[j] {
				return false
			}
		}
	}
	return true
}
