package sandbox

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/srtbox/srt/internal/config"
)

// ConfigWatcher tails a settings file for changes and reloads the policy
// through the same path as an "update" control-FD message, so file edits
// and control-FD updates converge on one code path (Manager.UpdatePolicy).
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	manager *Manager
	path    string
	reload  func(path string) (*config.Config, error)
	debug   bool
	done    chan struct{}
}

// NewConfigWatcher watches path (a settings file) and reloads it via reload
// whenever it changes, pushing the result into manager.UpdatePolicy.
func NewConfigWatcher(path string, manager *Manager, reload func(string) (*config.Config, error), debug bool) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// fsnotify watches directories more reliably than bare files across
	// editors that write via rename-into-place; watch the parent dir and
	// filter events by path.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &ConfigWatcher{
		watcher: w,
		manager: manager,
		path:    path,
		reload:  reload,
		debug:   debug,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching in the background until Stop is called.
func (c *ConfigWatcher) Start() {
	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-c.done:
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-c.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != c.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, c.applyChange)
			case _, ok := <-c.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (c *ConfigWatcher) applyChange() {
	cfg, err := c.reload(c.path)
	if err != nil {
		c.manager.logDebug("config watcher: reload failed: %v", err)
		return
	}
	if err := c.manager.UpdatePolicy(cfg); err != nil {
		c.manager.logDebug("config watcher: policy update rejected: %v", err)
	}
}

// Stop stops watching and releases the underlying inotify/kqueue handle.
func (c *ConfigWatcher) Stop() {
	close(c.done)
	c.watcher.Close()
}
