package config

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// RulesHolder provides thread-safe access to the rules file with reload on
// file change or SIGHUP. Callers snapshot via Get once per job invocation so
// a reload never changes thresholds or whitelists mid-run.
type RulesHolder struct {
	mu      sync.RWMutex
	rules   *RulesFile
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewRulesHolder loads the initial rules file.
func NewRulesHolder(path string, logger zerolog.Logger) (*RulesHolder, error) {
	rf, err := LoadRules(path)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	return &RulesHolder{
		rules:  rf,
		path:   absPath,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Get returns the current rules snapshot.
func (h *RulesHolder) Get() *RulesFile {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rules
}

// Reload re-reads the rules file from disk, keeping the old snapshot on error.
func (h *RulesHolder) Reload() error {
	newRules, err := LoadRules(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("rules reload failed, keeping old rules")
		return err
	}

	h.mu.Lock()
	h.rules = newRules
	h.mu.Unlock()

	h.logger.Info().Str("path", h.path).Msg("rules reloaded")
	return nil
}

// WatchFile starts watching the rules file directory for changes. Watching
// the directory instead of the file survives atomic editor saves.
func (h *RulesHolder) WatchFile() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	h.watcher = watcher

	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return err
	}

	go h.watchLoop()

	h.logger.Info().Str("path", h.path).Msg("watching rules file for changes")
	return nil
}

func (h *RulesHolder) watchLoop() {
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Name != h.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.Reload()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Msg("rules file watcher error")
		case <-h.stopCh:
			return
		}
	}
}

// WatchSignals reloads the rules file on SIGHUP.
func (h *RulesHolder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("received SIGHUP, reloading rules")
				h.Reload()
			case <-h.stopCh:
				signal.Stop(sigCh)
				return
			}
		}
	}()
}

// Stop shuts down the watcher goroutines.
func (h *RulesHolder) Stop() {
	close(h.stopCh)
	if h.watcher != nil {
		h.watcher.Close()
	}
}
