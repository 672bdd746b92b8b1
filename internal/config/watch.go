package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Watcher holds the current configuration and reloads it when the file
// changes on disk.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *Config
}

// NewWatcher creates a watcher for path. It does not load anything yet.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	return &Watcher{path: abs, logger: logger}, nil
}

// Load reads the file and makes the result current.
func (w *Watcher) Load() (*Config, error) {
	cfg, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch blocks until ctx is done, calling onChange with each successfully
// reloaded configuration. A reload that fails to parse or validate is logged
// and the previous configuration stays current. The parent directory is
// watched so editors that replace the file by rename are picked up.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info("watching config file for changes", slog.String("path", w.path))

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("config watch stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			w.logger.Info("config file changed, reloading", slog.String("path", event.Name))
			cfg, err := w.Load()
			if err != nil {
				w.logger.Error("failed to reload config",
					slog.String("error", err.Error()),
					slog.String("path", w.path))
				continue
			}
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

// LoadOverrides reads a YAML map of canonical model id to provider tag. An
// empty path yields an empty map.
func LoadOverrides(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model overrides: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse model overrides: %w", err)
	}
	out := make(map[string]string, len(raw))
	for model, provider := range raw {
		out[strings.ToLower(strings.TrimSpace(model))] = strings.ToLower(strings.TrimSpace(provider))
	}
	return out, nil
}
