package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// registryFile is the on-disk shape of mcpServers.json.
type registryFile struct {
	DefaultLabel string          `json:"default_label,omitempty"`
	Servers      []*ServerConfig `json:"servers"`
}

// Registry holds the configured MCP servers keyed by label and reloads the
// backing file when it changes on disk.
type Registry struct {
	path   string
	logger *slog.Logger

	mu           sync.RWMutex
	defaultLabel string
	servers      map[string]*ServerConfig

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadRegistry reads and validates a mcpServers.json file.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:   path,
		logger: slog.Default().With("component", "mcp_registry"),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read registry %s: %w", r.path, err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse registry %s: %w", r.path, err)
	}

	servers := make(map[string]*ServerConfig, len(file.Servers))
	for _, cfg := range file.Servers {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("registry %s: %w", r.path, err)
		}
		if _, exists := servers[cfg.Label]; exists {
			return fmt.Errorf("registry %s: duplicate label %q", r.path, cfg.Label)
		}
		servers[cfg.Label] = cfg
	}
	if file.DefaultLabel != "" {
		if _, ok := servers[file.DefaultLabel]; !ok {
			return fmt.Errorf("registry %s: default_label %q not among servers", r.path, file.DefaultLabel)
		}
	}

	r.mu.Lock()
	r.defaultLabel = file.DefaultLabel
	r.servers = servers
	r.mu.Unlock()

	r.logger.Info("loaded server registry", "servers", len(servers), "default", file.DefaultLabel)
	return nil
}

// Lookup resolves a server by label. An empty label falls back to the
// default label, or to the sole configured server; with several servers
// and no default, callers must name one.
func (r *Registry) Lookup(label string) (*ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if label == "" {
		label = r.defaultLabel
	}
	if label == "" {
		if len(r.servers) == 1 {
			for _, cfg := range r.servers {
				return cfg, nil
			}
		}
		return nil, fmt.Errorf("multiple servers configured, a server_label is required")
	}

	cfg, ok := r.servers[label]
	if !ok {
		return nil, fmt.Errorf("unknown server label %q", label)
	}
	return cfg, nil
}

// Labels returns the configured labels, sorted.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	labels := make([]string, 0, len(r.servers))
	for label := range r.servers {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Len returns the number of configured servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Watch starts reloading the registry whenever the file changes. A reload
// failure keeps the previous state.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.logger.Warn("registry reload failed, keeping previous state", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("registry watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() error {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.watcher != nil {
		err := r.watcher.Close()
		r.watcher = nil
		return err
	}
	return nil
}
