package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/declarest/declarest/pkg/logger"
)

// envPrefix is the prefix for environment variable overrides. Keys use
// double underscores for nesting, e.g. DECLAREST_SERVER__ADDRESS overrides
// server.address.
const envPrefix = "DECLAREST"

// Loader loads the configuration root and serves the current decoded tree.
// The list of files is fixed at start; the content of each file is
// hot-reloadable.
type Loader struct {
	root  string
	files []string

	mu      sync.RWMutex
	current *Config
	viper   *viper.Viper
}

// NewLoader scans the configuration root for YAML and JSON files and
// performs the initial load. Environment overrides are read once here.
func NewLoader(root string) (*Loader, error) {
	files, err := configFiles(root)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no configuration files found under %s", root)
	}

	l := &Loader{root: root, files: files}
	cfg, v, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	l.viper = v
	return l, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch re-reads the tree whenever one of the discovered files changes.
// A reload that fails validation keeps the previous tree in place.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	for _, f := range l.files {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", f, err)
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, v, err := l.load()
				if err != nil {
					logger.Errorw("config reload failed, keeping previous configuration",
						"file", event.Name, "error", err)
					continue
				}
				l.mu.Lock()
				l.current = cfg
				l.viper = v
				l.mu.Unlock()
				logger.Infow("configuration reloaded", "file", event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Errorw("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (l *Loader) load() (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	for i, f := range l.files {
		v.SetConfigFile(f)
		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, v, nil
}

// configFiles returns the sorted list of configuration files under root.
// Sorting keeps the merge order deterministic across hosts.
func configFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan configuration root: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
