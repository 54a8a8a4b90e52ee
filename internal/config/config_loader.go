package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of environment overrides, e.g. VPNCONSOLE_API_BASE_URL
const EnvPrefix = "VPNCONSOLE"

// reloadDebounce collapses the burst of events an editor save or an atomic rename produces.
const reloadDebounce = 100 * time.Millisecond

// Loader owns one configuration file: it loads it, rewrites it atomically and
// reloads it when another process edits it.
type Loader struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	current  *Config
	ownWrite bool
	onChange func(*Config) error
	watcher  *fsnotify.Watcher

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLoader returns a loader for the file at path. Nothing is read until Load.
func NewLoader(path string, logger *zap.Logger) (*Loader, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		path:   filepath.Clean(path),
		logger: logger,
		stop:   make(chan struct{}),
	}, nil
}

// Load reads the file (defaults when it does not exist) and makes it the current config.
func (l *Loader) Load() (*Config, error) {
	cfg, err := LoadFromFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// GetConfig returns the current configuration.
func (l *Loader) GetConfig() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// UpdateConfigAtomic applies fn to a copy of the current config, validates the
// result and replaces the file with it. The watcher ignores the resulting event.
func (l *Loader) UpdateConfigAtomic(fn func(*Config) (*Config, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.current
	if base == nil {
		base = DefaultConfig()
	}
	draft, err := cloneConfig(base)
	if err != nil {
		return err
	}
	next, err := fn(draft)
	if err != nil {
		return fmt.Errorf("update function failed: %w", err)
	}
	if next == nil {
		return errors.New("update function returned no config")
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	l.ownWrite = true
	if err := writeAtomic(next, l.path); err != nil {
		l.ownWrite = false
		return err
	}
	l.current = next
	l.logger.Info("Configuration updated", zap.String("path", l.path))
	return nil
}

// ShouldSkipReload reports whether the pending file change came from this loader,
// clearing the mark.
func (l *Loader) ShouldSkipReload() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	skip := l.ownWrite
	l.ownWrite = false
	return skip
}

// StartWatching reloads the file whenever it changes on disk and hands the new
// config to onChange. If onChange fails the previous config stays current.
// The parent directory is watched so that replace-by-rename saves are seen.
func (l *Loader) StartWatching(onChange func(*Config) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(l.path), err)
	}

	l.mu.Lock()
	select {
	case <-l.stop:
		l.mu.Unlock()
		w.Close()
		return errors.New("config loader stopped")
	default:
	}
	if l.watcher != nil {
		l.mu.Unlock()
		w.Close()
		return errors.New("config watcher already running")
	}
	l.watcher = w
	l.onChange = onChange
	l.mu.Unlock()

	go l.watch(w)
	l.logger.Info("Watching configuration file", zap.String("path", l.path))
	return nil
}

func (l *Loader) watch(w *fsnotify.Watcher) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != l.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			l.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Config watcher error", zap.Error(err))
		case <-l.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (l *Loader) reload() {
	if l.ShouldSkipReload() {
		l.logger.Debug("Ignoring own configuration write")
		return
	}

	cfg, err := LoadFromFile(l.path)
	if err != nil {
		l.logger.Error("Configuration reload failed", zap.String("path", l.path), zap.Error(err))
		return
	}

	l.mu.Lock()
	prev := l.current
	l.current = cfg
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			l.logger.Error("Configuration change rejected, keeping previous", zap.Error(err))
			l.mu.Lock()
			if l.current == cfg {
				l.current = prev
			}
			l.mu.Unlock()
			return
		}
	}
	l.logger.Info("Configuration reloaded", zap.String("path", l.path))
}

// Stop ends watching. It is safe to call more than once and without StartWatching.
func (l *Loader) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stop)
		l.mu.Lock()
		w := l.watcher
		l.mu.Unlock()
		if w != nil {
			err = w.Close()
		}
	})
	return err
}

// LoadFromFile reads a JSON or YAML configuration file, applies VPNCONSOLE_* environment
// overrides and defaults, and validates the result. A missing file yields defaults.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		switch _, err := os.Stat(path); {
		case err == nil:
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path, replacing any existing file in one rename.
func SaveConfig(cfg *Config, path string) error {
	return writeAtomic(cfg, path)
}

// newViper returns a viper instance seeded with every default key so that environment
// overrides apply even to keys absent from the file.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := map[string]interface{}{}
	data, _ := json.Marshal(DefaultConfig())
	_ = json.Unmarshal(data, &defaults)
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// omitempty fields are missing from the marshaled defaults
	for _, key := range []string{"session_token", "timezone", "metrics_listen", "logging.log_dir"} {
		v.SetDefault(key, "")
	}
	return v
}

// durationDecodeHook converts "15s"-style strings into Duration values.
func durationDecodeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(Duration(0)) {
		return data, nil
	}
	raw, _ := data.(string)
	if raw == "" {
		return Duration(0), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid duration format: %w", err)
	}
	return Duration(d), nil
}

func cloneConfig(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy config: %w", err)
	}
	return &out, nil
}

// writeAtomic writes cfg as indented JSON next to path and renames it into place.
// The file holds the session token, so it is owner-only.
func writeAtomic(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
