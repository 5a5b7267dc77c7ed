package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"gopkg.in/yaml.v3"

	"github.com/adalundhe/easel/core/storage"
)

type Manager struct {
	configPtr unsafe.Pointer
	dirs      *storage.Dirs
	watchers  []func(*Config)
	watcherMu sync.RWMutex
}

type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Lock     LockConfig     `yaml:"lock"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

type StorageConfig struct {
	BlobDir    string `yaml:"blob_dir"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LockConfig struct {
	Dir          string        `yaml:"dir"`
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type CacheConfig struct {
	MaxCost int64         `yaml:"max_cost"`
	TTL     time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func NewManager(dirs *storage.Dirs) *Manager {
	m := &Manager{dirs: dirs}
	cfg := DefaultConfig(dirs)
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

func DefaultConfig(dirs *storage.Dirs) *Config {
	return &Config{
		Storage: StorageConfig{
			BlobDir:    dirs.BlobDir(),
			SyncWrites: true,
		},
		Database: DatabaseConfig{
			Path: dirs.MetadataPath(),
		},
		Lock: LockConfig{
			Dir:          dirs.LockDir(),
			MaxRetries:   3,
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
		},
		Cache: CacheConfig{
			MaxCost: 100 << 20,
			TTL:     15 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// Load rebuilds the config from defaults, the user config file and the
// environment, in that precedence order.
func (m *Manager) Load() error {
	cfg := DefaultConfig(m.dirs)

	if err := m.loadUserConfig(cfg); err != nil {
		return fmt.Errorf("user config: %w", err)
	}

	m.applyEnvironment(cfg)

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) loadUserConfig(cfg *Config) error {
	data, err := os.ReadFile(m.dirs.ConfigPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	DeepMerge(cfg, &overlay)
	return nil
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("EASEL_BLOB_DIR"); v != "" {
		cfg.Storage.BlobDir = v
	}
	if v := os.Getenv("EASEL_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("EASEL_LOCK_DIR"); v != "" {
		cfg.Lock.Dir = v
	}
	if v := os.Getenv("EASEL_LOCK_MAX_RETRIES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Lock.MaxRetries = n
		}
	}
	if v := os.Getenv("EASEL_LOCK_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.InitialDelay = d
		}
	}
	if v := os.Getenv("EASEL_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("EASEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("EASEL_SYNC_WRITES"); v != "" {
		cfg.Storage.SyncWrites = strings.ToLower(v) == "true"
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
