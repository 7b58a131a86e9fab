package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes environment overrides, e.g. NEWSREEL_COORDINATOR_TOKEN_BUDGET.
const EnvPrefix = "NEWSREEL"

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
// An empty cfgFile searches ./config.yaml and $HOME/.newsreel/config.yaml.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	for _, e := range DefaultEntries() {
		cm.v.SetDefault(e.Key, e.Value)
	}

	// Environment variables with NEWSREEL_ prefix
	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.newsreel")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a validated Config.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (cm *Manager) ConfigFileUsed() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. A reload that fails
// to parse or validate keeps the previous configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			slog.Default().Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	cc := c.Coordinator
	if cc.TokenBudget <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.token_budget must be positive, got %d", cc.TokenBudget))
	}
	if cc.MinBatchSize < 1 {
		errs = append(errs, fmt.Errorf("coordinator.min_batch_size must be at least 1, got %d", cc.MinBatchSize))
	}
	if cc.MinTrimmedBatchSize < 1 {
		errs = append(errs, fmt.Errorf("coordinator.min_trimmed_batch_size must be at least 1, got %d", cc.MinTrimmedBatchSize))
	}
	if cc.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.lease_ttl must be positive, got %s", cc.LeaseTTL))
	}
	if cc.StoreRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("coordinator.store_retry_attempts must be at least 1, got %d", cc.StoreRetryAttempts))
	}
	if cc.StoreRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("coordinator.store_retry_delay must not be negative, got %s", cc.StoreRetryDelay))
	}
	return errors.Join(errs...)
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(defaultTree())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Newsreel configuration
# Secrets use ${ENV_VAR} syntax to reference environment variables:
#   export OPENAI_API_KEY=xxx
# Any key can also be overridden with NEWSREEL_<SECTION>_<KEY>, e.g.
#   NEWSREEL_COORDINATOR_TOKEN_BUDGET=4000

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}

// defaultTree nests the dotted default keys into an ordered YAML document.
func defaultTree() yaml.MapSlice {
	var root yaml.MapSlice
	for _, e := range DefaultEntries() {
		root = insertPath(root, strings.Split(e.Key, "."), yamlValue(e.Value))
	}
	return root
}

func insertPath(node yaml.MapSlice, path []string, value any) yaml.MapSlice {
	for i := range node {
		if node[i].Key != path[0] {
			continue
		}
		if len(path) == 1 {
			node[i].Value = value
			return node
		}
		child, _ := node[i].Value.(yaml.MapSlice)
		node[i].Value = insertPath(child, path[1:], value)
		return node
	}
	if len(path) == 1 {
		return append(node, yaml.MapItem{Key: path[0], Value: value})
	}
	return append(node, yaml.MapItem{Key: path[0], Value: insertPath(nil, path[1:], value)})
}

func yamlValue(v any) any {
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	return v
}
