package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FEEDSYNC_REMOTE_ADDR.
const EnvPrefix = "FEEDSYNC"

// Loader resolves a Config from, lowest to highest precedence: defaults,
// the config file, FEEDSYNC_* environment variables and values passed to Set.
type Loader struct {
	v    *viper.Viper
	file string
}

// NewLoader creates a loader that searches the default config locations.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile pins the config file. A pinned file must exist.
func (l *Loader) SetConfigFile(path string) {
	l.file = path
}

// Set overrides key for this loader. The CLI routes its flags through here.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// ConfigFileUsed returns the path of the file read by Load, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	for _, s := range settings(cfg) {
		l.v.SetDefault(s.key, s.value)
		// Unmarshal only sees environment values for bound nested keys.
		_ = l.v.BindEnv(s.key, EnvVar(s.key))
	}

	if err := l.readFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for _, p := range []*string{&cfg.Global.DataDir, &cfg.Global.ConfigDir, &cfg.Database.Path, &cfg.Logging.File} {
		*p = expandHome(*p)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// readFile reads the pinned file, or the first config.yaml found in
// $XDG_CONFIG_HOME/feedsync, ~/.config/feedsync and the working directory.
// Only a pinned file is required.
func (l *Loader) readFile() error {
	if l.file != "" {
		l.v.SetConfigFile(l.file)
		return l.v.ReadInConfig()
	}

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		l.v.AddConfigPath(filepath.Join(xdg, "feedsync"))
	}
	if home, _ := os.UserHomeDir(); home != "" {
		l.v.AddConfigPath(filepath.Join(home, ".config", "feedsync"))
	}
	l.v.AddConfigPath(".")

	err := l.v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// LoadFromFile loads configuration from path.
func LoadFromFile(path string) (*Config, error) {
	l := NewLoader()
	l.SetConfigFile(path)
	return l.Load()
}

// LoadDefault loads configuration from the default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Keys lists every dotted configuration key, e.g. "write_queue.max_pending".
func Keys() []string {
	var keys []string
	for _, s := range settings(DefaultConfig()) {
		keys = append(keys, s.key)
	}
	return keys
}

type setting struct {
	key   string
	value any
}

// settings flattens cfg into dotted keys named by the mapstructure tags.
func settings(cfg *Config) []setting {
	var out []setting
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		t := v.Type()
		for i := range t.NumField() {
			tag := t.Field(i).Tag.Get("mapstructure")
			if tag == "" || tag == "-" {
				continue
			}
			key := tag
			if prefix != "" {
				key = prefix + "." + tag
			}
			if f := v.Field(i); f.Kind() == reflect.Struct {
				walk(key, f)
			} else {
				out = append(out, setting{key: key, value: f.Interface()})
			}
		}
	}
	walk("", reflect.ValueOf(cfg).Elem())
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
