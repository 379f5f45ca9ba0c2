package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a loader with a fresh viper instance.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envPrefix: "DIAGCOLLECT"}
}

// NewLoaderWithViper creates a loader using an existing viper
// instance, so CLI flag bindings participate in precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "DIAGCOLLECT"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (bound via viper.BindPFlag)
// 2. Environment variables (DIAGCOLLECT_*)
// 3. ./.diagcollect.yaml
// 4. ~/.config/diagcollect/config.yaml
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".diagcollect")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "diagcollect"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, isPathErr := err.(*os.PathError); !isPathErr || l.configFile != "" {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) setDefaults() {
	def := Default()
	l.v.SetDefault("log.level", def.Log.Level)
	l.v.SetDefault("log.format", def.Log.Format)
	l.v.SetDefault("output.dir", def.Output.Dir)
	l.v.SetDefault("output.staging_root", def.Output.StagingRoot)
	l.v.SetDefault("sample.window", def.Sample.Window)
	l.v.SetDefault("sample.interval", def.Sample.Interval)
	l.v.SetDefault("tool.timeout", def.Tool.Timeout)
	l.v.SetDefault("tool.debugger", "gdb")
	l.v.SetDefault("tool.gcore", "gcore")
	l.v.SetDefault("tool.tracer", "strace")
	l.v.SetDefault("tool.deploy", "deployctl")
	l.v.SetDefault("retry.attempts", def.Retry.Attempts)
	l.v.SetDefault("retry.delay", def.Retry.Delay)
	l.v.SetDefault("history.path", def.History.Path)
}
