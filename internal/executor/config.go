package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lcls-tools/lute/internal/model"
)

// Config holds the settings of `lute run`, read from an optional YAML file
// and LUTE_ prefixed environment variables.
type Config struct {
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	MPI          bool              `mapstructure:"mpi"`
	Env          map[string]string `mapstructure:"env"`
	PathPolicy   string            `mapstructure:"path_policy"`
	Source       string            `mapstructure:"source"`
	Verbose      bool              `mapstructure:"verbose"`
	Log          string            `mapstructure:"log"`
}

// NewViper returns a viper instance reading LUTE_* variables, e.g.
// LUTE_POLL_INTERVAL=100ms.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("mpi", false)
	v.SetDefault("path_policy", string(PathPrepend))
	v.SetDefault("source", "")
	v.SetDefault("verbose", false)
	v.SetDefault("log", model.LogStderr)
	return v
}

// ParseConfig reads path, when not empty, into v and decodes the result.
func ParseConfig(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read settings: %w", err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode settings: %w", err)
	}
	if _, err := ParsePathPolicy(cfg.PathPolicy); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TaskEnv returns the configured variables. Keys are upper cased and values
// starting with '$' are expanded.
func (c Config) TaskEnv() map[string]string {
	env := make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env[strings.ToUpper(k)] = v
	}
	return env
}

// Build returns the Executor of name, a managed Executor name or a Task
// name, prepared to run with the task configuration at configPath.
func (c Config) Build(ctx context.Context, name, configPath string, opts ...Option) (*Executor, error) {
	opts = append([]Option{WithPollInterval(c.PollInterval)}, opts...)

	taskName := name
	if t, ok := managed[name]; ok {
		taskName = t
	}
	var e *Executor
	if c.MPI {
		e = NewMPI(taskName, opts...)
	} else {
		e = New(taskName, opts...)
	}

	if c.Source != "" {
		if err := e.ShellSource(ctx, c.Source); err != nil {
			return nil, err
		}
	}
	policy, err := ParsePathPolicy(c.PathPolicy)
	if err != nil {
		return nil, err
	}
	env := c.TaskEnv()
	if configPath != "" {
		env[EnvConfigPath] = configPath
	}
	if err := e.UpdateEnvironment(env, policy); err != nil {
		return nil, err
	}
	return e, nil
}
