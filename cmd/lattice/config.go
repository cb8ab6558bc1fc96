package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "lattice.yaml"

// Config is the lattice.yaml file. Command flags override its values.
type Config struct {
	Addr      string      `yaml:"addr"`
	Templates string      `yaml:"templates"`
	LogLevel  string      `yaml:"log_level"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig enables the Redis broker, locker and template store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

func defaultConfig() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		Redis:    RedisConfig{Prefix: "lattice"},
	}
}

// readConfig decodes path over the defaults. A missing file is only an error
// when it was asked for explicitly.
func readConfig(path string, explicit bool) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// loadConfig reads the --config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := readConfig(path, flags.Changed("config"))
	if err != nil {
		return cfg, err
	}

	overrides := map[string]*string{
		"log-level":    &cfg.LogLevel,
		"addr":         &cfg.Addr,
		"templates":    &cfg.Templates,
		"redis-addr":   &cfg.Redis.Addr,
		"redis-prefix": &cfg.Redis.Prefix,
	}
	for name, dst := range overrides {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if _, err := cfg.Level(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
