// Package config loads the lq configuration.
//
// Values come from, in increasing precedence: Default(), a TOML or YAML
// config file, LQ_ environment variables (LQ_SERVER_PORT for server.port)
// and bound command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/livequery/internal/logging"
)

// Config is the full lq configuration.
type Config struct {
	Tree   TreeConfig     `mapstructure:"tree"`
	Docs   DocsConfig     `mapstructure:"docs"`
	Files  FilesConfig    `mapstructure:"files"`
	Server ServerConfig   `mapstructure:"server"`
	Query  QueryConfig    `mapstructure:"query"`
	Log    logging.Config `mapstructure:"log"`
}

// TreeConfig locates the tree store.
type TreeConfig struct {
	// Path of the tree database file.
	Path string `mapstructure:"path"`
	// Remote is a realtime server URL (ws://host:port/ws). When set, tree
	// commands talk to the server instead of opening Path.
	Remote string `mapstructure:"remote"`
}

// DocsConfig locates the document store.
type DocsConfig struct {
	Path string `mapstructure:"path"`
}

// FilesConfig configures the JSON file source.
type FilesConfig struct {
	Root     string        `mapstructure:"root"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// ServerConfig configures the realtime server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// QueryConfig configures the query cache.
type QueryConfig struct {
	Retry      int           `mapstructure:"retry"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// Source is the default read mode: default, cache or server.
	Source string `mapstructure:"source"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Tree:   TreeConfig{Path: filepath.Join(".livequery", "tree.db")},
		Docs:   DocsConfig{Path: filepath.Join(".livequery", "docs.db")},
		Files:  FilesConfig{Root: "data", Debounce: 100 * time.Millisecond},
		Server: ServerConfig{Port: 8080},
		Query: QueryConfig{
			Retry:      3,
			RetryDelay: 500 * time.Millisecond,
			Source:     "default",
		},
		Log: logging.DefaultConfig(),
	}
}

// FileNames are the config files searched for when no file is given, in
// the working directory and then in the user config directory.
var FileNames = []string{"livequery.toml", "livequery.yaml", "livequery.yml"}

// Loader reads configuration through viper.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and environment overrides set.
func NewLoader() *Loader {
	v := viper.New()

	d := Default()
	v.SetDefault("tree.path", d.Tree.Path)
	v.SetDefault("tree.remote", d.Tree.Remote)
	v.SetDefault("docs.path", d.Docs.Path)
	v.SetDefault("files.root", d.Files.Root)
	v.SetDefault("files.debounce", d.Files.Debounce)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("query.retry", d.Query.Retry)
	v.SetDefault("query.retry_delay", d.Query.RetryDelay)
	v.SetDefault("query.source", d.Query.Source)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.quiet", d.Log.Quiet)

	v.SetEnvPrefix("LQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// BindFlag lets flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for config key %s", key)
	}
	if err := l.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
	}
	return nil
}

// Load reads file, or the first of FileNames found when file is empty,
// and returns the merged configuration. A missing default file is not an
// error; a missing explicit file is.
func (l *Loader) Load(file string) (*Config, error) {
	if file != "" {
		l.v.SetConfigFile(file)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else if found := findConfig(); found != "" {
		l.v.SetConfigFile(found)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", found, err)
		}
	}

	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &c, nil
}

// Used returns the config file that was read, if any.
func (l *Loader) Used() string {
	return l.v.ConfigFileUsed()
}

func findConfig() string {
	dirs := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, "livequery"))
	}
	for _, dir := range dirs {
		for _, name := range FileNames {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// Render encodes c as "toml" or "yaml".
func Render(c *Config, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "toml", "":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(renderable(c)); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case "yaml", "yml":
		out, err := yaml.Marshal(renderable(c))
		if err != nil {
			return nil, fmt.Errorf("failed to encode yaml: %w", err)
		}
		return out, nil
	default:
		return nil, errors.New("unknown format " + format + " (want toml or yaml)")
	}
}

// renderable returns the config as nested maps with durations spelled
// the way the loader parses them ("100ms"), so rendered output can be
// used as a config file.
func renderable(c *Config) map[string]any {
	return map[string]any{
		"tree": map[string]any{"path": c.Tree.Path, "remote": c.Tree.Remote},
		"docs": map[string]any{"path": c.Docs.Path},
		"files": map[string]any{
			"root":     c.Files.Root,
			"debounce": c.Files.Debounce.String(),
		},
		"server": map[string]any{"port": c.Server.Port},
		"query": map[string]any{
			"retry":       c.Query.Retry,
			"retry_delay": c.Query.RetryDelay.String(),
			"source":      c.Query.Source,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"quiet":        c.Log.Quiet,
		},
	}
}
