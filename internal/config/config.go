// Package config loads deptags settings from defaults, a YAML config file
// and the environment. Command-line flags are applied on top by the
// binaries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/acheong08/deptags/internal/ctxlog"
	"github.com/acheong08/deptags/internal/identity"
	"github.com/acheong08/deptags/internal/tags"
)

// Environment variables read by ApplyEnv.
const (
	EnvStdlibSrc = "DEPTAGS_STDLIB_SRC"
	EnvCtags     = "DEPTAGS_CTAGS"
	EnvLockDir   = "DEPTAGS_LOCK_DIR"
	EnvJobs      = "DEPTAGS_JOBS"
	EnvLogLevel  = "DEPTAGS_LOG_LEVEL"
	EnvListen    = "DEPTAGS_LISTEN"
)

// Config holds all deptags settings.
type Config struct {
	// Tags output
	TagsKind  string `yaml:"tags_kind"`
	ViTags    string `yaml:"vi_tags"`
	EmacsTags string `yaml:"emacs_tags"`

	// Indexer
	CtagsExe     string   `yaml:"ctags_exe"`
	CtagsOptions []string `yaml:"ctags_options"`
	Excludes     []string `yaml:"excludes"`
	Recurse      string   `yaml:"recurse"`

	// Scheduling
	Jobs         int    `yaml:"jobs"`
	TrackChanges bool   `yaml:"track_changes"`
	LockDir      string `yaml:"lock_dir"`
	TempDir      string `yaml:"temp_dir"`

	// Standard library pass; the root only comes from the environment
	StdlibSrc  string   `yaml:"-"`
	StdlibDirs []string `yaml:"stdlib_dirs"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Daemon
	Listen string `yaml:"listen"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		TagsKind:     string(tags.KindVi),
		ViTags:       "deptags.vi",
		EmacsTags:    "deptags.emacs",
		Recurse:      string(tags.RecurseAuto),
		TrackChanges: true,
		LockDir:      DefaultLockDir(),
		LogLevel:     "info",
		LogFormat:    "text",
		Listen:       ":8080",
	}
}

// DefaultPath returns the config file used when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "deptags", "config.yaml")
}

// DefaultLockDir returns the directory holding lock files.
func DefaultLockDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "deptags", "locks")
}

// Load builds the configuration: defaults, then the config file at path (the
// default location when empty, where a missing file is fine), then .env and
// the process environment.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the DEPTAGS_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	c.StdlibSrc = getEnv(EnvStdlibSrc, c.StdlibSrc)
	c.CtagsExe = getEnv(EnvCtags, c.CtagsExe)
	c.LockDir = getEnv(EnvLockDir, c.LockDir)
	c.LogLevel = getEnv(EnvLogLevel, c.LogLevel)
	c.Listen = getEnv(EnvListen, c.Listen)

	if jobs := getEnv(EnvJobs, ""); jobs != "" {
		n, err := strconv.Atoi(jobs)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvJobs, jobs, err)
		}
		c.Jobs = n
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate reports configuration errors. They are fatal for a run.
func (c *Config) Validate() error {
	if _, err := tags.ParseKind(c.TagsKind); err != nil {
		return err
	}
	if _, err := tags.ParseRecursePolicy(c.Recurse); err != nil {
		return err
	}
	if c.TagsFileName() == "" {
		return fmt.Errorf("empty tags file name for %s tags", c.TagsKind)
	}
	if strings.ContainsRune(c.TagsFileName(), filepath.Separator) {
		return fmt.Errorf("tags file name %q must not contain a path separator", c.TagsFileName())
	}
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative, got %d", c.Jobs)
	}
	if c.LockDir == "" {
		return fmt.Errorf("lock directory not set")
	}
	if _, err := ctxlog.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (expected text or json)", c.LogFormat)
	}
	if c.StdlibSrc != "" {
		if info, err := os.Stat(c.StdlibSrc); err != nil || !info.IsDir() {
			return fmt.Errorf("missing standard library source at '%s'", c.StdlibSrc)
		}
	}
	return nil
}

// Kind returns the configured tags format. Call Validate first.
func (c *Config) Kind() tags.Kind {
	kind, _ := tags.ParseKind(c.TagsKind)
	return kind
}

// RecursePolicy returns the configured recurse policy. Call Validate first.
func (c *Config) RecursePolicy() tags.RecursePolicy {
	policy, _ := tags.ParseRecursePolicy(c.Recurse)
	return policy
}

// TagsFileName returns the per-node tags file name for the configured kind.
func (c *Config) TagsFileName() string {
	if c.Kind() == tags.KindEmacs {
		return c.EmacsTags
	}
	return c.ViTags
}

// Salt folds every setting that changes tags content into the build keys,
// so switching format or indexer options invalidates existing artifacts.
func (c *Config) Salt() string {
	return identity.Sum(
		"kind", string(c.Kind()),
		"recurse", string(c.RecursePolicy()),
		"options", strings.Join(c.CtagsOptions, "\x00"),
		"excludes", strings.Join(c.Excludes, "\x00"),
	).String()
}

// IndexerExcludes are the names ctags must skip: the configured excludes
// plus deptags' own output files.
func (c *Config) IndexerExcludes() []string {
	excludes := append([]string(nil), c.Excludes...)
	return append(excludes, c.ownFiles()...)
}

// HashExcludes are the names left out of local content fingerprints.
func (c *Config) HashExcludes() []string {
	excludes := append([]string(nil), identity.DefaultExcludes...)
	excludes = append(excludes, c.Excludes...)
	return append(excludes, c.ownFiles()...)
}

func (c *Config) ownFiles() []string {
	return []string{c.ViTags, c.EmacsTags, "*.stamp", ".*.tmp-*"}
}
