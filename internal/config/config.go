package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/procd/internal/daemon"
	"github.com/loykin/procd/internal/detector"
	"github.com/loykin/procd/internal/env"
	"github.com/loykin/procd/internal/faults"
	"github.com/loykin/procd/internal/logger"
	"github.com/loykin/procd/internal/process"
)

// EnvPrefix is the prefix of environment variables overriding file keys
// (PROCD_NAME, PROCD_LOG_LEVEL, ...).
const EnvPrefix = "PROCD"

// Defaults applied before the file is read.
const (
	DefaultInterval       = 5 * time.Second
	DefaultRestartTimeout = 30 * time.Second
	DefaultMetricsListen  = "127.0.0.1:9101"
)

// Config represents the TOML file describing one supervised role.
type Config struct {
	Name           string        `mapstructure:"name"`
	Command        string        `mapstructure:"command"`
	Interval       time.Duration `mapstructure:"interval"`
	WorkDir        string        `mapstructure:"workdir"`
	PIDFile        string        `mapstructure:"pidfile"`
	ControlDSN     string        `mapstructure:"control_dsn"`
	RestartTimeout time.Duration `mapstructure:"restart_timeout"`
	UID            *int          `mapstructure:"uid"`
	GID            *int          `mapstructure:"gid"`
	OutputLog      string        `mapstructure:"output_log"`
	ErrorLog       string        `mapstructure:"error_log"`
	Watch          []string      `mapstructure:"watch"`
	Detect         []string      `mapstructure:"detect"`
	Env            []string      `mapstructure:"env"`
	EnvFiles       []string      `mapstructure:"env_files"`
	UseOSEnv       bool          `mapstructure:"use_os_env"`
	Log            logger.Config `mapstructure:"log"`
	Metrics        MetricsConfig `mapstructure:"metrics"`
	History        HistoryConfig `mapstructure:"history"`

	// path is the file the config was loaded from.
	path string
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys need a default for AutomaticEnv to reach them through Unmarshal.
	v.SetDefault("name", "")
	v.SetDefault("command", "")
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("workdir", "")
	v.SetDefault("pidfile", "")
	v.SetDefault("control_dsn", "")
	v.SetDefault("restart_timeout", DefaultRestartTimeout)
	v.SetDefault("output_log", "")
	v.SetDefault("error_log", "")
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	return v
}

// Load reads and validates the TOML file at path. Environment variables with the PROCD_
// prefix override file values.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", faults.ErrInvalidConfig, path, err)
	}
	return decode(v, path)
}

// FromEnv builds a config from PROCD_ variables and defaults only.
func FromEnv() (*Config, error) {
	return decode(newViper(), "")
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInvalidConfig, err)
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			c.path = abs
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Path returns the absolute path the config was loaded from, if any.
func (c *Config) Path() string { return c.path }

// Validate checks every field that can be checked without side effects.
func (c *Config) Validate() error {
	if !isSafeName(c.Name) {
		return faults.Invalid("name %q: allowed [A-Za-z0-9._-] and no '..'", c.Name)
	}
	if strings.TrimSpace(c.Command) == "" {
		return faults.Invalid("command is required")
	}
	if c.Interval < 0 {
		return faults.Invalid("interval must not be negative")
	}
	if c.RestartTimeout < 0 {
		return faults.Invalid("restart_timeout must not be negative")
	}
	if c.PIDFile != "" && c.ControlDSN != "" {
		return faults.Invalid("pidfile and control_dsn are mutually exclusive")
	}
	if c.WorkDir != "" && !filepath.IsAbs(c.WorkDir) {
		return faults.Invalid("workdir %q must be absolute", c.WorkDir)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return faults.Invalid("log.level: %v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		return faults.Invalid("log.format %q: want text, json or color", c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return faults.Invalid("metrics.listen is required when metrics are enabled")
	}
	if c.History.Enabled && c.History.DSN == "" {
		return faults.Invalid("history.dsn is required when history is enabled")
	}
	if _, err := c.DaemonConfig(false); err != nil {
		return err
	}
	return nil
}

// ControlLocation returns the control DSN for the role. Without pidfile or control_dsn the
// record lives in a pid file under the temp directory.
func (c *Config) ControlLocation() string {
	switch {
	case c.ControlDSN != "":
		return c.ControlDSN
	case c.PIDFile != "":
		return "pidfile://" + c.PIDFile
	default:
		return "pidfile://" + filepath.Join(os.TempDir(), "procd-"+c.Name+".pid")
	}
}

// HistoryDSN returns the history sink location, or "" when history is disabled.
func (c *Config) HistoryDSN() string {
	if !c.History.Enabled {
		return ""
	}
	return c.History.DSN
}

// DaemonConfig converts the file settings into a daemon configuration. uid and gid are
// checked against the user database here.
func (c *Config) DaemonConfig(detach bool) (daemon.Config, error) {
	dc := daemon.Config{
		Detach:    detach,
		OutputLog: c.OutputLog,
		ErrorLog:  c.ErrorLog,
	}
	if c.UID != nil {
		if err := dc.SetUID(*c.UID); err != nil {
			return dc, err
		}
	}
	if c.GID != nil {
		if err := dc.SetGID(*c.GID); err != nil {
			return dc, err
		}
	}
	if c.Metrics.Enabled {
		dc.StatusAddr = c.Metrics.Listen
	}
	dc.WatchFiles = append(dc.WatchFiles, c.Watch...)
	return dc, nil
}

// Environment composes the child's environment from use_os_env, env_files and env, in that
// order of precedence (later wins).
func (c *Config) Environment() ([]string, error) {
	e := env.New()
	if c.UseOSEnv {
		e = e.WithOS()
	}
	for _, p := range c.EnvFiles {
		next, err := e.WithFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", faults.ErrInvalidConfig, err)
		}
		e = next
	}
	return e.Merge(c.Env), nil
}

// Detectors lists the liveness probes for the role: the recorded pid, the pid file when one
// is configured, then every detect command.
func (c *Config) Detectors(pid int) []detector.Detector {
	var dets []detector.Detector
	if pid > 0 {
		dets = append(dets, detector.PIDDetector{PID: pid})
	}
	if c.PIDFile != "" {
		dets = append(dets, detector.PIDFileDetector{PIDFile: c.PIDFile})
	}
	for _, cmd := range c.Detect {
		if strings.TrimSpace(cmd) == "" {
			continue
		}
		dets = append(dets, detector.CommandDetector{Command: cmd})
	}
	return dets
}

// Option keys shared with the command task.
const (
	OptCommand    = "command"
	OptInterval   = "interval"
	OptWorkDir    = "workdir"
	OptDetach     = "detach"
	OptOutputLog  = "output_log"
	OptErrorLog   = "error_log"
	OptUID        = "uid"
	OptGID        = "gid"
	OptStatusAddr = "status_addr"
	OptWatch      = "watch"

	// OptConfig lets the child re-read the file on reload.
	OptConfig = "config"
)

// TaskOptions flattens the config into the free-form options carried to the child.
func (c *Config) TaskOptions(detach bool) map[string]string {
	opts := map[string]string{
		OptCommand:           c.Command,
		OptInterval:          c.Interval.String(),
		OptWorkDir:           c.WorkDir,
		OptDetach:            strconv.FormatBool(detach),
		OptOutputLog:         c.OutputLog,
		OptErrorLog:          c.ErrorLog,
		process.OptLogLevel:  c.Log.Level,
		process.OptLogFormat: c.Log.Format,
		process.OptLogFile:   c.Log.File,
	}
	if c.UID != nil {
		opts[OptUID] = strconv.Itoa(*c.UID)
	}
	if c.GID != nil {
		opts[OptGID] = strconv.Itoa(*c.GID)
	}
	if c.Metrics.Enabled {
		opts[OptStatusAddr] = c.Metrics.Listen
	}
	if c.path != "" {
		opts[OptConfig] = c.path
	}
	if len(c.Watch) > 0 {
		opts[OptWatch] = strings.Join(c.Watch, string(os.PathListSeparator))
	}
	return opts
}

// isSafeName validates role names, which end up in file names and store keys.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
