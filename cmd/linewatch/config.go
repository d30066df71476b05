package main

import (
	"fmt"
	"io"
	"time"

	"github.com/tinytelemetry/linewatch/internal/duckdb"
	"github.com/tinytelemetry/linewatch/internal/linedispatch"
	"github.com/tinytelemetry/linewatch/internal/logparse"
	"github.com/tinytelemetry/linewatch/internal/observers"
	"gopkg.in/yaml.v3"
)

const (
	defaultBindHost         = "127.0.0.1"
	defaultTCPPort          = 4000
	defaultAPIPort          = 3000
	defaultReadyTimeout     = 30 * time.Second
	defaultStopTimeout      = 10 * time.Second
	defaultQueryTimeout     = 30 * time.Second
	defaultStderrSeverity   = logparse.Warn
	defaultCaptureRetention = 7 * 24 * time.Hour // 0 disables retention
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Host                string        `mapstructure:"host" yaml:"host"`
	Dir                 string        `mapstructure:"dir" yaml:"dir,omitempty"`
	Env                 []string      `mapstructure:"env" yaml:"env,omitempty"`
	ReadyPattern        string        `mapstructure:"ready-pattern" yaml:"ready-pattern,omitempty"`
	ReadyTimeout        time.Duration `mapstructure:"ready-timeout" yaml:"ready-timeout"`
	StopTimeout         time.Duration `mapstructure:"stop-timeout" yaml:"stop-timeout"`
	MaxLineSize         int           `mapstructure:"max-line-size" yaml:"max-line-size"`
	Echo                bool          `mapstructure:"echo" yaml:"echo"`
	LogLines            bool          `mapstructure:"log-lines" yaml:"log-lines"`
	LogLevel            string        `mapstructure:"log-level" yaml:"log-level,omitempty"`
	LogFile             string        `mapstructure:"log-file" yaml:"log-file,omitempty"`
	StderrSeverity      string        `mapstructure:"stderr-severity" yaml:"stderr-severity"`
	TailSize            int           `mapstructure:"tail-size" yaml:"tail-size"`
	TCPEnabled          bool          `mapstructure:"tcp-enabled" yaml:"tcp-enabled"`
	TCPPort             int           `mapstructure:"tcp-port" yaml:"tcp-port"`
	TCPAddr             string        `mapstructure:"tcp-addr" yaml:"tcp-addr,omitempty"`
	APIEnabled          bool          `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIPort             int           `mapstructure:"api-port" yaml:"api-port"`
	APIAddr             string        `mapstructure:"api-addr" yaml:"api-addr,omitempty"`
	CaptureEnabled      bool          `mapstructure:"capture-enabled" yaml:"capture-enabled"`
	DBPath              string        `mapstructure:"db-path" yaml:"db-path,omitempty"`
	QueryTimeout        time.Duration `mapstructure:"query-timeout" yaml:"query-timeout"`
	InsertBatchSize     int           `mapstructure:"insert-batch-size" yaml:"insert-batch-size"`
	InsertFlushInterval time.Duration `mapstructure:"insert-flush-interval" yaml:"insert-flush-interval"`
	InsertFlushQueue    int           `mapstructure:"insert-flush-queue-size" yaml:"insert-flush-queue-size"`
	CaptureRetention    time.Duration `mapstructure:"capture-retention" yaml:"capture-retention"`
	ConfigPath          string        `mapstructure:"-" yaml:"-"` // not from config file
}

var configDefaults = map[string]any{
	"host":                    defaultBindHost,
	"dir":                     "",
	"env":                     []string{},
	"ready-pattern":           "",
	"log-level":               "",
	"log-file":                "",
	"tcp-addr":                "",
	"api-addr":                "",
	"ready-timeout":           defaultReadyTimeout,
	"stop-timeout":            defaultStopTimeout,
	"max-line-size":           linedispatch.DefaultMaxLineSize,
	"echo":                    true,
	"log-lines":               false,
	"stderr-severity":         defaultStderrSeverity,
	"tail-size":               observers.DefaultTailSize,
	"tcp-enabled":             false,
	"tcp-port":                defaultTCPPort,
	"api-enabled":             false,
	"api-port":                defaultAPIPort,
	"capture-enabled":         false,
	"query-timeout":           defaultQueryTimeout,
	"insert-batch-size":       duckdb.DefaultBatchSize,
	"insert-flush-interval":   duckdb.DefaultFlushInterval,
	"insert-flush-queue-size": duckdb.DefaultFlushQueueSize,
	"capture-retention":       defaultCaptureRetention,
}

func (c appConfig) validate() error {
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp-port: %d", c.TCPPort)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", c.APIPort)
	}
	if c.MaxLineSize <= 0 {
		return fmt.Errorf("invalid max-line-size: %d", c.MaxLineSize)
	}
	if c.CaptureRetention < 0 {
		return fmt.Errorf("invalid capture-retention: %s", c.CaptureRetention)
	}
	if c.ReadyTimeout < 0 {
		return fmt.Errorf("invalid ready-timeout: %s", c.ReadyTimeout)
	}
	return nil
}

// printConfig writes the effective configuration as YAML.
func printConfig(w io.Writer, cfg appConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
