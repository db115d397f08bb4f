// Package config loads ordserv settings from defaults, an optional YAML file
// and ORDSERV_* environment variables via viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPort is the coordinator's conventional TCP port.
const DefaultPort = 15045

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "ORDSERV"

// Config is the complete ordserv configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Client  ClientConfig  `mapstructure:"client"`
	Journal JournalConfig `mapstructure:"journal"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig controls the coordinator process.
type ServerConfig struct {
	// Listen holds one address per transport, e.g. "tcp://127.0.0.1:15045".
	Listen []string `mapstructure:"listen"`
	// Schedule is an optional path to a YAML ordering schedule.
	Schedule string `mapstructure:"schedule"`
	// Watch starts a new run whenever the schedule file changes.
	Watch bool `mapstructure:"watch"`
	// ExclusiveIDs rejects a connect whose id is already active.
	// When false the newer connection replaces the older one.
	ExclusiveIDs bool `mapstructure:"exclusive_ids"`
	// QueueSize bounds requests read ahead per connection.
	QueueSize int `mapstructure:"queue_size"`
}

// ClientConfig is what an embedded client reads from its environment.
type ClientConfig struct {
	// Addr is a full coordinator address. Takes precedence over Port.
	Addr string `mapstructure:"addr"`
	// Port selects tcp://127.0.0.1:<port> when Addr is empty.
	Port int `mapstructure:"port"`
	// WaitTimeoutMs fails blocking calls after this many milliseconds (0 = never).
	WaitTimeoutMs int `mapstructure:"wait_timeout"`
	// RunID is the run the client belongs to; empty joins whatever is current.
	RunID string `mapstructure:"run_id"`
	// ID is the requested client id; negative asks for an assigned one.
	ID int32 `mapstructure:"id"`
}

// JournalConfig controls the SQLite event journal.
type JournalConfig struct {
	// Path is the database file. Empty disables the journal.
	Path string `mapstructure:"path"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       []string{"tcp://127.0.0.1:" + strconv.Itoa(DefaultPort)},
			ExclusiveIDs: true,
			QueueSize:    64,
		},
		Client: ClientConfig{
			ID: -1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envAliases binds keys to the variable names clients have always used,
// in addition to the derived ORDSERV_SECTION_KEY names.
var envAliases = map[string][]string{
	"client.port":         {"ORDSERV_PORT"},
	"client.wait_timeout": {"ORDSERV_WAIT_TIMEOUT"},
	"client.run_id":       {"ORDSERV_RUN_ID", "ORDSERV_PRECEDENCE_ID"},
	"client.addr":         {"ORDSERV_ADDR"},
	"client.id":           {"ORDSERV_CLIENT_ID"},
	"server.schedule":     {"ORDSERV_SCHEDULE", "ORDSERV_PRECEDENCE_FILE"},
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.listen", defaults.Server.Listen)
	v.SetDefault("server.schedule", defaults.Server.Schedule)
	v.SetDefault("server.watch", defaults.Server.Watch)
	v.SetDefault("server.exclusive_ids", defaults.Server.ExclusiveIDs)
	v.SetDefault("server.queue_size", defaults.Server.QueueSize)

	v.SetDefault("client.addr", defaults.Client.Addr)
	v.SetDefault("client.port", defaults.Client.Port)
	v.SetDefault("client.wait_timeout", defaults.Client.WaitTimeoutMs)
	v.SetDefault("client.run_id", defaults.Client.RunID)
	v.SetDefault("client.id", defaults.Client.ID)

	v.SetDefault("journal.path", defaults.Journal.Path)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	// e.g. ORDSERV_JOURNAL_PATH for journal.path
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// FromEnv builds a Config from defaults and the environment only.
func FromEnv() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return Load(v)
}

// Address resolves the coordinator address, or "" when none is configured.
func (c ClientConfig) Address() string {
	if c.Addr != "" {
		return c.Addr
	}
	if c.Port > 0 {
		return "tcp://127.0.0.1:" + strconv.Itoa(c.Port)
	}
	return ""
}

// WaitTimeout returns the configured wait timeout, 0 meaning none.
func (c ClientConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMs) * time.Millisecond
}
