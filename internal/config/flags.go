package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ServerConfig holds configuration for the mpsched server.
type ServerConfig struct {
	Listen     string
	ConfigFile string
	Policy     string
	StatusAddr string
	CORSOrigin string
	LogLevel   string
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ServerConfig) BindFlags(fs *flag.FlagSet) {
	c.Listen = getEnv("LISTEN", ":9000")
	c.ConfigFile = getEnv("CONFIG_FILE", "")
	c.Policy = getEnv("POLICY", "")
	c.StatusAddr = getEnv("STATUS_ADDR", "")
	c.CORSOrigin = getEnv("CORS_ORIGIN", "")
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	fs.StringVar(&c.Listen, "listen", c.Listen, "multipath listen address")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "scheduler YAML file; defaults apply when empty")
	fs.StringVar(&c.Policy, "policy", c.Policy, "scheduler policy for accepted connections; overrides the config file")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "address for /healthz, /metrics and /api/connections; disabled when empty")
	fs.StringVar(&c.CORSOrigin, "cors-origin", c.CORSOrigin, "comma-separated origins allowed to read the status API")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

// ClientConfig holds configuration for the SOCKS5 client.
type ClientConfig struct {
	Server     string
	Socks      string
	Ifaces     []string
	ConfigFile string
	Policy     string
	StatusAddr string
	LogLevel   string
}

func (c *ClientConfig) BindFlags(fs *flag.FlagSet) {
	c.Server = getEnv("SERVER", "")
	c.Socks = getEnv("SOCKS", "127.0.0.1:1080")
	c.Ifaces = splitComma(getEnv("IFACES", ""))
	c.ConfigFile = getEnv("CONFIG_FILE", "")
	c.Policy = getEnv("POLICY", "")
	c.StatusAddr = getEnv("STATUS_ADDR", "")
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	fs.StringVar(&c.Server, "server", c.Server, "multipath server host:port (required)")
	fs.StringVar(&c.Socks, "socks", c.Socks, "local SOCKS5 listen address")
	fs.Func("ifaces", "comma-separated interface names, one subflow each, e.g. eth0,wlan0 (required)", func(v string) error {
		c.Ifaces = splitComma(v)
		return nil
	})
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "scheduler YAML file; defaults apply when empty")
	fs.StringVar(&c.Policy, "policy", c.Policy, "scheduler policy; overrides the config file")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "address for the status API; disabled when empty")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

// Validate reports missing required client settings.
func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("--server is required")
	}
	if len(c.Ifaces) == 0 {
		return fmt.Errorf("--ifaces is required")
	}
	if len(c.Ifaces) > 255 {
		return fmt.Errorf("at most 255 interfaces, got %d", len(c.Ifaces))
	}
	return nil
}

// LoadScheduler reads file when set, otherwise returns the defaults, then
// applies a policy override.
func LoadScheduler(file, policy string) (SchedulerConfig, error) {
	cfg := Default()
	if file != "" {
		var err error
		if cfg, err = Load(file); err != nil {
			return SchedulerConfig{}, err
		}
	}
	if policy != "" {
		cfg.Policy = policy
		if err := cfg.Validate(); err != nil {
			return SchedulerConfig{}, err
		}
	}
	return cfg, nil
}

// ParseLogLevel maps a level name to slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

func getEnv(k, d string) string {
	if v := env("MPSCHED_" + k); v != "" {
		return v
	}
	return d
}

var env = os.Getenv

func splitComma(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
