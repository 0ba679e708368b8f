// Package config defines the runtime configuration for the chat client.
//
// Precedence order (highest wins):
//  1. CLI flags that were set explicitly
//  2. Environment variables (ECHOCHAT_ prefix, dashes become underscores)
//  3. Defaults
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/omochice/echochat/pkg/protocol"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "ECHOCHAT"

const (
	DefaultURL          = "ws://127.0.0.1:8765"
	DefaultGreeting     = "You have entered the chat."
	DefaultCloseReason  = "Client is exiting."
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultCloseTimeout = 5 * time.Second
	DefaultEventBuffer  = 64
)

// Config holds every tuneable for a single chat session.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	CloseTimeout time.Duration

	// ── Protocol ─────────────────────────────────────────────────────
	Greeting    string // sent on open unless NoGreeting
	NoGreeting  bool
	CloseReason string
	Framing     protocol.Framing
	Sender      string // envelope framing only; random when empty

	// ── Session ──────────────────────────────────────────────────────
	EventBuffer int

	// ── Logging ──────────────────────────────────────────────────────
	LogLevel  string
	LogFormat string // auto, console or json
	LogFile   string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		URL:          DefaultURL,
		DialTimeout:  DefaultDialTimeout,
		WriteTimeout: DefaultWriteTimeout,
		CloseTimeout: DefaultCloseTimeout,
		Greeting:     DefaultGreeting,
		CloseReason:  DefaultCloseReason,
		Framing:      protocol.FramingText,
		EventBuffer:  DefaultEventBuffer,
		LogLevel:     "info",
		LogFormat:    "auto",
	}
}

// BindFlags registers every configuration flag on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String("url", d.URL, "Relay address (ws://host:port or wss://host:port)")
	fs.Duration("dial-timeout", d.DialTimeout, "Timeout for connecting to the relay")
	fs.Duration("write-timeout", d.WriteTimeout, "Timeout for a single frame write")
	fs.Duration("close-timeout", d.CloseTimeout, "How long to wait for the relay to answer a close")

	fs.String("greeting", d.Greeting, "Text sent right after the connection opens")
	fs.Bool("no-greeting", false, "Do not send a greeting on open")
	fs.String("framing", string(d.Framing), "Wire framing: text or envelope")
	fs.String("sender", "", "Sender name for envelope framing")

	fs.Int("event-buffer", d.EventBuffer, "Capacity of the connection event queue")

	fs.String("log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", d.LogFormat, "Log format: auto, console or json")
	fs.String("log-file", "", "Write logs to this file with rotation instead of stderr")
}

// Load resolves the configuration from v, the flags in fs and the
// environment, then validates it.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	framing, err := protocol.ParseFraming(v.GetString("framing"))
	if err != nil {
		return Config{}, &ConfigError{Field: "framing", Value: v.GetString("framing"), Message: err.Error()}
	}

	cfg := Default()
	cfg.URL = v.GetString("url")
	cfg.DialTimeout = v.GetDuration("dial-timeout")
	cfg.WriteTimeout = v.GetDuration("write-timeout")
	cfg.CloseTimeout = v.GetDuration("close-timeout")
	cfg.Greeting = v.GetString("greeting")
	cfg.NoGreeting = v.GetBool("no-greeting")
	cfg.Framing = framing
	cfg.Sender = v.GetString("sender")
	cfg.EventBuffer = v.GetInt("event-buffer")
	cfg.LogLevel = v.GetString("log-level")
	cfg.LogFormat = v.GetString("log-format")
	cfg.LogFile = v.GetString("log-file")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return &ConfigError{Field: "url", Value: c.URL, Message: err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &ConfigError{
			Field:   "url",
			Value:   c.URL,
			Message: "scheme must be ws or wss",
			Hint:    "use ws://host:port",
		}
	}
	if u.Host == "" {
		return &ConfigError{Field: "url", Value: c.URL, Message: "host is required"}
	}

	if c.DialTimeout < 0 {
		return &ConfigError{Field: "dial-timeout", Value: c.DialTimeout, Message: "must not be negative"}
	}
	if c.WriteTimeout < 0 {
		return &ConfigError{Field: "write-timeout", Value: c.WriteTimeout, Message: "must not be negative"}
	}
	if c.CloseTimeout <= 0 {
		return &ConfigError{Field: "close-timeout", Value: c.CloseTimeout, Message: "must be positive"}
	}
	if c.EventBuffer < 1 {
		return &ConfigError{Field: "event-buffer", Value: c.EventBuffer, Message: "must be at least 1"}
	}
	if len(c.CloseReason) > 123 {
		// Close frame payloads are capped at 125 bytes, two of which are the code.
		return &ConfigError{Field: "close-reason", Value: c.CloseReason, Message: "longer than 123 bytes"}
	}

	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return &ConfigError{Field: "log-format", Value: c.LogFormat, Message: "must be auto, console or json"}
	}

	return nil
}

// GreetingText returns the greeting to send, or "" when disabled.
func (c *Config) GreetingText() string {
	if c.NoGreeting {
		return ""
	}
	return c.Greeting
}

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}
