package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort              = 8888
	DefaultControlListenAddr = "127.0.0.1:8880"
	DefaultEchoPrefix        = "Echo: "
	DefaultJournalSize       = 1000
)

type LogConfig struct {
	Level string `toml:"level"`
}

type PollingConfig struct {
	ReadAttempts         int           `toml:"readAttempts"`
	ReadAttemptTimeout   time.Duration `toml:"readAttemptTimeout"`
	ReadRetryInterval    time.Duration `toml:"readRetryInterval"`
	ReadIdleInterval     time.Duration `toml:"readIdleInterval"`
	AcceptAttempts       int           `toml:"acceptAttempts"`
	AcceptAttemptTimeout time.Duration `toml:"acceptAttemptTimeout"`
	AcceptRetryInterval  time.Duration `toml:"acceptRetryInterval"`
	AcceptIdleInterval   time.Duration `toml:"acceptIdleInterval"`
}

type ShutdownConfig struct {
	JoinTimeout time.Duration `toml:"joinTimeout"`
	DrainDelay  time.Duration `toml:"drainDelay"`
}

type ServerConfig struct {
	Port      int            `toml:"port"`
	AutoStart bool           `toml:"autoStart"`
	Polling   PollingConfig  `toml:"polling"`
	Shutdown  ShutdownConfig `toml:"shutdown"`
}

type OperatorConfig struct {
	Echo        bool   `toml:"echo"`
	EchoPrefix  string `toml:"echoPrefix"`
	JournalSize int    `toml:"journalSize"`
}

type ControlConfig struct {
	Enabled    bool    `toml:"enabled"`
	ListenAddr string  `toml:"listenAddr"`
	SendRate   float64 `toml:"sendRate"`
	SendBurst  int     `toml:"sendBurst"`
}

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Operator OperatorConfig `toml:"operator"`
	Control  ControlConfig  `toml:"control"`
}

// Default returns the configuration used when no config file is given. Zero polling
// and shutdown values mean "use the server package defaults", an empty log level keeps
// the level taken from the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      DefaultPort,
			AutoStart: true,
		},
		Operator: OperatorConfig{
			Echo:        true,
			EchoPrefix:  DefaultEchoPrefix,
			JournalSize: DefaultJournalSize,
		},
		Control: ControlConfig{
			Enabled:    true,
			ListenAddr: DefaultControlListenAddr,
			SendRate:   20,
			SendBurst:  40,
		},
	}
}

// LoadConfig loads the file from given path and parses it as toml file, decoding it
// on top of Default.
func LoadConfig(filePath string) (*Config, error) {
	conf := Default()

	metaData, err := toml.DecodeFile(filePath, conf)
	if err != nil {
		return nil, err
	}

	undecodedKeys := metaData.Undecoded()
	if len(undecodedKeys) > 0 {
		slog.Warn(
			"found unknown keys in config",
			slog.String("configFilePath", filePath),
			slog.Any("undecodedKeys", undecodedKeys),
		)
	}

	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid config \"%s\": %w", filePath, err)
	}

	return conf, nil
}

func (c *Config) validate() error {
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Operator.JournalSize < 0 {
		return fmt.Errorf("operator.journalSize must not be negative, got %d", c.Operator.JournalSize)
	}

	if c.Control.Enabled && c.Control.ListenAddr == "" {
		return fmt.Errorf("control.listenAddr is required when control is enabled")
	}

	if c.Control.SendRate < 0 || c.Control.SendBurst < 0 {
		return fmt.Errorf("control.sendRate and control.sendBurst must not be negative")
	}

	return nil
}

// ParseLogLevel maps a level name to a slog.Level; an empty name means info.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level \"%s\"", level)
	}
}

// NormalizePort returns port when it is a usable TCP port and DefaultPort otherwise,
// logging the fallback.
func NormalizePort(port int) int {
	if port <= 0 || port > 65535 {
		slog.Warn("invalid port number, using default port", slog.Int("port", port), slog.Int("defaultPort", DefaultPort))
		return DefaultPort
	}

	return port
}
