package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/nedpals/davi-card-agent/buildinfo"
	"github.com/nedpals/davi-card-agent/notify"
	"github.com/nedpals/davi-card-agent/smartcard"
	"github.com/nedpals/davi-card-agent/smartcard/phonenfc"
)

const defaultPort = 18080

// Config is the agent configuration file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transports TransportsConfig `yaml:"transports"`
	Presence   PresenceConfig   `yaml:"presence"`
	Phone      PhoneConfig      `yaml:"phone"`
	MQTT       notify.Config    `yaml:"mqtt"`
	Log        LogConfig        `yaml:"log"`
	Systray    bool             `yaml:"systray"`

	// ConfigDir holds generated certificates. Not read from the file.
	ConfigDir string `yaml:"-"`
}

// ServerConfig configures the websocket API.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	APISecret string `yaml:"api_secret"`
	MDNS      bool   `yaml:"mdns"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
	// TLSAuto generates a locally trusted certificate when no cert/key
	// pair is configured.
	TLSAuto       bool `yaml:"tls_auto"`
	BootstrapPort int  `yaml:"bootstrap_port"`
}

// TransportsConfig selects the enabled transports.
type TransportsConfig struct {
	PCSC        bool     `yaml:"pcsc"`
	LibNFC      bool     `yaml:"libnfc"`
	Phone       bool     `yaml:"phone"`
	Mock        bool     `yaml:"mock"`
	MockReaders []string `yaml:"mock_readers"`
}

// PresenceConfig tunes card presence detection on polled readers.
type PresenceConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PhoneConfig tunes the phone transport.
type PhoneConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port: defaultPort,
			MDNS: true,
		},
		Transports: TransportsConfig{
			PCSC:        true,
			Phone:       true,
			MockReaders: []string{"mock0"},
		},
		Presence: PresenceConfig{PollInterval: smartcard.DefaultPollInterval},
		Phone: PhoneConfig{
			InactivityTimeout: phonenfc.DefaultInactivityTimeout,
			RequestTimeout:    phonenfc.DefaultRequestTimeout,
		},
		MQTT:      notify.Config{TopicPrefix: notify.DefaultTopicPrefix},
		Log:       LogConfig{Level: "info"},
		Systray:   true,
		ConfigDir: defaultConfigDir(),
	}
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "." + buildinfo.Name
	}
	return filepath.Join(dir, buildinfo.Name)
}

// LoadConfig reads path over the defaults. An empty or missing path
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.BootstrapPort < 0 || c.Server.BootstrapPort > 65535 {
		return fmt.Errorf("server.bootstrap_port %d out of range", c.Server.BootstrapPort)
	}
	if c.Server.BootstrapPort != 0 && c.Server.BootstrapPort == c.Server.Port {
		return fmt.Errorf("server.bootstrap_port must differ from server.port")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Presence.PollInterval <= 0 {
		return fmt.Errorf("presence.poll_interval must be positive")
	}
	if c.Phone.InactivityTimeout < 0 || c.Phone.RequestTimeout < 0 {
		return fmt.Errorf("phone timeouts must not be negative")
	}
	if !c.Transports.PCSC && !c.Transports.LibNFC && !c.Transports.Phone && !c.Transports.Mock {
		return fmt.Errorf("no transport enabled")
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// parseArgs loads the config named by -config and applies the flags that
// were set on top of it.
func parseArgs(args []string) (Config, error) {
	fs := flag.NewFlagSet(buildinfo.Name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML config file")
	port := fs.Int("port", defaultPort, "Port to listen on for the websocket API")
	apiSecret := fs.String("api-secret", "", "Secret API clients must pass as ?secret=")
	cli := fs.Bool("cli", false, "Run in CLI mode (default: system tray mode)")
	mock := fs.Bool("mock", false, "Use the mock transport instead of hardware")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn or error")
	version := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *version {
		return Config{}, errVersion
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "api-secret":
			cfg.Server.APISecret = *apiSecret
		case "cli":
			cfg.Systray = !*cli
		case "mock":
			if *mock {
				cfg.Transports = TransportsConfig{Mock: true, MockReaders: cfg.Transports.MockReaders}
			}
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	return cfg, cfg.Validate()
}

var errVersion = errors.New("version requested")

// newLogger builds the process logger from the log section.
func newLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if c.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build(zap.Fields(zap.String("version", buildinfo.Version)))
}
