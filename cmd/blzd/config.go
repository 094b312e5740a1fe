package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"blz-host/internal/blz"
	"blz-host/internal/coordinator"
	"blz-host/internal/ncp"
)

// Config is the daemon configuration file.
type Config struct {
	NCP struct {
		Port              string        `yaml:"port"` // serial device or tcp://host:port
		BaudRate          int           `yaml:"baud_rate"`
		RTSCTS            bool          `yaml:"rtscts"`
		Concurrency       int           `yaml:"concurrency"`
		DefaultTimeout    time.Duration `yaml:"default_timeout"`
		ResetTimeout      time.Duration `yaml:"reset_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	} `yaml:"ncp"`
	Network struct {
		NodeType   string `yaml:"node_type"`
		Channel    uint8  `yaml:"channel"`
		PanID      uint16 `yaml:"pan_id"`
		ExtPanID   string `yaml:"ext_pan_id"`
		NetworkKey string `yaml:"network_key"`
	} `yaml:"network"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   struct {
			Path       string `yaml:"path"`
			MaxSizeMB  int    `yaml:"max_size_mb"`
			MaxBackups int    `yaml:"max_backups"`
			MaxAgeDays int    `yaml:"max_age_days"`
			Compress   bool   `yaml:"compress"`
		} `yaml:"file"`
	} `yaml:"log"`
	MQTT struct {
		Enabled  bool   `yaml:"enabled"`
		Broker   string `yaml:"broker"`
		Prefix   string `yaml:"prefix"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		ClientID string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Web struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Automation struct {
		Enabled    bool   `yaml:"enabled"`
		ScriptsDir string `yaml:"scripts_dir"`
		Exec       struct {
			Allowlist []string      `yaml:"allowlist"`
			Timeout   time.Duration `yaml:"timeout"`
		} `yaml:"exec"`
	} `yaml:"automation"`
}

func (c *Config) validate() error {
	var errs []error
	if c.NCP.Port == "" {
		errs = append(errs, errors.New("ncp.port is required"))
	}
	if _, err := blz.ParseNodeType(c.Network.NodeType); err != nil {
		errs = append(errs, fmt.Errorf("network.node_type: %w", err))
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		errs = append(errs, fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel))
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		errs = append(errs, errors.New("network.pan_id must not be 0x0000 or 0xFFFF"))
	}
	if _, err := blz.ParseEUI64(c.Network.ExtPanID); err != nil {
		errs = append(errs, fmt.Errorf("network.ext_pan_id: %w", err))
	}
	if c.Network.NetworkKey != "" {
		if _, err := blz.ParseKey(c.Network.NetworkKey); err != nil {
			errs = append(errs, fmt.Errorf("network.network_key: %w", err))
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Network.NodeType == "" {
		c.Network.NodeType = "coordinator"
	}
	if c.Network.ExtPanID == "" {
		c.Network.ExtPanID = "DDDDDDDDDDDDDDDD"
	}
	if c.Store.Path == "" {
		c.Store.Path = "blz-host.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.File.MaxSizeMB == 0 {
		c.Log.File.MaxSizeMB = 10
	}
	if c.Log.File.MaxBackups == 0 {
		c.Log.File.MaxBackups = 3
	}
	if c.Log.File.MaxAgeDays == 0 {
		c.Log.File.MaxAgeDays = 28
	}
	if c.MQTT.Prefix == "" {
		c.MQTT.Prefix = "blz"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Automation.ScriptsDir == "" {
		c.Automation.ScriptsDir = "scripts"
	}
	if c.Automation.Exec.Timeout == 0 {
		c.Automation.Exec.Timeout = 10 * time.Second
	}
}

// transport returns the driver's transport settings.
func (c *Config) transport() ncp.TransportConfig {
	return ncp.TransportConfig{Path: c.NCP.Port, BaudRate: c.NCP.BaudRate, RTSCTS: c.NCP.RTSCTS}
}

// driver returns the driver settings. Zero values take the driver defaults.
func (c *Config) driver() ncp.Config {
	return ncp.Config{
		Timeout:      c.NCP.DefaultTimeout,
		ResetTimeout: c.NCP.ResetTimeout,
		Concurrency:  c.NCP.Concurrency,
	}
}

// coordinator returns the commissioning settings. It must only be called on
// a validated config.
func (c *Config) coordinator() coordinator.Config {
	nodeType, _ := blz.ParseNodeType(c.Network.NodeType)
	ext, _ := blz.ParseEUI64(c.Network.ExtPanID)
	cfg := coordinator.Config{
		Network: coordinator.NetworkOptions{
			NodeType: nodeType,
			PanID:    c.Network.PanID,
			ExtPanID: ext,
			Channel:  c.Network.Channel,
		},
		HeartbeatInterval: c.NCP.HeartbeatInterval,
	}
	if c.Network.NetworkKey != "" {
		key, _ := blz.ParseKey(c.Network.NetworkKey)
		cfg.Network.NetworkKey = &key
	}
	return cfg
}
