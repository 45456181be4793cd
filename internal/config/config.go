package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the perchd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Terminal TerminalConfig `yaml:"terminal"`
	Notify   NotifyConfig   `yaml:"notify"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the gateway's own HTTP surface.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	JWTSecret   string `yaml:"jwt_secret"`   // base64; auto-generated and persisted when empty
	AuthDisable bool   `yaml:"auth_disable"` // serve /api without bearer tokens (dev only)
}

// AgentConfig describes the supervised agent server process.
type AgentConfig struct {
	Binary  string   `yaml:"binary"`  // executable name searched on PATH and well-known dirs
	Command string   `yaml:"command"` // explicit path override, skips the search
	Args    []string `yaml:"args"`
	Port    int      `yaml:"port"` // pinned listen port; 0 picks an ephemeral one
	URL     string   `yaml:"url"`  // externally managed agent; perchd never spawns or kills it
}

// TerminalConfig bounds the pty session pool.
type TerminalConfig struct {
	Shell       string        `yaml:"shell"`        // defaults to $SHELL, then /bin/sh
	MaxSessions int           `yaml:"max_sessions"` // hard cap on live pty sessions
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// NotifyConfig wires the desktop notification channel.
type NotifyConfig struct {
	NtfyTopic string `yaml:"ntfy_topic"` // bare topic or full URL; empty disables the channel
	NtfyToken string `yaml:"ntfy_token"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from a file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:7855"},
		Agent:  AgentConfig{Binary: "agent"},
		Terminal: TerminalConfig{
			MaxSessions: 16,
			IdleTimeout: 30 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PERCH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PERCH_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("PERCH_AGENT_URL"); v != "" {
		cfg.Agent.URL = v
	}
	if v := os.Getenv("PERCH_AGENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Agent.Port = p
		}
	}
	if v := os.Getenv("PERCH_NTFY_TOKEN"); v != "" {
		cfg.Notify.NtfyToken = v
	}
}

func (c *Config) fillDefaults() {
	if c.Terminal.Shell == "" {
		c.Terminal.Shell = os.Getenv("SHELL")
	}
	if c.Terminal.Shell == "" {
		c.Terminal.Shell = "/bin/sh"
	}
	if c.Terminal.MaxSessions <= 0 {
		c.Terminal.MaxSessions = 16
	}
	if c.Terminal.IdleTimeout <= 0 {
		c.Terminal.IdleTimeout = 30 * time.Minute
	}
	if c.Database.Path == "" {
		if dir, err := UserConfigDir(); err == nil {
			c.Database.Path = dir + "/perch.db"
		} else {
			c.Database.Path = "perch.db"
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Agent.URL == "" && c.Agent.Binary == "" && c.Agent.Command == "" {
		return fmt.Errorf("one of agent.url, agent.binary or agent.command is required")
	}
	if c.Agent.Port < 0 || c.Agent.Port > 65535 {
		return fmt.Errorf("agent.port out of range: %d", c.Agent.Port)
	}
	return nil
}
