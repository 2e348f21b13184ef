/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config loads agent configuration from a yaml file with
// OMNIVOIP_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Agent   AgentConfig   `mapstructure:"agent"`
	Events  EventsConfig  `mapstructure:"events"`
	SIP     SIPConfig     `mapstructure:"sip"`
	Media   MediaConfig   `mapstructure:"media"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Service ServiceConfig `mapstructure:"service"`
}

type AgentConfig struct {
	// ID is the agent identifier used to pick this agent out of roster pushes.
	ID            string `mapstructure:"id"`
	InitialStatus string `mapstructure:"initial_status"`
}

// EventsConfig configures the real-time event channel.
type EventsConfig struct {
	URL              string        `mapstructure:"url"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	// AuthQueryParam, when set, also sends the token as this query parameter.
	AuthQueryParam string `mapstructure:"auth_query_param"`
}

type SIPConfig struct {
	Transport string `mapstructure:"transport"`
	BindHost  string `mapstructure:"bind_host"`
	BindPort  int    `mapstructure:"bind_port"`
	Domain    string `mapstructure:"domain"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	UserAgent string `mapstructure:"user_agent"`
}

type MediaConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
	// CaptureFile is a raw 8 kHz PCMU file sent as outgoing audio. Empty
	// sends silence.
	CaptureFile string `mapstructure:"capture_file"`
}

type AuthConfig struct {
	// TokenEnv names the environment variable the access token is read from
	// on every connect.
	TokenEnv string `mapstructure:"token_env"`
	Token    string `mapstructure:"token"`
}

type ServiceConfig struct {
	LogLevel string `mapstructure:"log_level"`
	Console  bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.initial_status", "OFFLINE")
	v.SetDefault("events.url", "ws://localhost:8000")
	v.SetDefault("events.max_attempts", 5)
	v.SetDefault("events.base_delay", "1s")
	v.SetDefault("events.handshake_timeout", "10s")
	v.SetDefault("events.ping_interval", "30s")
	v.SetDefault("events.pong_timeout", "10s")
	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.bind_host", "0.0.0.0")
	v.SetDefault("sip.bind_port", 5060)
	v.SetDefault("sip.user_agent", "omnivoip-agent")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("auth.token_env", "OMNIVOIP_TOKEN")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.console", true)
}

// Load reads the config file at configPath. An empty path loads defaults and
// environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OMNIVOIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the core cannot run without.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Events.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("events.url must be a ws:// or wss:// URL, got %q", c.Events.URL))
	}
	if c.Events.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("events.max_attempts must not be negative"))
	}
	if c.Events.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("events.base_delay must be positive"))
	}
	switch strings.ToUpper(c.Agent.InitialStatus) {
	case "AVAILABLE", "BUSY", "ON_BREAK", "OFFLINE":
	default:
		errs = append(errs, fmt.Errorf("agent.initial_status %q is not a known status", c.Agent.InitialStatus))
	}
	switch strings.ToLower(c.SIP.Transport) {
	case "udp", "tcp", "ws", "wss", "tls":
	default:
		errs = append(errs, fmt.Errorf("sip.transport %q is not supported", c.SIP.Transport))
	}

	return errors.Join(errs...)
}
