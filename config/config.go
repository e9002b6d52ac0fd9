/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

// Package config loads the mail bridge configuration shared by all commands.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values used when the configuration file does not set them.
var (
	DefaultAliases   = "/etc/postfix/virtual_alias_mailbridge"
	DefaultTransport = "/etc/postfix/transport_mailbridge"
	DefaultSocket    = "/var/spool/postfix/private/mailbridge-lmtp"
	DefaultPostmap   = "postmap"
)

// Config is the immutable mail bridge configuration. It is loaded once at
// startup and only read afterwards.
type Config struct {
	// Host is the remote mail delivery host, without scheme.
	Host string `yaml:"host"`
	// Token is sent as X-Mail-Token and expected on webhook requests.
	Token string `yaml:"token"`

	Aliases   string `yaml:"aliases"`
	Transport string `yaml:"transport"`
	Socket    string `yaml:"socket"`

	// Postmap is the table index builder looked up on PATH.
	Postmap string `yaml:"postmap"`
}

// Load reads the YAML file at path and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't open %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration data, applies defaults and environment
// overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("can't read config: %w", err)
	}

	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required values are set.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("config: host must not be empty")
	}
	if c.Token == "" {
		return errors.New("config: token must not be empty")
	}
	if c.Aliases == "" || c.Transport == "" {
		return errors.New("config: table paths must not be empty")
	}
	if c.Socket == "" {
		return errors.New("config: socket must not be empty")
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Aliases = DefaultAliases
	c.Transport = DefaultTransport
	c.Socket = DefaultSocket
	c.Postmap = DefaultPostmap
}

// applyEnvVars overrides values with non-empty environment variables.
func (c *Config) applyEnvVars() {
	for name, target := range map[string]*string{
		"MAILBRIDGE_HOST":      &c.Host,
		"MAILBRIDGE_TOKEN":     &c.Token,
		"MAILBRIDGE_ALIASES":   &c.Aliases,
		"MAILBRIDGE_TRANSPORT": &c.Transport,
		"MAILBRIDGE_SOCKET":    &c.Socket,
		"MAILBRIDGE_POSTMAP":   &c.Postmap,
	} {
		if v := os.Getenv(name); v != "" {
			*target = v
		}
	}
}
