// Copyright 2026 The MyAgents Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional on-disk configuration for myagents-term.
// Every field has a matching attach flag; flag values win over the
// file so a config can hold the stable parts (relay host, key paths)
// while the per-session pairing code stays on the command line.
type Config struct {
	// RelayHost is the relay server to connect to, host[:port]
	// without a scheme.
	RelayHost string `yaml:"relay_host"`

	// KeyFile is the path to this client's encrypted key pair.
	KeyFile string `yaml:"key_file"`

	// PeerKeyFile is the path to the agent's encrypted key pair.
	PeerKeyFile string `yaml:"peer_key_file"`
}

// loadConfig reads and parses a YAML config file. The file is the
// single source of defaults; environment variables are not consulted.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}
