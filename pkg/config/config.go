// Package config loads cmd/enclaved's server configuration: the YAML
// file named by its --config flag, parsed once at startup into a typed
// Config. No other flags or environment variables feed into it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the server's full startup configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DataDir     string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// PeerIdentities is the fixed allow-list handed to
	// security.NewPeerManifest; the attested-TLS layer that extracts a
	// caller identity from a real attestation quote lives outside this
	// process.
	PeerIdentities []string `yaml:"peer_identities"`
}

// Default returns a configuration suitable for a single-node dev
// deployment.
func Default() Config {
	return Config{
		ListenAddr:  ":7443",
		MetricsAddr: ":9090",
		DataDir:     "./data",
		LogLevel:    "info",
	}
}

// Load reads and parses a YAML configuration file, starting from
// Default() so an omitted field keeps its default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
