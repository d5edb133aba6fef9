// Package config loads the per-project settings file stored at
// <base>/.ethersync/config: the pre-shared secret, known peer
// addresses, and a handful of overrides the CLI layer otherwise leaves
// to flags.
package config

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/etherdsync/etherd/internal/pathpolicy"
)

// FileName is the config file's path relative to the project's
// .ethersync state directory.
const FileName = ".ethersync/config"

// Config is the on-disk settings shape.
type Config struct {
	// Secret is the hex-encoded pre-shared secret peers authenticate
	// streams with. Empty until a host generates one.
	Secret string `yaml:"secret,omitempty"`

	// Peers are multiaddr strings of known peers to dial on startup.
	Peers []string `yaml:"peers,omitempty"`

	// ListenAddr overrides the default libp2p listen multiaddr.
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// Load reads and parses the config file within base. A missing file is
// not an error; it returns a zero-value Config.
func Load(base pathpolicy.AbsolutePath) (Config, error) {
	path := base.Join(FileName)
	exists, err := pathpolicy.Exists(base, path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, nil
	}
	data, err := pathpolicy.ReadFile(base, path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing %q", path.String())
	}
	return cfg, nil
}

// Save writes cfg to base's config file, creating the .ethersync
// directory if needed.
func Save(base pathpolicy.AbsolutePath, cfg Config) error {
	path := base.Join(FileName)
	if err := pathpolicy.CreateDirAll(base, path.Dir()); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}
	return pathpolicy.WriteFile(base, path, data)
}

// EnsureSecret returns cfg's secret, generating and persisting a fresh
// one if none is set yet. Called by the hosting side before peers can
// ever connect.
func EnsureSecret(base pathpolicy.AbsolutePath, cfg Config, generate func() ([]byte, error)) (Config, []byte, error) {
	if cfg.Secret != "" {
		raw, err := decodeSecret(cfg.Secret)
		return cfg, raw, err
	}
	raw, err := generate()
	if err != nil {
		return cfg, nil, err
	}
	cfg.Secret = encodeSecret(raw)
	if err := Save(base, cfg); err != nil {
		return cfg, nil, err
	}
	return cfg, raw, nil
}

func encodeSecret(raw []byte) string {
	return hex.EncodeToString(raw)
}

func decodeSecret(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding secret %q", s)
	}
	return raw, nil
}

// DecodeSecret exposes the hex-decoding of a config-file secret string
// to callers that already have a Config and just need the raw bytes
// (e.g. a joining peer that never calls EnsureSecret).
func DecodeSecret(s string) ([]byte, error) {
	return decodeSecret(s)
}
