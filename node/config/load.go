package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// FromFile loads config from a specified file overriding defaults specified
// in Default(). If file does not exist the default config is returned.
func FromFile(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		cfg := Default()
		return cfg, ApplyEnv(cfg)
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file, Default())
}

// FromReader loads config from a reader instance, on top of def.
func FromReader(reader io.Reader, def *Config) (*Config, error) {
	cfg := def
	md, err := toml.NewDecoder(reader).Decode(cfg)
	if err != nil {
		return nil, err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, xerrors.Errorf("config has unrecognized keys: %v", undecoded)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from CONNECTOR_* environment variables, e.g.
// CONNECTOR_STORE_BACKEND=postgres or CONNECTOR_RETRY_LIMIT=3.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process("CONNECTOR", cfg); err != nil {
		return xerrors.Errorf("processing env vars overrides: %w", err)
	}
	return nil
}

// ConfigComment renders cfg as TOML.
func ConfigComment(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	e := toml.NewEncoder(&buf)
	e.Indent = ""
	if err := e.Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
