package config

import (
	"encoding/json"
	"io"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.swarmvio.dev/vio/logging"
)

// Read reads a JSON config file. Fields missing from the file keep their defaults.
func Read(path string, logger logging.Logger) (*Config, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open config %q", path)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warnw("failed to close config file", "path", path, "error", err)
		}
	}()
	cfg, err := FromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	logger.Debugw("read config", "path", path, "self_id", cfg.Estimator.SelfID, "window_size", cfg.Estimator.WindowSize)
	return cfg, nil
}

// FromReader decodes and validates a JSON config.
func FromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "cannot decode config")
	}
	if _, err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromAttributes builds a validated config from a loosely typed attribute map, as produced by a
// YAML or JSON document decoded into interface{} values.
func FromAttributes(attrs map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      cfg,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error creating decoder")
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "cannot decode attributes")
	}
	if _, err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	return cfg, nil
}
