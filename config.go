package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ProxyConfig is the optional YAML configuration for proxy mode.
// Missing fields keep their defaults; the -listen and -datadir flags
// override the file.
type ProxyConfig struct {
	Listen         string  `yaml:"listen"`
	DataDir        string  `yaml:"data_dir"`
	UpstreamScheme string  `yaml:"upstream_scheme"`
	RatePerHost    float64 `yaml:"rate_per_host"`
}

func loadProxyConfig(path string) (*ProxyConfig, error) {
	cfg := &ProxyConfig{
		Listen:         ":8192",
		UpstreamScheme: "https",
	}

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}
