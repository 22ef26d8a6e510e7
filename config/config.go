// Copyright 2024 The IP Rotator Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package config loads rotator settings from a YAML or TOML file.

Example YAML config:

	site: https://example.com
	region_preset: extra
	concurrency: 5
	rate_limit_backoff: 2s
	aws:
	  profile: scraping

Files ending in .toml are parsed as TOML with the same keys. Anything else is parsed as YAML.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Ge0rg3/requests-ip-rotator/cloud/apigateway"
	"github.com/Ge0rg3/requests-ip-rotator/gateway"
	"github.com/Ge0rg3/requests-ip-rotator/regions"
	"github.com/goccy/go-yaml"
)

// Config holds the settings of a rotator run.
type Config struct {
	Site string `yaml:"site" toml:"site"`
	// Explicit region list. Takes precedence over RegionPreset.
	Regions      []string `yaml:"regions,omitempty" toml:"regions"`
	RegionPreset string   `yaml:"region_preset,omitempty" toml:"region_preset"`

	Force                 bool     `yaml:"force,omitempty" toml:"force"`
	RequireManualDeletion bool     `yaml:"require_manual_deletion,omitempty" toml:"require_manual_deletion"`
	Endpoints             []string `yaml:"endpoints,omitempty" toml:"endpoints"`

	Concurrency      int      `yaml:"concurrency,omitempty" toml:"concurrency"`
	RateLimitBackoff Duration `yaml:"rate_limit_backoff,omitempty" toml:"rate_limit_backoff"`

	AWS AWSConfig `yaml:"aws,omitempty" toml:"aws"`
}

// AWSConfig selects the AWS credentials.
type AWSConfig struct {
	Profile         string `yaml:"profile,omitempty" toml:"profile"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" toml:"secret_access_key"`
}

// Duration is a [time.Duration] written as a string like "1s" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load reads the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return ParseYAML(data)
}

// ParseYAML parses a YAML config.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return &cfg, nil
}

// ParseTOML parses a TOML config.
func ParseTOML(data []byte) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return &cfg, nil
}

// Validate checks that the config can be used to build a pool.
func (c *Config) Validate() error {
	if c.Site == "" {
		return errors.New("site is required")
	}
	if _, err := gateway.NormalizeSite(c.Site); err != nil {
		return fmt.Errorf("invalid site: %w", err)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.RateLimitBackoff < 0 {
		return errors.New("rate_limit_backoff must not be negative")
	}
	if _, err := c.RegionList(); err != nil {
		return err
	}
	return nil
}

// RegionList returns the regions to use: the explicit list if set, otherwise the preset.
func (c *Config) RegionList() ([]string, error) {
	if len(c.Regions) > 0 {
		return append([]string(nil), c.Regions...), nil
	}
	return regions.Preset(c.RegionPreset)
}

// PoolOptions returns the [gateway.PoolOption] values the config sets.
func (c *Config) PoolOptions() ([]gateway.PoolOption, error) {
	regionList, err := c.RegionList()
	if err != nil {
		return nil, err
	}
	opts := []gateway.PoolOption{gateway.WithRegions(regionList...)}
	if c.Concurrency > 0 {
		opts = append(opts, gateway.WithConcurrency(c.Concurrency))
	}
	if c.RateLimitBackoff > 0 {
		opts = append(opts, gateway.WithRateLimitBackoff(time.Duration(c.RateLimitBackoff)))
	}
	return opts, nil
}

// StartOptions returns the [gateway.StartOptions] the config sets.
func (c *Config) StartOptions() gateway.StartOptions {
	return gateway.StartOptions{
		Force:                 c.Force,
		RequireManualDeletion: c.RequireManualDeletion,
		Endpoints:             append([]string(nil), c.Endpoints...),
	}
}

// Credentials returns the AWS credentials the config selects.
func (c *Config) Credentials() apigateway.Credentials {
	return apigateway.Credentials{
		Profile:         c.AWS.Profile,
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
	}
}
