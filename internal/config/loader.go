// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the prefix of environment variables read by a Loader.
const DefaultEnvPrefix = "SHARDMAP_"

// Loader merges the configuration sources into a Config.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
	overrides map[string]any
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the path of the YAML configuration file. An empty
// path skips the file.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// WithOverrides sets values, keyed by dotted path, that take precedence over
// every other source. The command line flags are passed this way.
func WithOverrides(overrides map[string]any) Option {
	return func(l *Loader) {
		l.overrides = overrides
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every source and returns the validated result.
func (l *Loader) Load() (*Config, error) {
	if err := l.k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load file %s: %w", l.filePath, err)
		}
	}
	if err := l.loadEnv(); err != nil {
		return nil, err
	}
	if len(l.overrides) > 0 {
		if err := l.k.Load(mapProvider(l.overrides), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnv loads environment variables, mapping SHARDMAP_BENCH__MIX__FIND to
// bench.mix.find.
func (l *Loader) loadEnv() error {
	transform := func(s string) string {
		s = strings.TrimPrefix(s, l.envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

// All returns the merged settings as a flat map of dotted keys. It is only
// meaningful after Load.
func (l *Loader) All() map[string]any {
	return l.k.All()
}
