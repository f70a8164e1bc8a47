// Package goadcmd implements the goad command: a thin driver over
// transform.Deriv, split from cmd/goad/main.go the way
// mna-nenuphar/internal/maincmd is split from its own main.go, so the
// argument-parsing and exit-code logic is unit-testable without a
// subprocess.
package goadcmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional goad.yaml defaults file: any flag the user
// does pass on the command line overrides the corresponding field
// here.
type Config struct {
	Prefix string `yaml:"prefix,omitempty"`
	Fold   *bool  `yaml:"fold,omitempty"`
}

// LoadConfig reads and parses a goad.yaml file. A missing file is not
// an error: it simply yields a zero Config, so passing -config is
// always optional.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}
