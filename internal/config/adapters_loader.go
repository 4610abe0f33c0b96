package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadAdaptersFile loads and validates an adapters configuration file using Koanf.
//
// Error cases:
//   - File not found or cannot be read
//   - Invalid YAML syntax
//   - Schema validation failure (unsupported version, missing fields, duplicates,
//     selection rules naming unknown adapters)
func LoadAdaptersFile(filepath string) (*AdaptersFile, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(filepath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load adapters config from %q: %w", filepath, err)
	}

	var config AdaptersFile
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse adapters config from %q: %w", filepath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("adapters config validation failed for %q: %w", filepath, err)
	}

	return &config, nil
}
