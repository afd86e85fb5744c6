package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

// ParseConfigYAML parses a Config from YAML bytes on top of DefaultConfig and
// validates it.
func ParseConfigYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ParseConfigYAMLString parses a Config from a YAML string and validates it.
func ParseConfigYAMLString(yamlText string) (*Config, error) {
	return ParseConfigYAML([]byte(yamlText))
}

// ParseFitRequest parses a fit request document. YAML is a superset of JSON
// so both encodings are accepted.
func ParseFitRequest(data []byte) (*models.FitRequest, error) {
	var req models.FitRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse fit request: %w", err)
	}

	if err := validateFitRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid fit request: %w", err)
	}

	return &req, nil
}
