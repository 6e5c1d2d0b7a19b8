package matrix

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a matrix definition from YAML. Sections missing from the file
// are taken from Default.
func Load(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML matrix definition.
func Parse(data []byte) (*Matrix, error) {
	var m Matrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse matrix: %w", err)
	}
	def := Default()
	if len(m.Configs) == 0 {
		m.Configs = def.Configs
	}
	if len(m.Strategies) == 0 {
		m.Strategies = def.Strategies
	}
	if len(m.Benchmarks) == 0 {
		m.Benchmarks = def.Benchmarks
	}
	if m.Separator == "" {
		m.Separator = def.Separator
	}
	if m.Phases == nil {
		m.Phases = def.Phases
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
