package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk pricing format:
//
//	models:
//	  gpt-4o: {input: 0.005, output: 0.015}
type File struct {
	Models map[string]Rate `yaml:"models"`
}

// LoadFile reads a YAML pricing file.
func LoadFile(path string) (map[string]Rate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return ParseFile(data)
}

func ParseFile(data []byte) (map[string]Rate, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	for model, rate := range f.Models {
		if rate.Input < 0 || rate.Output < 0 {
			return nil, fmt.Errorf("pricing file: rate for %s must be >= 0", model)
		}
	}
	return f.Models, nil
}
