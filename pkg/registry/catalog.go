package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type catalogFile struct {
	Models []ModelEntry `yaml:"models"`
}

// LoadCatalogFile reads a YAML model catalog and returns its entries in file
// order. Validation happens at Swap, not here.
func LoadCatalogFile(path string) ([]ModelEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return cf.Models, nil
}
