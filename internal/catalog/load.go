package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type file struct {
	Tools []Tool `yaml:"tools"`
}

// Load reads a catalog from a YAML file of the form
//
//	tools:
//	  - name: get_crypto_price
//	    price: 100000
//	    class: price
//	    ...
//
// An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, fmt.Errorf("catalog: no tools defined")
	}
	return New(f.Tools)
}
