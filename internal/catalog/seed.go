package catalog

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var seedYAML []byte

type catalogFile struct {
	Tools []Entry `yaml:"tools"`
}

// LoadYAML decodes catalog entries from a YAML document with a top-level "tools" list.
func LoadYAML(r io.Reader) ([]Entry, error) {
	var f catalogFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	for i, e := range f.Tools {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", i)
		}
		if e.Name == "" {
			f.Tools[i].Name = e.ID
		}
	}
	return f.Tools, nil
}

// LoadFile reads catalog entries from a YAML file.
func LoadFile(path string) ([]Entry, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	defer fh.Close()
	return LoadYAML(fh)
}

// Seed returns the built-in catalog entries.
func Seed() []Entry {
	var f catalogFile
	if err := yaml.Unmarshal(seedYAML, &f); err != nil {
		panic(fmt.Sprintf("catalog: invalid embedded seed: %v", err))
	}
	return f.Tools
}
