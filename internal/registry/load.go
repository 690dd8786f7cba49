package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinYAML []byte

// File is the YAML layout of a registry file.
type File struct {
	EventTypes []EventType `yaml:"event_types"`
}

// NewWithBuiltins returns a registry preloaded with the builtin clinical,
// annotation and configuration event types.
func NewWithBuiltins() (*Registry, error) {
	r := New()
	if err := r.Load(bytes.NewReader(builtinYAML)); err != nil {
		return nil, fmt.Errorf("builtin registry: %w", err)
	}
	return r, nil
}

// Load decodes a registry file and registers each type in file order.
func (r *Registry) Load(rd io.Reader) error {
	var f File
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("decode registry: %w", err)
	}
	for i, t := range f.EventTypes {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("event_types[%d]: %w", i, err)
		}
	}
	return nil
}

// LoadFile loads additional types from a YAML file.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open registry file: %w", err)
	}
	defer f.Close()

	if err := r.Load(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
