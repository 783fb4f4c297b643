package models

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// overrideFile is the on-disk shape of a model override document:
//
//	models:
//	  gpt-4o:
//	    platform: openai
//	    api_url: https://api.openai.com/v1/chat/completions
//	    api_key: sk-...
type overrideFile struct {
	Models map[string]ModelConfig `yaml:"models"`
}

// ParseOverrides decodes a YAML override document.
func ParseOverrides(r io.Reader) (map[string]ModelConfig, error) {
	var doc overrideFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return map[string]ModelConfig{}, nil
		}
		return nil, fmt.Errorf("decode model overrides: %w", err)
	}
	if doc.Models == nil {
		doc.Models = map[string]ModelConfig{}
	}
	return doc.Models, nil
}

// LoadOverridesFile reads a YAML override document from path.
func LoadOverridesFile(path string) (map[string]ModelConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model overrides: %w", err)
	}
	defer f.Close()
	return ParseOverrides(f)
}
