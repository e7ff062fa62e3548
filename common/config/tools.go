package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolSpec describes one external analysis tool invocation
type ToolSpec struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Artifact types the tool consumes
	ArtifactTypes []string `yaml:"artifact_types"`

	// Required tools make their artifact types mandatory at submission
	Required bool `yaml:"required"`

	// gjson path to the findings array in the tool's stdout
	FindingsPath string `yaml:"findings_path"`

	// Per-tool cap; zero means the phase deadline alone applies
	Timeout time.Duration `yaml:"timeout"`
}

type toolSetFile struct {
	Tools []ToolSpec `yaml:"tools"`
}

// LoadToolSet reads the tool-set YAML file
func LoadToolSet(path string) ([]ToolSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tools file: %w", err)
	}

	var file toolSetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tools file %s: %w", path, err)
	}

	names := make(map[string]bool)
	for i, t := range file.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tool %d: name is required", i)
		}
		if t.Command == "" {
			return nil, fmt.Errorf("tool %s: command is required", t.Name)
		}
		if names[t.Name] {
			return nil, fmt.Errorf("tool %s: duplicate name", t.Name)
		}
		names[t.Name] = true
	}

	return file.Tools, nil
}
