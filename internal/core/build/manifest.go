package build

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// Manifest is the optional funchost.yaml a source bundle may carry to control
// its build. Registration-time build config overrides bundle values.
type Manifest struct {
	BaseImage string            `yaml:"base_image"`
	Build     string            `yaml:"build"`
	Run       string            `yaml:"run"`
	Env       map[string]string `yaml:"env"`
}

func loadManifest(dir string) (Manifest, error) {
	var m Manifest
	for _, name := range []string{"funchost.yaml", "funchost.yml"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return m, fmt.Errorf("read %s: %w", name, err)
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return m, fmt.Errorf("parse %s: %w", name, err)
		}
		return m, nil
	}
	return m, nil
}

// merge applies registration build config on top of the bundle manifest.
func (m Manifest) merge(cfg map[string]string) Manifest {
	if v, ok := cfg["base_image"]; ok {
		m.BaseImage = v
	}
	if v, ok := cfg["build"]; ok {
		m.Build = v
	}
	if v, ok := cfg["run"]; ok {
		m.Run = v
	}
	return m
}
