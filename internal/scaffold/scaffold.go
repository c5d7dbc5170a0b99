// Package scaffold materializes the fixed runner contract into a staged build
// context: a generated Dockerfile plus the runner shim that speaks the
// JSON-in/JSON-out calling convention on behalf of the user's function.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed assets
var assets embed.FS

// Port is the fixed in-container port every function instance listens on.
const Port = 8080

// Params drive Dockerfile generation for one build.
type Params struct {
	BaseImage    string
	BuildCommand string // optional, run at image build time
	RunCommand   string // container entrypoint
	Env          map[string]string
}

// Materialize writes the Dockerfile and runner shim into dir. The scaffold
// owns the Dockerfile; one present in the user bundle is overwritten so the
// calling convention cannot be bypassed.
func Materialize(dir string, p Params) error {
	if p.BaseImage == "" {
		return fmt.Errorf("scaffold: base image is required")
	}
	if p.RunCommand == "" {
		p.RunCommand = "python /app/runner.py"
	}

	tmplData, err := assets.ReadFile("assets/Dockerfile.tmpl")
	if err != nil {
		return fmt.Errorf("read embedded dockerfile template: %w", err)
	}
	tmpl, err := template.New("dockerfile").Parse(string(tmplData))
	if err != nil {
		return fmt.Errorf("parse dockerfile template: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return fmt.Errorf("create dockerfile: %w", err)
	}
	defer f.Close()
	if err := tmpl.Execute(f, p); err != nil {
		return fmt.Errorf("render dockerfile: %w", err)
	}

	runner, err := assets.ReadFile("assets/runner.py")
	if err != nil {
		return fmt.Errorf("read embedded runner: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "runner.py"), runner, 0o644); err != nil {
		return fmt.Errorf("write runner: %w", err)
	}
	return nil
}
