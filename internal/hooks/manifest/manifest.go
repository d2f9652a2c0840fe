package manifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest file discovered under the hooks directory.
const FileName = "hook.yaml"

// PermissionPublish allows a hook to publish on its declared subjects.
const PermissionPublish = "bus:publish"

// Manifest describes a transcript hook package.
type Manifest struct {
	Metadata    Metadata          `yaml:"metadata"`
	Runtime     RuntimeSpec       `yaml:"runtime"`
	Bus         BusSpec           `yaml:"bus"`
	Permissions []string          `yaml:"permissions"`
	Env         map[string]string `yaml:"env,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	HostVersion string `yaml:"host_version"`
	TimeoutMS   int    `yaml:"timeout_ms,omitempty"`
}

type BusSpec struct {
	Subscribe []string `yaml:"subscribe"`
	Publish   []string `yaml:"publish,omitempty"`
}

// HasPermission reports whether perm is granted.
func (m Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if strings.ContainsAny(m.Metadata.Name, " /\\") {
		return fmt.Errorf("metadata.name %q must not contain spaces or slashes", m.Metadata.Name)
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return fmt.Errorf("runtime.entrypoint is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.Runtime.TimeoutMS < 0 {
		return fmt.Errorf("runtime.timeout_ms must be >= 0")
	}
	if len(m.Bus.Subscribe) == 0 {
		return fmt.Errorf("bus.subscribe must declare at least one subject")
	}
	if len(m.Bus.Publish) > 0 && !m.HasPermission(PermissionPublish) {
		return fmt.Errorf("bus.publish requires the %s permission", PermissionPublish)
	}
	for k := range m.Env {
		if strings.HasPrefix(k, "SCRIBE_") {
			return fmt.Errorf("env %s: the SCRIBE_ prefix is reserved", k)
		}
	}
	return nil
}
