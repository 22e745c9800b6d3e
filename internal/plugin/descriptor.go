// Package plugin evaluates generated Go sources with yaegi and keeps the
// live handle for every loaded path.
package plugin

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"hotforge/internal/artifact"
)

// ContractVersion is the descriptor contract loaded modules must declare.
const ContractVersion = "hotforge/v1"

// Well-known symbols looked up in a loaded module.
const (
	SymbolDescriptor = "Descriptor" // func() map[string]any, required
	SymbolStart      = "Start"      // func(func(string, map[string]any) bool) error
	SymbolShutdown   = "Shutdown"   // func() error
	SymbolSelfTest   = "SelfTest"   // func() error
	SymbolHandle     = "Handle"     // func(map[string]any) (map[string]any, error)
)

// Kind is the declared module kind.
type Kind string

const (
	KindEndpoint  Kind = "endpoint"
	KindHandler   Kind = "handler"
	KindExtension Kind = "extension"
	KindModule    Kind = "module"
)

// KindForArea returns the kind a module living in area must declare.
func KindForArea(area artifact.Area) Kind {
	switch area {
	case artifact.AreaInterface:
		return KindEndpoint
	case artifact.AreaHandler:
		return KindHandler
	case artifact.AreaExtension:
		return KindExtension
	default:
		return KindModule
	}
}

// IsWellKnown reports whether name is one of the contract symbols.
func IsWellKnown(name string) bool {
	switch name {
	case SymbolDescriptor, SymbolStart, SymbolShutdown, SymbolSelfTest, SymbolHandle:
		return true
	}
	return false
}

// CapabilityKind tags one capability declaration.
type CapabilityKind string

const (
	CapabilityOperation CapabilityKind = "operation" // callable operation
	CapabilityEmits     CapabilityKind = "emits"     // event the module emits
	CapabilityConsumes  CapabilityKind = "consumes"  // event the module handles
	CapabilityRoute     CapabilityKind = "route"     // HTTP route it serves
)

// Capability is one declared ability of a module.
type Capability struct {
	Kind        CapabilityKind `yaml:"kind" json:"kind"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
}

// String renders the capability as kind:name.
func (c Capability) String() string {
	return string(c.Kind) + ":" + c.Name
}

// EndpointSpec describes the route an endpoint module wants mounted.
type EndpointSpec struct {
	Path       string   `yaml:"path" json:"path"`
	Method     string   `yaml:"method" json:"method"`
	Middleware []string `yaml:"middleware,omitempty" json:"middleware,omitempty"`
}

// Descriptor is the structured declaration a module returns from Descriptor().
type Descriptor struct {
	Contract     string        `yaml:"contract" json:"contract"`
	Name         string        `yaml:"name" json:"name"`
	Version      string        `yaml:"version" json:"version"`
	Kind         Kind          `yaml:"kind" json:"kind"`
	Capabilities []Capability  `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Endpoint     *EndpointSpec `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Handles      []string      `yaml:"handles,omitempty" json:"handles,omitempty"`
	Dependencies []string      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// ParseDescriptor decodes the raw map returned by a module.
func ParseDescriptor(raw map[string]any) (*Descriptor, error) {
	if raw == nil {
		return nil, fmt.Errorf("descriptor is nil")
	}
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("descriptor: marshal: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("descriptor: decode: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the contract version and the declarations.
func (d *Descriptor) Validate() error {
	if d.Contract != ContractVersion {
		return fmt.Errorf("descriptor: unsupported contract %q (want %q)", d.Contract, ContractVersion)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("descriptor: name is required")
	}
	switch d.Kind {
	case KindEndpoint, KindHandler, KindExtension, KindModule:
	default:
		return fmt.Errorf("descriptor %s: unknown kind %q", d.Name, d.Kind)
	}
	for i, c := range d.Capabilities {
		switch c.Kind {
		case CapabilityOperation, CapabilityEmits, CapabilityConsumes, CapabilityRoute:
		default:
			return fmt.Errorf("descriptor %s: capability[%d] has unknown kind %q", d.Name, i, c.Kind)
		}
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("descriptor %s: capability[%d] has no name", d.Name, i)
		}
	}
	return nil
}

// CapabilityNames returns the capabilities rendered as kind:name.
func (d *Descriptor) CapabilityNames() []string {
	out := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		out[i] = c.String()
	}
	return out
}
