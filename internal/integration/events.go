package integration

import (
	"hotforge/internal/artifact"
	"hotforge/internal/plugin"
)

// Payloads emitted by the engine. The host process consumes the
// registration payloads; it owns actually mounting routes and handlers.

// StartedPayload is the integration-started payload.
type StartedPayload struct {
	ArtifactID string `json:"artifactId"`
	Path       string `json:"path"`
}

// StagePayload is the integration-stage progress payload.
type StagePayload struct {
	ArtifactID string `json:"artifactId"`
	Path       string `json:"path"`
	Stage      string `json:"stage"`
}

// ModuleInfo summarises a loaded module.
type ModuleInfo struct {
	ID           string        `json:"id"`
	Key          string        `json:"key"`
	Name         string        `json:"name"`
	Kind         string        `json:"kind"`
	Version      string        `json:"version"`
	Capabilities []string      `json:"capabilities"`
	Dependencies DependencySet `json:"dependencies"`
	Replaced     bool          `json:"replaced"`
	Reloaded     bool          `json:"reloaded"`
	Health       string        `json:"health"`
}

// CompletedPayload is the integration-completed payload.
type CompletedPayload struct {
	Artifact *artifact.Artifact `json:"artifact"`
	Module   ModuleInfo         `json:"module"`
}

// FailedPayload is the integration-failed payload.
type FailedPayload struct {
	Artifact *artifact.Artifact `json:"artifact"`
	Stage    string             `json:"stage"`
	Kind     string             `json:"kind"`
	Error    string             `json:"error"`
}

// EndpointRegistration is the endpoint-register payload.
type EndpointRegistration struct {
	ModuleID   string            `json:"moduleId"`
	Path       string            `json:"path"`
	Method     string            `json:"method"`
	Middleware []string          `json:"middleware,omitempty"`
	Handler    plugin.HandleFunc `json:"-"`
}

// HandlerRegistration is the handler-register payload.
type HandlerRegistration struct {
	ModuleID string            `json:"moduleId"`
	Events   []string          `json:"events"`
	Handler  plugin.HandleFunc `json:"-"`
}

// ExtensionRegistration is the extension-register payload.
type ExtensionRegistration struct {
	ModuleID     string   `json:"moduleId"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// ModuleRegistration is the module-register payload.
type ModuleRegistration struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Health string `json:"health"`
}

// ModuleUnregistration is the module-unregister payload.
type ModuleUnregistration struct {
	ID string `json:"id"`
}

// Module health values.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)
