package coordinator

import (
	"hotforge/internal/artifact"
	"hotforge/internal/synth"
)

// GenerateFailedPayload is the generate-failed payload. It carries the
// original request so the trigger can be diagnosed or retried.
type GenerateFailedPayload struct {
	Request artifact.Request `json:"request"`
	Error   string           `json:"error"`
}

// ModifyRequest is the modify-request payload.
type ModifyRequest struct {
	Path          string               `json:"path"`
	Modifications []synth.Modification `json:"modifications"`
}

// ModifyFailedPayload is the modify-failed payload.
type ModifyFailedPayload struct {
	Path          string               `json:"path"`
	Modifications []synth.Modification `json:"modifications"`
	Error         string               `json:"error"`
}

// DebugRequest is the debug-request payload and RequestDebugging argument.
type DebugRequest struct {
	Error     string `json:"error"`
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`
	AutoFix   bool   `json:"autoFix,omitempty"`
}

// DebugResult is the debug-complete payload.
type DebugResult struct {
	Request   DebugRequest     `json:"request"`
	Diagnosis *synth.Diagnosis `json:"diagnosis"`
	Applied   []string         `json:"applied,omitempty"`
}

// DebugFailedPayload is the debug-failed payload.
type DebugFailedPayload struct {
	Request DebugRequest `json:"request"`
	Error   string       `json:"error"`
}

// TestsGenerated is the tests-generated payload.
type TestsGenerated struct {
	Module   string   `json:"module"`
	TestFile string   `json:"testFile"`
	Methods  []string `json:"methods"`
}

// GoalEvent is the goal-achieved payload.
type GoalEvent struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NeedEvent is the system-need payload.
type NeedEvent struct {
	Type    string `json:"type"`
	Details string `json:"details,omitempty"`
}
