// Package artifact defines the unit of synthesized code that moves through
// generation and integration, and the workspace areas that decide how a
// loaded artifact is exposed.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"
)

// Status is the lifecycle status of an artifact.
type Status string

const (
	StatusPending    Status = "pending"
	StatusIntegrated Status = "integrated"
	StatusFailed     Status = "failed"
)

// Request is one generation trigger. It lives for a single coordinator call.
// A nil WriteToStorage means true.
type Request struct {
	Purpose        string            `json:"purpose" yaml:"purpose"`
	Type           string            `json:"type" yaml:"type"`
	Language       string            `json:"language" yaml:"language"`
	Path           string            `json:"path,omitempty" yaml:"path,omitempty"`
	WriteToStorage *bool             `json:"writeToStorage,omitempty" yaml:"write_to_storage,omitempty"`
	Requirements   map[string]string `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// Persist reports whether the source should be written to storage.
func (r Request) Persist() bool {
	return r.WriteToStorage == nil || *r.WriteToStorage
}

// Artifact is one unit of synthesized source plus its identity and status.
type Artifact struct {
	ID        string            `json:"id"`
	Purpose   string            `json:"purpose"`
	Type      string            `json:"type"`
	Path      string            `json:"path"` // workspace-relative, slash separated
	Source    string            `json:"sourceText"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"timestamp"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy safe to hand to other goroutines.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// MetaPersisted is set to "false" on artifacts whose source was never
// written to the workspace.
const MetaPersisted = "persisted"

// Persisted reports whether the file at Path holds this artifact's source.
func (a *Artifact) Persisted() bool {
	return a.Metadata[MetaPersisted] != "false"
}

// Hash returns the SHA-256 of the artifact source.
func (a *Artifact) Hash() string {
	return HashSource(a.Source)
}

// HashSource returns the hex SHA-256 of source text.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Area is the workspace area an artifact lives in.
type Area string

const (
	AreaInterface Area = "interface" // externally reachable endpoints
	AreaHandler   Area = "handler"   // bus message handlers
	AreaExtension Area = "extension" // internal capability modules
	AreaGeneral   Area = "general"   // everything else
)

// Area directory prefixes, workspace-relative.
const (
	InterfaceDir = "interfaces/"
	HandlerDir   = "handlers/"
	ExtensionDir = "extensions/"
)

// AreaOf classifies a workspace-relative path.
func AreaOf(rel string) Area {
	p := strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "./")
	switch {
	case strings.HasPrefix(p, InterfaceDir):
		return AreaInterface
	case strings.HasPrefix(p, HandlerDir):
		return AreaHandler
	case strings.HasPrefix(p, ExtensionDir):
		return AreaExtension
	default:
		return AreaGeneral
	}
}

// CriticalPrefixes are the workspace-relative prefixes whose change warrants a
// supervisor-level reload.
var CriticalPrefixes = []string{"core/", "services/", "bootstrap/"}

// IsCritical reports whether rel falls under a critical prefix.
func IsCritical(rel string) bool {
	p := strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "./")
	for _, prefix := range CriticalPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Slug turns a purpose into a file-name friendly token.
func Slug(purpose string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(purpose)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Stem returns the file name of rel without directory or extension.
func Stem(rel string) string {
	base := path.Base(strings.ReplaceAll(rel, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

// Modified is the modify-complete payload: an existing artifact whose source
// was rewritten in place.
type Modified struct {
	Path     string    `json:"path"`
	Applied  []string  `json:"applied"`
	Artifact *Artifact `json:"artifact"`
}

// SourceChange is the source-changed payload: a workspace file was written
// by someone other than the coordinator.
type SourceChange struct {
	Path string `json:"path"` // workspace-relative, slash separated
	Op   string `json:"op"`
}
