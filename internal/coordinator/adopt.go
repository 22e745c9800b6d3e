package coordinator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/logging"
)

// AdoptFile turns an externally edited workspace file into a new artifact
// and announces it with generate-complete. It reports false when the content
// matches the last hash known for rel, which is how writes made by the
// coordinator itself are ignored.
func (c *Coordinator) AdoptFile(_ context.Context, p string) (*artifact.Artifact, bool, error) {
	rel, abs, err := c.resolve(p)
	if err != nil {
		return nil, false, err
	}
	if strings.HasSuffix(rel, "_test.go") {
		return nil, false, nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", rel, err)
	}
	source := string(data)
	hash := artifact.HashSource(source)

	c.mu.Lock()
	if c.lastHash[rel] == hash {
		c.mu.Unlock()
		logging.CoordinatorDebug("%s unchanged, not adopting", rel)
		return nil, false, nil
	}
	c.mu.Unlock()

	typ := c.opts.DefaultType
	switch artifact.AreaOf(rel) {
	case artifact.AreaInterface:
		typ = "endpoint"
	case artifact.AreaHandler:
		typ = "handler"
	case artifact.AreaExtension:
		typ = "extension"
	}

	now := c.opts.Now()
	a := &artifact.Artifact{
		ID:        c.opts.NewID(),
		Purpose:   artifact.Stem(rel),
		Type:      typ,
		Path:      rel,
		Source:    source,
		Status:    artifact.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{"origin": "adopted"},
	}
	c.track(a)
	logging.Coordinator("adopted external edit of %s as %s", rel, a.ID)
	c.bus.Emit(bus.GenerateComplete, a.Clone())
	return a.Clone(), true, nil
}

func (c *Coordinator) onSourceChanged(ev bus.Event) {
	var rel string
	switch p := ev.Payload.(type) {
	case artifact.SourceChange:
		if p.Op == "delete" {
			return
		}
		rel = p.Path
	case string:
		rel = p
	default:
		logging.CoordinatorError("source-changed with unsupported payload %T", ev.Payload)
		return
	}
	if _, _, err := c.AdoptFile(context.Background(), rel); err != nil {
		logging.CoordinatorError("adopt %s: %v", rel, err)
	}
}
