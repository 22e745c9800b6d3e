package system

import (
	"context"
	"fmt"

	"hotforge/internal/artifact"
	"hotforge/internal/bus"
	"hotforge/internal/integration"
)

// Outcome is the integration result of one artifact.
type Outcome struct {
	Artifact *artifact.Artifact      `json:"artifact"`
	Module   *integration.ModuleInfo `json:"module,omitempty"`
	Stage    string                  `json:"stage,omitempty"`
	Kind     string                  `json:"kind,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Failed reports whether the integration failed.
func (o Outcome) Failed() bool { return o.Error != "" }

// Outcomes buffers integration results so a caller can wait for an
// artifact it is about to produce. Start watching before the request.
type Outcomes struct {
	b    *bus.Bus
	ch   chan Outcome
	subs []bus.Subscription
}

// WatchOutcomes starts buffering integration results. Call Close when done.
func (f *Forge) WatchOutcomes() *Outcomes {
	o := &Outcomes{b: f.Bus, ch: make(chan Outcome, 64)}
	o.subs = append(o.subs,
		f.Bus.Subscribe("outcomes", bus.IntegrationCompleted, func(ev bus.Event) {
			if p, ok := ev.Payload.(integration.CompletedPayload); ok {
				m := p.Module
				o.push(Outcome{Artifact: p.Artifact, Module: &m})
			}
		}),
		f.Bus.Subscribe("outcomes", bus.IntegrationFailed, func(ev bus.Event) {
			if p, ok := ev.Payload.(integration.FailedPayload); ok {
				o.push(Outcome{Artifact: p.Artifact, Stage: p.Stage, Kind: p.Kind, Error: p.Error})
			}
		}),
	)
	return o
}

func (o *Outcomes) push(out Outcome) {
	select {
	case o.ch <- out:
	default:
	}
}

// Wait returns the outcome for the artifact with id.
func (o *Outcomes) Wait(ctx context.Context, id string) (Outcome, error) {
	for {
		select {
		case out := <-o.ch:
			if out.Artifact != nil && out.Artifact.ID == id {
				return out, nil
			}
		case <-ctx.Done():
			return Outcome{}, fmt.Errorf("waiting for integration of %s: %w", id, ctx.Err())
		}
	}
}

// Close stops buffering.
func (o *Outcomes) Close() {
	for _, s := range o.subs {
		o.b.Unsubscribe(s)
	}
	o.subs = nil
}
