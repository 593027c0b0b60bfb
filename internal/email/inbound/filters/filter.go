// Package filters classifies parsed inbound messages. Filters run in order
// and record their findings as annotations on the message context.
package filters

import (
	"context"

	"github.com/gotrs-io/helpdesk/internal/email/inbound/connector"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/parser"
)

// MessageContext is the mutable envelope filters operate on.
type MessageContext struct {
	Message     *connector.RawMessage
	Envelope    *parser.Envelope
	Annotations map[string]any
}

// Annotate stores value under key, allocating the map on first use.
func (m *MessageContext) Annotate(key string, value any) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]any)
	}
	m.Annotations[key] = value
}

// Filter inspects or mutates a message before the coordinator routes it.
type Filter interface {
	ID() string
	Apply(ctx context.Context, m *MessageContext) error
}

// Chain executes filters in order, short-circuiting on error.
type Chain struct {
	filters []Filter
}

// NewChain returns a filter chain that runs the provided filters sequentially.
// Nil filters are skipped.
func NewChain(fs ...Filter) Chain {
	kept := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f != nil {
			kept = append(kept, f)
		}
	}
	return Chain{filters: kept}
}

// Len reports how many filters the chain runs.
func (c Chain) Len() int { return len(c.filters) }

// Run executes the chain.
func (c Chain) Run(ctx context.Context, m *MessageContext) error {
	for _, f := range c.filters {
		if err := f.Apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
