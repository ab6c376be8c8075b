// Package pipeline decides which processing lane an admitted event
// enters. Selection is a pure function over envelope attributes: the
// same envelope always lands in the same pipeline.
package pipeline

import (
	"strings"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
)

// Pipeline identifies one of the independent processing lanes. Each
// pipeline has its own queue and consumers; no ordering is promised
// across pipelines.
type Pipeline string

const (
	// Realtime carries latency-sensitive traffic that must not queue
	// behind bulk work.
	Realtime Pipeline = "realtime"

	// CrossDomain carries events addressed to another domain.
	CrossDomain Pipeline = "cross_domain"

	// General carries everything else.
	General Pipeline = "general"
)

// Fallback tags telemetry for events that bypassed the durable queue and
// went out over the best-effort broadcast path. It is a reporting tag,
// never a selection result.
const Fallback Pipeline = "fallback"

// Known reports whether p is a selectable pipeline.
func Known(p Pipeline) bool {
	switch p {
	case Realtime, CrossDomain, General:
		return true
	}
	return false
}

// Selector picks a pipeline for an envelope.
type Selector struct {
	// RealtimePrefixes lists name prefixes routed to Realtime, e.g.
	// inference and compute categories.
	RealtimePrefixes []string
}

// DefaultSelector routes the inference categories to Realtime.
func DefaultSelector() *Selector {
	return &Selector{
		RealtimePrefixes: []string{"cerebros.", "inference."},
	}
}

// Select returns the pipeline for env. It is total: every envelope maps
// to a pipeline. Precedence, first match wins:
//
//  1. explicit meta pipeline override, respected verbatim
//  2. non-empty meta target_domain -> CrossDomain
//  3. name under a realtime prefix -> Realtime
//  4. high or critical priority -> Realtime
//  5. otherwise General
//
// The override lets producers hand-tune routing without selector
// changes, so it wins even over priority.
func (s *Selector) Select(env *event.Envelope) Pipeline {
	if v, ok := env.MetaString(event.MetaPipeline); ok {
		return Pipeline(v)
	}

	if _, ok := env.MetaString(event.MetaTargetDomain); ok {
		return CrossDomain
	}

	for _, prefix := range s.RealtimePrefixes {
		if strings.HasPrefix(env.Name(), prefix) {
			return Realtime
		}
	}

	switch env.Priority() {
	case event.PriorityHigh, event.PriorityCritical:
		return Realtime
	}

	return General
}
