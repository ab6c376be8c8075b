// Package event defines the canonical event envelope and the taxonomy
// rules that govern which events the bus will admit.
//
// An Envelope is immutable once constructed. Validation happens exactly
// once, at construction, and collects every violation instead of stopping
// at the first one so producers see the full list in a single round trip.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority influences pipeline selection for an event.
type Priority string

// Priority levels, lowest to highest.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Reliability classifies how an event survives process death.
type Reliability string

const (
	// ReliabilityTransient events may be lost on crash without harm.
	ReliabilityTransient Reliability = "transient"

	// ReliabilityPersistent events must reach the durable queue.
	ReliabilityPersistent Reliability = "persistent"
)

// Meta keys with defined semantics. Everything else in the meta map is
// carried opaquely.
const (
	// MetaPipeline overrides pipeline selection verbatim.
	MetaPipeline = "pipeline"

	// MetaTargetDomain routes the event to the cross-domain pipeline.
	MetaTargetDomain = "target_domain"

	// MetaReliability overrides the reliability inferred from the name.
	MetaReliability = "reliability"
)

// Attrs holds the caller-supplied attributes for a new envelope.
type Attrs struct {
	// Name is the dot-delimited event name, e.g. "system.email.sent".
	// The first two segments form the event's category.
	Name string

	// Source identifies the originating subsystem, e.g. "link".
	Source string

	// Payload is arbitrary structured data, opaque to the core.
	Payload map[string]any

	// Priority defaults to PriorityNormal when empty.
	Priority Priority

	// CorrelationID groups related events. Defaults to a fresh ID.
	CorrelationID string

	// CausationID is the ID of the event that caused this one. Optional.
	CausationID string

	// Meta is an open map. MetaPipeline, MetaTargetDomain and
	// MetaReliability have defined semantics.
	Meta map[string]any
}

// Envelope is the canonical, immutable representation of one event.
// Build instances with Construct, New or MustNew; the zero value is not
// usable.
type Envelope struct {
	id            string
	name          string
	source        string
	payload       map[string]any
	priority      Priority
	correlationID string
	causationID   string
	meta          map[string]any
	reliability   Reliability
	createdAt     time.Time
	violations    Violations
}

// Construct builds an envelope and records any taxonomy violations on it
// without failing. This is the entry point for callers that apply a
// validation policy after the fact (the bus's warn and drop modes); most
// callers want New or MustNew instead.
//
// A nil taxonomy uses DefaultTaxonomy.
func Construct(attrs Attrs, tax *Taxonomy) *Envelope {
	if tax == nil {
		tax = DefaultTaxonomy()
	}

	env := &Envelope{
		id:            newID(),
		name:          attrs.Name,
		source:        attrs.Source,
		payload:       copyMap(attrs.Payload),
		priority:      attrs.Priority,
		correlationID: attrs.CorrelationID,
		causationID:   attrs.CausationID,
		meta:          copyMap(attrs.Meta),
		createdAt:     time.Now().UTC(),
	}

	if env.priority == "" {
		env.priority = PriorityNormal
	}
	if env.correlationID == "" {
		env.correlationID = newID()
	}

	env.violations = tax.Validate(env)
	env.reliability = tax.reliabilityFor(env)

	return env
}

// New builds and validates an envelope. On any taxonomy violation it
// returns a nil envelope and the full Violations list as the error, so a
// malformed envelope is never handed to the rest of the system.
func New(attrs Attrs, tax *Taxonomy) (*Envelope, error) {
	env := Construct(attrs, tax)
	if len(env.violations) > 0 {
		return nil, env.violations
	}
	return env, nil
}

// MustNew is the raising variant of New. It panics on violations and is
// meant for call sites that have already guaranteed valid input and want
// a crash-on-bug signal instead of an error check.
func MustNew(attrs Attrs, tax *Taxonomy) *Envelope {
	env, err := New(attrs, tax)
	if err != nil {
		panic(err)
	}
	return env
}

// ID returns the globally unique, time-sortable event identifier.
func (e *Envelope) ID() string { return e.id }

// Name returns the dot-delimited event name.
func (e *Envelope) Name() string { return e.name }

// Source returns the originating subsystem identifier.
func (e *Envelope) Source() string { return e.source }

// Payload returns a copy of the event payload.
func (e *Envelope) Payload() map[string]any { return copyMap(e.payload) }

// Priority returns the event priority.
func (e *Envelope) Priority() Priority { return e.priority }

// CorrelationID returns the tracing correlation identifier.
func (e *Envelope) CorrelationID() string { return e.correlationID }

// CausationID returns the ID of the causing event, or "" for a root.
func (e *Envelope) CausationID() string { return e.causationID }

// Meta returns a copy of the open metadata map.
func (e *Envelope) Meta() map[string]any { return copyMap(e.meta) }

// MetaString returns the meta value for key when it is a non-empty string.
func (e *Envelope) MetaString(key string) (string, bool) {
	v, ok := e.meta[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Reliability returns the event's reliability classification.
func (e *Envelope) Reliability() Reliability { return e.reliability }

// CreatedAt returns the construction timestamp.
func (e *Envelope) CreatedAt() time.Time { return e.createdAt }

// Violations returns the taxonomy violations recorded at construction.
// Empty for a valid envelope.
func (e *Envelope) Violations() Violations { return e.violations }

// Category returns the two-segment category prefix of the name, or ""
// when the name has fewer than two segments.
func (e *Envelope) Category() string { return category(e.name) }

// envelopeJSON is the wire form used for queue row data.
type envelopeJSON struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	Reliability   Reliability    `json:"reliability"`
	CreatedAt     time.Time      `json:"created_at"`
}

// MarshalJSON implements json.Marshaler.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		ID:            e.id,
		Name:          e.name,
		Source:        e.source,
		Payload:       e.payload,
		Priority:      e.priority,
		CorrelationID: e.correlationID,
		CausationID:   e.causationID,
		Meta:          e.meta,
		Reliability:   e.reliability,
		CreatedAt:     e.createdAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Violations are not part of
// the wire form, so decoded envelopes carry none; validation runs only
// at construction.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		id:            w.ID,
		name:          w.Name,
		source:        w.Source,
		payload:       w.Payload,
		priority:      w.Priority,
		correlationID: w.CorrelationID,
		causationID:   w.CausationID,
		meta:          w.Meta,
		reliability:   w.Reliability,
		createdAt:     w.CreatedAt,
	}
	return nil
}

// newID returns a time-sortable unique identifier. UUIDv7 keeps queue
// rows roughly insertion-ordered even across processes.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
