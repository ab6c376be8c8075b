package event

import (
	"fmt"
	"strings"
)

// ViolationKind identifies a class of taxonomy violation.
type ViolationKind string

// Violation kinds reported by Taxonomy.Validate.
const (
	ViolationNameFormat        ViolationKind = "name_format"
	ViolationPayloadShape      ViolationKind = "payload_shape"
	ViolationUnknownSource     ViolationKind = "unknown_source"
	ViolationCategoryForbidden ViolationKind = "category_forbidden"
	ViolationPriority          ViolationKind = "invalid_priority"
)

// Violation is one taxonomy rule failure.
type Violation struct {
	Kind   ViolationKind `json:"kind"`
	Detail string        `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// Violations is the full set of failures for one envelope. It implements
// error so construction can return every violation at once.
type Violations []Violation

// Error implements the error interface.
func (vs Violations) Error() string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

// Taxonomy holds the naming rules and per-source category allow-lists.
// The zero value admits nothing; use DefaultTaxonomy or build one
// explicitly and inject it where envelopes are constructed.
type Taxonomy struct {
	// Allowed maps a source to its category allow-list. An entry matches
	// a name whose two-segment category equals it, or whose first
	// segment equals it.
	Allowed map[string][]string

	// Experimental maps a source to wildcard category patterns such as
	// "cerebros.*". A trailing "*" matches any suffix. This is the
	// escape hatch for namespaces still being rolled out.
	Experimental map[string][]string

	// PersistentPrefixes lists name prefixes whose events default to
	// ReliabilityPersistent when meta carries no explicit override.
	PersistentPrefixes []string
}

// defaultAllowed is the category allow-list applied to unknown sources.
var defaultAllowed = []string{"system"}

// DefaultTaxonomy returns the taxonomy shipped with the bus: the core
// sources and their category allow-lists, and the long-lived name
// prefixes that default to persistent reliability.
func DefaultTaxonomy() *Taxonomy {
	return &Taxonomy{
		Allowed: map[string][]string{
			"link":        {"system"},
			"cerebros":    {"system", "cerebros", "inference"},
			"thunderline": {"system", "thunderline", "agent"},
			"test":        {"system", "test"},
		},
		PersistentPrefixes: []string{"system.", "agent."},
	}
}

// Validate checks an envelope against the taxonomy and returns every
// violation found. A nil return means the envelope is admissible.
func (t *Taxonomy) Validate(env *Envelope) Violations {
	var vs Violations

	segments := strings.Split(env.name, ".")
	if env.name == "" || len(segments) < 2 {
		vs = append(vs, Violation{
			Kind:   ViolationNameFormat,
			Detail: fmt.Sprintf("name %q must have at least two dot-delimited segments", env.name),
		})
	}

	if env.payload == nil {
		vs = append(vs, Violation{
			Kind:   ViolationPayloadShape,
			Detail: "payload must be a structured map",
		})
	}

	allowed, known := t.Allowed[env.source]
	if !known {
		vs = append(vs, Violation{
			Kind:   ViolationUnknownSource,
			Detail: fmt.Sprintf("source %q is not registered", env.source),
		})
		allowed = defaultAllowed
	}

	if len(segments) >= 2 {
		cat := strings.Join(segments[:2], ".")
		if !categoryAllowed(cat, allowed) && !categoryExperimental(cat, t.Experimental[env.source]) {
			vs = append(vs, Violation{
				Kind:   ViolationCategoryForbidden,
				Detail: fmt.Sprintf("category %q is not allowed for source %q", cat, env.source),
			})
		}
	}

	switch env.priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		vs = append(vs, Violation{
			Kind:   ViolationPriority,
			Detail: fmt.Sprintf("priority %q is not one of low, normal, high, critical", env.priority),
		})
	}

	return vs
}

// reliabilityFor resolves the envelope's reliability: an explicit meta
// override wins, then the persistent name prefixes, then transient.
func (t *Taxonomy) reliabilityFor(env *Envelope) Reliability {
	if s, ok := env.MetaString(MetaReliability); ok {
		switch Reliability(s) {
		case ReliabilityTransient, ReliabilityPersistent:
			return Reliability(s)
		}
	}
	for _, prefix := range t.PersistentPrefixes {
		if strings.HasPrefix(env.name, prefix) {
			return ReliabilityPersistent
		}
	}
	return ReliabilityTransient
}

func categoryAllowed(cat string, allowed []string) bool {
	root, _, _ := strings.Cut(cat, ".")
	for _, a := range allowed {
		if a == cat || a == root {
			return true
		}
	}
	return false
}

func categoryExperimental(cat string, patterns []string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(cat, prefix) {
				return true
			}
		} else if p == cat {
			return true
		}
	}
	return false
}

func category(name string) string {
	segments := strings.SplitN(name, ".", 3)
	if len(segments) < 2 {
		return ""
	}
	return segments[0] + "." + segments[1]
}
