package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
)

func violationKinds(vs event.Violations) []event.ViolationKind {
	kinds := make([]event.ViolationKind, len(vs))
	for i, v := range vs {
		kinds[i] = v.Kind
	}
	return kinds
}

func TestTaxonomy_ViolationsCollected(t *testing.T) {
	tests := []struct {
		name  string
		attrs event.Attrs
		want  []event.ViolationKind
	}{
		{
			name:  "single segment name",
			attrs: event.Attrs{Name: "invalid", Source: "link", Payload: map[string]any{}},
			want:  []event.ViolationKind{event.ViolationNameFormat},
		},
		{
			name:  "empty name",
			attrs: event.Attrs{Name: "", Source: "link", Payload: map[string]any{}},
			want:  []event.ViolationKind{event.ViolationNameFormat},
		},
		{
			name:  "nil payload",
			attrs: event.Attrs{Name: "system.email.sent", Source: "link"},
			want:  []event.ViolationKind{event.ViolationPayloadShape},
		},
		{
			name:  "unknown source",
			attrs: event.Attrs{Name: "system.email.sent", Source: "nobody", Payload: map[string]any{}},
			want:  []event.ViolationKind{event.ViolationUnknownSource},
		},
		{
			name:  "category forbidden for source",
			attrs: event.Attrs{Name: "cerebros.training.started", Source: "link", Payload: map[string]any{}},
			want:  []event.ViolationKind{event.ViolationCategoryForbidden},
		},
		{
			name:  "invalid priority",
			attrs: event.Attrs{Name: "system.email.sent", Source: "link", Payload: map[string]any{}, Priority: "urgent"},
			want:  []event.ViolationKind{event.ViolationPriority},
		},
		{
			name:  "everything wrong at once",
			attrs: event.Attrs{Name: "bare", Source: "nobody", Priority: "urgent"},
			want: []event.ViolationKind{
				event.ViolationNameFormat,
				event.ViolationPayloadShape,
				event.ViolationUnknownSource,
				event.ViolationPriority,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := event.Construct(tt.attrs, nil)
			assert.ElementsMatch(t, tt.want, violationKinds(env.Violations()))
		})
	}
}

func TestTaxonomy_UnknownSourceFallsBackToSystemAllowList(t *testing.T) {
	// An unknown source is itself a violation, but its category check
	// runs against the default {"system"} allow-list: a system.* name
	// yields only the unknown-source violation.
	env := event.Construct(event.Attrs{
		Name:    "system.email.sent",
		Source:  "nobody",
		Payload: map[string]any{},
	}, nil)
	assert.Equal(t,
		[]event.ViolationKind{event.ViolationUnknownSource},
		violationKinds(env.Violations()))

	// A non-system name adds the category violation on top.
	env = event.Construct(event.Attrs{
		Name:    "orders.invoice.created",
		Source:  "nobody",
		Payload: map[string]any{},
	}, nil)
	assert.ElementsMatch(t,
		[]event.ViolationKind{event.ViolationUnknownSource, event.ViolationCategoryForbidden},
		violationKinds(env.Violations()))
}

func TestTaxonomy_TwoSegmentCategoryEntry(t *testing.T) {
	tax := &event.Taxonomy{
		Allowed: map[string][]string{
			"billing": {"orders.invoice"},
		},
	}

	_, err := event.New(event.Attrs{
		Name:    "orders.invoice.created",
		Source:  "billing",
		Payload: map[string]any{},
	}, tax)
	assert.NoError(t, err)

	_, err = event.New(event.Attrs{
		Name:    "orders.refund.created",
		Source:  "billing",
		Payload: map[string]any{},
	}, tax)
	assert.Error(t, err)
}

func TestTaxonomy_ExperimentalWildcard(t *testing.T) {
	tax := &event.Taxonomy{
		Allowed: map[string][]string{
			"cerebros": {"system"},
		},
		Experimental: map[string][]string{
			"cerebros": {"cerebros.*"},
		},
	}

	_, err := event.New(event.Attrs{
		Name:    "cerebros.search.expanded",
		Source:  "cerebros",
		Payload: map[string]any{},
	}, tax)
	assert.NoError(t, err)

	// The secondary list is per source: other sources stay restricted.
	tax.Allowed["link"] = []string{"system"}
	_, err = event.New(event.Attrs{
		Name:    "cerebros.search.expanded",
		Source:  "link",
		Payload: map[string]any{},
	}, tax)
	assert.Error(t, err)
}

func TestTaxonomy_ReliabilityDefaults(t *testing.T) {
	tests := []struct {
		name  string
		attrs event.Attrs
		want  event.Reliability
	}{
		{
			name:  "system prefix is persistent",
			attrs: event.Attrs{Name: "system.email.sent", Source: "link", Payload: map[string]any{}},
			want:  event.ReliabilityPersistent,
		},
		{
			name:  "agent prefix is persistent",
			attrs: event.Attrs{Name: "agent.tick.completed", Source: "thunderline", Payload: map[string]any{}},
			want:  event.ReliabilityPersistent,
		},
		{
			name:  "other names are transient",
			attrs: event.Attrs{Name: "cerebros.inference.completed", Source: "cerebros", Payload: map[string]any{}},
			want:  event.ReliabilityTransient,
		},
		{
			name: "explicit meta override wins",
			attrs: event.Attrs{
				Name: "system.email.sent", Source: "link", Payload: map[string]any{},
				Meta: map[string]any{event.MetaReliability: "transient"},
			},
			want: event.ReliabilityTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := event.New(tt.attrs, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Reliability())
		})
	}
}
