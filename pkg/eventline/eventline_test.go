package eventline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventline/pkg/eventline/bus"
	"github.com/randalmurphal/eventline/pkg/eventline/config"
	"github.com/randalmurphal/eventline/pkg/eventline/event"
	"github.com/randalmurphal/eventline/pkg/eventline/pipeline"
	"github.com/randalmurphal/eventline/pkg/eventline/queue"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings(":memory:")

	assert.Equal(t, ":memory:", s.DBPath)
	assert.Equal(t, bus.ModeRaise, s.Mode)
	assert.Equal(t, queue.DefaultRetryCeiling, s.RetryCeiling)
	assert.Equal(t, queue.DefaultRetryBackoff, s.RetryBackoff)
	assert.NotNil(t, s.Taxonomy)
	assert.NotNil(t, s.Selector)
	assert.True(t, s.Telemetry)
}

func TestLoadSettings(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
db_path: ./events.db
validation_mode: warn
retry_ceiling: 5
retry_backoff: 30s
max_batch: 16
poll_interval: 250ms
telemetry: false
taxonomy:
  allowed:
    billing: [system, billing]
  persistent_prefixes: ["billing."]
pipelines:
  realtime_prefixes: ["billing.charge."]
`))
	require.NoError(t, err)

	s := LoadSettings(cfg)

	assert.Equal(t, "./events.db", s.DBPath)
	assert.Equal(t, bus.ModeWarn, s.Mode)
	assert.Equal(t, 5, s.RetryCeiling)
	assert.Equal(t, 30*time.Second, s.RetryBackoff)
	assert.Equal(t, 16, s.MaxBatch)
	assert.Equal(t, 250*time.Millisecond, s.PollInterval)
	assert.False(t, s.Telemetry)
	assert.Equal(t, map[string][]string{"billing": {"system", "billing"}}, s.Taxonomy.Allowed)
	assert.Equal(t, []string{"billing."}, s.Taxonomy.PersistentPrefixes)
	assert.Equal(t, []string{"billing.charge."}, s.Selector.RealtimePrefixes)
}

func TestLoadSettings_KeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("db_path: ':memory:'\n"))
	require.NoError(t, err)

	s := LoadSettings(cfg)

	assert.Equal(t, bus.ModeRaise, s.Mode)
	assert.Equal(t, queue.DefaultRetryCeiling, s.RetryCeiling)
	assert.Equal(t, event.DefaultTaxonomy().Allowed, s.Taxonomy.Allowed)
}

func openSystem(t *testing.T, mutate func(*Settings)) *System {
	t.Helper()
	settings := DefaultSettings(":memory:")
	settings.Telemetry = false
	settings.PollInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&settings)
	}

	sys, err := Open(settings)
	require.NoError(t, err)
	return sys
}

func TestSystem_PublishDeliverAck(t *testing.T) {
	sys := openSystem(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sys.Start(ctx)

	env, err := sys.Publish(ctx, event.Attrs{
		Name:    "system.job.completed",
		Source:  "link",
		Payload: map[string]any{"job_id": "42"},
	})
	require.NoError(t, err)

	prod := sys.Producer(pipeline.General)
	prod.Request(1)

	var d queue.Delivery
	select {
	case d = <-prod.Deliveries():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	assert.Equal(t, env.ID(), d.Envelope.ID())
	assert.Equal(t, 1, d.Attempt)

	require.NoError(t, sys.Acknowledger(pipeline.General).Ack(ctx, []queue.Delivery{d}, nil))

	stats, err := sys.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats[pipeline.General].Total)

	require.NoError(t, sys.Shutdown(ctx))
}

func TestSystem_StatsAcrossPipelines(t *testing.T) {
	sys := openSystem(t, nil)
	ctx := context.Background()

	_, err := sys.Publish(ctx, event.Attrs{
		Name:     "system.alert.raised",
		Source:   "link",
		Payload:  map[string]any{},
		Priority: event.PriorityCritical,
	})
	require.NoError(t, err)

	_, err = sys.Publish(ctx, event.Attrs{
		Name:    "system.email.sent",
		Source:  "link",
		Payload: map[string]any{},
	})
	require.NoError(t, err)

	stats, err := sys.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[pipeline.Realtime].Pending)
	assert.Equal(t, 1, stats[pipeline.General].Pending)
	assert.Equal(t, 0, stats[pipeline.CrossDomain].Total)

	require.NoError(t, sys.Shutdown(ctx))
}

func TestSystem_ShutdownRevertsInFlight(t *testing.T) {
	sys := openSystem(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sys.Start(ctx)

	_, err := sys.Publish(ctx, event.Attrs{
		Name:    "system.job.started",
		Source:  "link",
		Payload: map[string]any{},
	})
	require.NoError(t, err)

	prod := sys.Producer(pipeline.General)
	prod.Request(1)
	select {
	case <-prod.Deliveries():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Shutdown before the ack: the delivery must be reverted, not lost.
	require.NoError(t, sys.Shutdown(ctx))
	assert.Equal(t, 0, prod.InFlight())
}

func TestSystem_WarnModeAdmitsOffTaxonomyEvents(t *testing.T) {
	sys := openSystem(t, func(s *Settings) { s.Mode = bus.ModeWarn })
	ctx := context.Background()

	_, err := sys.Publish(ctx, event.Attrs{
		Name:    "orders.invoice.created",
		Source:  "link",
		Payload: map[string]any{},
	})
	require.NoError(t, err)

	stats, err := sys.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[pipeline.General].Pending)

	require.NoError(t, sys.Shutdown(ctx))
}
