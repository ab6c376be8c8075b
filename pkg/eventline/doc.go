// Package eventline is a durable internal event bus: producers publish
// taxonomy-validated events, each event is routed to one of several
// processing pipelines, persisted in a transactional queue, and
// delivered to consumers under explicit pull-based demand until
// acknowledged or dead-lettered.
//
// # Overview
//
//   - event: the immutable Envelope and the taxonomy validator
//   - pipeline: pure pipeline-selection policy (realtime, cross_domain, general)
//   - queue: SQLite-backed durable queue, demand-driven producer, acknowledger
//   - bus: the publish orchestrator with validation modes and fallback broadcast
//   - observability: OpenTelemetry sink, zerolog helpers, tracing spans
//   - metrics: Prometheus collectors for the delivery pipeline
//   - config: YAML/JSON settings loading
//
// # Delivery semantics
//
// At least once. A row enters the queue in one transaction, is handed
// to a consumer only when the consumer has signaled demand, and leaves
// the pending/failed cycle only by deletion (successful ack) or by
// promotion to the terminal dead_letter state after three failed
// attempts. An orderly Drain reverts in-flight deliveries so process
// death never silently loses an event. When the durable write itself
// fails, the bus degrades to an at-most-once broadcast, visible in
// telemetry under a distinct pipeline tag.
//
// # Quick start
//
//	sys, err := eventline.Open(eventline.DefaultSettings("./events.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sys.Shutdown(context.Background())
//	sys.Start(ctx)
//
//	env, err := sys.Publish(ctx, event.Attrs{
//	    Name:    "system.email.sent",
//	    Source:  "link",
//	    Payload: map[string]any{"message_id": "m1"},
//	})
//
//	prod := sys.Producer(pipeline.General)
//	prod.Request(10)
//	for d := range prod.Deliveries() {
//	    // process d.Envelope, then:
//	    sys.Acknowledger(pipeline.General).Ack(ctx, []queue.Delivery{d}, nil)
//	}
package eventline
