// Package valet is a self-hosted personal-assistant backend.
//
// It ingests inbound messages from multiple channels, runs a planner that
// may dispatch to internal or external tools, stores durable conversational
// memory with semantic recall, and executes scheduled or event-triggered
// background work.
//
// # Runtime fabric
//
// The root package provides the building blocks that make the leaves
// cooperate:
//
//   - [Bus] — in-process publish/subscribe over a closed set of event kinds
//   - [Queue] — persistent named work queues with priorities and retries
//   - [ToolRegistry] — pluggable tools grouped into [ToolSet] variants
//   - [Dispatcher] — correlated tool request/reply with timeouts
//   - [MemoryEngine] — row store + vector index with transactional writes
//     and semantic top-k retrieval
//   - [Planner] — the per-message state machine
//   - [Scheduler] — cron-expressed recurring tasks
//   - [Supervisor] — service lifecycle, RPC channels, and liveness polling
//
// # Quick start
//
// Assemble a runtime and hand it to the supervisor:
//
//	rt := &valet.Runtime{
//		Bus: bus, Queue: queue, Registry: registry,
//		Messages: msgs, Memory: engine, Provider: llm,
//	}
//	sup := valet.NewSupervisor()
//	sup.Register(app.NewPlannerService(rt), 7701)
//	if err := sup.Start(ctx); err != nil { ... }
//
// # Included implementations
//
// Storage: store/postgres (row store), vector/pgvector (vector index),
// store/sqlite (durable job store). Tool sets: tools/echo (system),
// tools/remember and tools/schedule (internal), tools/mcp (external MCP).
// See cmd/valetd for the complete daemon.
package valet
