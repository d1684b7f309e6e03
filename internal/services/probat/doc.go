// Package probat hosts the variant-resolution runtime.
//
// A component usage names an experiment (a proposal id) and a registry of
// interchangeable implementations keyed by variant label. The runtime decides
// which label a visitor sees, remembers that decision for six hours, and
// reports interactions back to the experimentation service.
//
// # Layout
//
//   - decision: labels, decisions and the Control/Variant selection type.
//   - endpoint: base URL precedence and the three service URLs.
//   - storage: the visitor-local choice and variant-code stores over a
//     pluggable Backend (memory, bbolt, sqlite).
//   - inflight: one outstanding resolution per identifier.
//   - resolver: override, fresh cache, network, then degraded fallback.
//   - variant: fetches remote Lua variant code, adapts it to the host UI
//     binding, and executes it.
//   - metrics: fire-and-forget interaction reporting.
//   - usage: the per-usage state machine that renders the active
//     implementation and instruments interactions.
//   - app and web: wiring and the demo surface.
//
// # Failure policy
//
// Nothing in this tree surfaces a runtime failure to the page. Network,
// storage, code adaptation and metric delivery failures all collapse into the
// control implementation or a cache miss, and are logged.
package probat
