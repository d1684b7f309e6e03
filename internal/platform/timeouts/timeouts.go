// Package timeouts defines shared timeout constants used across the runtime.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// HTTPClient caps a single call to the experimentation service when the
// caller does not supply its own client.
const HTTPClient = 10 * time.Second

// MetricDelivery caps a detached metric delivery. Deliveries outlive the
// triggering request, so they need their own bound.
const MetricDelivery = 15 * time.Second

// StoreOpen limits how long an on-disk store waits for its file lock.
const StoreOpen = time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// VariantLoad caps running a variant chunk's top level. Loads run detached
// from the requesting page, so they carry their own bound.
const VariantLoad = 2 * time.Second

// VariantRender caps one call into a variant's export.
const VariantRender = 250 * time.Millisecond
