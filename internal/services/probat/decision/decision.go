// Package decision defines the values the runtime resolves and caches.
package decision

import (
	"strings"
	"time"
)

// ID names one experiment definition (the proposal id). It is opaque and
// stable across sessions.
type ID string

// Label names one implementation variant.
type Label string

// Control is the reserved label for the default implementation.
const Control Label = "control"

// DefaultTTL is the freshness window of a cached decision.
const DefaultTTL = 6 * time.Hour

// IsControl reports whether l selects the default implementation.
func (l Label) IsControl() bool {
	return l == Control
}

// NormalizeLabel maps the service's label to a Label. A nil, blank or
// "control" label means control; anything else passes through untouched.
func NormalizeLabel(raw *string) Label {
	if raw == nil {
		return Control
	}
	value := strings.TrimSpace(*raw)
	if value == "" || value == string(Control) {
		return Control
	}
	return Label(value)
}

// Source records where a decision came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Decision is one resolved label for an identifier.
type Decision struct {
	ID    ID
	Label Label
	// ExperimentID is the service-side experiment id, when the service
	// returned one. Metrics and remote code paths are addressed by it.
	ExperimentID string
	FetchedAt    time.Time
	Source       Source
}

// Fresh reports whether the decision is still inside ttl at now. The
// boundary is inclusive: a decision exactly ttl old is fresh.
func (d Decision) Fresh(now time.Time, ttl time.Duration) bool {
	if d.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(d.FetchedAt) <= ttl
}

// MetricExperimentID returns the id used to address metrics: the service
// experiment id when known, otherwise the proposal id.
func (d Decision) MetricExperimentID() string {
	if strings.TrimSpace(d.ExperimentID) != "" {
		return d.ExperimentID
	}
	return string(d.ID)
}

// ControlFor returns the safe default decision for id.
func ControlFor(id ID, now time.Time, source Source) Decision {
	return Decision{ID: id, Label: Control, FetchedAt: now, Source: source}
}
