// Package resolver decides which label an identifier renders.
//
// Resolution order is override, then a fresh cached decision, then one
// deduplicated network call, then the last known decision, then control.
// Resolve never returns an error; every failure degrades to the next safe
// answer and is logged.
package resolver

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/louisbranch/probat/internal/platform/errors"
	"github.com/louisbranch/probat/internal/platform/otel"
	"github.com/louisbranch/probat/internal/platform/timeouts"
	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/endpoint"
	"github.com/louisbranch/probat/internal/services/probat/inflight"
	"github.com/louisbranch/probat/internal/services/probat/storage"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxResponseBytes bounds how much of a decision response is read.
const maxResponseBytes = 1 << 20

// Request names one resolution.
type Request struct {
	// BaseURL is the explicit per-call service URL; empty falls back to
	// endpoint.BaseURL precedence.
	BaseURL string
	ID      decision.ID
	// Override is the forced label from the page, if any.
	Override string
	// Known reports whether a label has an implementation. A nil Known
	// accepts every override.
	Known func(decision.Label) bool
}

// Resolver resolves decisions for one visitor's choice store.
type Resolver struct {
	choices *storage.ChoiceStore
	client  *http.Client
	group   *inflight.Group
	schema  *jsonschema.Schema
	clock   func() time.Time
	tracer  trace.Tracer
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the client used for the decision endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

// WithGroup sets the deduplication group. The process-wide group is used by
// default.
func WithGroup(group *inflight.Group) Option {
	return func(r *Resolver) {
		if group != nil {
			r.group = group
		}
	}
}

// WithClock injects the time source used to stamp decisions.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New builds a resolver over choices.
func New(choices *storage.ChoiceStore, opts ...Option) (*Resolver, error) {
	if choices == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "choice store is required")
	}
	schema, err := compileResponseSchema()
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		choices: choices,
		client:  &http.Client{Timeout: timeouts.HTTPClient},
		group:   inflight.Default(),
		schema:  schema,
		clock:   time.Now,
		tracer:  otel.Tracer("resolver"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Choices returns the store the resolver reads and writes.
func (r *Resolver) Choices() *storage.ChoiceStore {
	return r.choices
}

// Resolve returns the decision for req.ID. It never fails: when the service
// cannot answer, the last known decision or control is returned.
func (r *Resolver) Resolve(ctx context.Context, req Request) decision.Decision {
	ctx, span := r.tracer.Start(ctx, "probat.resolve", trace.WithAttributes(
		attribute.String("probat.id", string(req.ID)),
	))
	defer span.End()

	d := r.resolve(ctx, req)
	span.SetAttributes(
		attribute.String("probat.source", string(d.Source)),
		attribute.String("probat.label", string(d.Label)),
	)
	return d
}

// Peek answers from the override and the fresh cache only. It never touches
// the network.
func (r *Resolver) Peek(ctx context.Context, req Request) (decision.Decision, bool) {
	if d, ok := r.override(ctx, req); ok {
		return d, true
	}
	return r.choices.Get(ctx, req.ID)
}

func (r *Resolver) resolve(ctx context.Context, req Request) decision.Decision {
	if strings.TrimSpace(string(req.ID)) == "" {
		log.Printf("probat: resolve: identifier is required")
		return decision.ControlFor(req.ID, r.clock(), decision.SourceFallback)
	}
	if d, ok := r.Peek(ctx, req); ok {
		return d
	}

	baseURL := endpoint.BaseURL(req.BaseURL)
	d, _, err := inflight.Do(ctx, r.group, r.flightKey(req.ID), func(ctx context.Context) (decision.Decision, error) {
		// A peer may have finished between our cache check and joining.
		if d, ok := r.choices.Get(ctx, req.ID); ok {
			return d, nil
		}
		return r.fetch(ctx, baseURL, req.ID)
	})
	if err != nil {
		log.Printf("probat: resolve %s (%s): %v", req.ID, apperrors.CodeOf(err), err)
		return r.fallback(ctx, req.ID)
	}
	return d
}

func (r *Resolver) override(ctx context.Context, req Request) (decision.Decision, bool) {
	raw := strings.TrimSpace(req.Override)
	if raw == "" || strings.TrimSpace(string(req.ID)) == "" {
		return decision.Decision{}, false
	}
	label := decision.NormalizeLabel(&raw)
	if !label.IsControl() && req.Known != nil && !req.Known(label) {
		log.Printf("probat: ignoring unknown override %q for %s", raw, req.ID)
		return decision.Decision{}, false
	}

	d := decision.Decision{
		ID:        req.ID,
		Label:     label,
		FetchedAt: r.clock(),
		Source:    decision.SourceOverride,
	}
	if last, ok := r.choices.Last(ctx, req.ID); ok {
		d.ExperimentID = last.ExperimentID
	}
	r.choices.Put(ctx, d)
	return d, true
}

func (r *Resolver) fetch(ctx context.Context, baseURL string, id decision.ID) (decision.Decision, error) {
	form := url.Values{"proposalId": {string(id)}}
	target := endpoint.RetrieveURL(baseURL, id)
	metadata := map[string]string{"url": target}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return decision.Decision{}, apperrors.WrapWithMetadata(apperrors.CodeNetworkFailure, "build decision request", metadata, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return decision.Decision{}, apperrors.WrapWithMetadata(apperrors.CodeNetworkFailure, "decision request", metadata, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decision.Decision{}, apperrors.WithMetadata(apperrors.CodeNetworkFailure, fmt.Sprintf("decision endpoint returned %d", resp.StatusCode), metadata)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return decision.Decision{}, apperrors.WrapWithMetadata(apperrors.CodeNetworkFailure, "read decision response", metadata, err)
	}
	payload, err := decodeResponse(r.schema, raw)
	if err != nil {
		return decision.Decision{}, apperrors.WrapWithMetadata(apperrors.CodeNetworkFailure, "malformed decision response", metadata, err)
	}

	d := decision.Decision{
		ID:           id,
		Label:        decision.NormalizeLabel(payload.Label),
		ExperimentID: strings.TrimSpace(payload.ExperimentID),
		FetchedAt:    r.clock(),
		Source:       decision.SourceNetwork,
	}
	r.choices.Put(ctx, d)
	return d, nil
}

// fallback returns the last known decision even when stale, else control.
// Nothing is written.
func (r *Resolver) fallback(ctx context.Context, id decision.ID) decision.Decision {
	if last, ok := r.choices.Last(ctx, id); ok {
		last.Source = decision.SourceFallback
		return last
	}
	return decision.ControlFor(id, r.clock(), decision.SourceFallback)
}

func (r *Resolver) flightKey(id decision.ID) string {
	return r.choices.Namespace() + "/" + string(id)
}
