// Package metrics reports interaction metrics to the experimentation service.
//
// Reporting is fire-and-forget: Report returns at once and delivery runs on
// its own goroutine, detached from the caller's cancellation so it can
// outlive the request or page that triggered it. Failures are logged and
// counted, never retried and never surfaced.
package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"maps"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/probat/internal/platform/errors"
	"github.com/louisbranch/probat/internal/platform/otel"
	"github.com/louisbranch/probat/internal/platform/timeouts"
	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/endpoint"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Defaults applied to empty Event fields.
const (
	DefaultName   = "click"
	DefaultValue  = 1.0
	DefaultUnit   = "count"
	DefaultSource = "go"
)

// Dimension keys the reporter always sets.
const (
	DimensionLabel      = "variant_label"
	DimensionProposalID = "proposal_id"
)

// Event is one metric observation.
type Event struct {
	BaseURL      string
	ExperimentID string
	ID           decision.ID
	Label        decision.Label
	Name         string
	// Value is reported as-is when non-nil, DefaultValue otherwise.
	Value      *float64
	Unit       string
	Dimensions map[string]any
}

// Stats counts finished deliveries.
type Stats struct {
	Delivered int64
	Failed    int64
}

type payload struct {
	MetricName  string         `json:"metric_name"`
	MetricValue float64        `json:"metric_value"`
	MetricUnit  string         `json:"metric_unit"`
	Source      string         `json:"source"`
	Dimensions  map[string]any `json:"dimensions"`
}

// Reporter delivers metric events.
type Reporter struct {
	client  *http.Client
	source  string
	timeout time.Duration
	tracer  trace.Tracer

	wg        sync.WaitGroup
	delivered atomic.Int64
	failed    atomic.Int64
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithHTTPClient sets the client used for the metrics endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Reporter) {
		if client != nil {
			r.client = client
		}
	}
}

// WithSource sets the reported source field.
func WithSource(source string) Option {
	return func(r *Reporter) {
		if source = strings.TrimSpace(source); source != "" {
			r.source = source
		}
	}
}

// WithTimeout bounds one delivery.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Reporter) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// New builds a reporter.
func New(opts ...Option) *Reporter {
	r := &Reporter{
		client:  &http.Client{Timeout: timeouts.HTTPClient},
		source:  DefaultSource,
		timeout: timeouts.MetricDelivery,
		tracer:  otel.Tracer("metrics"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Report queues ev for delivery and returns immediately.
func (r *Reporter) Report(ctx context.Context, ev Event) {
	experimentID := strings.TrimSpace(ev.ExperimentID)
	if experimentID == "" {
		experimentID = strings.TrimSpace(string(ev.ID))
	}
	if experimentID == "" {
		r.failed.Add(1)
		log.Printf("probat: metric dropped: %v", apperrors.New(apperrors.CodeMetricDeliveryFailure, "experiment id is required"))
		return
	}

	body := r.buildPayload(ev)
	target := endpoint.MetricsURL(endpoint.BaseURL(ev.BaseURL), experimentID)
	detached := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.failed.Add(1)
				log.Printf("probat: metric delivery panicked: %v", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		if err := r.deliver(ctx, target, body); err != nil {
			r.failed.Add(1)
			log.Printf("probat: metric %s for %s: %v", body.MetricName, experimentID, err)
			return
		}
		r.delivered.Add(1)
	}()
}

// Flush waits for queued deliveries to finish or ctx to end.
func (r *Reporter) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the delivery counters.
func (r *Reporter) Stats() Stats {
	return Stats{Delivered: r.delivered.Load(), Failed: r.failed.Load()}
}

func (r *Reporter) buildPayload(ev Event) payload {
	p := payload{
		MetricName:  strings.TrimSpace(ev.Name),
		MetricValue: DefaultValue,
		MetricUnit:  strings.TrimSpace(ev.Unit),
		Source:      r.source,
		Dimensions:  make(map[string]any, len(ev.Dimensions)+2),
	}
	if p.MetricName == "" {
		p.MetricName = DefaultName
	}
	if ev.Value != nil {
		p.MetricValue = *ev.Value
	}
	if p.MetricUnit == "" {
		p.MetricUnit = DefaultUnit
	}
	maps.Copy(p.Dimensions, ev.Dimensions)
	label := ev.Label
	if label == "" {
		label = decision.Control
	}
	p.Dimensions[DimensionLabel] = string(label)
	if ev.ID != "" {
		p.Dimensions[DimensionProposalID] = string(ev.ID)
	}
	return p
}

func (r *Reporter) deliver(ctx context.Context, target string, body payload) error {
	ctx, span := r.tracer.Start(ctx, "probat.metric", trace.WithAttributes(
		attribute.String("probat.metric", body.MetricName),
		attribute.String("probat.label", fmt.Sprint(body.Dimensions[DimensionLabel])),
	))
	defer span.End()
	metadata := map[string]string{"url": target}

	raw, err := json.Marshal(body)
	if err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeMetricDeliveryFailure, "encode metric", metadata, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeMetricDeliveryFailure, "build metric request", metadata, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return apperrors.WrapWithMetadata(apperrors.CodeMetricDeliveryFailure, "metric request", metadata, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.WithMetadata(apperrors.CodeMetricDeliveryFailure, fmt.Sprintf("metrics endpoint returned %d", resp.StatusCode), metadata)
	}
	return nil
}
