// Package variant loads remote variant code and renders it.
//
// Variant code is Lua. It is fetched from the service (or the payload cache),
// adapted so the probat UI module resolves to the host binding, and executed
// in a sandboxed state. Every failure means the caller renders control.
package variant

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	apperrors "github.com/louisbranch/probat/internal/platform/errors"
	"github.com/louisbranch/probat/internal/platform/otel"
	"github.com/louisbranch/probat/internal/platform/timeouts"
	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/endpoint"
	"github.com/louisbranch/probat/internal/services/probat/inflight"
	"github.com/louisbranch/probat/internal/services/probat/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxSourceBytes bounds how much variant code is read.
const maxSourceBytes = 1 << 20

// Request names the code to load.
type Request struct {
	BaseURL  string
	ID       decision.ID
	Decision decision.Decision
	// Path is the code path under /variants/. Empty uses
	// endpoint.DefaultVariantPath.
	Path string
}

// Handle is a loaded variant ready to render.
type Handle struct {
	ID     decision.ID
	Label  decision.Label
	Path   string
	Source decision.Source
	module *Module
}

// Component renders the variant's export with props. An applyVariant export
// wraps the markup of control, which may be nil for other exports.
func (h *Handle) Component(control templ.Component, props Props) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var original strings.Builder
		if h.module.Wraps() && control != nil {
			if err := control.Render(ctx, &original); err != nil {
				return err
			}
		}
		html, err := h.module.Apply(ctx, original.String(), props)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, html)
		return err
	})
}

// Loader fetches, adapts and executes variant code for one visitor.
type Loader struct {
	payloads *storage.PayloadStore
	client   *http.Client
	group    *inflight.Group
	host     *ModuleHost
	tracer   trace.Tracer
}

// Option customizes a Loader.
type Option func(*Loader)

// WithHTTPClient sets the client used for the variant endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(l *Loader) {
		if client != nil {
			l.client = client
		}
	}
}

// WithGroup sets the deduplication group.
func WithGroup(group *inflight.Group) Option {
	return func(l *Loader) {
		if group != nil {
			l.group = group
		}
	}
}

// WithModuleHost sets the host that executes variant code.
func WithModuleHost(host *ModuleHost) Option {
	return func(l *Loader) {
		if host != nil {
			l.host = host
		}
	}
}

// New builds a loader that caches code in payloads.
func New(payloads *storage.PayloadStore, opts ...Option) (*Loader, error) {
	if payloads == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "payload store is required")
	}
	l := &Loader{
		payloads: payloads,
		client:   &http.Client{Timeout: timeouts.HTTPClient},
		group:    inflight.Default(),
		host:     NewModuleHost(),
		tracer:   otel.Tracer("variant"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Load returns a handle for the decision's variant code. Any error means the
// caller should render control.
func (l *Loader) Load(ctx context.Context, req Request) (*Handle, error) {
	label := req.Decision.Label
	if label == "" || label.IsControl() {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "control has no variant code")
	}
	id := req.ID
	if id == "" {
		id = req.Decision.ID
	}
	path := strings.Trim(strings.TrimSpace(req.Path), "/")
	if path == "" {
		path = endpoint.DefaultVariantPath(decision.Decision{ID: id, Label: label, ExperimentID: req.Decision.ExperimentID})
	}

	ctx, span := l.tracer.Start(ctx, "probat.variant.load", trace.WithAttributes(
		attribute.String("probat.id", string(id)),
		attribute.String("probat.label", string(label)),
		attribute.String("probat.path", path),
	))
	defer span.End()

	key := fmt.Sprintf("variant:%s/%s@%s:%s", l.payloads.Namespace(), id, label, path)
	handle, _, err := inflight.Do(ctx, l.group, key, func(ctx context.Context) (*Handle, error) {
		return l.load(ctx, endpoint.BaseURL(req.BaseURL), id, label, path)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("probat.source", string(handle.Source)))
	return handle, nil
}

func (l *Loader) load(ctx context.Context, baseURL string, id decision.ID, label decision.Label, path string) (*Handle, error) {
	name := string(id) + "/" + string(label)

	if payload, ok := l.payloads.Get(ctx, id, label, path); ok {
		module, _, err := l.execute(ctx, name, payload.Code)
		if err == nil {
			return &Handle{ID: id, Label: label, Path: path, Source: decision.SourceCache, module: module}, nil
		}
		log.Printf("probat: cached variant %s unusable, refetching: %v", name, err)
	}

	source, err := l.fetch(ctx, baseURL, path)
	if err != nil {
		return nil, err
	}
	module, adapted, err := l.execute(ctx, name, source)
	if err != nil {
		return nil, err
	}
	l.payloads.Put(ctx, id, storage.Payload{Label: label, Path: path, Code: adapted})
	return &Handle{ID: id, Label: label, Path: path, Source: decision.SourceNetwork, module: module}, nil
}

// execute adapts source and runs it. Cached payloads are already adapted;
// adapting them again is a no-op.
func (l *Loader) execute(ctx context.Context, name, source string) (*Module, string, error) {
	adapted, err := Adapt(source)
	if err != nil {
		return nil, "", err
	}
	module, err := l.host.Load(ctx, name, adapted)
	if err != nil {
		return nil, "", err
	}
	return module, adapted, nil
}

func (l *Loader) fetch(ctx context.Context, baseURL, path string) (string, error) {
	target := endpoint.VariantURL(baseURL, path)
	metadata := map[string]string{"url": target}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", apperrors.WrapWithMetadata(apperrors.CodeNetworkFailure, "build variant request", metadata, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", apperrors.WrapWithMetadata(apperrors.CodeNetworkFailure, "variant request", metadata, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperrors.WithMetadata(apperrors.CodeNetworkFailure, fmt.Sprintf("variant endpoint returned %d", resp.StatusCode), metadata)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return "", apperrors.WrapWithMetadata(apperrors.CodeNetworkFailure, "read variant", metadata, err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", apperrors.WithMetadata(apperrors.CodeNetworkFailure, "variant body is empty", metadata)
	}
	return string(raw), nil
}
