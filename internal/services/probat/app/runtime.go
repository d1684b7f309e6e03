// Package app wires configuration, storage and the resolution pipeline into
// a runtime that hands out per-visitor collaborators.
//
// One process serves many visitors. Each visitor gets its own namespace in
// the shared storage backend, the way each browser has its own local
// storage, while the deduplication group and metric reporter are shared.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/probat/internal/platform/requestctx"
	"github.com/louisbranch/probat/internal/services/probat/endpoint"
	"github.com/louisbranch/probat/internal/services/probat/inflight"
	"github.com/louisbranch/probat/internal/services/probat/metrics"
	"github.com/louisbranch/probat/internal/services/probat/resolver"
	"github.com/louisbranch/probat/internal/services/probat/storage"
	storagebbolt "github.com/louisbranch/probat/internal/services/probat/storage/bbolt"
	"github.com/louisbranch/probat/internal/services/probat/storage/memory"
	storagesqlite "github.com/louisbranch/probat/internal/services/probat/storage/sqlite"
	"github.com/louisbranch/probat/internal/services/probat/usage"
	"github.com/louisbranch/probat/internal/services/probat/variant"
)

// Runtime owns the shared pieces of the pipeline.
type Runtime struct {
	cfg      Config
	backend  storage.Backend
	client   *http.Client
	group    *inflight.Group
	reporter *metrics.Reporter
	host     *variant.ModuleHost
	clock    func() time.Time
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithBackend replaces the configured storage backend.
func WithBackend(backend storage.Backend) Option {
	return func(r *Runtime) { r.backend = backend }
}

// WithHTTPClient replaces the client used for every service call.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Runtime) {
		if client != nil {
			r.client = client
		}
	}
}

// WithClock injects the time source for stores and resolvers.
func WithClock(clock func() time.Time) Option {
	return func(r *Runtime) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithGroup replaces the process-wide deduplication group.
func WithGroup(group *inflight.Group) Option {
	return func(r *Runtime) {
		if group != nil {
			r.group = group
		}
	}
}

// Open validates cfg, opens the storage backend and builds a runtime.
func Open(cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		group:  inflight.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.backend == nil {
		backend, err := openBackend(cfg)
		if err != nil {
			return nil, err
		}
		r.backend = backend
	}
	r.reporter = metrics.New(metrics.WithHTTPClient(r.client), metrics.WithSource(cfg.MetricSource))
	r.host = variant.NewModuleHost(variant.WithInstructionBudget(cfg.VariantInstructions))
	return r, nil
}

func openBackend(cfg Config) (storage.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage)) {
	case StorageMemory:
		return memory.New(), nil
	case StorageBolt:
		if err := ensureDir(cfg.DBPath); err != nil {
			return nil, err
		}
		store, err := storagebbolt.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open bbolt storage: %w", err)
		}
		return store, nil
	case StorageSQLite:
		if err := ensureDir(cfg.DBPath); err != nil {
			return nil, err
		}
		store, err := storagesqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage %q", cfg.Storage)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	return nil
}

// Config returns the configuration the runtime was opened with.
func (r *Runtime) Config() Config {
	return r.cfg
}

// BaseURL is the service URL usages should call.
func (r *Runtime) BaseURL() string {
	return endpoint.BaseURL(r.cfg.BaseURL)
}

// Reporter is the shared metric reporter.
func (r *Runtime) Reporter() *metrics.Reporter {
	return r.reporter
}

// Visitor bundles the collaborators scoped to one visitor.
type Visitor struct {
	ID       string
	Choices  *storage.ChoiceStore
	Payloads *storage.PayloadStore
	Resolver *resolver.Resolver
	Loader   *variant.Loader
	Reporter *metrics.Reporter
}

// Deps returns the visitor's collaborators in the shape usages take.
func (v *Visitor) Deps() usage.Deps {
	return usage.Deps{Resolver: v.Resolver, Loader: v.Loader, Reporter: v.Reporter}
}

// ForVisitor builds collaborators scoped to visitorID. An empty id shares
// the unscoped namespace.
func (r *Runtime) ForVisitor(visitorID string) (*Visitor, error) {
	visitorID = strings.TrimSpace(visitorID)
	opts := []storage.Option{
		storage.WithNamespace(visitorID),
		storage.WithTTL(r.cfg.TTL),
		storage.WithClock(r.clock),
	}
	choices := storage.NewChoiceStore(r.backend, opts...)
	payloads := storage.NewPayloadStore(r.backend, opts...)

	res, err := resolver.New(choices,
		resolver.WithHTTPClient(r.client),
		resolver.WithGroup(r.group),
		resolver.WithClock(r.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}
	loader, err := variant.New(payloads,
		variant.WithHTTPClient(r.client),
		variant.WithGroup(r.group),
		variant.WithModuleHost(r.host),
	)
	if err != nil {
		return nil, fmt.Errorf("build loader: %w", err)
	}
	return &Visitor{
		ID:       visitorID,
		Choices:  choices,
		Payloads: payloads,
		Resolver: res,
		Loader:   loader,
		Reporter: r.reporter,
	}, nil
}

// NewUsage builds a usage for visitorID. An empty cfg.BaseURL uses the
// runtime's configured service.
func (r *Runtime) NewUsage(visitorID string, cfg usage.Config) (*usage.Usage, error) {
	visitor, err := r.ForVisitor(visitorID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = r.cfg.BaseURL
	}
	return usage.New(cfg, visitor.Deps())
}

// UsageFor builds a usage for the visitor carried by ctx. A context without
// a visitor shares the unscoped namespace.
func (r *Runtime) UsageFor(ctx context.Context, cfg usage.Config) (*usage.Usage, error) {
	return r.NewUsage(requestctx.VisitorIDFromContext(ctx), cfg)
}

// Close waits for queued metrics within ctx and closes the backend.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.reporter != nil {
		if err := r.reporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush metrics: %w", err))
		}
	}
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
