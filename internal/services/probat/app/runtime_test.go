package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-h/templ"
	"github.com/louisbranch/probat/internal/platform/requestctx"
	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/resolver"
	"github.com/louisbranch/probat/internal/services/probat/storage/memory"
	"github.com/louisbranch/probat/internal/services/probat/usage"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Storage != StorageMemory {
		t.Fatalf("Storage = %q, want %q", cfg.Storage, StorageMemory)
	}
	if cfg.TTL != 6*time.Hour {
		t.Fatalf("TTL = %v, want 6h", cfg.TTL)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Fatalf("HTTPTimeout = %v, want 10s", cfg.HTTPTimeout)
	}
	if cfg.MetricSource != "go" {
		t.Fatalf("MetricSource = %q, want go", cfg.MetricSource)
	}
	if cfg.VariantInstructions != 5_000_000 {
		t.Fatalf("VariantInstructions = %d, want 5000000", cfg.VariantInstructions)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PROBAT_API", "http://probat.test")
	t.Setenv("PROBAT_STORAGE", "sqlite")
	t.Setenv("PROBAT_DB_PATH", "/tmp/p.db")
	t.Setenv("PROBAT_TTL", "30m")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BaseURL != "http://probat.test" || cfg.Storage != StorageSQLite || cfg.DBPath != "/tmp/p.db" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.TTL != 30*time.Minute {
		t.Fatalf("TTL = %v, want 30m", cfg.TTL)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{Storage: StorageMemory, TTL: time.Hour, HTTPTimeout: time.Second}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "memory", mutate: func(*Config) {}},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = "redis" }, wantErr: true},
		{name: "bbolt without path", mutate: func(c *Config) { c.Storage = StorageBolt }, wantErr: true},
		{name: "sqlite with path", mutate: func(c *Config) { c.Storage = StorageSQLite; c.DBPath = "x.db" }},
		{name: "zero ttl", mutate: func(c *Config) { c.TTL = 0 }, wantErr: true},
		{name: "negative timeout", mutate: func(c *Config) { c.HTTPTimeout = -time.Second }, wantErr: true},
		{name: "negative variant budget", mutate: func(c *Config) { c.VariantInstructions = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenDiskBackends(t *testing.T) {
	for _, storage := range []string{StorageBolt, StorageSQLite} {
		t.Run(storage, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "probat.db")
			rt, err := Open(Config{Storage: storage, DBPath: path, TTL: time.Hour})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			visitor, err := rt.ForVisitor("v1")
			if err != nil {
				t.Fatalf("for visitor: %v", err)
			}
			ctx := context.Background()
			visitor.Choices.Put(ctx, decision.Decision{ID: "p1", Label: "b", FetchedAt: time.Now()})
			if got, ok := visitor.Choices.Get(ctx, "p1"); !ok || got.Label != "b" {
				t.Fatalf("Get = %+v, %v", got, ok)
			}
			if err := rt.Close(ctx); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	if _, err := Open(Config{Storage: "nope", TTL: time.Hour}); err == nil {
		t.Fatal("expected error")
	}
}

func newService(t *testing.T, label string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"proposal_id":"p1","experiment_id":"e1","label":"`+label+`"}`)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestVisitorsAreIsolated(t *testing.T) {
	srv, calls := newService(t, "b")
	backend := memory.New()
	rt, err := Open(Config{BaseURL: srv.URL, Storage: StorageMemory, TTL: time.Hour}, WithBackend(backend))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	ctx := context.Background()
	first, err := rt.ForVisitor("v1")
	if err != nil {
		t.Fatalf("for visitor: %v", err)
	}
	second, err := rt.ForVisitor("v2")
	if err != nil {
		t.Fatalf("for visitor: %v", err)
	}

	got := first.Resolver.Resolve(ctx, resolver.Request{BaseURL: srv.URL, ID: "p1"})
	if got.Label != "b" || got.Source != decision.SourceNetwork {
		t.Fatalf("first resolve = %+v", got)
	}
	if _, ok := second.Choices.Get(ctx, "p1"); ok {
		t.Fatal("second visitor should not see first visitor's choice")
	}
	first.Resolver.Resolve(ctx, resolver.Request{BaseURL: srv.URL, ID: "p1"})
	second.Resolver.Resolve(ctx, resolver.Request{BaseURL: srv.URL, ID: "p1"})
	if n := calls.Load(); n != 2 {
		t.Fatalf("service calls = %d, want 2", n)
	}
	if backend.Raw("visitor/v1/probat_choice_v2") == nil {
		t.Fatal("expected choice stored under the visitor namespace")
	}
}

func TestNewUsageUsesConfiguredBaseURL(t *testing.T) {
	srv, _ := newService(t, "a")
	rt, err := Open(Config{BaseURL: srv.URL, Storage: StorageMemory, TTL: time.Hour})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	control := templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "control")
		return err
	})
	variantA := templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "variant a")
		return err
	})
	u, err := rt.NewUsage("v1", usage.Config{
		ID:       "p1",
		Control:  control,
		Registry: usage.Registry{"a": usage.Static{Component: variantA}},
	})
	if err != nil {
		t.Fatalf("new usage: %v", err)
	}
	defer u.Close()

	u.Activate(context.Background())
	select {
	case <-u.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("usage did not settle")
	}
	var out strings.Builder
	if err := u.Render(context.Background(), &out); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out.String(), "variant a") {
		t.Fatalf("render = %q, want variant a", out.String())
	}
}

func TestUsageForScopesToContextVisitor(t *testing.T) {
	srv, _ := newService(t, "b")
	backend := memory.New()
	rt, err := Open(Config{BaseURL: srv.URL, Storage: StorageMemory, TTL: time.Hour}, WithBackend(backend))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	ctx := requestctx.WithVisitorID(context.Background(), "v9")
	u, err := rt.UsageFor(ctx, usage.Config{
		ID: "p1",
		Control: templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
			_, err := io.WriteString(w, "control")
			return err
		}),
	})
	if err != nil {
		t.Fatalf("usage for: %v", err)
	}
	defer u.Close()

	u.Activate(ctx)
	select {
	case <-u.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("usage did not settle")
	}
	if backend.Raw("visitor/v9/probat_choice_v2") == nil {
		t.Fatal("expected choice stored under the context visitor")
	}
	if backend.Raw("probat_choice_v2") != nil {
		t.Fatal("expected nothing stored in the unscoped namespace")
	}
}

func TestVariantInstructionBudgetApplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/variants/") {
			_, _ = io.WriteString(w, `
local n = 0
for i = 1, 100000 do n = n + i end
return { default = function() return "heavy" end }
`)
			return
		}
		_, _ = io.WriteString(w, `{"proposal_id":"p1","experiment_id":"e1","label":"b"}`)
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name         string
		instructions int
		wantLabel    decision.Label
	}{
		{name: "default budget runs variant", wantLabel: "b"},
		{name: "small budget falls back to control", instructions: 10_000, wantLabel: decision.Control},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := Open(Config{BaseURL: srv.URL, Storage: StorageMemory, TTL: time.Hour, VariantInstructions: tt.instructions})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { _ = rt.Close(context.Background()) })

			u, err := rt.NewUsage("v1", usage.Config{
				ID: "p1",
				Control: templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
					_, err := io.WriteString(w, "control")
					return err
				}),
				Registry: usage.Registry{"b": usage.Remote{}},
			})
			if err != nil {
				t.Fatalf("new usage: %v", err)
			}
			defer u.Close()

			u.Activate(context.Background())
			select {
			case <-u.Settled():
			case <-time.After(5 * time.Second):
				t.Fatal("usage did not settle")
			}
			if got := u.State().Label; got != tt.wantLabel {
				t.Fatalf("label = %q, want %q", got, tt.wantLabel)
			}
		})
	}
}

func TestCloseNilRuntime(t *testing.T) {
	var rt *Runtime
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("close nil runtime: %v", err)
	}
}
