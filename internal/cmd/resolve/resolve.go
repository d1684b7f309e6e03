// Package resolve parses resolve command flags and resolves one experiment.
package resolve

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"

	entrypoint "github.com/louisbranch/probat/internal/platform/cmd"
	"github.com/louisbranch/probat/internal/services/probat/app"
	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/metrics"
	"github.com/louisbranch/probat/internal/services/probat/resolver"
)

// Config holds resolve command configuration.
type Config struct {
	ID      string `env:"PROBAT_RESOLVE_ID"`
	Visitor string `env:"PROBAT_RESOLVE_VISITOR"`
	Variant string
	Report  string
	Runtime app.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.ID, "id", cfg.ID, "experiment identifier to resolve")
	fs.StringVar(&cfg.Visitor, "visitor", cfg.Visitor, "visitor namespace in storage")
	fs.StringVar(&cfg.Variant, "variant", cfg.Variant, "force a variant label")
	fs.StringVar(&cfg.Report, "report", cfg.Report, "report a metric with this name after resolving")
	fs.StringVar(&cfg.Runtime.BaseURL, "base-url", cfg.Runtime.BaseURL, "experimentation service base URL")
	fs.StringVar(&cfg.Runtime.Storage, "storage", cfg.Runtime.Storage, "storage backend (memory, bbolt, sqlite)")
	fs.StringVar(&cfg.Runtime.DBPath, "db-path", cfg.Runtime.DBPath, "storage file for bbolt and sqlite")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.ID) == "" {
		return Config{}, errors.New("-id is required")
	}
	return cfg, nil
}

// Run resolves cfg.ID and writes "label experiment_id source" to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceResolve, func(ctx context.Context) error {
		return resolve(ctx, cfg, out)
	})
}

func resolve(ctx context.Context, cfg Config, out io.Writer) (err error) {
	rt, err := app.Open(cfg.Runtime)
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}
	defer func() {
		if closeErr := rt.Close(ctx); closeErr != nil {
			log.Printf("probat: close runtime: %v", closeErr)
		}
	}()

	visitor, err := rt.ForVisitor(cfg.Visitor)
	if err != nil {
		return err
	}
	d := visitor.Resolver.Resolve(ctx, resolver.Request{
		BaseURL:  cfg.Runtime.BaseURL,
		ID:       decision.ID(strings.TrimSpace(cfg.ID)),
		Override: cfg.Variant,
	})

	experimentID := d.ExperimentID
	if experimentID == "" {
		experimentID = "-"
	}
	if _, err := fmt.Fprintf(out, "%s %s %s\n", d.Label, experimentID, d.Source); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if name := strings.TrimSpace(cfg.Report); name != "" {
		visitor.Reporter.Report(ctx, metrics.Event{
			BaseURL:      cfg.Runtime.BaseURL,
			ExperimentID: d.ExperimentID,
			ID:           d.ID,
			Label:        d.Label,
			Name:         name,
		})
	}
	return nil
}
