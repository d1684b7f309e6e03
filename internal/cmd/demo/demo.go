// Package demo parses demo command flags and starts the demo page server.
package demo

import (
	"context"
	"flag"
	"fmt"
	"strings"

	entrypoint "github.com/louisbranch/probat/internal/platform/cmd"
	"github.com/louisbranch/probat/internal/services/probat/app"
	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/endpoint"
	"github.com/louisbranch/probat/internal/services/probat/web"
)

// Config holds demo command configuration.
type Config struct {
	HTTPAddr      string `env:"PROBAT_DEMO_HTTP_ADDR"     envDefault:":8090"`
	Experiment    string `env:"PROBAT_DEMO_EXPERIMENT_ID" envDefault:"signup-button"`
	RemotePath    string `env:"PROBAT_DEMO_REMOTE_PATH"`
	GlobalBaseURL string `env:"PROBAT_DEMO_GLOBAL_API"`
	Runtime       app.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "demo HTTP listen address")
	fs.StringVar(&cfg.Experiment, "experiment", cfg.Experiment, "experiment identifier rendered on the page")
	fs.StringVar(&cfg.RemotePath, "remote-path", cfg.RemotePath, "variant code path for remote variant b")
	fs.StringVar(&cfg.Runtime.BaseURL, "base-url", cfg.Runtime.BaseURL, "experimentation service base URL")
	fs.StringVar(&cfg.GlobalBaseURL, "global-base-url", cfg.GlobalBaseURL, "process-wide service base URL used when no other is set")
	fs.StringVar(&cfg.Runtime.Storage, "storage", cfg.Runtime.Storage, "storage backend (memory, bbolt, sqlite)")
	fs.StringVar(&cfg.Runtime.DBPath, "db-path", cfg.Runtime.DBPath, "storage file for bbolt and sqlite")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the runtime and serves the demo page until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDemo, func(ctx context.Context) error {
		installGlobalBaseURL(cfg.GlobalBaseURL)
		rt, err := app.Open(cfg.Runtime)
		if err != nil {
			return fmt.Errorf("open runtime: %w", err)
		}
		if err := web.Run(ctx, web.Config{
			HTTPAddr: cfg.HTTPAddr,
			Demo: web.Demo{
				ID:         decision.ID(cfg.Experiment),
				RemotePath: cfg.RemotePath,
			},
		}, rt); err != nil {
			return fmt.Errorf("serve demo: %w", err)
		}
		return nil
	})
}

// installGlobalBaseURL sets the process-wide service URL, which applies only
// when neither -base-url nor PROBAT_API names a service.
func installGlobalBaseURL(baseURL string) {
	if strings.TrimSpace(baseURL) == "" {
		return
	}
	endpoint.SetGlobal(baseURL)
}
