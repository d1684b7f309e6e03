// Package endpoint resolves the experimentation service base URL and builds
// the service URLs the runtime calls.
package endpoint

import (
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/louisbranch/probat/internal/platform/config"
	"github.com/louisbranch/probat/internal/services/probat/decision"
)

// DefaultBaseURL is used when nothing else names a service.
const DefaultBaseURL = "https://gushi.onrender.com"

// Env holds the environment-level base URL.
type Env struct {
	BaseURL string `env:"PROBAT_API"`
}

// global is the process-wide runtime override, published atomically so
// readers never lock.
var global atomic.Pointer[string]

// SetGlobal installs a process-wide base URL override. It ranks below the
// PROBAT_API environment variable and above the default.
func SetGlobal(baseURL string) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		global.Store(nil)
		return
	}
	global.Store(&baseURL)
}

// Global returns the process-wide override, or "" when unset.
func Global() string {
	if p := global.Load(); p != nil {
		return *p
	}
	return ""
}

// BaseURL picks the service base URL. Precedence: explicit per-call value,
// then PROBAT_API, then the global override, then DefaultBaseURL. The result
// has no trailing slash.
func BaseURL(explicit string) string {
	return pick(explicit, envBaseURL(), Global())
}

func pick(candidates ...string) string {
	for _, candidate := range candidates {
		if trimmed := trim(candidate); trimmed != "" {
			return trimmed
		}
	}
	return DefaultBaseURL
}

func envBaseURL() string {
	var cfg Env
	if err := config.ParseEnv(&cfg); err != nil {
		return ""
	}
	return cfg.BaseURL
}

func trim(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// RetrieveURL is the decision endpoint for id.
func RetrieveURL(baseURL string, id decision.ID) string {
	return trim(baseURL) + "/retrieve_react_experiment/" + url.PathEscape(string(id))
}

// VariantURL is the variant code endpoint for a slash-separated path. Each
// segment is escaped on its own so the separators survive.
func VariantURL(baseURL, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return trim(baseURL) + "/variants/" + strings.Join(segments, "/")
}

// MetricsURL is the metrics endpoint for an experiment.
func MetricsURL(baseURL, experimentID string) string {
	return trim(baseURL) + "/experiments/" + url.PathEscape(experimentID) + "/metrics"
}

// DefaultVariantPath is the code path used when a registry entry does not
// name one: {proposal}/{experiment or label}.lua.
func DefaultVariantPath(d decision.Decision) string {
	leaf := strings.TrimSpace(d.ExperimentID)
	if leaf == "" {
		leaf = string(d.Label)
	}
	return string(d.ID) + "/" + leaf + ".lua"
}
