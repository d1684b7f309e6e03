// Package usage renders one experimented component.
//
// A Usage starts Unresolved, moves to Resolving while the resolver runs, and
// ends Ready with a label. It never fails: until it is Ready, and whenever
// the label is control, unknown, or its code cannot load, the control
// implementation renders. Interactions are reported with the label of the
// implementation on screen at that moment.
package usage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"maps"
	"strings"
	"sync"

	"github.com/a-h/templ"
	apperrors "github.com/louisbranch/probat/internal/platform/errors"
	"github.com/louisbranch/probat/internal/platform/requestctx"
	"github.com/louisbranch/probat/internal/services/probat/decision"
	"github.com/louisbranch/probat/internal/services/probat/metrics"
	"github.com/louisbranch/probat/internal/services/probat/resolver"
	"github.com/louisbranch/probat/internal/services/probat/variant"
)

// Phase is the resolution state of a Usage.
type Phase int

const (
	Unresolved Phase = iota
	Resolving
	Ready
)

func (p Phase) String() string {
	switch p {
	case Unresolved:
		return "unresolved"
	case Resolving:
		return "resolving"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Resolver is the subset of resolver.Resolver a Usage needs.
type Resolver interface {
	Peek(ctx context.Context, req resolver.Request) (decision.Decision, bool)
	Resolve(ctx context.Context, req resolver.Request) decision.Decision
}

// Loader is the subset of variant.Loader a Usage needs.
type Loader interface {
	Load(ctx context.Context, req variant.Request) (*variant.Handle, error)
}

// Reporter is the subset of metrics.Reporter a Usage needs.
type Reporter interface {
	Report(ctx context.Context, ev metrics.Event)
}

// Interaction describes one user interaction. Empty fields take the metric
// defaults.
type Interaction struct {
	Name       string
	Value      *float64
	Unit       string
	Dimensions map[string]any
}

// MetricEvent is passed to Config.OnMetric after each report.
type MetricEvent struct {
	ExperimentID string
	Label        decision.Label
}

// Config describes one usage.
type Config struct {
	ID       decision.ID
	Control  templ.Component
	Registry Registry
	// Props are passed to remote implementations.
	Props variant.Props
	// Handler runs on every interaction before the metric is reported.
	Handler    func(ctx context.Context, in Interaction) error
	BaseURL    string
	Dimensions map[string]any
	OnMetric   func(MetricEvent)
}

// Deps are the collaborators of a Usage.
type Deps struct {
	Resolver Resolver
	Loader   Loader
	Reporter Reporter
}

// State is a snapshot of a Usage.
type State struct {
	Phase Phase
	// Label is the resolved label, or control when the resolved label is
	// unknown or failed to load.
	Label     decision.Label
	Selection decision.Selection[templ.Component]
	Decision  decision.Decision
}

// Usage is one experimented component on one page.
type Usage struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	alive     bool
	phase     Phase
	label     decision.Label
	decision  decision.Decision
	selection decision.Selection[templ.Component]
	cancel    context.CancelFunc
	settled   chan struct{}
}

// New validates cfg and returns an Unresolved usage.
func New(cfg Config, deps Deps) (*Usage, error) {
	if strings.TrimSpace(string(cfg.ID)) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "usage id is required")
	}
	if cfg.Control == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "control implementation is required")
	}
	if deps.Resolver == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "resolver is required")
	}
	for label, impl := range cfg.Registry {
		if _, remote := impl.(Remote); remote && deps.Loader == nil {
			return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "remote implementation requires a loader", map[string]string{"label": string(label)})
		}
	}
	return &Usage{
		cfg:       cfg,
		deps:      deps,
		alive:     true,
		label:     decision.Control,
		selection: decision.ControlSelection[templ.Component](),
		settled:   make(chan struct{}),
	}, nil
}

// Activate starts resolution. A forced label in ctx (see
// requestctx.VariantOverride) or a fresh cached decision makes the usage
// Ready before Activate returns; otherwise resolution continues in the
// background. Later calls are no-ops.
func (u *Usage) Activate(ctx context.Context) {
	u.mu.Lock()
	if !u.alive || u.phase != Unresolved {
		u.mu.Unlock()
		return
	}
	u.phase = Resolving
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u.cancel = cancel
	u.mu.Unlock()

	req := resolver.Request{
		BaseURL:  u.cfg.BaseURL,
		ID:       u.cfg.ID,
		Override: requestctx.VariantOverride(ctx),
		Known:    u.cfg.Registry.Known,
	}
	if d, ok := u.deps.Resolver.Peek(runCtx, req); ok {
		u.ready(runCtx, d)
		return
	}
	go func() {
		u.ready(runCtx, u.deps.Resolver.Resolve(runCtx, req))
	}()
}

// ready moves the usage to Ready for d. Remote implementations keep control
// on screen until their code loads.
func (u *Usage) ready(ctx context.Context, d decision.Decision) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.alive {
		return
	}
	u.phase = Ready
	u.decision = d

	impl, ok := u.cfg.Registry.Lookup(d.Label)
	if !ok {
		if !d.Label.IsControl() {
			log.Printf("probat: %s resolved unknown label %q, rendering control", u.cfg.ID, d.Label)
		}
		u.settleLocked(decision.Control, decision.ControlSelection[templ.Component]())
		return
	}

	switch impl := impl.(type) {
	case Static:
		u.settleLocked(d.Label, decision.VariantSelection(d.Label, impl.Component))
	case Remote:
		u.label = d.Label
		go u.load(ctx, d, impl)
	}
}

func (u *Usage) load(ctx context.Context, d decision.Decision, impl Remote) {
	handle, err := u.deps.Loader.Load(ctx, variant.Request{
		BaseURL:  u.cfg.BaseURL,
		ID:       u.cfg.ID,
		Decision: d,
		Path:     impl.Path,
	})

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.alive {
		return
	}
	if err != nil {
		log.Printf("probat: %s variant %q unavailable (%s), rendering control: %v", u.cfg.ID, d.Label, apperrors.CodeOf(err), err)
		u.settleLocked(decision.Control, decision.ControlSelection[templ.Component]())
		return
	}
	u.settleLocked(d.Label, decision.VariantSelection(d.Label, handle.Component(u.cfg.Control, u.cfg.Props)))
}

func (u *Usage) settleLocked(label decision.Label, selection decision.Selection[templ.Component]) {
	u.label = label
	u.selection = selection
	select {
	case <-u.settled:
	default:
		close(u.settled)
	}
}

// Render writes the current selection inside a span that names the
// identifier and the label on screen. A usage that was never activated is
// activated first. Variant output is buffered so a failing variant falls
// back to control cleanly.
func (u *Usage) Render(ctx context.Context, w io.Writer) error {
	u.mu.Lock()
	phase := u.phase
	u.mu.Unlock()
	if phase == Unresolved {
		u.Activate(ctx)
	}

	u.mu.Lock()
	selection := u.selection
	u.mu.Unlock()

	body, label := u.renderSelection(ctx, selection)
	if _, err := fmt.Fprintf(w, `<span data-probat-id="%s" data-probat-label="%s">`,
		templ.EscapeString(string(u.cfg.ID)), templ.EscapeString(string(label))); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	_, err := io.WriteString(w, "</span>")
	return err
}

func (u *Usage) renderSelection(ctx context.Context, selection decision.Selection[templ.Component]) ([]byte, decision.Label) {
	var buf bytes.Buffer
	if component, ok := selection.Variant(); ok {
		err := component.Render(ctx, &buf)
		if err == nil {
			return buf.Bytes(), selection.Label()
		}
		log.Printf("probat: %s variant %q failed to render (%s), rendering control: %v", u.cfg.ID, selection.Label(), apperrors.CodeOf(err), err)
		buf.Reset()
		if apperrors.HasCode(err, apperrors.CodeCodeAdaptationFailure) {
			u.abandon(selection.Label())
		}
	}
	if err := u.cfg.Control.Render(ctx, &buf); err != nil {
		log.Printf("probat: %s control failed to render: %v", u.cfg.ID, err)
	}
	return buf.Bytes(), decision.Control
}

// abandon settles on control when label is still the selected variant. Code
// that failed to run is not tried again for the life of the usage.
func (u *Usage) abandon(label decision.Label) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.alive || u.selection.IsControl() || u.selection.Label() != label {
		return
	}
	u.settleLocked(decision.Control, decision.ControlSelection[templ.Component]())
}

// Interact runs the handler, then reports one metric tagged with the label
// currently on screen. Handler panics and errors are logged and do not stop
// the report.
func (u *Usage) Interact(ctx context.Context, in Interaction) {
	u.runHandler(ctx, in)

	u.mu.Lock()
	label := u.selection.Label()
	d := u.decision
	u.mu.Unlock()
	if d.ID == "" {
		d.ID = u.cfg.ID
	}

	dimensions := make(map[string]any, len(u.cfg.Dimensions)+len(in.Dimensions))
	maps.Copy(dimensions, u.cfg.Dimensions)
	maps.Copy(dimensions, in.Dimensions)

	if u.deps.Reporter != nil {
		u.deps.Reporter.Report(ctx, metrics.Event{
			BaseURL:      u.cfg.BaseURL,
			ExperimentID: d.ExperimentID,
			ID:           u.cfg.ID,
			Label:        label,
			Name:         in.Name,
			Value:        in.Value,
			Unit:         in.Unit,
			Dimensions:   dimensions,
		})
	}
	if u.cfg.OnMetric != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("probat: %s metric callback panicked: %v", u.cfg.ID, r)
				}
			}()
			u.cfg.OnMetric(MetricEvent{ExperimentID: d.MetricExperimentID(), Label: label})
		}()
	}
}

func (u *Usage) runHandler(ctx context.Context, in Interaction) {
	if u.cfg.Handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("probat: %s interaction handler panicked: %v", u.cfg.ID, r)
		}
	}()
	if err := u.cfg.Handler(ctx, in); err != nil {
		log.Printf("probat: %s interaction handler: %v", u.cfg.ID, err)
	}
}

// Close tears the usage down. Resolutions and loads still running finish
// without touching its state.
func (u *Usage) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.alive {
		return
	}
	u.alive = false
	if u.cancel != nil {
		u.cancel()
	}
}

// Settled is closed once the usage shows its final selection.
func (u *Usage) Settled() <-chan struct{} {
	return u.settled
}

// State returns a snapshot.
func (u *Usage) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return State{Phase: u.phase, Label: u.label, Selection: u.selection, Decision: u.decision}
}
