package variant

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Shopify/go-lua"
	apperrors "github.com/louisbranch/probat/internal/platform/errors"
	"github.com/louisbranch/probat/internal/platform/timeouts"
)

// exportKey holds the module's export in the Lua registry.
const exportKey = "probat.variant.export"

// DefaultInstructionBudget bounds the Lua instructions one Load or one Render
// may execute.
const DefaultInstructionBudget = 5_000_000

// hookInterval is how many instructions run between budget checks.
const hookInterval = 1000

// Exports are looked up in this order. applyVariant receives the control
// markup; the others receive props only.
const (
	exportApplyVariant = "applyVariant"
	exportVariant      = "Variant"
	exportDefault      = "default"
)

// Props are passed to a variant's export as a Lua table.
type Props map[string]any

// ModuleHost executes adapted variant code.
type ModuleHost struct {
	budget        int
	loadTimeout   time.Duration
	renderTimeout time.Duration
}

// HostOption customizes a ModuleHost.
type HostOption func(*ModuleHost)

// WithInstructionBudget bounds the instructions per Load and per Render.
func WithInstructionBudget(n int) HostOption {
	return func(h *ModuleHost) {
		if n > 0 {
			h.budget = n
		}
	}
}

// WithLoadTimeout bounds running a chunk's top level.
func WithLoadTimeout(d time.Duration) HostOption {
	return func(h *ModuleHost) {
		if d > 0 {
			h.loadTimeout = d
		}
	}
}

// WithRenderTimeout bounds one call into a module's export.
func WithRenderTimeout(d time.Duration) HostOption {
	return func(h *ModuleHost) {
		if d > 0 {
			h.renderTimeout = d
		}
	}
}

// NewModuleHost returns a host.
func NewModuleHost(opts ...HostOption) *ModuleHost {
	h := &ModuleHost{
		budget:        DefaultInstructionBudget,
		loadTimeout:   timeouts.VariantLoad,
		renderTimeout: timeouts.VariantRender,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Module is one executed variant chunk. Lua states are not safe for
// concurrent use; Render serializes calls. A module whose export was
// interrupted is broken and fails every later call.
type Module struct {
	name          string
	export        string
	budget        int
	renderTimeout time.Duration

	mu     sync.Mutex
	state  *lua.State
	broken error
}

// Load runs adapted in a fresh Lua state with only the base, string, table
// and math libraries and the host UI binding. The chunk must return a table
// whose applyVariant, Variant or default field is a function. Running the
// chunk is bounded by the host's load timeout and instruction budget.
func (h *ModuleHost) Load(ctx context.Context, name, adapted string) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, h.loadTimeout)
	defer cancel()
	metadata := map[string]string{"module": name}

	state := newSandbox(name)
	if err := lua.LoadBuffer(state, adapted, name, "t"); err != nil {
		return nil, apperrors.WrapWithMetadata(apperrors.CodeCodeAdaptationFailure, "compile variant", metadata, err)
	}
	limit := limitExecution(ctx, state, h.budget)
	err := state.ProtectedCall(0, 1, 0)
	limit.release()
	if err != nil {
		return nil, apperrors.WrapWithMetadata(apperrors.CodeCodeAdaptationFailure, "run variant", metadata, err)
	}
	if state.TypeOf(-1) != lua.TypeTable {
		return nil, apperrors.WithMetadata(apperrors.CodeCodeAdaptationFailure, "variant must return a table", metadata)
	}

	export := ""
	for _, field := range []string{exportApplyVariant, exportVariant, exportDefault} {
		state.Field(-1, field)
		if state.TypeOf(-1) == lua.TypeFunction {
			state.SetField(lua.RegistryIndex, exportKey)
			export = field
			break
		}
		state.Pop(1)
	}
	state.SetTop(0)
	if export == "" {
		return nil, apperrors.WithMetadata(apperrors.CodeCodeAdaptationFailure, "variant has no default export", metadata)
	}
	return &Module{
		name:          name,
		export:        export,
		budget:        h.budget,
		renderTimeout: h.renderTimeout,
		state:         state,
	}, nil
}

// executionLimit aborts a running chunk once its context ends or its
// instruction budget is spent.
type executionLimit struct {
	state   *lua.State
	tripped bool
}

// limitExecution installs a count hook on state. Call release when the
// protected call returns.
func limitExecution(ctx context.Context, state *lua.State, budget int) *executionLimit {
	limit := &executionLimit{state: state}
	executed := 0
	lua.SetDebugHook(state, func(state *lua.State, _ lua.Debug) {
		executed += hookInterval
		if err := ctx.Err(); err != nil {
			limit.tripped = true
			lua.Errorf(state, "variant interrupted: %s", err.Error())
		}
		if executed > budget {
			limit.tripped = true
			lua.Errorf(state, "variant exceeded %d instructions", budget)
		}
	}, lua.MaskCount, hookInterval)
	return limit
}

func (l *executionLimit) release() {
	lua.SetDebugHook(l.state, nil, 0, 0)
}

func newSandbox(name string) *lua.State {
	state := lua.NewState()
	for _, lib := range []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "math", Function: lua.MathOpen},
	} {
		lua.Require(state, lib.Name, lib.Function, true)
		state.Pop(1)
	}
	for _, global := range []string{"dofile", "loadfile"} {
		state.PushNil()
		state.SetGlobal(global)
	}
	state.PushGoFunction(func(state *lua.State) int {
		parts := make([]string, 0, state.Top())
		for i := 1; i <= state.Top(); i++ {
			value, _ := attributeValue(state, i)
			parts = append(parts, value)
		}
		log.Printf("probat variant %s: %s", name, strings.Join(parts, " "))
		return 0
	})
	state.SetGlobal("print")
	installHostUI(state)
	return state
}

// Name is the chunk name the module was loaded under.
func (m *Module) Name() string {
	return m.name
}

// Wraps reports whether the module's export is applyVariant, which needs
// the control markup to render.
func (m *Module) Wraps() bool {
	return m.export == exportApplyVariant
}

// Render calls the export with props and returns its markup. Plain strings
// returned by the export are escaped.
func (m *Module) Render(ctx context.Context, props Props) (string, error) {
	return m.call(ctx, "", props)
}

// Apply calls an applyVariant export with the control markup and props. For
// other exports original is ignored.
func (m *Module) Apply(ctx context.Context, original string, props Props) (string, error) {
	return m.call(ctx, original, props)
}

func (m *Module) call(ctx context.Context, original string, props Props) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, m.renderTimeout)
	defer cancel()
	metadata := map[string]string{"module": m.name}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return "", apperrors.WrapWithMetadata(apperrors.CodeCodeAdaptationFailure, "variant unavailable", metadata, m.broken)
	}

	state := m.state
	defer state.SetTop(0)

	state.Field(lua.RegistryIndex, exportKey)
	args := 1
	if m.Wraps() {
		pushMarkup(state, original)
		args++
	}
	pushValue(state, map[string]any(props))

	limit := limitExecution(ctx, state, m.budget)
	err := state.ProtectedCall(args, 1, 0)
	limit.release()
	if err != nil {
		if limit.tripped {
			m.broken = err
		}
		return "", apperrors.WrapWithMetadata(apperrors.CodeCodeAdaptationFailure, "render variant", metadata, err)
	}
	html, err := toHTML(state, -1)
	if err != nil {
		return "", apperrors.WrapWithMetadata(apperrors.CodeCodeAdaptationFailure, "render variant", metadata, err)
	}
	return html, nil
}

// pushValue converts a Go value into its Lua counterpart. Unsupported values
// become their fmt representation.
func pushValue(state *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case string:
		state.PushString(v)
	case bool:
		state.PushBoolean(v)
	case int:
		state.PushInteger(v)
	case int32:
		state.PushInteger(int(v))
	case int64:
		state.PushNumber(float64(v))
	case uint:
		state.PushNumber(float64(v))
	case float64:
		state.PushNumber(v)
	case float32:
		state.PushNumber(float64(v))
	case []string:
		state.CreateTable(len(v), 0)
		for i, item := range v {
			state.PushString(item)
			state.RawSetInt(-2, i+1)
		}
	case []any:
		state.CreateTable(len(v), 0)
		for i, item := range v {
			pushValue(state, item)
			state.RawSetInt(-2, i+1)
		}
	case map[string]string:
		state.CreateTable(0, len(v))
		for _, key := range sortedKeys(v) {
			state.PushString(v[key])
			state.SetField(-2, key)
		}
	case map[string]any:
		state.CreateTable(0, len(v))
		for _, key := range sortedKeys(v) {
			pushValue(state, v[key])
			state.SetField(-2, key)
		}
	case fmt.Stringer:
		state.PushString(v.String())
	default:
		state.PushString(fmt.Sprint(value))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
