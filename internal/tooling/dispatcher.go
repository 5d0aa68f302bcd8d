package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/merchkit/clerkd/internal/observe"
	"github.com/merchkit/clerkd/pkg/ai"
)

// Handler executes one tool call. Arguments have already been decoded and
// schema-validated. The returned value is serialised as the tool result;
// scalar and nil results are wrapped as {"result": value}. A returned
// *ToolError is surfaced verbatim; any other error becomes an
// execution_failed ToolError.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// toolEntry pairs a definition with its handler.
type toolEntry struct {
	def     ai.ToolDefinition
	handler Handler
}

// Dispatcher validates and executes tool calls against a registry of named
// handlers. It holds no request-scoped state; the registry is fixed after
// startup and safe for concurrent dispatch.
type Dispatcher struct {
	mu        sync.RWMutex
	tools     map[string]toolEntry
	validator *Validator
	log       *slog.Logger
	metrics   *observe.Metrics
}

// DispatcherOption customises a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithMetrics overrides the metrics instance, mainly so tests can collect
// through a manual reader.
func WithMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// NewDispatcher returns an empty [Dispatcher].
func NewDispatcher(log *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		tools:     make(map[string]toolEntry),
		validator: NewValidator(),
		log:       log,
		metrics:   observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register associates def.Name with handler. When def.Parameters is non-nil
// it is compiled as the argument schema; a nil Parameters skips validation
// entirely — an explicit escape hatch for internal-only tools.
func (d *Dispatcher) Register(def ai.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tooling: tool definition must have a name")
	}
	if handler == nil {
		return fmt.Errorf("tooling: tool %q must have a handler", def.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tools[def.Name]; exists {
		return fmt.Errorf("tooling: tool %q already registered", def.Name)
	}
	if def.Parameters != nil {
		if err := d.validator.Compile(def.Name, def.Parameters); err != nil {
			return err
		}
	}
	d.tools[def.Name] = toolEntry{def: def, handler: handler}
	return nil
}

// Definitions returns all registered tool definitions sorted by name, for
// publishing to the model.
func (d *Dispatcher) Definitions() []ai.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(d.tools))
	for _, e := range d.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch validates and executes one proposed call, returning the serialised
// JSON result. Validation failures never reach the handler; every error is a
// *ToolError with a stable code.
func (d *Dispatcher) Dispatch(ctx context.Context, name, rawArgs string) (string, error) {
	start := time.Now()
	out, err := d.dispatch(ctx, name, rawArgs)

	status := "ok"
	if err != nil {
		status = CodeExecutionFailed
		if te, ok := AsToolError(err); ok {
			status = te.Code
		}
	}
	d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", name)))
	d.metrics.RecordToolCall(ctx, name, status)
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, name, rawArgs string) (string, error) {
	d.mu.RLock()
	entry, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return "", newToolError(CodeUnknownTool, "tool %q is not registered", name)
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", newToolError(CodeInvalidArguments, "arguments are not a JSON object: %v", err)
		}
	}

	if entry.def.Parameters != nil {
		fields, summary, err := d.validator.Validate(name, args)
		if err != nil {
			return "", newToolError(CodeInvalidToolArguments, "argument validation failed: %v", err)
		}
		if len(fields) > 0 {
			te := newToolError(CodeInvalidToolArguments, "%s", summary)
			te.Fields = fields
			return "", te
		}
	}

	result, err := entry.handler(ctx, args)
	if err != nil {
		if te, ok := AsToolError(err); ok {
			return "", te
		}
		return "", newToolError(CodeExecutionFailed, "%v", err)
	}

	out, err := encodeResult(result)
	if err != nil {
		d.log.Error("tool result could not be serialised",
			"tool", name,
			"result_type", fmt.Sprintf("%T", result),
			"err", err,
		)
		return "", newToolError(CodeEncodingFailed, "tool %q returned an unserialisable result", name)
	}
	return out, nil
}

// DispatchProposal dispatches one model proposal and always returns a JSON
// string suitable for a tool-role message: either the handler result or the
// serialised [ToolError]. It never fails — a broken proposal becomes an error
// document the model can read.
func (d *Dispatcher) DispatchProposal(ctx context.Context, p ai.ToolCallProposal) string {
	out, err := d.Dispatch(ctx, p.Name, p.Arguments)
	if err == nil {
		return out
	}
	te, ok := AsToolError(err)
	if !ok {
		te = newToolError(CodeExecutionFailed, "%v", err)
	}
	data, mErr := json.Marshal(te)
	if mErr != nil {
		return fmt.Sprintf(`{"error":%q,"message":"tool failed"}`, te.Code)
	}
	return string(data)
}

// encodeResult serialises a handler result, wrapping non-object values so the
// model always receives a JSON object.
func encodeResult(result any) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	if len(data) > 0 && data[0] == '{' {
		return string(data), nil
	}
	wrapped, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return "", err
	}
	return string(wrapped), nil
}
