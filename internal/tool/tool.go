// Package tool runs the in-process capabilities a live model may invoke.
//
// A [Capability] pairs the declaration advertised to the model with a Go
// handler. The [Dispatcher] resolves invocations by name and always produces
// a well-formed [live.ToolResult]: unknown tools, invalid arguments and
// handler failures become an error payload rather than a Go error, so a
// failed lookup never stalls the conversation.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/aura/internal/observe"
	"github.com/MrWong99/aura/pkg/provider/live"
)

// ErrInvalidArgs is wrapped by handlers that reject their argument bag.
var ErrInvalidArgs = errors.New("invalid arguments")

// Handler executes a tool. The returned value is marshalled to JSON and
// handed to the model as the result text.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Capability is one tool the model may call.
type Capability struct {
	Declaration live.ToolDeclaration

	Handler Handler

	// Notice, when set, returns the transient progress text shown while the
	// tool runs. An empty string means no notice.
	Notice func(args map[string]any) string
}

// Invocation is a tool call received from the model.
type Invocation struct {
	ID   string
	Name string
	Args map[string]any
}

// InvocationFromEvent converts a live channel tool call.
func InvocationFromEvent(tc live.ToolCall) Invocation {
	return Invocation{ID: tc.ID, Name: tc.Name, Args: tc.Args}
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeout bounds every handler call. Zero means no timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// Dispatcher resolves and runs capabilities. It is safe for concurrent use.
type Dispatcher struct {
	mu    sync.RWMutex
	caps  map[string]Capability
	order []string

	metrics *observe.Metrics
	timeout time.Duration
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{caps: make(map[string]Capability)}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Register adds a capability. Names must be unique and handlers non-nil.
func (d *Dispatcher) Register(c Capability) error {
	name := c.Declaration.Name
	if name == "" {
		return errors.New("tool: capability must have a non-empty name")
	}
	if c.Handler == nil {
		return fmt.Errorf("tool: capability %q must have a non-nil handler", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.caps[name]; dup {
		return fmt.Errorf("tool: capability %q already registered", name)
	}
	d.caps[name] = c
	d.order = append(d.order, name)
	return nil
}

// Declarations returns the declarations of every registered capability in
// registration order.
func (d *Dispatcher) Declarations() []live.ToolDeclaration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]live.ToolDeclaration, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.caps[name].Declaration)
	}
	return out
}

// Notice returns the progress text for inv, or "" if the capability has none
// or is unknown.
func (d *Dispatcher) Notice(inv Invocation) string {
	d.mu.RLock()
	c, ok := d.caps[inv.Name]
	d.mu.RUnlock()
	if !ok || c.Notice == nil {
		return ""
	}
	return c.Notice(inv.Args)
}

// Dispatch runs inv and returns its result tagged with the invocation's ID and
// name. It never fails: every problem is reported in the payload as
// {"error": "..."} and success as {"result": "<JSON>"}.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) live.ToolResult {
	ctx, span := observe.StartSpan(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.String("tool", inv.Name),
		attribute.String("call_id", inv.ID),
	))
	defer span.End()

	start := time.Now()
	res := live.ToolResult{ID: inv.ID, Name: inv.Name}

	d.mu.RLock()
	c, ok := d.caps[inv.Name]
	d.mu.RUnlock()
	if !ok {
		res.Payload = errorPayload(fmt.Sprintf("unknown tool %q", inv.Name))
		d.record(ctx, inv, "unknown", start, nil)
		return res
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	value, err := call(ctx, c.Handler, inv.Args)
	if err != nil {
		res.Payload = errorPayload(err.Error())
		d.record(ctx, inv, "error", start, err)
		return res
	}
	text, err := json.Marshal(value)
	if err != nil {
		res.Payload = errorPayload(fmt.Sprintf("encode result: %v", err))
		d.record(ctx, inv, "error", start, err)
		return res
	}
	res.Payload = map[string]any{"result": string(text)}
	d.record(ctx, inv, "ok", start, nil)
	return res
}

func (d *Dispatcher) record(ctx context.Context, inv Invocation, status string, start time.Time, err error) {
	elapsed := time.Since(start)
	d.metrics.RecordToolCall(ctx, inv.Name, status, elapsed.Seconds())
	attrs := []any{"tool", inv.Name, "call_id", inv.ID, "status", status, "duration", elapsed}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	observe.Logger(ctx).Debug("tool dispatched", attrs...)
}

// call runs h, converting a panic into an error.
func call(ctx context.Context, h Handler, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

func errorPayload(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// StringArg extracts a required non-empty string argument. Missing or
// mistyped values wrap [ErrInvalidArgs].
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidArgs, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string, got %T", ErrInvalidArgs, key, v)
	}
	if s == "" {
		return "", fmt.Errorf("%w: %q must not be empty", ErrInvalidArgs, key)
	}
	return s, nil
}
