package tool_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/aura/internal/observe"
	"github.com/MrWong99/aura/internal/tool"
	"github.com/MrWong99/aura/pkg/provider/live"
)

func newDispatcher(t *testing.T, opts ...tool.Option) (*tool.Dispatcher, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return tool.NewDispatcher(append([]tool.Option{tool.WithMetrics(m)}, opts...)...), reader
}

func echo(name string) tool.Capability {
	return tool.Capability{
		Declaration: live.ToolDeclaration{Name: name, Description: "echo"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
		Notice: func(args map[string]any) string { return "echoing" },
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	d, _ := newDispatcher(t)

	if err := d.Register(echo("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(echo("b")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(echo("a")); err == nil {
		t.Error("expected duplicate registration error")
	}
	if err := d.Register(tool.Capability{Declaration: live.ToolDeclaration{Name: "x"}}); err == nil {
		t.Error("expected nil handler error")
	}
	if err := d.Register(tool.Capability{Handler: echo("y").Handler}); err == nil {
		t.Error("expected empty name error")
	}

	decls := d.Declarations()
	if len(decls) != 2 || decls[0].Name != "a" || decls[1].Name != "b" {
		t.Errorf("Declarations: got %v", decls)
	}
}

func TestDispatch_Success(t *testing.T) {
	t.Parallel()
	d, reader := newDispatcher(t)
	d.Register(echo("echo"))

	res := d.Dispatch(t.Context(), tool.Invocation{ID: "c1", Name: "echo", Args: map[string]any{"x": 1.0}})
	if res.ID != "c1" || res.Name != "echo" {
		t.Errorf("tags: got %q/%q", res.ID, res.Name)
	}
	if got := res.Payload["result"]; got != `{"x":1}` {
		t.Errorf("result: got %v", got)
	}
	if _, ok := res.Payload["error"]; ok {
		t.Error("unexpected error key")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "aura.tool.calls" {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected aura.tool.calls to be recorded")
	}
}

func TestDispatch_NeverFails(t *testing.T) {
	t.Parallel()
	d, _ := newDispatcher(t, tool.WithTimeout(50*time.Millisecond))
	d.Register(tool.Capability{
		Declaration: live.ToolDeclaration{Name: "broken"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend offline")
		},
	})
	d.Register(tool.Capability{
		Declaration: live.ToolDeclaration{Name: "slow"},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	d.Register(tool.Capability{
		Declaration: live.ToolDeclaration{Name: "unencodable"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return make(chan int), nil
		},
	})
	d.Register(tool.Capability{
		Declaration: live.ToolDeclaration{Name: "panics"},
		Handler: func(context.Context, map[string]any) (any, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		},
	})

	tests := []struct {
		name string
		want string
	}{
		{name: "missing", want: `unknown tool "missing"`},
		{name: "broken", want: "backend offline"},
		{name: "slow", want: "deadline exceeded"},
		{name: "unencodable", want: "encode result"},
		{name: "panics", want: "tool panicked: assignment to entry in nil map"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := d.Dispatch(t.Context(), tool.Invocation{ID: "id-" + tt.name, Name: tt.name})
			if res.ID != "id-"+tt.name {
				t.Errorf("ID: got %q", res.ID)
			}
			msg, _ := res.Payload["error"].(string)
			if !strings.Contains(msg, tt.want) {
				t.Errorf("error payload: got %q, want it to contain %q", msg, tt.want)
			}
		})
	}
}

func TestNotice(t *testing.T) {
	t.Parallel()
	d, _ := newDispatcher(t)
	d.Register(echo("echo"))
	d.Register(tool.Capability{
		Declaration: live.ToolDeclaration{Name: "quiet"},
		Handler:     echo("quiet").Handler,
	})

	if got := d.Notice(tool.Invocation{Name: "echo"}); got != "echoing" {
		t.Errorf("echo: got %q", got)
	}
	if got := d.Notice(tool.Invocation{Name: "quiet"}); got != "" {
		t.Errorf("quiet: got %q", got)
	}
	if got := d.Notice(tool.Invocation{Name: "missing"}); got != "" {
		t.Errorf("missing: got %q", got)
	}
}

func TestStringArg(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		args    map[string]any
		want    string
		wantErr bool
	}{
		{name: "ok", args: map[string]any{"k": "v"}, want: "v"},
		{name: "missing", args: map[string]any{}, wantErr: true},
		{name: "nil map", args: nil, wantErr: true},
		{name: "wrong type", args: map[string]any{"k": 3.0}, wantErr: true},
		{name: "empty", args: map[string]any{"k": ""}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tool.StringArg(tt.args, "k")
			if tt.wantErr {
				if !errors.Is(err, tool.ErrInvalidArgs) {
					t.Errorf("got %v, want ErrInvalidArgs", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v", got, err)
			}
		})
	}
}

func TestInvocationFromEvent(t *testing.T) {
	t.Parallel()
	inv := tool.InvocationFromEvent(live.ToolCall{ID: "a", Name: "b", Args: map[string]any{"c": "d"}})
	if inv.ID != "a" || inv.Name != "b" || inv.Args["c"] != "d" {
		t.Errorf("got %+v", inv)
	}
}

func TestDispatch_LogsCarrySessionTrace(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	var buf bytes.Buffer
	origLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(origLog)
		otel.SetTracerProvider(origTP)
		_ = tp.Shutdown(context.Background())
	})

	d, _ := newDispatcher(t)
	if err := d.Register(echo("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := observe.WithSession(context.Background(), "s-9")
	d.Dispatch(ctx, tool.Invocation{ID: "c1", Name: "echo"})

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "tool.dispatch" {
		t.Fatalf("spans = %+v", spans)
	}
	traceID := spans[0].SpanContext.TraceID().String()
	logged := buf.String()
	for _, want := range []string{"tool dispatched", "session_id=s-9", "trace_id=" + traceID, "tool=echo", "call_id=c1"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log missing %q: %s", want, logged)
		}
	}
}
