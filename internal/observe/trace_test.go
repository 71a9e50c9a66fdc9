package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer as the global provider.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func attr(kvs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSessionID_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	if WithSessionID(ctx, "") != ctx {
		t.Error("empty id should leave ctx unchanged")
	}
	if got := SessionID(WithSessionID(ctx, "sess-1")); got != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got)
	}
}

// The tests below swap the global tracer provider or logger and do not run
// in parallel.

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSessionID(context.Background(), "sess-7")
	ctx, span := StartSpan(ctx, "backend.submit_chunk")
	if CorrelationID(ctx) == "" {
		t.Error("span context has no trace id")
	}
	EndSpan(span, nil)

	_, bare := StartSpan(context.Background(), "backend.list_sessions")
	EndSpan(bare, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if v, ok := attr(spans[0].Attributes, SessionIDKey); !ok || v.AsString() != "sess-7" {
		t.Errorf("session attribute = %v %v", v, ok)
	}
	if _, ok := attr(spans[1].Attributes, SessionIDKey); ok {
		t.Error("span without a session carries a session attribute")
	}
}

func TestEndSpan_ClassifiesErrors(t *testing.T) {
	exp := useTestTracer(t)

	tests := []struct {
		name      string
		err       error
		wantCode  codes.Code
		cancelled bool
	}{
		{"ok", nil, codes.Unset, false},
		{"failure", errors.New("backend unreachable"), codes.Error, false},
		{"cancelled", fmt.Errorf("backend: finish_session: %w", context.Canceled), codes.Unset, true},
	}
	for _, tt := range tests {
		_, span := StartSpan(context.Background(), tt.name)
		EndSpan(span, tt.err)
	}

	spans := exp.GetSpans()
	if len(spans) != len(tests) {
		t.Fatalf("recorded %d spans, want %d", len(spans), len(tests))
	}
	for i, tt := range tests {
		s := spans[i]
		if s.Status.Code != tt.wantCode {
			t.Errorf("%s: status = %v, want %v", tt.name, s.Status.Code, tt.wantCode)
		}
		_, flagged := attr(s.Attributes, CancelledKey)
		if flagged != tt.cancelled {
			t.Errorf("%s: cancelled flag = %v, want %v", tt.name, flagged, tt.cancelled)
		}
		if tt.wantCode == codes.Error && len(s.Events) == 0 {
			t.Errorf("%s: no error event", tt.name)
		}
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	t.Parallel()
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}

func TestLogger_AddsTraceAndSession(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("plain")
	plain := buf.String()
	if strings.Contains(plain, "trace_id") || strings.Contains(plain, "session_id") {
		t.Errorf("plain log has span fields: %s", plain)
	}

	buf.Reset()
	ctx, span := StartSpan(WithSessionID(context.Background(), "sess-3"), "op")
	defer EndSpan(span, nil)
	Logger(ctx).Info("tagged")
	tagged := buf.String()
	for _, want := range []string{"trace_id=", "span_id=", "session_id=sess-3"} {
		if !strings.Contains(tagged, want) {
			t.Errorf("log missing %s: %s", want, tagged)
		}
	}
}
