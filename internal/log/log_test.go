package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

func newTestLogger(t *testing.T, lvl slog.Level) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(Options{App: "cms", Component: "test", Level: lvl, JSON: true, IncludeErrorLinks: true, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{" INFO ", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_BaseAttrsAndWith(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	l.With("request_id", "abc").Info(context.Background(), "hello", "n", 1)

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	m := lines[0]
	if m["msg"] != "hello" || m["app"] != "cms" || m["component"] != "test" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["request_id"] != "abc" {
		t.Fatalf("request_id = %v", m["request_id"])
	}
	if m["n"] != float64(1) {
		t.Fatalf("n = %v", m["n"])
	}
}

func TestLogger_WithDoesNotLeakBetweenSiblings(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	base := l.With("a", 1)
	_ = base.With("b", 2)
	base.Info(context.Background(), "x")

	m := decodeLines(t, buf)[0]
	if _, ok := m["b"]; ok {
		t.Fatal("sibling attribute leaked into parent logger")
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelWarn)
	l.Debug(context.Background(), "d")
	l.Info(context.Background(), "i")
	l.Warn(context.Background(), "w")

	lines := decodeLines(t, buf)
	if len(lines) != 1 || lines[0]["msg"] != "w" {
		t.Fatalf("got %v, want only the warn record", lines)
	}
}

func TestLogger_ErrorEnrichment(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	err := xerrors.Wrap(xerrors.New("root cause"), "outer")
	l.Error(context.Background(), err, "failed")

	m := decodeLines(t, buf)[0]
	if m["err"] != "outer: root cause" {
		t.Fatalf("err = %v", m["err"])
	}
	if _, ok := m["stack"]; !ok {
		t.Fatal("error record should carry a stack")
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) != 2 {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	links, ok := m["error_links"].([]any)
	if !ok || len(links) == 0 {
		t.Fatalf("error_links = %v", m["error_links"])
	}
	if m["cause_type"] != "*errors.errorString" {
		t.Fatalf("cause_type = %v", m["cause_type"])
	}
}

func TestLogger_TraceIDs(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")

	m := decodeLines(t, buf)[0]
	if m["trace_id"] != tid.String() || m["span_id"] != sid.String() {
		t.Fatalf("trace ids missing: %v", m)
	}
}

func TestContext_RoundTripAndFallback(t *testing.T) {
	l, _ := New(Options{Writer: io.Discard})
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("FromContext returned a different logger")
	}

	nop := FromContext(context.Background())
	if nop == nil {
		t.Fatal("FromContext should fall back to Nop")
	}
	nop.Error(context.Background(), fmt.Errorf("x"), "safe")
	if err := nop.With("k", "v").Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
