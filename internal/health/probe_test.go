package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	if err := Fixed(false, "store offline").Check(context.Background()); err == nil || err.Error() != "store offline" {
		t.Fatalf("Fixed(false, reason) = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v", err)
	}
}

func TestAll(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")

	if err := All().Check(context.Background()); err != nil {
		t.Fatalf("empty All = %v", err)
	}
	if err := All(nil, Fixed(true, "")).Check(context.Background()); err != nil {
		t.Fatalf("nil probes should be skipped, got %v", err)
	}

	p := All(
		Fixed(true, ""),
		CheckFunc(func(context.Context) error { return first }),
		CheckFunc(func(context.Context) error { return second }),
	)
	if err := p.Check(context.Background()); !errors.Is(err, first) {
		t.Fatalf("All = %v, want first failure", err)
	}
}

func TestCached_ReplaysWithinTTL(t *testing.T) {
	var calls atomic.Int32
	fail := errors.New("upstream down")
	p := Cached(CheckFunc(func(context.Context) error {
		calls.Add(1)
		return fail
	}), time.Hour)

	for i := 0; i < 5; i++ {
		if err := p.Check(context.Background()); !errors.Is(err, fail) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("underlying calls = %d, want 1", n)
	}
}

func TestCached_RefreshesAfterTTL(t *testing.T) {
	var calls atomic.Int32
	p := Cached(CheckFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), time.Millisecond)

	_ = p.Check(context.Background())
	time.Sleep(5 * time.Millisecond)
	_ = p.Check(context.Background())

	if n := calls.Load(); n != 2 {
		t.Fatalf("underlying calls = %d, want 2", n)
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	probe := g.Probe()

	if err := probe.Check(context.Background()); err != nil {
		t.Fatalf("fresh gate = %v", err)
	}
	if g.Draining() {
		t.Fatal("fresh gate reports draining")
	}

	g.Set("")
	if err := probe.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("after Set(\"\") = %v", err)
	}

	g.Set("shutting down")
	if err := probe.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("after Set(reason) = %v", err)
	}

	g.Clear()
	if err := probe.Check(context.Background()); err != nil {
		t.Fatalf("after Clear = %v", err)
	}
}

func TestHandlers(t *testing.T) {
	cases := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok\n"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok\n"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready\n"},
		{"readyz failing", ReadyzHandler(Fixed(false, "draining")), http.StatusServiceUnavailable, "draining"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.h(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if !strings.HasPrefix(rec.Body.String(), tc.wantBody) {
				t.Fatalf("body = %q, want prefix %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}
