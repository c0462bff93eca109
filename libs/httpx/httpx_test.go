package httpx

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestWithRequestIDGeneratesAndEchoes(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if seen == "" {
		t.Fatal("request id missing from context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("generated id is not a uuid: %q", seen)
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Fatalf("response header %q does not match context id %q", got, seen)
	}
}

func TestWithRequestIDHonorsValidInboundID(t *testing.T) {
	id := uuid.NewString()
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set(RequestIDHeader, id)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != id {
		t.Fatalf("expected inbound id %q, got %q", id, seen)
	}
}

func TestWithRequestIDReplacesMalformedInboundID(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set(RequestIDHeader, "not a uuid\n")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("malformed inbound id should be replaced, got %q", seen)
	}
}

func accessLogged(t *testing.T, path string, status int) string {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := WithAccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	return buf.String()
}

func TestAccessLogSuppressesHealthyProbes(t *testing.T) {
	if out := accessLogged(t, "/healthz", http.StatusOK); out != "" {
		t.Fatalf("healthy probe should not be logged, got %s", out)
	}
	if out := accessLogged(t, "/readyz", http.StatusOK); out != "" {
		t.Fatalf("healthy probe should not be logged, got %s", out)
	}
}

func TestAccessLogKeepsFailingProbesAndTraffic(t *testing.T) {
	out := accessLogged(t, "/readyz", http.StatusServiceUnavailable)
	if !strings.Contains(out, `"level":"ERROR"`) {
		t.Fatalf("failing probe should log at error, got %s", out)
	}
	out = accessLogged(t, "/metrics", http.StatusOK)
	if !strings.Contains(out, `"status":200`) || !strings.Contains(out, `"path":"/metrics"`) {
		t.Fatalf("regular request missing from log: %s", out)
	}
}

func TestChainAppliesOutsideIn(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), tag("outer"), tag("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	want := []string{"outer", "inner", "handler"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}
