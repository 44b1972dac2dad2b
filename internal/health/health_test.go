package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// probe issues one request against handler and decodes the JSON body.
func probe(t *testing.T, handler http.HandlerFunc, path string) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", path, nil))

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	code, body := probe(t, New().Healthz, "/healthz")

	if code != http.StatusOK {
		t.Errorf("status code = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Uptime == "" {
		t.Error("uptime field is empty")
	}
}

func TestHealthzContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
}

func TestReadyzAllChecksPass(t *testing.T) {
	h := New(
		Checker{Name: "postgres", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "queue", Check: func(_ context.Context) error { return nil }},
	)

	code, body := probe(t, h.Readyz, "/readyz")

	if code != http.StatusOK {
		t.Errorf("status code = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	for _, name := range []string{"postgres", "queue"} {
		if got := body.Checks[name]; got != "ok" {
			t.Errorf("check %q = %q, want %q", name, got, "ok")
		}
	}
}

func TestReadyzFailingCheck(t *testing.T) {
	h := New(
		Checker{Name: "postgres", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "queue", Check: func(_ context.Context) error { return nil }},
	)

	code, body := probe(t, h.Readyz, "/readyz")

	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if got := body.Checks["postgres"]; got != "fail: connection refused" {
		t.Errorf("check postgres = %q, want %q", got, "fail: connection refused")
	}
	if got := body.Checks["queue"]; got != "ok" {
		t.Errorf("check queue = %q, want %q", got, "ok")
	}
}

func TestReadyzNoCheckers(t *testing.T) {
	code, body := probe(t, New().Readyz, "/readyz")

	if code != http.StatusOK {
		t.Errorf("status code = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyzAllChecksFail(t *testing.T) {
	h := New(
		Checker{Name: "postgres", Check: func(_ context.Context) error {
			return errors.New("timeout")
		}},
		Checker{Name: "queue", Check: func(_ context.Context) error {
			return errors.New("queue unreachable")
		}},
	)

	code, body := probe(t, h.Readyz, "/readyz")

	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if got := body.Checks["postgres"]; got != "fail: timeout" {
		t.Errorf("check postgres = %q, want %q", got, "fail: timeout")
	}
	if got := body.Checks["queue"]; got != "fail: queue unreachable" {
		t.Errorf("check queue = %q, want %q", got, "fail: queue unreachable")
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestReadyzRespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadyzRunsChecksConcurrently(t *testing.T) {
	release := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)

	blocking := func(_ context.Context) error {
		arrived.Done()
		<-release
		return nil
	}
	h := New(
		Checker{Name: "a", Check: blocking},
		Checker{Name: "b", Check: blocking},
	)

	done := make(chan struct{})
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
		close(done)
	}()

	// Both checkers must be in flight at the same time.
	bothStarted := make(chan struct{})
	go func() {
		arrived.Wait()
		close(bothStarted)
	}()
	select {
	case <-bothStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("checkers did not run concurrently")
	}

	close(release)
	<-done
}
