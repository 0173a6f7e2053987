package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec := serve(t, NewHandler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("no viable model") }

	tests := []struct {
		name      string
		opts      []HandlerOption
		wantCode  int
		wantReady bool
		wantErr   string
	}{
		{name: "no checkers", wantCode: http.StatusOK, wantReady: true},
		{
			name:      "all pass",
			opts:      []HandlerOption{WithChecker("session", ok), WithChecker("roster", ok)},
			wantCode:  http.StatusOK,
			wantReady: true,
		},
		{
			name:     "one fails",
			opts:     []HandlerOption{WithChecker("session", ok), WithChecker("roster", fail)},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "no viable model",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, NewHandler(tt.opts...), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body readiness
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Ready != tt.wantReady {
				t.Errorf("ready = %v", body.Ready)
			}
			if tt.wantErr != "" && body.Checks[len(body.Checks)-1].Error != tt.wantErr {
				t.Errorf("checks = %+v", body.Checks)
			}
		})
	}
}

func TestReadyz_CheckerGetsDeadline(t *testing.T) {
	t.Parallel()
	h := NewHandler(WithChecker("deadline", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		return nil
	}))
	if rec := serve(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("code = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()
		if rec := serve(t, NewHandler(), "/status"); rec.Code != http.StatusNotFound {
			t.Errorf("code = %d", rec.Code)
		}
	})

	t.Run("document", func(t *testing.T) {
		t.Parallel()
		h := NewHandler(WithStatus(func(context.Context) (any, error) {
			return map[string]any{"is_connecting": true, "reconnect_attempt_count": 2}, nil
		}))
		rec := serve(t, h, "/status")
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d", rec.Code)
		}
		var body map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["is_connecting"] != true || body["reconnect_attempt_count"] != float64(2) {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		h := NewHandler(WithStatus(func(context.Context) (any, error) {
			return nil, errors.New("loop closed")
		}))
		if rec := serve(t, h, "/status"); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("code = %d", rec.Code)
		}
	})
}
