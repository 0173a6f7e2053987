// Package health serves the liveness, readiness and status endpoints and
// derives the discrete playback health state shown to the user.
//
// Routes registered by [Handler.Register]:
//
//   - GET /healthz: liveness, 200 while the process serves HTTP.
//   - GET /readyz: 200 only when every [Checker] passes, 503 otherwise.
//   - GET /status: the JSON document returned by the [StatusFunc].
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StatusFunc produces the /status document.
type StatusFunc func(ctx context.Context) (any, error)

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithChecker adds a readiness probe. Probes run in registration order.
func WithChecker(name string, check func(ctx context.Context) error) HandlerOption {
	return func(h *Handler) { h.checkers = append(h.checkers, Checker{Name: name, Check: check}) }
}

// WithStatus enables GET /status.
func WithStatus(fn StatusFunc) HandlerOption {
	return func(h *Handler) { h.status = fn }
}

// WithHandlerLogger sets the logger used for encoding failures.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

// Handler serves the health routes. The option set is fixed at construction
// so a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
	status   StatusFunc
	log      *slog.Logger
}

// NewHandler creates a [Handler].
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{log: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

type checkResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type readiness struct {
	Ready  bool          `json:"ready"`
	Checks []checkResult `json:"checks,omitempty"`
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz runs every checker with its own [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := readiness{Ready: true, Checks: make([]checkResult, 0, len(h.checkers))}
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		cr := checkResult{Name: c.Name, OK: err == nil}
		if err != nil {
			cr.Error = err.Error()
			res.Ready = false
		}
		res.Checks = append(res.Checks, cr)
	}

	code := http.StatusOK
	if !res.Ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, res)
}

// Status serves the status document, or 404 when none is configured.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	doc, err := h.status(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /status", h.Status)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode health response", "err", err)
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
