package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medwatch/internal/monitor"
	"medwatch/internal/notify"
	logx "medwatch/pkg/logx"
)

// Backend is what the admin endpoints drive. *monitor.Monitor satisfies it.
type Backend interface {
	Snapshot(ctx context.Context) monitor.Status
	ScanNow(ctx context.Context) monitor.Report
	DigestNow(ctx context.Context) monitor.DigestResult
	SendTest(ctx context.Context) error
	Relay(ctx context.Context, msg notify.PushMessage) error
}

// Router builds the admin handler. It is exported for tests and for
// embedding in another server.
func Router(cfg Config, b Backend, g prometheus.Gatherer, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
		if cfg.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
		if b == nil {
			return
		}

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, b.Snapshot(req.Context()))
		})
		r.Post("/scan", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, b.ScanNow(req.Context()))
		})
		r.Post("/digest", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, b.DigestNow(req.Context()))
		})
		r.Post("/test", func(w http.ResponseWriter, req *http.Request) {
			if err := b.SendTest(req.Context()); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
		})
		r.Post("/push", func(w http.ResponseWriter, req *http.Request) {
			var msg notify.PushMessage
			dec := json.NewDecoder(io.LimitReader(req.Body, 64<<10))
			if err := dec.Decode(&msg); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
				return
			}
			if err := b.Relay(req.Context(), msg); err != nil {
				log.Warn("push relay failed", logx.Err(err))
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]bool{"sent": true})
		})
	})
	return r
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, notify.ErrPermission):
		code = http.StatusForbidden
	case errors.Is(err, notify.ErrUnsupported):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
