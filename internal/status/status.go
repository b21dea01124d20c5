package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

// Source is the part of the scheduler engine the status API reads.
type Source interface {
	Connections() []scheduler.ConnectionSnapshot
	Policies() []string
	DefaultPolicy() string
}

type Options struct {
	AllowedOrigins []string
	// Gatherer backs /metrics; the route is omitted when nil.
	Gatherer prometheus.Gatherer
}

type SubflowJSON struct {
	ID                uint32 `json:"id"`
	InterfaceIndex    int    `json:"ifindex"`
	Active            bool   `json:"active"`
	HasSendCapacity   bool   `json:"has_send_capacity"`
	Established       bool   `json:"established"`
	SmoothedRTTMicros uint32 `json:"srtt_us"`
	LocalPriority     uint32 `json:"priority"`
}

type ConnectionJSON struct {
	ID         string        `json:"id"`
	Policy     string        `json:"policy"`
	SourcePort uint16        `json:"sport"`
	DestPort   uint16        `json:"dport"`
	Subflows   []SubflowJSON `json:"subflows"`
}

type PoliciesJSON struct {
	Default  string   `json:"default"`
	Policies []string `json:"policies"`
}

// New builds the status router.
func New(src Source, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/connections", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, connections(src.Connections()))
		})
		ar.Get("/connections/{id}", func(w http.ResponseWriter, req *http.Request) {
			id, err := uuid.Parse(chi.URLParam(req, "id"))
			if err != nil {
				http.Error(w, "invalid connection id", http.StatusBadRequest)
				return
			}
			for _, c := range connections(src.Connections()) {
				if c.ID == id.String() {
					writeJSON(w, c)
					return
				}
			}
			http.NotFound(w, req)
		})
		ar.Get("/policies", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, PoliciesJSON{Default: src.DefaultPolicy(), Policies: src.Policies()})
		})
	})
	return r
}

func connections(snaps []scheduler.ConnectionSnapshot) []ConnectionJSON {
	out := make([]ConnectionJSON, 0, len(snaps))
	for _, s := range snaps {
		c := ConnectionJSON{
			ID:       uuid.UUID(s.ID).String(),
			Policy:   s.Policy,
			Subflows: make([]SubflowJSON, 0, len(s.Subflows)),
		}
		if len(s.Subflows) > 0 {
			c.SourcePort, c.DestPort = s.Subflows[0].SourcePort, s.Subflows[0].DestPort
		}
		for _, v := range s.Subflows {
			c.Subflows = append(c.Subflows, SubflowJSON{
				ID:                uint32(v.ID),
				InterfaceIndex:    v.InterfaceIndex,
				Active:            v.Active,
				HasSendCapacity:   v.HasSendCapacity,
				Established:       v.Established,
				SmoothedRTTMicros: v.SmoothedRTTMicros,
				LocalPriority:     v.LocalPriority,
			})
		}
		out = append(out, c)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("status: encoding response failed", "err", err)
	}
}

// Serve runs h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		slog.Info("status: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
