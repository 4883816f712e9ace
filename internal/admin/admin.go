// Package admin serves the operator surfaces next to the drawing protocol:
// an HTTP router with health, metrics and a websocket bridge, and a gRPC health service.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/netsketch/internal/server"
)

// ServiceName is the gRPC health service name reported alongside the overall status.
const ServiceName = "netsketch"

// Backend is the part of the connection manager the admin surfaces need.
type Backend interface {
	Stats() server.Stats
	Running() bool
	Attach(server.Transport) error
}

// Health is the JSON body of /healthz.
type Health struct {
	Status string `json:"status"`
	server.Stats
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Gatherer     prometheus.Gatherer // nil disables /metrics
	MaxLineBytes int
	// WebSocket enables the /ws bridge.
	WebSocket bool
}

// NewRouter builds the admin HTTP handler.
func NewRouter(b Backend, cfg RouterConfig, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingHTTP(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := Health{Status: "ok", Stats: b.Stats()}
		code := http.StatusOK
		if !b.Running() {
			h.Status = "stopping"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.WebSocket {
		up := websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
		r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
			conn, err := up.Upgrade(w, req, nil)
			if err != nil {
				log.Debug("ws upgrade", zap.Error(err))
				return
			}
			t := server.NewWebSocketTransport(conn, req.RemoteAddr, cfg.MaxLineBytes)
			if err := b.Attach(t); err != nil {
				_ = t.Close()
			}
		})
	}
	return r
}

// NewGRPC returns a gRPC server carrying the standard health service, with the
// logging and recovery interceptors installed.
func NewGRPC(log *zap.Logger) (*grpc.Server, *health.Server) {
	if log == nil {
		log = zap.NewNop()
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	SetServing(hs, true)
	return gs, hs
}

// SetServing flips both the overall and the named service status.
func SetServing(hs *health.Server, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
}
