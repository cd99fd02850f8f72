package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

const maxEventBytes = 1 << 20

// RideEventHandler makes a matching decision for one ride change event.
type RideEventHandler interface {
	HandleRideEvent(ctx context.Context, ev models.RideEvent) models.MatchOutcome
}

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	Matcher RideEventHandler
	WSReg   *dispatch.WSRegistry
	checks  []ReadinessCheck
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(m RideEventHandler, ws *dispatch.WSRegistry, logger *slog.Logger, checks ...ReadinessCheck) *Server {
	s := &Server{Matcher: m, WSReg: ws, checks: checks, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewOpsServer serves only health, readiness and metrics, for processes
// that take their events from elsewhere.
func NewOpsServer(logger *slog.Logger, checks ...ReadinessCheck) *Server {
	return NewServer(nil, nil, logger, checks...)
}

func (s *Server) routes() {
	if s.Matcher != nil {
		s.mux.HandleFunc("/webhooks/rides", s.handleRideEvent).Methods(http.MethodPost)
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.WSReg != nil {
		s.mux.HandleFunc("/ws/outcomes", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type matchResponse struct {
	Message         string `json:"message"`
	Error           string `json:"error,omitempty"`
	DriversNotified *int   `json:"driversNotified,omitempty"`
	Radius          *int   `json:"radius,omitempty"`
}

func (s *Server) handleRideEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.RideEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, matchResponse{Message: "Invalid event payload: " + err.Error()})
		return
	}
	out := s.Matcher.HandleRideEvent(r.Context(), ev)

	resp := matchResponse{Message: out.Message, Error: out.Error}
	if out.Matched {
		n, radius := out.DriversNotified, out.Radius
		resp.DriversNotified, resp.Radius = &n, &radius
	}
	code := out.Code
	if code == 0 {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "dependency", c.Name, "error", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS streams match outcomes to an operator until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	s.WSReg.Add(id, conn)
	s.logger.InfoContext(r.Context(), "outcome feed subscriber connected", "session", id, "sessions", s.WSReg.Len())
	defer func() {
		s.WSReg.Remove(id)
		s.logger.InfoContext(r.Context(), "outcome feed subscriber left", "session", id, "sessions", s.WSReg.Len())
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
