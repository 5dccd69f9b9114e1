// Package display serves the reporting surface: a small JSON API, a
// WebSocket event stream and the Prometheus endpoint.
package display

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/models"
	"github.com/TheMichaelB/locsync/internal/services/history"
	"github.com/TheMichaelB/locsync/internal/services/sync"
)

// Tracker is the tracking controller as seen by the API.
type Tracker interface {
	CurrentState() models.TrackingSession
	Enable()
	Disable()
	Resume()
}

// Queue is the sync queue as seen by the API.
type Queue interface {
	Snapshot() []models.Sample
	Stats() sync.Stats
	Flush(ctx context.Context) error
}

// History is the remote location cache as seen by the API.
type History interface {
	Snapshot() history.Snapshot
	Refresh(ctx context.Context) (history.Snapshot, error)
}

// Server is the display HTTP server.
type Server struct {
	addr     string
	tracker  Tracker
	queue    Queue
	history  History
	hub      *Hub
	logger   *events.Logger
	upgrader websocket.Upgrader
	subs     bus.Subscriptions
	handler  http.Handler
}

// New creates the server and starts forwarding bus events to stream clients.
func New(cfg *config.DisplayConfig, tracker Tracker, queue Queue, hist History, b *bus.Bus, logger *events.Logger) *Server {
	logger = logger.WithField("component", "display")

	s := &Server{
		addr:    cfg.Listen,
		tracker: tracker,
		queue:   queue,
		history: hist,
		hub:     NewHub(logger),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.subs = b.SubscribeAll(streamKinds, func(e bus.Event) {
		s.hub.Broadcast(models.StreamMessage{
			Type:      models.StreamTypeEvent,
			Timestamp: time.Now(),
			Event:     toStreamEvent(e),
		})
	})

	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)

		r.Route("/tracking", func(r chi.Router) {
			r.Post("/enable", s.handleTracking(s.tracker.Enable))
			r.Post("/disable", s.handleTracking(s.tracker.Disable))
			r.Post("/resume", s.handleTracking(s.tracker.Resume))
		})

		r.Get("/queue", s.handleQueue)
		r.Post("/queue/flush", s.handleFlush)

		r.Get("/history", s.handleHistory)
		r.Post("/history/refresh", s.handleRefresh)

		r.Get("/events", s.handleEvents)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// requestLogger attaches a logger tagged with the request ID.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := events.WithLogger(r.Context(), s.logger)
		ctx = events.WithRequestID(ctx, chimiddleware.GetReqID(r.Context()))

		events.FromContext(ctx).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Debug("Request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go func() { _ = s.hub.Run(hubCtx) }()

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", ln.Addr().String()).Info("Display server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.logger.WithError(err).Warn("Display server shutdown failed")
	}
	s.logger.Info("Display server stopped")
	return ctx.Err()
}

// Close stops forwarding bus events.
func (s *Server) Close() {
	s.subs.Cancel()
}

type stateResponse struct {
	Tracking models.TrackingSession `json:"tracking"`
	Queue    sync.Stats             `json:"queue"`
	Clients  int                    `json:"stream_clients"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type flushResponse struct {
	Queue sync.Stats `json:"queue"`
	Error string     `json:"error,omitempty"`
	Code  string     `json:"code,omitempty"`
}

type historyResponse struct {
	history.Snapshot
	Error string `json:"error,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		Tracking: s.tracker.CurrentState(),
		Queue:    s.queue.Stats(),
		Clients:  s.hub.ClientCount(),
	})
}

// handleTracking accepts the command; the outcome arrives as tracking_state.
func (s *Server) handleTracking(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action()
		writeJSON(w, http.StatusAccepted, s.tracker.CurrentState())
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	samples := s.queue.Snapshot()

	if st := models.SyncState(r.URL.Query().Get("state")); st != "" {
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown state " + string(st)})
			return
		}
		filtered := samples[:0]
		for _, sample := range samples {
			if sample.State == st {
				filtered = append(filtered, sample)
			}
		}
		samples = filtered
	}

	if samples == nil {
		samples = []models.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	err := s.queue.Flush(r.Context())
	resp := flushResponse{Queue: s.queue.Stats()}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = models.ErrorCode(err)
		events.FromContext(r.Context()).WithError(err).Warn("Flush request failed")
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, historyResponse{Snapshot: s.history.Snapshot()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.history.Refresh(r.Context())
	if err != nil {
		events.FromContext(r.Context()).WithError(err).Warn("History refresh request failed")
		writeJSON(w, http.StatusBadGateway, historyResponse{Snapshot: snap, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Snapshot: snap})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		events.FromContext(r.Context()).WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	session := s.tracker.CurrentState()
	s.hub.Attach(conn, &models.StreamMessage{
		Type:      models.StreamTypeSnapshot,
		Timestamp: time.Now(),
		Session:   &session,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
