// Package server implements the xdmcpd daemon's admin HTTP API: a small
// JSON surface for listing displays, delivering chooser decisions, and
// streaming lifecycle events, built on github.com/go-chi/chi/v5.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tessel-systems/xdmcpd/internal/xdmcp"
)

// Sentinel errors for the server package.
var (
	// ErrMissingHost indicates a chosen request was posted without a host.
	ErrMissingHost = errors.New("host must not be empty")

	// ErrDisplayNotFound indicates no Display matched the requested key.
	ErrDisplayNotFound = errors.New("display not found")
)

// Manager is the subset of *xdmcp.Manager the admin API depends on,
// narrowed here so tests can substitute a fake.
type Manager interface {
	Snapshot() []xdmcp.Display
	Subscribe() (id int, notifications <-chan xdmcp.DisplayNotification)
	Unsubscribe(id int)
	DeliverChosen(ctx context.Context, indirectID uint32, node string) error
}

// AdminServer is a thin adapter between the chi router and the xdmcp
// Manager, grounded on the teacher's BFDServer shape.
type AdminServer struct {
	manager Manager
	logger  *slog.Logger
}

// New builds the admin API's http.Handler, routed per SPEC_FULL.md §6.1.
func New(mgr Manager, logger *slog.Logger) http.Handler {
	s := &AdminServer{
		manager: mgr,
		logger:  logger.With(slog.String("component", "server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/displays", s.ListDisplays)
		r.Get("/displays/{key}", s.GetDisplay)
		r.Post("/chosen", s.PostChosen)
		r.Get("/events", s.Events)
	})

	return r
}

// DisplayResponse is the wire shape for one Display in API responses.
type DisplayResponse struct {
	SessionID     uint32 `json:"session_id"`
	RemoteAddr    string `json:"remote_addr"`
	DisplayNumber uint16 `json:"display_number"`
	Status        string `json:"status"`
	Hostname      string `json:"hostname"`
	AcceptTime    string `json:"accept_time"`
	IndirectID    uint32 `json:"indirect_id,omitempty"`
	UseChooser    bool   `json:"use_chooser,omitempty"`
}

func displayToResponse(d xdmcp.Display) DisplayResponse {
	return DisplayResponse{
		SessionID:     d.SessionID,
		RemoteAddr:    d.RemoteAddr.String(),
		DisplayNumber: d.DisplayNumber,
		Status:        d.Status.String(),
		Hostname:      d.Hostname.Name,
		AcceptTime:    d.AcceptTime.UTC().Format(time.RFC3339),
		IndirectID:    d.IndirectID,
		UseChooser:    d.UseChooser,
	}
}

// ListDisplays handles GET /v1/displays.
func (s *AdminServer) ListDisplays(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Snapshot()
	out := make([]DisplayResponse, 0, len(snap))
	for _, d := range snap {
		out = append(out, displayToResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDisplay handles GET /v1/displays/{key}, where key is either a decimal
// session id or a "hostname:display-number" pair.
func (s *AdminServer) GetDisplay(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	snap := s.manager.Snapshot()
	for _, d := range snap {
		if matchesKey(d, key) {
			writeJSON(w, http.StatusOK, displayToResponse(d))
			return
		}
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("display %q: %w", key, ErrDisplayNotFound))
}

func matchesKey(d xdmcp.Display, key string) bool {
	var id uint32
	if _, err := fmt.Sscanf(key, "%d", &id); err == nil && id == d.SessionID {
		return true
	}
	return key == fmt.Sprintf("%s:%d", d.Hostname.Name, d.DisplayNumber)
}

// ChosenRequest is the request body for POST /v1/chosen, the HTTP
// transport for the chooser's `CHOSEN <indirect-id> <host-node>` command.
type ChosenRequest struct {
	IndirectID uint32 `json:"indirect_id"`
	Host       string `json:"host"`
}

// PostChosen handles POST /v1/chosen.
func (s *AdminServer) PostChosen(w http.ResponseWriter, r *http.Request) {
	var req ChosenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}

	if req.Host == "" {
		writeError(w, http.StatusBadRequest, ErrMissingHost)
		return
	}

	if err := s.manager.DeliverChosen(r.Context(), req.IndirectID, req.Host); err != nil {
		if errors.Is(err, xdmcp.ErrIndirectNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// EventResponse is the wire shape for one DisplayNotification in the SSE stream.
type EventResponse struct {
	Event   string          `json:"event"`
	At      string          `json:"at"`
	Display DisplayResponse `json:"display"`
}

// Events handles GET /v1/events, streaming DisplayNotifications as
// Server-Sent Events until the client disconnects or the manager is
// closed. Each call registers its own subscriber with the manager, so
// concurrent SSE clients each see every notification independently
// rather than competing over one shared feed.
func (s *AdminServer) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("server: streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	subID, ch := s.manager.Subscribe()
	defer s.manager.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(EventResponse{
				Event:   eventName(n.Event),
				At:      n.At.UTC().Format(time.RFC3339Nano),
				Display: displayToResponse(n.Display),
			})
			if err != nil {
				s.logger.Warn("marshal display event failed", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func eventName(ev xdmcp.Event) string {
	switch ev {
	case xdmcp.EventManage:
		return "manage"
	case xdmcp.EventDispose:
		return "dispose"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Response helpers
// -------------------------------------------------------------------------

// ErrorResponse is the wire shape for a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// requestLogger logs each admin API request at debug level, grounded on
// the teacher's ConnectRPC interceptor logging shape.
func (s *AdminServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("admin API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
