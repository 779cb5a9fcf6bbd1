package computepool

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/ComputePool/internal/pools"
	"github.com/httprunner/ComputePool/internal/registry"
	"github.com/httprunner/ComputePool/internal/signaling"
	"github.com/httprunner/ComputePool/internal/tasks"
	"github.com/httprunner/ComputePool/pkg/protocol"
)

const shutdownGrace = 5 * time.Second

// Server exposes a Hub over websocket (/ws) and a read-only REST surface.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func NewServer(hub *Hub) *Server {
	s := &Server{hub: hub, upgrader: newUpgrader(), mux: http.NewServeMux()}
	s.registerRoutes(s.mux)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /api/pools", s.listPools)
	mux.HandleFunc("GET /api/pools/{id}", s.getPool)
	mux.HandleFunc("GET /api/pools/{id}/devices", s.listPoolDevices)
	mux.HandleFunc("GET /api/devices/{id}/health", s.deviceHealth)
	mux.HandleFunc("POST /internal/tasks/assign", s.assignTask)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down and
// disconnects every session.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("compute pool server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("compute pool server stopped")
	return nil
}

type poolListItem struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DeviceCount int         `json:"deviceCount"`
	Stats       pools.Stats `json:"stats"`
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	list := s.hub.Pools()
	out := make([]poolListItem, 0, len(list))
	for _, p := range list {
		out = append(out, poolListItem{ID: p.ID, Name: p.Name, DeviceCount: p.DeviceCount, Stats: p.Stats})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	info, err := s.hub.Pool(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) listPoolDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.hub.PoolDevices(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Report())
}

func (s *Server) deviceHealth(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.hub.DeviceHealth(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.Wrapf(registry.ErrDeviceNotFound, "device %s", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type assignRequest struct {
	DeviceID string        `json:"deviceId"`
	Task     protocol.Task `json:"task"`
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(ErrBadRequest, err.Error()))
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, errors.Wrap(ErrBadRequest, "missing deviceId"))
		return
	}
	if err := s.hub.AssignTask(req.Task, req.DeviceID); err != nil {
		writeError(w, assignStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "taskId": req.Task.TaskID})
}

func assignStatus(err error) int {
	switch errors.Cause(err) {
	case signaling.ErrPeerUnreachable:
		return http.StatusNotFound
	case tasks.ErrRequirementsNotMet:
		return http.StatusUnprocessableEntity
	case tasks.ErrAssignmentThrottled:
		return http.StatusTooManyRequests
	case tasks.ErrInvalidTask:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.Error{
		Code:    errorCode(err),
		Message: errors.Cause(err).Error(),
	})
}
