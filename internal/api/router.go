package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/proxmux/proxmux/internal/alerts"
	"github.com/proxmux/proxmux/internal/config"
	"github.com/proxmux/proxmux/internal/dispatch"
	coreerrors "github.com/proxmux/proxmux/internal/errors"
	"github.com/proxmux/proxmux/internal/models"
	"github.com/proxmux/proxmux/internal/registry"
	"github.com/proxmux/proxmux/internal/websocket"
	"github.com/rs/zerolog/log"
)

// Router exposes the core's downstream surface to collaborators: endpoint
// CRUD, snapshot pulls, dispatch, alert management, and the event stream.
type Router struct {
	mux        *http.ServeMux
	registry   *registry.Registry
	state      *models.State
	dispatcher *dispatch.Dispatcher
	alerts     *alerts.Engine
	hub        *websocket.Hub
}

// NewRouter wires all handlers.
func NewRouter(reg *registry.Registry, state *models.State, dispatcher *dispatch.Dispatcher, engine *alerts.Engine, hub *websocket.Hub) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		registry:   reg,
		state:      state,
		dispatcher: dispatcher,
		alerts:     engine,
		hub:        hub,
	}

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("GET /api/state", r.handleState)
	r.mux.HandleFunc("GET /api/connections", r.handleConnections)
	r.mux.HandleFunc("GET /api/nodes", r.handleNodes)
	r.mux.HandleFunc("GET /api/vms", r.handleVMs)

	r.mux.HandleFunc("POST /api/endpoints", r.handleAddEndpoint)
	r.mux.HandleFunc("DELETE /api/endpoints/{id}", r.handleRemoveEndpoint)
	r.mux.HandleFunc("POST /api/endpoints/{id}/test", r.handleTestEndpoint)

	r.mux.HandleFunc("POST /api/dispatch", r.handleDispatch)

	r.mux.HandleFunc("GET /api/alerts", r.handleListAlerts)
	r.mux.HandleFunc("POST /api/alerts/{id}/acknowledge", r.handleAcknowledgeAlert)
	r.mux.HandleFunc("POST /api/alerts/{id}/resolve", r.handleResolveAlert)
	r.mux.HandleFunc("DELETE /api/alerts/{id}", r.handleDeleteAlert)

	r.mux.HandleFunc("GET /ws", hub.HandleWebSocket)

	return r
}

// ServeHTTP implements http.Handler with request logging.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("API request")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var coreErr *coreerrors.CoreError
	if errors.As(err, &coreErr) {
		switch coreErr.Type {
		case coreerrors.ErrorTypeValidation:
			status = http.StatusBadRequest
		case coreerrors.ErrorTypeNotFound:
			status = http.StatusNotFound
		case coreerrors.ErrorTypeAuth:
			status = http.StatusBadGateway
		case coreerrors.ErrorTypeConnection, coreerrors.ErrorTypeTimeout:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.state.Snapshot())
}

func (r *Router) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.registry.List())
}

func (r *Router) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.state.ListNodes())
}

func (r *Router) handleVMs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.state.ListVMs())
}

func (r *Router) handleAddEndpoint(w http.ResponseWriter, req *http.Request) {
	var cfg config.EndpointConfig
	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := r.registry.Add(cfg); err != nil {
		writeError(w, err)
		return
	}
	// Status only; never echo the submitted credentials back.
	writeJSON(w, http.StatusCreated, map[string]string{"id": cfg.ID})
}

func (r *Router) handleRemoveEndpoint(w http.ResponseWriter, req *http.Request) {
	if err := r.registry.Remove(req.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r *Router) handleTestEndpoint(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()

	if err := r.registry.Test(ctx, req.PathValue("id")); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    false,
			"error": coreerrors.Cause(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type dispatchRequest struct {
	Targets []models.BatchTarget `json:"targets"`
	Action  dispatch.Action      `json:"action"`
}

func (r *Router) handleDispatch(w http.ResponseWriter, req *http.Request) {
	var body dispatchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	results := r.dispatcher.Dispatch(req.Context(), body.Targets, body.Action)
	writeJSON(w, http.StatusOK, results)
}

func (r *Router) handleListAlerts(w http.ResponseWriter, req *http.Request) {
	filter := alerts.ListFilter{
		Endpoint: req.URL.Query().Get("endpoint"),
		Level:    alerts.Level(strings.ToLower(req.URL.Query().Get("level"))),
		Status:   alerts.Status(strings.ToLower(req.URL.Query().Get("status"))),
	}
	writeJSON(w, http.StatusOK, r.alerts.List(filter))
}

func (r *Router) handleAcknowledgeAlert(w http.ResponseWriter, req *http.Request) {
	if err := r.alerts.Acknowledge(req.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (r *Router) handleResolveAlert(w http.ResponseWriter, req *http.Request) {
	if err := r.alerts.Resolve(req.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (r *Router) handleDeleteAlert(w http.ResponseWriter, req *http.Request) {
	if err := r.alerts.Delete(req.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
