// Package handlers exposes the orchestrator over HTTP: the owner-facing
// stream surface, the playlist channel, and the fleet admin surface.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/truongvando/ezstream-sub006/internal/lifecycle"
	"github.com/truongvando/ezstream-sub006/internal/playlist"
	"github.com/truongvando/ezstream-sub006/internal/store"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// Metrics counts operations on the HTTP surface.
type Metrics struct {
	StreamOperations *prometheus.CounterVec // labels: operation, status
}

// Handlers bundles the services behind the HTTP surface.
type Handlers struct {
	machine  *lifecycle.Machine
	playlist *playlist.Service
	store    store.Store
	logger   logging.Logger
	metrics  *Metrics
}

// New creates the handler set.
func New(machine *lifecycle.Machine, playlistSvc *playlist.Service, st store.Store, logger logging.Logger) *Handlers {
	return &Handlers{
		machine:  machine,
		playlist: playlistSvc,
		store:    st,
		logger:   logger,
	}
}

// SetMetrics installs operation counters. Optional; nothing is counted when
// unset.
func (h *Handlers) SetMetrics(m *Metrics) {
	h.metrics = m
}

func (h *Handlers) countOp(operation string, err error) {
	if h.metrics == nil || h.metrics.StreamOperations == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	h.metrics.StreamOperations.WithLabelValues(operation, status).Inc()
}

// actor builds the acting identity from the JWT claims the auth middleware
// stored on the context.
func actor(c *gin.Context) lifecycle.Actor {
	return lifecycle.Actor{
		UserID:       c.GetString("user_id"),
		FleetManager: c.GetBool("fleet_manager"),
	}
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Record not found"})
	case errors.Is(err, lifecycle.ErrForbidden):
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "Not authorized for this stream"})
	case errors.Is(err, lifecycle.ErrAlreadyStreaming),
		errors.Is(err, lifecycle.ErrAlreadyStarting),
		errors.Is(err, lifecycle.ErrStopInProgress),
		errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, playlist.ErrNotStreaming):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "Stream is not live"})
	case errors.Is(err, store.ErrWorkerBusy):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "Worker still has bound streams"})
	default:
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Internal error"})
	}
}
