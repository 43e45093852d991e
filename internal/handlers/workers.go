package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// RegisterWorker handles POST /api/admin/workers.
func (h *Handlers) RegisterWorker(c *gin.Context) {
	var req models.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if req.MaxStreams <= 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "max_streams must be positive"})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	w := models.WorkerNode{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Address:    req.Address,
		AgentToken: req.AgentToken,
		IsActive:   active,
		Status:     models.WorkerActive,
		MaxStreams: req.MaxStreams,
	}
	if err := h.store.RegisterWorker(c.Request.Context(), &w); err != nil {
		respondError(c, err)
		return
	}

	h.logger.WithFields(logging.Fields{
		"worker_id":   w.ID,
		"worker_name": w.Name,
		"max_streams": w.MaxStreams,
	}).Info("Worker registered")
	c.JSON(http.StatusCreated, w)
}

// ListWorkers handles GET /api/admin/workers.
func (h *Handlers) ListWorkers(c *gin.Context) {
	workers, err := h.store.ListWorkers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, workers)
}

// SetWorkerActive handles PATCH /api/admin/workers/:id/active. Deactivating
// a worker only stops new allocations; running streams keep relaying.
func (h *Handlers) SetWorkerActive(c *gin.Context) {
	var req models.SetWorkerActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	id := c.Param("id")
	if err := h.store.SetWorkerActive(c.Request.Context(), id, req.Active); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": req.Active})
}

// SetWorkerStatus handles PATCH /api/admin/workers/:id/status, moving a
// worker through its provisioning lifecycle.
func (h *Handlers) SetWorkerStatus(c *gin.Context) {
	var req models.SetWorkerStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if !models.ValidWorkerStatus(req.Status) {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "unknown worker status"})
		return
	}

	id := c.Param("id")
	if err := h.store.SetWorkerStatus(c.Request.Context(), id, req.Status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

// ListWorkerStreams handles GET /api/admin/workers/:id/streams, the streams
// currently bound to a worker.
func (h *Handlers) ListWorkerStreams(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetWorker(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	streams, err := h.store.ListStreamsByWorker(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, streams)
}

// DeleteWorker handles DELETE /api/admin/workers/:id. Deletion refuses while
// streams are still bound to the worker.
func (h *Handlers) DeleteWorker(c *gin.Context) {
	if err := h.store.DeleteWorker(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
