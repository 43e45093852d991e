package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/truongvando/ezstream-sub006/pkg/models"
)

// CreateStream handles POST /api/streams.
func (h *Handlers) CreateStream(c *gin.Context) {
	var req models.CreateStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	rec, err := h.machine.Create(c.Request.Context(), actor(c), req)
	h.countOp("create", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListStreams handles GET /api/streams.
func (h *Handlers) ListStreams(c *gin.Context) {
	streams, err := h.machine.List(c.Request.Context(), actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, streams)
}

// GetStream handles GET /api/streams/:id.
func (h *Handlers) GetStream(c *gin.Context) {
	rec, err := h.machine.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// StartStream handles POST /api/streams/:id/start. The call is accepted as
// soon as the record is in starting; progress is visible via GetStream.
func (h *Handlers) StartStream(c *gin.Context) {
	id := c.Param("id")
	err := h.machine.Start(c.Request.Context(), actor(c), id)
	h.countOp("start", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.StatusResponse{ID: id, Status: models.StreamStarting})
}

// StopStream handles POST /api/streams/:id/stop.
func (h *Handlers) StopStream(c *gin.Context) {
	id := c.Param("id")
	err := h.machine.Stop(c.Request.Context(), actor(c), id)
	h.countOp("stop", err)
	if err != nil {
		respondError(c, err)
		return
	}

	rec, err := h.machine.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.StatusResponse{ID: id, Status: rec.Status})
}

// DeleteStream handles DELETE /api/streams/:id.
func (h *Handlers) DeleteStream(c *gin.Context) {
	err := h.machine.Delete(c.Request.Context(), actor(c), c.Param("id"))
	h.countOp("delete", err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type loopRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type orderRequest struct {
	Order models.PlaybackOrder `json:"order" binding:"required"`
}

type videosRequest struct {
	FileIDs []string `json:"file_ids" binding:"required"`
}

// SetLoopMode handles POST /api/streams/:id/playlist/loop.
func (h *Handlers) SetLoopMode(c *gin.Context) {
	var req loopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.playlist.SetLoopMode(c.Request.Context(), actor(c), c.Param("id"), *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SetPlaybackOrder handles POST /api/streams/:id/playlist/order.
func (h *Handlers) SetPlaybackOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.playlist.SetPlaybackOrder(c.Request.Context(), actor(c), c.Param("id"), req.Order); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AddVideos handles POST /api/streams/:id/playlist/videos.
func (h *Handlers) AddVideos(c *gin.Context) {
	var req videosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.playlist.AddVideos(c.Request.Context(), actor(c), c.Param("id"), req.FileIDs); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteVideos handles DELETE /api/streams/:id/playlist/videos.
func (h *Handlers) DeleteVideos(c *gin.Context) {
	var req videosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.playlist.DeleteVideos(c.Request.Context(), actor(c), c.Param("id"), req.FileIDs); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReorderVideos handles PUT /api/streams/:id/playlist/reorder.
func (h *Handlers) ReorderVideos(c *gin.Context) {
	var req videosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.playlist.Reorder(c.Request.Context(), actor(c), c.Param("id"), req.FileIDs); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PlaylistStatus handles GET /api/streams/:id/playlist/status.
func (h *Handlers) PlaylistStatus(c *gin.Context) {
	status, err := h.playlist.QueryStatus(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
