package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/truongvando/ezstream-sub006/pkg/auth"
)

// RegisterRoutes mounts the API surface on the router. The owner surface is
// JWT-guarded; the fleet surface requires the shared service token.
func (h *Handlers) RegisterRoutes(r *gin.Engine, jwtSecret []byte, serviceToken string) {
	api := r.Group("/api")

	streams := api.Group("/streams")
	streams.Use(auth.JWTAuthMiddleware(jwtSecret))
	{
		streams.POST("", h.CreateStream)
		streams.GET("", h.ListStreams)
		streams.GET("/:id", h.GetStream)
		streams.POST("/:id/start", h.StartStream)
		streams.POST("/:id/stop", h.StopStream)
		streams.DELETE("/:id", h.DeleteStream)

		streams.POST("/:id/playlist/loop", h.SetLoopMode)
		streams.POST("/:id/playlist/order", h.SetPlaybackOrder)
		streams.POST("/:id/playlist/videos", h.AddVideos)
		streams.DELETE("/:id/playlist/videos", h.DeleteVideos)
		streams.PUT("/:id/playlist/reorder", h.ReorderVideos)
		streams.GET("/:id/playlist/status", h.PlaylistStatus)
	}

	admin := api.Group("/admin")
	admin.Use(auth.ServiceAuthMiddleware(serviceToken))
	{
		admin.POST("/workers", h.RegisterWorker)
		admin.GET("/workers", h.ListWorkers)
		admin.PATCH("/workers/:id/active", h.SetWorkerActive)
		admin.PATCH("/workers/:id/status", h.SetWorkerStatus)
		admin.GET("/workers/:id/streams", h.ListWorkerStreams)
		admin.DELETE("/workers/:id", h.DeleteWorker)
	}
}
