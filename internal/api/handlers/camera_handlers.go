package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"gatewatch/internal/core/models"
	"gatewatch/internal/db/repository"
	"gatewatch/internal/stream"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// CameraHandler serves camera CRUD and stream session control.
type CameraHandler struct {
	repo    repository.Repository
	streams *stream.Registry
}

// NewCameraHandler creates the camera handler.
func NewCameraHandler(repo repository.Repository, streams *stream.Registry) *CameraHandler {
	return &CameraHandler{repo: repo, streams: streams}
}

// RegisterRoutes registers the camera routes.
func (h *CameraHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/cameras", h.ListCameras)
	router.POST("/cameras", h.CreateCamera)
	router.GET("/cameras/:id", h.GetCamera)
	router.PUT("/cameras/:id", h.UpdateCamera)
	router.DELETE("/cameras/:id", h.DeleteCamera)

	router.POST("/cameras/:id/stream/start", h.StartStream)
	router.POST("/cameras/:id/stream/stop", h.StopStream)
	router.GET("/streams", h.ListStreams)
}

func (h *CameraHandler) cameraFromParam(c *gin.Context) *models.Camera {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid camera ID"})
		return nil
	}
	camera, err := h.repo.GetCameraByID(uint(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load camera"})
		return nil
	}
	if camera == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Camera not found"})
		return nil
	}
	return camera
}

// ListCameras returns all cameras with their live session state.
func (h *CameraHandler) ListCameras(c *gin.Context) {
	cameras, err := h.repo.GetCameras()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list cameras"})
		return
	}
	// The registry is the source of truth for liveness; the DB flag may
	// lag after an unclean shutdown.
	for i := range cameras {
		cameras[i].IsStreaming = h.streams.Running(cameras[i].ID)
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras, "count": len(cameras)})
}

type cameraRequest struct {
	Name      string `json:"name" binding:"required"`
	Location  string `json:"location"`
	StreamURL string `json:"stream_url" binding:"required"`
	IsActive  *bool  `json:"is_active"`
}

// CreateCamera registers a new camera.
func (h *CameraHandler) CreateCamera(c *gin.Context) {
	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	camera := models.Camera{
		Name:      req.Name,
		Location:  req.Location,
		StreamURL: req.StreamURL,
		IsActive:  true,
	}
	if req.IsActive != nil {
		camera.IsActive = *req.IsActive
	}

	if err := h.repo.SaveCamera(&camera); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save camera"})
		return
	}

	log.Infof("Camera created: %s (%s)", camera.Name, camera.StreamURL)
	c.JSON(http.StatusCreated, camera)
}

// GetCamera returns one camera.
func (h *CameraHandler) GetCamera(c *gin.Context) {
	camera := h.cameraFromParam(c)
	if camera == nil {
		return
	}
	camera.IsStreaming = h.streams.Running(camera.ID)
	c.JSON(http.StatusOK, camera)
}

// UpdateCamera modifies a camera's configuration.
func (h *CameraHandler) UpdateCamera(c *gin.Context) {
	camera := h.cameraFromParam(c)
	if camera == nil {
		return
	}

	var req cameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	camera.Name = req.Name
	camera.Location = req.Location
	camera.StreamURL = req.StreamURL
	if req.IsActive != nil {
		camera.IsActive = *req.IsActive
	}

	if err := h.repo.SaveCamera(camera); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save camera"})
		return
	}
	c.JSON(http.StatusOK, camera)
}

// DeleteCamera removes a camera. A running session is stopped first;
// persisted records survive with a null camera reference.
func (h *CameraHandler) DeleteCamera(c *gin.Context) {
	camera := h.cameraFromParam(c)
	if camera == nil {
		return
	}

	if h.streams.Running(camera.ID) {
		if err := h.streams.Stop(camera.ID); err != nil {
			log.WithError(err).Warnf("Failed to stop session of deleted camera %d", camera.ID)
		}
	}

	if err := h.repo.DeleteCamera(camera.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete camera"})
		return
	}

	log.Infof("Camera deleted: %s", camera.Name)
	c.JSON(http.StatusOK, gin.H{"message": "Camera deleted"})
}

// StartStream begins a monitoring session on the camera.
func (h *CameraHandler) StartStream(c *gin.Context) {
	camera := h.cameraFromParam(c)
	if camera == nil {
		return
	}

	startedBy := c.Query("started_by")
	if startedBy == "" {
		startedBy = c.ClientIP()
	}

	if err := h.streams.Start(*camera, startedBy); err != nil {
		status := http.StatusConflict
		if errors.Is(err, stream.ErrStreamUnavailable) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Stream started", "camera_id": camera.ID})
}

// StopStream ends the camera's monitoring session.
func (h *CameraHandler) StopStream(c *gin.Context) {
	camera := h.cameraFromParam(c)
	if camera == nil {
		return
	}

	if err := h.streams.Stop(camera.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Stream stopped", "camera_id": camera.ID})
}

// ListStreams returns the currently running sessions.
func (h *CameraHandler) ListStreams(c *gin.Context) {
	sessions := h.streams.Sessions()
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, gin.H{
			"camera_id":   s.Camera.ID,
			"camera_name": s.Camera.Name,
			"started_at":  s.StartedAt,
			"started_by":  s.StartedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"streams": out, "count": len(out)})
}
