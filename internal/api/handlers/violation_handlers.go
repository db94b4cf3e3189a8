package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"gatewatch/config"
	"gatewatch/internal/db/repository"
	"gatewatch/internal/escalation"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ViolationHandler serves the violation review workflow: listing snapshots,
// identifying students, reviewing and escalating to the administration.
type ViolationHandler struct {
	cfg    *config.EscalationConfig
	repo   repository.Repository
	engine *escalation.Engine
}

// NewViolationHandler creates the violation handler.
func NewViolationHandler(cfg *config.EscalationConfig, repo repository.Repository, engine *escalation.Engine) *ViolationHandler {
	return &ViolationHandler{cfg: cfg, repo: repo, engine: engine}
}

// RegisterRoutes registers the violation workflow routes.
func (h *ViolationHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/violations", h.ListViolations)
	router.GET("/violations/:id", h.GetViolation)
	router.DELETE("/violations/:id", h.DeleteViolation)
	router.POST("/violations/:id/identify", h.IdentifyViolation)
	router.POST("/violations/:id/review", h.ReviewViolation)
	router.POST("/violations/:id/send-to-admin", h.SendToAdmin)

	router.GET("/warnings", h.ListWarnings)
	router.POST("/warnings/expire", h.ExpireWarnings)
	router.GET("/offenders", h.ListOffenders)

	router.GET("/detections", h.ListDetections)
}

func parseBoolQuery(c *gin.Context, name string) *bool {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	v := strings.EqualFold(raw, "true") || raw == "1"
	return &v
}

func parseUintQuery(c *gin.Context, name string) *uint {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil
	}
	u := uint(v)
	return &u
}

func snapshotID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid violation ID"})
		return 0, false
	}
	return uint(id), true
}

// ListViolations returns violation snapshots, filterable by workflow state.
func (h *ViolationHandler) ListViolations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	filter := repository.SnapshotFilter{
		CameraID:    parseUintQuery(c, "camera_id"),
		Identified:  parseBoolQuery(c, "identified"),
		Reviewed:    parseBoolQuery(c, "reviewed"),
		SentToAdmin: parseBoolQuery(c, "sent_to_admin"),
		StudentName: c.Query("student_name"),
		Department:  c.Query("department"),
		Limit:       limit,
	}

	snapshots, err := h.repo.GetSnapshots(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list violations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"violations": snapshots, "count": len(snapshots)})
}

// GetViolation returns one violation snapshot.
func (h *ViolationHandler) GetViolation(c *gin.Context) {
	id, ok := snapshotID(c)
	if !ok {
		return
	}

	snapshot, err := h.repo.GetSnapshotByID(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load violation"})
		return
	}
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Violation not found"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// DeleteViolation removes a snapshot and its stored image.
func (h *ViolationHandler) DeleteViolation(c *gin.Context) {
	id, ok := snapshotID(c)
	if !ok {
		return
	}

	if err := h.engine.DeleteSnapshot(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete violation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Violation deleted"})
}

type identifyRequest struct {
	StudentID     string `json:"student_id"`
	StudentName   string `json:"student_name" binding:"required"`
	Department    string `json:"department"`
	Gender        string `json:"gender"`
	ViolationType string `json:"violation_type"`
	IdentifiedBy  string `json:"identified_by"`
}

// IdentifyViolation resolves a snapshot against a named student. The
// response reports whether the event became a warning or a kept violation.
func (h *ViolationHandler) IdentifyViolation(c *gin.Context) {
	id, ok := snapshotID(c)
	if !ok {
		return
	}

	var req identifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.engine.IdentifyViolation(id, escalation.IdentifyInput{
		StudentID:     req.StudentID,
		StudentName:   req.StudentName,
		Department:    req.Department,
		Gender:        req.Gender,
		ViolationType: req.ViolationType,
		IdentifiedBy:  req.IdentifiedBy,
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type reviewRequest struct {
	Notes string `json:"notes"`
}

// ReviewViolation marks a snapshot reviewed.
func (h *ViolationHandler) ReviewViolation(c *gin.Context) {
	id, ok := snapshotID(c)
	if !ok {
		return
	}

	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot, err := h.engine.ReviewViolation(id, req.Notes)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// SendToAdmin escalates an identified repeat offender's records.
func (h *ViolationHandler) SendToAdmin(c *gin.Context) {
	id, ok := snapshotID(c)
	if !ok {
		return
	}

	result, err := h.engine.SendToAdmin(id)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListWarnings returns warning records, filterable by student and state.
// With active=true only warnings still counting toward escalation are
// returned: not flagged expired and inside the rolling window.
func (h *ViolationHandler) ListWarnings(c *gin.Context) {
	filter := repository.WarningFilter{
		StudentName:   c.Query("student_name"),
		CameraID:      parseUintQuery(c, "camera_id"),
		IsExpired:     parseBoolQuery(c, "is_expired"),
		ViolationType: c.Query("violation_type"),
	}
	if active := parseBoolQuery(c, "active"); active != nil && *active {
		cutoff := time.Now().AddDate(0, 0, -h.cfg.WarningExpiryDays)
		filter.ActiveSince = &cutoff
	}

	warnings, err := h.repo.GetWarnings(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list warnings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"warnings": warnings, "count": len(warnings)})
}

// ExpireWarnings flags aged-out warnings immediately instead of waiting
// for the next maintenance pass.
func (h *ViolationHandler) ExpireWarnings(c *gin.Context) {
	cutoff := time.Now().AddDate(0, 0, -h.cfg.WarningExpiryDays)
	expired, err := h.repo.ExpireWarningsBefore(cutoff)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to expire warnings"})
		return
	}
	if expired > 0 {
		log.Infof("Expired %d warnings on request", expired)
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

// ListDetections returns the paginated compliance detection log.
func (h *ViolationHandler) ListDetections(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	detections, total, err := h.repo.GetDetections(pageSize, (page-1)*pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list detections"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"detections": detections,
		"total":      total,
		"page":       page,
		"page_size":  pageSize,
	})
}

// ListOffenders returns students with repeated identified violations.
func (h *ViolationHandler) ListOffenders(c *gin.Context) {
	min, _ := strconv.Atoi(c.DefaultQuery("min_violations", "2"))

	offenders, err := h.repo.RepeatOffenders(min)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list offenders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offenders": offenders, "count": len(offenders)})
}
