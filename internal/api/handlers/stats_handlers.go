package handlers

import (
	"net/http"
	"strconv"
	"time"

	"gatewatch/config"
	"gatewatch/internal/core/models"
	"gatewatch/internal/db/repository"
	"gatewatch/internal/stream"
	"gatewatch/internal/utils"

	"github.com/gin-gonic/gin"
)

// StatsHandler serves compliance statistics and analytics.
type StatsHandler struct {
	cfg     *config.Config
	repo    repository.Repository
	streams *stream.Registry
}

// NewStatsHandler creates the stats handler.
func NewStatsHandler(cfg *config.Config, repo repository.Repository, streams *stream.Registry) *StatsHandler {
	return &StatsHandler{cfg: cfg, repo: repo, streams: streams}
}

// RegisterRoutes registers the statistics routes.
func (h *StatsHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/stats/overview", h.Overview)
	router.GET("/stats/trends", h.Trends)
	router.GET("/stats/analytics", h.Analytics)
	router.GET("/stats/at-risk", h.AtRisk)
	router.GET("/system/stats", h.SystemStats)
}

// rangeFromQuery resolves the "range" query (today, week, month, all) into
// a start time; the zero time means no lower bound.
func rangeFromQuery(c *gin.Context) time.Time {
	now := time.Now()
	switch c.DefaultQuery("range", "today") {
	case "today":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case "week":
		return now.AddDate(0, 0, -7)
	case "month":
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}

// Overview returns compliance counts for a time range.
func (h *StatsHandler) Overview(c *gin.Context) {
	from := rangeFromQuery(c)

	compliant, err := h.repo.CountDetections(models.StatusCompliant, from, time.Time{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count detections"})
		return
	}
	nonCompliant, err := h.repo.CountDetections(models.StatusNonCompliant, from, time.Time{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count detections"})
		return
	}

	total := compliant + nonCompliant
	rate := 0.0
	if total > 0 {
		rate = float64(compliant) / float64(total) * 100
	}

	resp := gin.H{
		"compliant":       compliant,
		"non_compliant":   nonCompliant,
		"total":           total,
		"compliance_rate": rate,
		"from":            from,
	}

	// Compare against the preceding period of the same length.
	if !from.IsZero() {
		now := time.Now()
		prevFrom := from.Add(-now.Sub(from))
		prevNonCompliant, err := h.repo.CountDetections(models.StatusNonCompliant, prevFrom, from)
		if err == nil {
			resp["previous_non_compliant"] = prevNonCompliant
			resp["trend"] = nonCompliant - prevNonCompliant
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Trends returns per-day compliance counts for the requested number of days.
func (h *StatsHandler) Trends(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days <= 0 || days > 90 {
		days = 7
	}

	now := time.Now()
	type dayTrend struct {
		Date         string `json:"date"`
		Compliant    int64  `json:"compliant"`
		NonCompliant int64  `json:"non_compliant"`
	}

	trends := make([]dayTrend, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
		end := start.AddDate(0, 0, 1)

		compliant, err := h.repo.CountDetections(models.StatusCompliant, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate trends"})
			return
		}
		nonCompliant, err := h.repo.CountDetections(models.StatusNonCompliant, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to aggregate trends"})
			return
		}

		trends = append(trends, dayTrend{
			Date:         start.Format("2006-01-02"),
			Compliant:    compliant,
			NonCompliant: nonCompliant,
		})
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "trends": trends})
}

// Analytics groups identified violations by department, gender or camera.
func (h *StatsHandler) Analytics(c *gin.Context) {
	groupBy := c.DefaultQuery("group_by", "department")
	since := rangeFromQuery(c)

	rows, err := h.repo.ViolationCountsBy(groupBy, since)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_by": groupBy, "since": since, "rows": rows})
}

// AtRisk returns students whose active warnings put them at the edge of a
// kept violation.
func (h *StatsHandler) AtRisk(c *gin.Context) {
	threshold := h.cfg.Escalation.WarningThreshold
	cutoff := time.Now().AddDate(0, 0, -h.cfg.Escalation.WarningExpiryDays)

	students, err := h.repo.StudentsAtRisk(threshold, cutoff)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list at-risk students"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threshold": threshold, "students": students, "count": len(students)})
}

// SystemStats returns host and application health statistics.
func (h *StatsHandler) SystemStats(c *gin.Context) {
	stats := utils.GetSystemStats(len(h.streams.Sessions()))
	c.JSON(http.StatusOK, stats)
}
