package jobs

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chadgate/internal/logging"
)

// Handler serves job polling over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes mounts job polling routes on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/research/status/:id", h.GetJob)
	r.GET("/research/result/:id", h.GetResult)
}

// GetJob returns the job state. Polling never extends expiry.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetResult returns the bare result of a completed job. Jobs that have not
// finished answer 409 with their current status.
func (h *Handler) GetResult(c *gin.Context) {
	job, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	switch job.State {
	case StateCompleted:
		c.Data(http.StatusOK, "application/json; charset=utf-8", job.Result)
	case StateFailed:
		c.JSON(http.StatusOK, job)
	default:
		c.JSON(http.StatusConflict, gin.H{
			"error":   "job_not_ready",
			"message": "job has not finished",
			"jobId":   job.ID,
			"status":  job.State,
		})
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found", "message": "job not found"})
	case errors.Is(err, ErrJobExpired):
		c.JSON(http.StatusGone, gin.H{"error": "job_expired", "message": "job result has expired"})
	default:
		logging.L(c.Request.Context()).Error("job lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load job"})
	}
}
