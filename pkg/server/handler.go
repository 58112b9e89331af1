package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mikeboe/pharma-research/pkg/database"
	"github.com/mikeboe/pharma-research/pkg/evidence"
	"github.com/mikeboe/pharma-research/pkg/research"
)

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type Handler struct {
	Service *Service
	mcp     http.Handler
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s, mcp: NewMCPHandler(s)}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	if h.Service.Metrics != nil {
		r.Use(h.observeRequests)
		r.GET("/metrics", gin.WrapH(h.Service.Metrics.Handler()))
	}
	r.GET("/healthz", h.healthz)
	// GET opens the server-sent event stream, DELETE ends a session.
	serveMCP := gin.WrapH(h.mcp)
	r.POST("/mcp", serveMCP)
	r.GET("/mcp", serveMCP)
	r.DELETE("/mcp", serveMCP)

	api := r.Group("/api")
	{
		api.POST("/research", h.createResearch)
		api.GET("/research", h.listRuns)
		api.GET("/research/:id", h.getRun)
		api.GET("/research/:id/logs", h.getRunLogs)

		api.GET("/evidence/search", h.searchEvidence)
	}
}

func (h *Handler) observeRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	h.Service.Metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
}

func (h *Handler) healthz(c *gin.Context) {
	checks, ok := h.Service.Health(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

func (h *Handler) createResearch(c *gin.Context) {
	var req research.QueryInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "request body must be a JSON object with drug and disease",
			Details: gin.H{"field": "body"},
		})
		return
	}

	runID, out, err := h.Service.Research(c.Request.Context(), req)
	if runID != uuid.Nil {
		c.Header("X-Run-Id", runID.String())
	}
	if err != nil {
		status, body := researchError(err)
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, out)
}

// researchError maps pipeline errors to a status code and error body.
func researchError(err error) (int, ErrorResponse) {
	var verr *research.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: verr.Message,
			Details: gin.H{"field": verr.Field},
		}
	}

	var ierr *research.InitializationError
	if errors.As(err, &ierr) {
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "initialization_failed",
			Message: err.Error(),
			Details: gin.H{"component": ierr.Component},
		}
	}

	details := gin.H{}
	var serr *research.StageError
	if errors.As(err, &serr) {
		details["stage"] = serr.Stage
	}
	if errors.Is(err, context.DeadlineExceeded) {
		details["timeout"] = true
	}
	return http.StatusInternalServerError, ErrorResponse{
		Error:   "pipeline_failed",
		Message: err.Error(),
		Details: details,
	}
}

func disabled(c *gin.Context, feature string) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:   feature + "_disabled",
		Message: feature + " is not configured on this server",
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
}

func parseRunID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "invalid uuid",
			Details: gin.H{"field": "id"},
		})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) listRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := h.Service.ListRuns(c.Request.Context(), limit)
	if errors.Is(err, ErrDisabled) {
		disabled(c, "history")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	if runs == nil {
		runs = []database.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) getRun(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	run, err := h.Service.GetRun(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrDisabled):
		disabled(c, "history")
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "run not found"})
	case err != nil:
		internalError(c, err)
	default:
		c.JSON(http.StatusOK, run)
	}
}

func (h *Handler) getRunLogs(c *gin.Context) {
	id, ok := parseRunID(c)
	if !ok {
		return
	}

	logs, err := h.Service.GetRunLogs(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrDisabled):
		disabled(c, "history")
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "run not found"})
	case err != nil:
		internalError(c, err)
	default:
		if logs == nil {
			logs = []database.LogEntry{}
		}
		c.JSON(http.StatusOK, logs)
	}
}

func (h *Handler) searchEvidence(c *gin.Context) {
	q := evidence.Query{
		Text:    c.Query("q"),
		Drug:    c.Query("drug"),
		Disease: c.Query("disease"),
		RunID:   c.Query("run_id"),
		Kind:    c.Query("kind"),
	}
	if q.Text == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "q is required",
			Details: gin.H{"field": "q"},
		})
		return
	}
	if v := c.Query("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "top_k must be a positive integer",
				Details: gin.H{"field": "top_k"},
			})
			return
		}
		q.TopK = n
	}

	hits, err := h.Service.SearchEvidence(c.Request.Context(), q)
	if errors.Is(err, ErrDisabled) {
		disabled(c, "evidence")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q.Text, "results": hits})
}
