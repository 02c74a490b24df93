package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/erp-autoentry/internal/application/process"
	"github.com/garyjia/erp-autoentry/internal/application/service"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/worker"
)

// Version is reported by the health check
var Version = "dev"

// MachineControl is the part of the process machine exposed over HTTP
type MachineControl interface {
	GetStateInfo() process.StateInfo
	Reset(ctx context.Context)
}

// WorkerControl pauses and resumes the inbox worker
type WorkerControl interface {
	Interrupt()
	Resume()
	ResetPipeline(ctx context.Context) error
	Status() worker.InboxStatus
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	machine MachineControl
	worker  WorkerControl
	history service.HistoryService
	logger  Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(machine MachineControl, worker WorkerControl, history service.HistoryService, logger Logger) *Handlers {
	return &Handlers{
		machine: machine,
		worker:  worker,
		history: history,
		logger:  logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	State     string `json:"state"`
}

// RunDetailResponse is a run with its transition trail
type RunDetailResponse struct {
	Run         *entity.RunRecord          `json:"run"`
	Transitions []*entity.TransitionRecord `json:"transitions"`
}

// ListRunsRequest represents query parameters for listing runs
type ListRunsRequest struct {
	Limit int `form:"limit"`
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Success: false, Error: msg})
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   Version,
			State:     h.machine.GetStateInfo().State.String(),
		},
	})
}

// GetState handles GET /api/v1/state
func (h *Handlers) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.machine.GetStateInfo()})
}

// Stop handles POST /api/v1/stop. The current file keeps its checkpoint and
// the worker pauses until resumed.
func (h *Handlers) Stop(c *gin.Context) {
	if h.worker == nil {
		fail(c, http.StatusServiceUnavailable, "no worker is running")
		return
	}
	h.worker.Interrupt()
	h.logger.Info("Stop requested", "state", h.machine.GetStateInfo().State.String())
	c.JSON(http.StatusAccepted, Response{Success: true, Data: h.worker.Status()})
}

// Resume handles POST /api/v1/resume
func (h *Handlers) Resume(c *gin.Context) {
	if h.worker == nil {
		fail(c, http.StatusServiceUnavailable, "no worker is running")
		return
	}
	h.worker.Resume()
	c.JSON(http.StatusOK, Response{Success: true, Data: h.worker.Status()})
}

// Reset handles POST /api/v1/reset. It is refused while a file is in flight.
func (h *Handlers) Reset(c *gin.Context) {
	before := h.machine.GetStateInfo().State
	if h.worker == nil {
		h.machine.Reset(c.Request.Context())
	} else if err := h.worker.ResetPipeline(c.Request.Context()); err != nil {
		if errors.Is(err, worker.ErrBusy) {
			fail(c, http.StatusConflict, "a file is being processed, stop the worker first")
			return
		}
		h.logger.Error("Failed to reset machine", "error", err)
		fail(c, http.StatusInternalServerError, "failed to reset machine")
		return
	}
	h.logger.Info("Machine reset", "from_state", before.String())
	c.JSON(http.StatusOK, Response{Success: true, Data: h.machine.GetStateInfo()})
}

// GetWorker handles GET /api/v1/worker
func (h *Handlers) GetWorker(c *gin.Context) {
	if h.worker == nil {
		fail(c, http.StatusNotFound, "no worker is running")
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: h.worker.Status()})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(c *gin.Context) {
	var req ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", "error", err)
		fail(c, http.StatusBadRequest, "invalid query parameters")
		return
	}
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 50
	}

	runs, err := h.history.ListRecent(c.Request.Context(), req.Limit)
	if err != nil {
		h.logger.Error("Failed to list runs", "error", err)
		fail(c, http.StatusInternalServerError, "failed to retrieve runs")
		return
	}
	if runs == nil {
		runs = []*entity.RunRecord{}
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: runs})
}

// GetRun handles GET /api/v1/runs/:id
func (h *Handlers) GetRun(c *gin.Context) {
	id := c.Param("id")

	run, transitions, err := h.history.GetRun(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get run", "id", id, "error", err)
		fail(c, http.StatusNotFound, "run not found")
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    RunDetailResponse{Run: run, Transitions: transitions},
	})
}
