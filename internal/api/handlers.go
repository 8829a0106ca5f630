package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/browser"
	"github.com/curbpost/curbpost/internal/registry"
	"github.com/curbpost/curbpost/internal/scheduler"
	"github.com/curbpost/curbpost/internal/store"
)

// -- agents --

func (s *Server) handleRegister(c *gin.Context) {
	var req schemas.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := s.registry.Register(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schemas.RegisterResponse{AgentID: agent.ID, Status: agent.Status})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req schemas.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := s.registry.Heartbeat(c.Request.Context(), c.Param("id"), &req)
	switch {
	case errors.Is(err, registry.ErrUnknownAgent):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, registry.ErrBadStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, schemas.HeartbeatResponse{
		Status:        agent.Status,
		CurrentTaskID: agent.CurrentTaskID,
	})
}

func (s *Server) handleActivity(c *gin.Context) {
	agentID := c.Param("id")
	if !s.limiter.Allow(agentID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "activity rate exceeded"})
		return
	}

	var req schemas.LogActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev := &schemas.ActivityEvent{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		EventType: req.EventType,
		Message:   req.Message,
		Details:   req.Details,
		TaskID:    req.TaskID,
		VehicleID: req.VehicleID,
		Timestamp: s.now().UTC(),
	}
	if err := s.repo.AppendActivity(c.Request.Context(), ev); err != nil {
		// activity is observability, never gate the agent on it
		s.log.Warn("failed to append activity event",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	c.JSON(http.StatusAccepted, schemas.LogActivityResponse{
		ActivityID: ev.ID,
		Timestamp:  ev.Timestamp,
	})
}

// -- jobs --

func (s *Server) handleClaimNext(c *gin.Context) {
	accountID := c.Param("id")
	agentID := c.Query("agent_id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id query parameter is required"})
		return
	}

	claim, err := s.sched.ClaimNext(c.Request.Context(), accountID, agentID)
	switch {
	case errors.Is(err, scheduler.ErrNoWork):
		c.Status(http.StatusNoContent)
		return
	case errors.Is(err, scheduler.ErrNoPattern):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, claim)
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req schemas.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		job *schemas.Job
		err error
	)
	if req.VehicleID != "" || len(req.Payload) == 0 {
		job, err = s.sched.ManualTrigger(c.Request.Context(), req.AccountID, req.VehicleID)
	} else {
		job, err = s.sched.Enqueue(c.Request.Context(), &req)
	}
	switch {
	case errors.Is(err, scheduler.ErrNoVehicle):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, schemas.EnqueueResponse{JobID: job.ID})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.sched.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleJobStatus(c *gin.Context) {
	var req schemas.JobStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.sched.Complete(c.Request.Context(), c.Param("id"), &req)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "job already finalized"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// a terminal transition settles the agent's counters; a requeue does not
	if job.Terminal() {
		if err := s.registry.RecordOutcome(c.Request.Context(), req.AgentID, req.Success, req.DurationMs); err != nil {
			s.log.Warn("failed to record agent outcome",
				zap.String("agent_id", req.AgentID), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, schemas.JobStatusResponse{Status: job.Status})
}

// -- sessions --

func (s *Server) handleCreateSession(c *gin.Context) {
	var req schemas.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.pool.Create(c.Request.Context(), &req)
	switch {
	case errors.Is(err, browser.ErrPoolSaturated):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, schemas.CreateSessionResponse{SessionID: sess.ID()})
}

func (s *Server) handleSessionAction(c *gin.Context) {
	sess, err := s.pool.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var spec schemas.ActionSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := sess.Do(c.Request.Context(), &spec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSessionState(c *gin.Context) {
	sess, err := s.pool.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.State())
}

func (s *Server) handleSessionScreenshot(c *gin.Context) {
	sess, err := s.pool.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	png, err := sess.Screenshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) handleDestroySession(c *gin.Context) {
	s.pool.Destroy(c.Param("id"))
	c.Status(http.StatusNoContent)
}
