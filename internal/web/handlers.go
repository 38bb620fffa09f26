package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/emiliopalmerini/mbandit/internal/domain"
	"github.com/emiliopalmerini/mbandit/internal/engine"
)

type drawRequest struct {
	DrawID   string             `json:"draw_id"`
	ClientID *string            `json:"client_id"`
	Context  map[string]float64 `json:"context"`
}

type updateRequest struct {
	Outcome *float64 `json:"outcome"`
}

// writeError maps engine errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleCreateExperiment(c *gin.Context) {
	var spec domain.ExperimentSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	exp, err := s.engine.CreateExperiment(c.Request.Context(), spec)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewExperimentView(exp))
}

func (s *Server) handleListExperiments(c *gin.Context) {
	exps, err := s.engine.ListExperiments(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]ExperimentView, 0, len(exps))
	for _, e := range exps {
		views = append(views, NewExperimentView(e))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetExperiment(c *gin.Context) {
	exp, err := s.engine.GetExperiment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewExperimentView(exp))
}

func (s *Server) handleDeleteExperiment(c *gin.Context) {
	if err := s.engine.DeleteExperiment(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		exp, err := s.engine.SetActive(c.Request.Context(), c.Param("id"), active)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, NewExperimentView(exp))
	}
}

func (s *Server) handleDraw(c *gin.Context) {
	var req drawRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	res, err := s.engine.DrawArm(c.Request.Context(), engine.DrawRequest{
		ExperimentID: c.Param("id"),
		DrawID:       req.DrawID,
		ClientID:     req.ClientID,
		Context:      req.Context,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewDrawView(res))
}

func (s *Server) handleUpdate(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Outcome == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome is required"})
		return
	}
	res, err := s.engine.UpdateArm(c.Request.Context(), c.Param("draw_id"), *req.Outcome)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewUpdateView(res))
}

func (s *Server) handleObservations(c *gin.Context) {
	obs, err := s.engine.Observations(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewObservationViews(obs))
}

func (s *Server) handleComparison(c *gin.Context) {
	cmp, err := s.engine.CompareArms(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewComparisonView(cmp))
}
