package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/quok-it/benchbot/internal/storage"
	"github.com/quok-it/benchbot/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// ListSessionsQuery defines query parameters for listing sessions
type ListSessionsQuery struct {
	Marketplace string `form:"marketplace" binding:"omitempty,oneof=hyperbolic tensordock"`
	Limit       int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// ListSessionsResponse wraps a page of session records
type ListSessionsResponse struct {
	Sessions []*models.RentalSession `json:"sessions"`
	Count    int                     `json:"count"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if err := s.sessions.Ping(c.Request.Context()); err != nil {
		response.Services["store"] = "unreachable"
	} else {
		response.Services["store"] = "ok"
	}

	// Return 503 until the batch loop has started
	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	ready := s.ready.Load() && s.sessions.Ping(c.Request.Context()) == nil

	response := ReadyResponse{
		Ready:     ready,
		Timestamp: time.Now(),
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListSessions(c *gin.Context) {
	ctx := c.Request.Context()

	var query ListSessionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	sessions, err := s.sessions.List(ctx, storage.SessionFilter{
		Marketplace: query.Marketplace,
		Limit:       query.Limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to list sessions",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, ListSessionsResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     fmt.Sprintf("session %s not found", sessionID),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to get session",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, session)
}

// sanitizeValidationError reports query fields by their parameter names
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}
