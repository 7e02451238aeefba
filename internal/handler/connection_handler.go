package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/prperemyshlev/ledger-connections/internal/domain"
	"github.com/prperemyshlev/ledger-connections/internal/dto"
	"github.com/prperemyshlev/ledger-connections/internal/repository"
	"github.com/prperemyshlev/ledger-connections/internal/service"
)

// Reason codes carried to the front-end error route
const (
	reasonAuthorizationFailed = "authorization_failed"
	reasonTenantMissing       = "tenant_missing"
	reasonInternalError       = "internal_error"
)

// ConnectionHandler handles platform connection requests
type ConnectionHandler struct {
	connections service.ConnectionService
	frontendURL string
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(connections service.ConnectionService, frontendURL string) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
		frontendURL: frontendURL,
	}
}

// Connect redirects the browser to the platform authorize endpoint
func (h *ConnectionHandler) Connect(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error:   "Unauthorized",
			Message: "User ID not found in context",
		})
		return
	}

	authorizeURL, err := h.connections.BuildAuthorizeURL(userID.(string))
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "Internal server error",
			Message: "Failed to build authorize URL",
		})
		return
	}

	c.Redirect(http.StatusFound, authorizeURL)
}

// Callback completes the authorization flow. The platform redirects here;
// user identity comes from the signed state, not from a session.
func (h *ConnectionHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		h.redirectError(c, reasonAuthorizationFailed)
		return
	}

	connections, err := h.connections.HandleCallback(c.Request.Context(), code, state)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAuthorization):
			h.redirectError(c, reasonAuthorizationFailed)
		case errors.Is(err, service.ErrTenantResolution):
			h.redirectError(c, reasonTenantMissing)
		default:
			h.redirectError(c, reasonInternalError)
		}
		return
	}

	c.Redirect(http.StatusFound, fmt.Sprintf("%s/connected?tenantId=%s",
		h.frontendURL, url.QueryEscape(connections[0].TenantID)))
}

// Status reports the caller's connections without any token material.
// With ?validate=true each CONNECTED row is probed with a live refresh check.
func (h *ConnectionHandler) Status(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error:   "Unauthorized",
			Message: "User ID not found in context",
		})
		return
	}

	var summaries []domain.ConnectionSummary
	var err error

	if c.Query("validate") == "true" {
		summaries, err = h.connections.ValidateConnections(c.Request.Context(), userID.(string))
	} else {
		summaries, err = h.connections.ListConnections(c.Request.Context(), userID.(string))
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "Internal server error",
			Message: "Failed to list connections",
		})
		return
	}

	c.JSON(http.StatusOK, dto.StatusResponse{
		Connections:      summaries,
		TotalConnections: len(summaries),
	})
}

// Disconnect tears down the connection to one tenant
func (h *ConnectionHandler) Disconnect(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{
			Error:   "Unauthorized",
			Message: "User ID not found in context",
		})
		return
	}

	var req dto.DisconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Message: err.Error(),
		})
		return
	}

	err := h.connections.Disconnect(c.Request.Context(), userID.(string), req.TenantID, "")
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{
				Error:   "Not found",
				Message: "No connection for this tenant",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error:   "Internal server error",
			Message: "Failed to disconnect",
		})
		return
	}

	c.JSON(http.StatusOK, dto.SuccessResponse{
		Message: "Disconnected successfully",
	})
}

func (h *ConnectionHandler) redirectError(c *gin.Context, reason string) {
	c.Redirect(http.StatusFound, fmt.Sprintf("%s/connect-error?reason=%s", h.frontendURL, reason))
}
