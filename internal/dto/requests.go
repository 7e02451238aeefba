package dto

import "github.com/prperemyshlev/ledger-connections/internal/domain"

// DisconnectRequest asks to tear down the connection to one tenant
type DisconnectRequest struct {
	TenantID string `json:"tenant_id" binding:"required" validate:"required"`
}

// StatusResponse lists the caller's connections without any token material
type StatusResponse struct {
	Connections      []domain.ConnectionSummary `json:"connections"`
	TotalConnections int                        `json:"totalConnections"`
}

// SuccessResponse represents a success response
type SuccessResponse struct {
	Message string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
