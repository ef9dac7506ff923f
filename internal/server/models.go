package server

import (
	"stackup/internal/db"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error" example:"Resource not found"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status   string `json:"status" example:"healthy"`
	Version  string `json:"version" example:"1.0.0"`
	Uptime   string `json:"uptime" example:"2h30m15s"`
	Database string `json:"database" example:"healthy"`
	Clients  int    `json:"event_clients" example:"1"`
}

// RunsResponse is one page of run history
type RunsResponse = db.PaginatedResponse[db.Run]
