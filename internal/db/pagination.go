package db

import (
	"fmt"

	"stackup/internal/constants"
)

// PaginationOptions represents pagination parameters
type PaginationOptions struct {
	Page     int    `json:"page" query:"page"`
	PageSize int    `json:"page_size" query:"page_size"`
	Order    string `json:"order" query:"order"` // "asc" or "desc"
}

// DefaultPaginationOptions returns default pagination settings
func DefaultPaginationOptions() PaginationOptions {
	return PaginationOptions{
		Page:     1,
		PageSize: constants.DefaultHistoryLimit,
		Order:    "desc",
	}
}

// Validate checks if pagination options are valid
func (p PaginationOptions) Validate() error {
	if p.Page < 1 {
		return fmt.Errorf("page must be >= 1")
	}
	if p.PageSize < 1 || p.PageSize > 100 {
		return fmt.Errorf("page_size must be between 1 and 100")
	}
	if p.Order != "asc" && p.Order != "desc" {
		return fmt.Errorf("order must be 'asc' or 'desc'")
	}
	return nil
}

// BuildOrderClause orders runs by start time
func (p PaginationOptions) BuildOrderClause() string {
	if p.Order == "" {
		p.Order = "desc"
	}
	return fmt.Sprintf("ORDER BY started_at %s", p.Order)
}

// BuildLimitClause builds the LIMIT/OFFSET clause for SQL queries
func (p PaginationOptions) BuildLimitClause() string {
	offset := (p.Page - 1) * p.PageSize
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.PageSize, offset)
}

// PaginatedResponse represents a paginated response
type PaginatedResponse[T any] struct {
	Data       []T `json:"data"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// NewPaginatedResponse creates a new paginated response
func NewPaginatedResponse[T any](data []T, options PaginationOptions, totalItems int) *PaginatedResponse[T] {
	totalPages := (totalItems + options.PageSize - 1) / options.PageSize
	if data == nil {
		data = []T{}
	}
	return &PaginatedResponse[T]{
		Data:       data,
		Page:       options.Page,
		PageSize:   options.PageSize,
		TotalItems: totalItems,
		TotalPages: totalPages,
	}
}
