package tasks

import "math"

// PaginatedResult represents a paginated response with data and metadata
type PaginatedResult struct {
	Data       []*ScanTask `json:"data"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	Total      int64       `json:"totalItems"`
	TotalPages int         `json:"totalPages"`
}

// NewPage builds the result envelope for a normalized filter.
func NewPage(data []*ScanTask, f Filter, total int64) PaginatedResult {
	if data == nil {
		data = []*ScanTask{}
	}
	return PaginatedResult{
		Data:       data,
		Page:       f.Page,
		PageSize:   f.PageSize,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(f.PageSize))),
	}
}
