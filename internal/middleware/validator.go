package middleware

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Input validation and sanitization utilities

// ValidateTaskID checks the id is a UUID (tasks are created with uuid.NewString).
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid task ID format")
	}
	return nil
}

// ValidateTaskIDs validates a bulk request, max 100 ids.
func ValidateTaskIDs(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("ids cannot be empty")
	}
	if len(ids) > 100 {
		return fmt.Errorf("too many ids (max 100)")
	}
	for _, id := range ids {
		if err := ValidateTaskID(id); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// ValidateLimit validates a findings limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 200
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
