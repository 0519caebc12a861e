package tasklog

import "time"

// Level severity tag of a task log row
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Entry represents one persisted task log row
type Entry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
