// Package lifecycle commits task status transitions together with their
// task log entry and fans the change out to observers.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bryanwahyu/scanhive/internal/application"
	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
)

// Metrics is the subset of the recorder the machine reports to.
type Metrics interface {
	Transition(from, to string)
}

// Machine is safe for concurrent use; serialization per task comes from
// the repository's Update transaction.
type Machine struct {
	Repo   tasks.Repository
	Logs   tasklog.Repository
	Clock  application.Clock
	Events tasks.EventPublisher // optional
	Stats  Metrics              // optional
	Logger *slog.Logger
}

// Change describes one requested transition.
type Change struct {
	To      tasks.Status
	Level   tasklog.Level
	Message string
	// Mutate runs inside the same transaction after the status change
	// (e.g. to record the run id or clear it).
	Mutate func(*tasks.ScanTask)
	// Settled treats a task already in To as done: nothing is written and
	// the stored task is returned without error.
	Settled bool
}

var errSettled = errors.New("task already in target status")

// Transition moves task id to c.To. A rejected transition is logged at
// ERROR and returned as *tasks.InvalidTransitionError; the stored task is unchanged.
func (m *Machine) Transition(ctx context.Context, id tasks.ID, c Change) (*tasks.ScanTask, error) {
	log := logging.OrDefault(m.Logger).With("task_id", id)
	now := m.Clock.Now()

	var from tasks.Status
	level := c.Level
	if level == "" {
		level = tasklog.LevelInfo
	}
	entry := tasklog.Entry{TaskID: string(id), Level: level, Message: c.Message, CreatedAt: now}

	var settled *tasks.ScanTask
	updated, err := m.Repo.Update(ctx, id, func(t *tasks.ScanTask) error {
		from = t.Status
		if c.Settled && t.Status == c.To {
			settled = t.Clone()
			return errSettled
		}
		if err := t.Transition(c.To, now); err != nil {
			return err
		}
		if c.Mutate != nil {
			c.Mutate(t)
		}
		return nil
	}, entry)
	if errors.Is(err, errSettled) {
		log.Debug("status already settled", "status", c.To)
		return settled, nil
	}
	if err != nil {
		if errors.Is(err, tasks.ErrInvalidTransition) {
			log.Error("status transition rejected", "from", from, "to", c.To, "err", err)
			m.appendLog(ctx, log, tasklog.Entry{
				TaskID: string(id), Level: tasklog.LevelError,
				Message: err.Error(), CreatedAt: now,
			})
		}
		return nil, err
	}

	log.Info("status changed", "from", from, "to", c.To, "level", level)
	if m.Stats != nil {
		m.Stats.Transition(string(from), string(c.To))
	}
	m.publish(ctx, log, tasks.StatusChange{
		TaskID:  id,
		From:    from,
		To:      c.To,
		Level:   string(level),
		Message: c.Message,
		At:      now.Format(time.RFC3339),
	})
	return updated, nil
}

// Log appends a task log entry outside of any transition.
func (m *Machine) Log(ctx context.Context, id tasks.ID, level tasklog.Level, msg string) {
	log := logging.OrDefault(m.Logger).With("task_id", id)
	m.appendLog(ctx, log, tasklog.Entry{TaskID: string(id), Level: level, Message: msg, CreatedAt: m.Clock.Now()})
}

func (m *Machine) appendLog(ctx context.Context, log *slog.Logger, e tasklog.Entry) {
	if m.Logs == nil {
		return
	}
	if err := m.Logs.Append(context.WithoutCancel(ctx), &e); err != nil {
		log.Warn("append task log failed", "err", err)
	}
}

func (m *Machine) publish(ctx context.Context, log *slog.Logger, ev tasks.StatusChange) {
	if m.Events == nil {
		return
	}
	if err := m.Events.PublishStatus(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("publish status change failed", "err", err)
	}
}
