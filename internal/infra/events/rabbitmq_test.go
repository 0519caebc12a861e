package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
)

type sent struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	out    []sent
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.out = append(f.out, sent{exchange, key, msg})
	return nil
}

func (f *fakeChannel) Close() error { f.closed = true; return nil }

func TestPublishStatus(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{ch: ch, exchange: "scanhive.events", logger: logging.Discard()}

	ev := tasks.StatusChange{TaskID: "t1", From: tasks.StatusRunning, To: tasks.StatusCompleted, Level: "WARNING", Message: "scan finished", At: "2026-01-01T00:00:00Z"}
	require.NoError(t, p.PublishStatus(context.Background(), ev))

	require.Len(t, ch.out, 1)
	assert.Equal(t, "scanhive.events", ch.out[0].exchange)
	assert.Equal(t, "task.status.completed", ch.out[0].key)
	assert.Equal(t, amqp.Persistent, ch.out[0].msg.DeliveryMode)

	var got tasks.StatusChange
	require.NoError(t, json.Unmarshal(ch.out[0].msg.Body, &got))
	assert.Equal(t, ev, got)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestPublishError(t *testing.T) {
	p := &Publisher{ch: &fakeChannel{err: errors.New("channel closed")}, exchange: "x", logger: logging.Discard()}
	err := p.PublishStatus(context.Background(), tasks.StatusChange{TaskID: "t", To: tasks.StatusFailed})
	assert.ErrorContains(t, err, "channel closed")
}
