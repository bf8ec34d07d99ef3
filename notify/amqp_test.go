package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/recurrence-engine/recurrence"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp091.Publishing
	err      error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func TestNotify_PublishesEvent(t *testing.T) {
	// GIVEN: a notifier on a fake channel
	ch := &fakeChannel{}
	n := newNotifier(ch, "finance", "recurrence", nil)
	at := time.Date(2025, time.October, 16, 12, 0, 0, 0, time.UTC)

	// WHEN: a split is committed
	err := n.Notify(context.Background(), recurrence.ChangeEvent{
		Kind:       recurrence.ChangeSplit,
		OwnerID:    "owner-1",
		SeriesIDs:  []recurrence.SeriesID{"old", "new"},
		Inserted:   10,
		Deleted:    10,
		OccurredAt: at,
	})
	require.NoError(t, err)

	// THEN: it lands on the kind-specific routing key
	assert.Equal(t, "finance", ch.exchange)
	assert.Equal(t, "recurrence.series.split", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, ch.msg.DeliveryMode)

	msg, err := SeriesChangedMessageFromJSON(ch.msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", msg.OwnerID)
	assert.Equal(t, []string{"old", "new"}, msg.SeriesIDs)
	assert.Equal(t, 10, msg.Inserted)
	assert.True(t, msg.Timestamp.Equal(at))
}

func TestNotify_PublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	n := newNotifier(ch, "finance", "recurrence", nil)

	err := n.Notify(context.Background(), recurrence.ChangeEvent{Kind: recurrence.ChangeCreated})
	assert.ErrorContains(t, err, "channel closed")
}

func TestSeriesChangedMessage_DefaultsTimestamp(t *testing.T) {
	msg := NewSeriesChangedMessage(recurrence.ChangeEvent{Kind: recurrence.ChangeCancelled})
	assert.False(t, msg.Timestamp.IsZero())
	assert.Empty(t, msg.SeriesIDs)
}
