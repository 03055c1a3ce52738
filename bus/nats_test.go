package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mafkit/maf/event"
)

func TestNATSConfigDefaults(t *testing.T) {
	b, err := NewNATSBus(NATSConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "MAF_EVENTS", b.cfg.StreamName)
	assert.Equal(t, "maf", b.cfg.ConsumerGroup)
	assert.Equal(t, 2*time.Second, b.cfg.ReconnectWait)
	assert.NotEmpty(t, b.cfg.URLs)
}

func TestNATSConfigValidate(t *testing.T) {
	cfg := DefaultNATSConfig()
	require.NoError(t, cfg.Validate())

	cfg.StreamName = ""
	assert.Error(t, cfg.Validate())
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "maf-task_assigned", consumerName("maf", event.KindTaskAssigned))
	assert.Equal(t, "qa-group-custom", consumerName("qa-group", event.KindCustom))
}

func TestSubjectPerKind(t *testing.T) {
	// One topic per kind, all under the stream's events.> space.
	for _, k := range event.Kinds() {
		subject := k.Subject()
		assert.Contains(t, subject, "events.")
		assert.NotContains(t, string(k), ".")
	}
}

func TestNATSSubscribeBeforeStart(t *testing.T) {
	b, err := NewNATSBus(NATSConfig{}, nil)
	require.NoError(t, err)

	// Registration is accepted while stopped; the consumer binds on Start.
	sub, err := b.Subscribe(event.KindTaskAssigned, func(context.Context, event.Event) {})
	require.NoError(t, err)
	assert.Equal(t, event.KindTaskAssigned, sub.Kind)
	assert.Equal(t, 1, b.Statistics().SubscriberCount)

	require.NoError(t, b.Unsubscribe(sub))
	assert.Equal(t, 0, b.Statistics().SubscriberCount)
}

func TestNATSPublishStopped(t *testing.T) {
	b, err := NewNATSBus(NATSConfig{}, nil)
	require.NoError(t, err)
	e := event.New(event.KindTaskCreated, "test", event.Data{TaskID: "t-1"})
	assert.ErrorIs(t, b.Publish(context.Background(), e), ErrBusStopped)
}
