package eventbus

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimhq/cosim/pkg/models"
)

func testBus() *Bus {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(log)
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	event := models.LifecycleEvent{
		Topic:     models.TOPIC_SESSION_READY,
		SessionID: "s1",
		NewState:  models.READY,
		Timestamp: time.Now(),
	}
	bus.Publish(event)

	assert.Equal(t, event.SessionID, (<-ch1).SessionID)
	assert.Equal(t, event.SessionID, (<-ch2).SessionID)
}

func TestTopicFilter(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(models.TOPIC_SESSION_TERMINATED)
	defer cancel()

	bus.Publish(models.LifecycleEvent{Topic: models.TOPIC_SESSION_READY, SessionID: "s1"})
	bus.Publish(models.LifecycleEvent{Topic: models.TOPIC_SESSION_TERMINATED, SessionID: "s1"})

	got := <-ch
	assert.Equal(t, models.TOPIC_SESSION_TERMINATED, got.Topic)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %v", extra.Topic)
	default:
	}
}

func TestPerSessionOrdering(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	states := []models.SessionState{models.PENDING, models.READY, models.IDLE, models.READY, models.TERMINATED}
	for _, s := range states {
		bus.Publish(models.LifecycleEvent{Topic: models.TOPIC_SESSION_READY, SessionID: "s1", NewState: s})
	}

	for _, want := range states {
		got := <-ch
		require.Equal(t, want, got.NewState)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := testBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	// Publishing after cancel must not block or panic
	bus.Publish(models.LifecycleEvent{Topic: models.TOPIC_SESSION_READY, SessionID: "s1"})

	_, open := <-ch
	assert.False(t, open)
}

func TestDedupKey(t *testing.T) {
	e := models.LifecycleEvent{SessionID: "s1", Generation: 12, NewState: models.READY}
	assert.Equal(t, "s1/12/ready", e.DedupKey())
}
