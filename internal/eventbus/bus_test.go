package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/logger"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	// Empty NATS URL: purely in-process, no dial attempted.
	return New(config.NATSConfig{}, "", log)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := testBus(t)
	ch, cancel := b.Subscribe("taskmaster.updated")
	defer cancel()

	b.Publish("taskmaster.updated", map[string]string{"id": "1"})

	select {
	case payload := <-ch:
		assert.Equal(t, map[string]string{"id": "1"}, payload)
	case <-time.After(time.Second):
		t.Fatal("expected payload was not delivered")
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := testBus(t)
	done := make(chan struct{})
	go func() {
		b.Publish("nobody-listening", "x")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish with no subscribers blocked")
	}
}

func TestCancelUnregistersSubscriber(t *testing.T) {
	b := testBus(t)
	ch, cancel := b.Subscribe("topic")
	cancel()

	b.Publish("topic", "ignored")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := testBus(t)
	_, cancel := b.Subscribe("busy")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			b.Publish("busy", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestSeparateTopicsAreIsolated(t *testing.T) {
	b := testBus(t)
	chA, cancelA := b.Subscribe("a")
	defer cancelA()
	chB, cancelB := b.Subscribe("b")
	defer cancelB()

	b.Publish("a", "only-a")

	select {
	case payload := <-chA:
		assert.Equal(t, "only-a", payload)
	case <-time.After(time.Second):
		t.Fatal("expected delivery on topic a")
	}

	select {
	case payload := <-chB:
		t.Fatalf("unexpected delivery on topic b: %v", payload)
	case <-time.After(100 * time.Millisecond):
	}
}
