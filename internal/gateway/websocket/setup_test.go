package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/eventbus"
	"github.com/kandev/backplane/internal/ptysession"
	ws "github.com/kandev/backplane/pkg/websocket"
)

func newTestGateway(t *testing.T) (*Gateway, *eventbus.Bus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	bus := eventbus.New(config.NATSConfig{}, "", log)
	ptyBroker := ptysession.NewBroker(nil, config.PTYConfig{BufferCap: 10, IdleTimeout: time.Minute}, log)
	return NewGateway(ChatBrokers{}, ptyBroker, bus, log), bus
}

func TestBroadcastTaskmasterPublishesOnBroadcastTopic(t *testing.T) {
	gw, bus := newTestGateway(t)

	ch, cancel := bus.Subscribe(eventbus.TopicBroadcast)
	defer cancel()

	gw.BroadcastTaskmaster("taskmaster-project-updated", map[string]string{"projectId": "p1"})

	select {
	case msg := <-ch:
		tm, ok := msg.(ws.TaskmasterMessage)
		require.True(t, ok)
		assert.Equal(t, "taskmaster-project-updated", tm.Type)
	case <-time.After(time.Second):
		t.Fatal("broadcast was not published on the event bus")
	}
}

func TestRunBroadcastBridgeForwardsToHub(t *testing.T) {
	gw, _ := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.RunBroadcastBridge(ctx)

	// The bridge subscribes asynchronously; republish until it picks one up.
	require.Eventually(t, func() bool {
		gw.BroadcastTaskmaster("taskmaster-note", nil)
		select {
		case msg := <-gw.Hub.broadcast:
			tm, ok := msg.(ws.TaskmasterMessage)
			require.True(t, ok)
			assert.Equal(t, "taskmaster-note", tm.Type)
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
