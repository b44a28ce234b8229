package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
)

func TestPublishAndSubscribeStateChange(t *testing.T) {
	bus, err := Start(zap.NewNop())
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan StateChange, 1)
	unsubscribe, err := bus.Subscribe(func(c StateChange) { received <- c })
	require.NoError(t, err)
	defer unsubscribe()

	bus.PublishStateChange(42, model.TaskStatusRunning)

	select {
	case change := <-received:
		assert.Equal(t, uint64(42), change.TaskID)
		assert.Equal(t, model.TaskStatusRunning, change.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive state change notification")
	}
}
