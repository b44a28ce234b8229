// Package eventbus runs an embedded NATS server in-process and publishes
// task lifecycle notifications onto it — state transitions the scheduler
// makes are fanned out here so anything else in the daemon (or a future
// external subscriber attaching to the same embedded server) can observe
// them without polling the queue.
//
// The server is embedded rather than external: the daemon has exactly one
// process and no deployment story for a standalone broker, so it runs the
// broker inside itself the same way the ambient test harness spins one up
// for a single test binary.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
)

const stateChangeSubject = "myqueue.task.state"

// StateChange is the payload published whenever a task transitions.
type StateChange struct {
	TaskID    uint64           `json:"task_id"`
	Status    model.TaskStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// Bus wraps an embedded NATS server and a client connection to it.
type Bus struct {
	logger *zap.Logger
	srv    *server.Server
	conn   *nats.Conn
}

// Start launches the embedded NATS server on an OS-assigned loopback
// port and connects a client to it.
func Start(logger *zap.Logger) (*Bus, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           -1, // ask the OS for a free port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 256,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("eventbus: server did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL(), nats.Timeout(5*time.Second))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}

	return &Bus{
		logger: logger.Named("eventbus"),
		srv:    srv,
		conn:   conn,
	}, nil
}

// PublishStateChange announces a task's new status. Publish failures are
// logged, not returned: a dropped notification must never block the
// scheduler's own state transition.
func (b *Bus) PublishStateChange(taskID uint64, status model.TaskStatus) {
	change := StateChange{TaskID: taskID, Status: status, Timestamp: time.Now()}
	data, err := json.Marshal(change)
	if err != nil {
		b.logger.Error("marshal state change", zap.Error(err))
		return
	}
	if err := b.conn.Publish(stateChangeSubject, data); err != nil {
		b.logger.Error("publish state change", zap.Uint64("task_id", taskID), zap.Error(err))
	}
}

// Subscribe registers a handler for every state-change notification. The
// returned unsubscribe func should be called when the caller is done.
func (b *Bus) Subscribe(handler func(StateChange)) (func(), error) {
	sub, err := b.conn.Subscribe(stateChangeSubject, func(msg *nats.Msg) {
		var change StateChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			b.logger.Error("unmarshal state change", zap.Error(err))
			return
		}
		handler(change)
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close disconnects the client and shuts down the embedded server.
func (b *Bus) Close() {
	b.conn.Close()
	b.srv.Shutdown()
}
