package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/myqueue/myqueued/internal/model"
	"github.com/myqueue/myqueued/internal/queue"
	"github.com/myqueue/myqueued/internal/scheduler"
	"github.com/myqueue/myqueued/internal/transport"
)

// maxLogReadBytes bounds how much of a task's log file is returned in a
// single GET_TASK_LOG response; larger logs are tailed to this size.
const maxLogReadBytes = 1 << 20

// Dispatcher listens on a Unix domain socket and serves the client wire
// protocol, translating requests into queue and scheduler calls.
type Dispatcher struct {
	logger    *zap.Logger
	socket    string
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	logDir    string

	listener net.Listener
	shutdown chan struct{}
}

// New creates a Dispatcher bound to socketPath. logDir is the directory
// the executor falls back to for a task's captured stdout/stderr when
// the task was not submitted with an explicit log file.
func New(socketPath string, q *queue.Queue, sched *scheduler.Scheduler, logDir string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger.Named("dispatcher"),
		socket:    socketPath,
		queue:     q,
		scheduler: sched,
		logDir:    logDir,
		shutdown:  make(chan struct{}),
	}
}

// Serve listens on the configured socket and handles connections until
// ctx is cancelled or Shutdown is requested by a client.
func (d *Dispatcher) Serve(ctx context.Context) error {
	_ = os.Remove(d.socket)

	ln, err := net.Listen("unix", d.socket)
	if err != nil {
		return fmt.Errorf("dispatcher: listen on %s: %w", d.socket, err)
	}
	d.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		<-d.shutdown
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-d.shutdown:
				return nil
			default:
				d.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go d.handleConn(conn)
	}
}

func (d *Dispatcher) handleConn(conn net.Conn) {
	defer conn.Close()

	payload, err := transport.ReadFrame(conn)
	if err != nil {
		d.logger.Debug("read frame failed", zap.Error(err))
		return
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.writeError(conn, ErrCodeMalformedRequest, "malformed envelope")
		return
	}

	d.dispatch(conn, env, payload)
}

func (d *Dispatcher) dispatch(conn net.Conn, env Envelope, raw []byte) {
	switch env.Type {
	case MsgSubmit:
		d.handleSubmit(conn, raw)
	case MsgQueryQueue:
		d.handleQuery(conn, raw, false)
	case MsgQueryQueueAll:
		d.handleQuery(conn, raw, true)
	case MsgDeleteTask:
		d.handleDelete(conn, raw)
	case MsgDeleteAll:
		d.handleDeleteAll(conn)
	case MsgGetTaskInfo:
		d.handleTaskInfo(conn, raw)
	case MsgGetTaskLog:
		d.handleTaskLog(conn, raw)
	case MsgShutdown:
		d.handleShutdown(conn)
	default:
		d.writeError(conn, ErrCodeProtocol, fmt.Sprintf("unknown message type %d", env.Type))
	}
}

type requestEnvelope[T any] struct {
	Type    MsgType `json:"type"`
	Payload T       `json:"payload"`
}

func decodePayload[T any](raw []byte) (T, error) {
	var req requestEnvelope[T]
	err := json.Unmarshal(raw, &req)
	return req.Payload, err
}

func (d *Dispatcher) handleSubmit(conn net.Conn, raw []byte) {
	req, err := decodePayload[SubmitRequest](raw)
	if err != nil {
		d.writeError(conn, ErrCodeMalformedRequest, "malformed submit request")
		return
	}
	if req.ScriptPath == "" {
		d.writeError(conn, ErrCodeInvalidScript, "script_path is required")
		return
	}

	var workdirs []string
	switch {
	case req.WorkdirsFile != "":
		workdirs, err = queue.ParseWorkdirsFile(req.WorkdirsFile)
		if err != nil {
			d.writeError(conn, ErrCodeInvalidWorkdir, err.Error())
			return
		}
	case req.Workdir != "":
		workdirs = []string{req.Workdir}
	default:
		d.writeError(conn, ErrCodeInvalidWorkdir, "workdir or workdirs_file is required")
		return
	}

	var created []*model.Task
	if len(workdirs) == 1 {
		t, err := d.queue.Submit(model.SubmitRequest{
			ScriptPath:    req.ScriptPath,
			Workdir:       workdirs[0],
			NCPU:          req.NCPU,
			NGPU:          req.NGPU,
			RequestedCPUs: req.RequestedCPUs,
			RequestedGPUs: req.RequestedGPUs,
			LogFile:       req.LogFile,
		})
		if err != nil {
			d.writeError(conn, ErrCodeInternal, err.Error())
			return
		}
		created = []*model.Task{t}
	} else {
		created, err = d.queue.SubmitBatch(req.ScriptPath, workdirs, req.NCPU, req.NGPU)
		if err != nil {
			d.writeError(conn, ErrCodeInternal, err.Error())
			return
		}
	}

	resp := QueueResponse{Tasks: make([]TaskInfo, 0, len(created))}
	for _, t := range created {
		resp.Tasks = append(resp.Tasks, toTaskInfo(t))
	}
	d.writeOK(conn, resp)
}

func (d *Dispatcher) handleQuery(conn net.Conn, raw []byte, all bool) {
	var tasks []*model.Task
	if all {
		tasks = d.queue.All()
	} else {
		tasks = append(d.queue.Pending(), d.queue.Running()...)
	}

	resp := QueueResponse{Tasks: make([]TaskInfo, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, toTaskInfo(t))
	}
	d.writeOK(conn, resp)
}

func (d *Dispatcher) handleTaskInfo(conn net.Conn, raw []byte) {
	req, err := decodePayload[TaskInfoRequest](raw)
	if err != nil {
		d.writeError(conn, ErrCodeMalformedRequest, "malformed task info request")
		return
	}

	t, ok := d.queue.Get(req.ID)
	if !ok {
		d.writeError(conn, ErrCodeTaskNotFound, fmt.Sprintf("task %d not found", req.ID))
		return
	}
	d.writeOK(conn, toTaskInfo(t))
}

func (d *Dispatcher) handleTaskLog(conn net.Conn, raw []byte) {
	req, err := decodePayload[TaskLogRequest](raw)
	if err != nil {
		d.writeError(conn, ErrCodeMalformedRequest, "malformed task log request")
		return
	}

	t, ok := d.queue.Get(req.ID)
	if !ok {
		d.writeError(conn, ErrCodeTaskNotFound, fmt.Sprintf("task %d not found", req.ID))
		return
	}

	var resp TaskLogResponse
	if t.LogFile != "" {
		resp.Stdout = readTail(t.LogFile)
	} else if d.logDir != "" {
		resp.Stdout = readTail(filepath.Join(d.logDir, fmt.Sprintf("task_%d.out", t.ID)))
		resp.Stderr = readTail(filepath.Join(d.logDir, fmt.Sprintf("task_%d.err", t.ID)))
	}
	d.writeOK(conn, resp)
}

// readTail returns up to the last maxLogReadBytes of path, or "" if the
// file does not exist or cannot be read.
func readTail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}

	size := info.Size()
	offset := int64(0)
	if size > maxLogReadBytes {
		offset = size - maxLogReadBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}

	buf := make([]byte, size-offset)
	n, _ := f.Read(buf)
	return string(buf[:n])
}

func (d *Dispatcher) handleDelete(conn net.Conn, raw []byte) {
	req, err := decodePayload[DeleteRequest](raw)
	if err != nil {
		d.writeError(conn, ErrCodeMalformedRequest, "malformed delete request")
		return
	}
	if len(req.TaskIDs) == 0 {
		d.writeError(conn, ErrCodeInvalidRequest, "task_ids is required")
		return
	}

	results := make([]bool, len(req.TaskIDs))
	for i, id := range req.TaskIDs {
		results[i] = d.deleteOne(id, req.Hard)
	}
	d.writeOK(conn, DeleteResponse{Results: results})
}

// deleteOne terminates id if it is running (which itself deletes the row
// as CANCELLED) or deletes it directly otherwise. It reports whether the
// task existed and was removed.
func (d *Dispatcher) deleteOne(id uint64, hard bool) bool {
	t, ok := d.queue.Get(id)
	if !ok {
		return false
	}

	if t.Status == model.TaskStatusRunning && d.scheduler != nil {
		err := d.scheduler.Terminate(context.Background(), id, hard)
		switch {
		case err == nil:
			return true
		case errors.Is(err, scheduler.ErrTaskNotRunning):
			// Task finished between Get and Terminate; fall through to a
			// plain delete of whatever terminal state it landed in.
		default:
			d.logger.Warn("terminate during delete failed", zap.Uint64("task_id", id), zap.Error(err))
			return false
		}
	}

	if err := d.queue.Delete(id); err != nil {
		d.logger.Warn("delete failed", zap.Uint64("task_id", id), zap.Error(err))
		return false
	}
	return true
}

func (d *Dispatcher) handleDeleteAll(conn net.Conn) {
	if d.scheduler != nil {
		for _, t := range d.queue.Running() {
			if err := d.scheduler.Terminate(context.Background(), t.ID, false); err != nil {
				d.logger.Warn("terminate during delete-all failed", zap.Uint64("task_id", t.ID), zap.Error(err))
			}
		}
	}
	if err := d.queue.DeleteAll(); err != nil {
		d.writeError(conn, ErrCodeInternal, err.Error())
		return
	}
	d.writeOK(conn, struct{}{})
}

func (d *Dispatcher) handleShutdown(conn net.Conn) {
	d.writeOK(conn, struct{}{})
	close(d.shutdown)
}

func (d *Dispatcher) writeOK(conn net.Conn, payload interface{}) {
	d.write(conn, Envelope{Type: MsgOK, Payload: payload})
}

func (d *Dispatcher) writeError(conn net.Conn, code ErrorCode, message string) {
	d.write(conn, Envelope{Type: MsgError, Payload: ErrorResponse{Code: code, Message: message}})
}

func (d *Dispatcher) write(conn net.Conn, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("marshal response", zap.Error(err))
		return
	}
	if err := transport.WriteFrame(conn, data); err != nil {
		d.logger.Debug("write frame failed", zap.Error(err))
	}
}
