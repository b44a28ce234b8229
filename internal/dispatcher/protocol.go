// Package dispatcher implements the Request Dispatcher (C7): the server
// side of the client-facing wire protocol, translating length-prefixed
// JSON requests into queue and scheduler operations.
package dispatcher

import (
	"time"

	"github.com/myqueue/myqueued/internal/model"
)

// MsgType identifies the kind of request or response carried in an
// envelope. Values below 100 are requests; 100 and above are responses.
type MsgType int

const (
	MsgSubmit          MsgType = 1
	MsgQueryQueue      MsgType = 2
	MsgDeleteTask      MsgType = 3
	MsgShutdown        MsgType = 4
	MsgDeleteAll       MsgType = 5
	MsgQueryQueueAll   MsgType = 6
	MsgGetTaskInfo     MsgType = 7
	MsgGetTaskLog      MsgType = 8

	MsgOK    MsgType = 100
	MsgError MsgType = 101
)

// ErrorCode bands failures by the layer that produced them: 1xx protocol
// framing, 2xx request validation, 3xx resource allocation, 4xx task
// state conflicts, 5xx internal/unexpected.
type ErrorCode int

const (
	ErrCodeProtocol        ErrorCode = 100
	ErrCodeMalformedRequest ErrorCode = 101

	ErrCodeInvalidScript  ErrorCode = 200
	ErrCodeInvalidWorkdir ErrorCode = 201
	ErrCodeInvalidRequest ErrorCode = 202

	ErrCodeResourceUnavailable ErrorCode = 300
	ErrCodeInvalidDeviceID     ErrorCode = 301

	ErrCodeTaskNotFound    ErrorCode = 400
	ErrCodeTaskNotRunning  ErrorCode = 401
	ErrCodeTaskNotTerminal ErrorCode = 402

	ErrCodeInternal ErrorCode = 500
)

// Envelope is the outermost JSON shape of every frame: Type selects how
// Payload should be interpreted.
type Envelope struct {
	Type    MsgType         `json:"type"`
	Payload interface{}     `json:"payload,omitempty"`
}

// SubmitRequest asks the dispatcher to create one or more new tasks.
type SubmitRequest struct {
	ScriptPath     string   `json:"script_path"`
	Workdir        string   `json:"workdir,omitempty"`
	WorkdirsFile   string   `json:"workdirs_file,omitempty"`
	NCPU           int      `json:"ncpu"`
	NGPU           int      `json:"ngpu"`
	RequestedCPUs  []int    `json:"requested_cpus,omitempty"`
	RequestedGPUs  []int    `json:"requested_gpus,omitempty"`
	LogFile        string   `json:"log_file,omitempty"`
}

// DeleteRequest names the task(s) a delete or terminate targets.
type DeleteRequest struct {
	TaskIDs []uint64 `json:"task_ids"`
	Hard    bool     `json:"hard,omitempty"`
}

// DeleteResponse reports, in request order, whether each requested task
// was found and deleted.
type DeleteResponse struct {
	Results []bool `json:"results"`
}

// TaskInfoRequest asks for full detail on a single task.
type TaskInfoRequest struct {
	ID uint64 `json:"id"`
}

// TaskLogRequest asks for the log output recorded for a single task.
type TaskLogRequest struct {
	ID uint64 `json:"id"`
}

// TaskInfo is the wire representation of one task.
type TaskInfo struct {
	ID            uint64           `json:"id"`
	ScriptPath    string           `json:"script_path"`
	Workdir       string           `json:"workdir"`
	NCPU          int              `json:"ncpu"`
	NGPU          int              `json:"ngpu"`
	AllocatedCPUs []int            `json:"allocated_cpus,omitempty"`
	AllocatedGPUs []int            `json:"allocated_gpus,omitempty"`
	Status        model.TaskStatus `json:"status"`
	PID           int              `json:"pid"`
	ExitCode      int              `json:"exit_code"`
	SubmitTime    string           `json:"submit_time"`
	StartTime     string           `json:"start_time,omitempty"`
	EndTime       string           `json:"end_time,omitempty"`
	DurationSec   int64            `json:"duration_seconds"`
}

// QueueResponse carries zero or more tasks back to the client.
type QueueResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

// TaskLogResponse carries the captured stdout/stderr of a task back to
// the client. A field is empty if no log was captured for that stream.
type TaskLogResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// ErrorResponse is the payload of an MsgError envelope.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func toTaskInfo(t *model.Task) TaskInfo {
	info := TaskInfo{
		ID:            t.ID,
		ScriptPath:    t.ScriptPath,
		Workdir:       t.Workdir,
		NCPU:          t.NCPU,
		NGPU:          t.NGPU,
		AllocatedCPUs: t.AllocatedCPUs,
		AllocatedGPUs: t.AllocatedGPUs,
		Status:        t.Status,
		PID:           t.PID,
		ExitCode:      t.ExitCode,
		SubmitTime:    t.SubmitTime.Format("2006-01-02T15:04:05Z07:00"),
		DurationSec:   t.DurationSeconds(time.Now()),
	}
	if t.StartTime != nil {
		info.StartTime = t.StartTime.Format("2006-01-02T15:04:05Z07:00")
	}
	if t.EndTime != nil {
		info.EndTime = t.EndTime.Format("2006-01-02T15:04:05Z07:00")
	}
	return info
}
