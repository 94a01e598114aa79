// Package executor defines the substrate that runs remote commands on
// behalf of the oplog fetcher and delivers their replies to callbacks.
package executor

import (
	"fmt"
	"time"

	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrShutdownInProgress is returned when scheduling on a stopped executor.
	ErrShutdownInProgress = &errors.Error{
		Code: errors.EShutdownInProgress,
		Msg:  "executor is shutting down",
	}

	// ErrCallbackCanceled is delivered to the callback of a canceled request.
	ErrCallbackCanceled = &errors.Error{
		Code: errors.ECanceled,
		Msg:  "callback canceled",
	}

	// ErrNetworkTimeout is delivered when a request outlives its timeout.
	ErrNetworkTimeout = &errors.Error{
		Code: errors.ENetworkTimeout,
		Msg:  "operation timed out",
	}
)

// CallbackHandle identifies a scheduled request. The zero value is invalid.
type CallbackHandle struct {
	id uint64
}

// NewCallbackHandle returns the handle for request id.
func NewCallbackHandle(id uint64) CallbackHandle { return CallbackHandle{id: id} }

// IsValid reports whether h names a request.
func (h CallbackHandle) IsValid() bool { return h.id != 0 }

// ID returns the request id of h.
func (h CallbackHandle) ID() uint64 { return h.id }

func (h CallbackHandle) String() string { return fmt.Sprintf("request#%d", h.id) }

// RemoteCommandRequest is a command to run against a database on Target.
type RemoteCommandRequest struct {
	Target   string
	DBName   string
	Cmd      bson.Raw
	Metadata bson.Raw

	// Timeout bounds the whole exchange. Zero means no timeout.
	Timeout time.Duration
}

// CommandName returns the first field name of the command document.
func (r RemoteCommandRequest) CommandName() string {
	elems, err := r.Cmd.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

// RemoteCommandResponse is the reply to a request, or the error that
// prevented one.
type RemoteCommandResponse struct {
	Data     bson.Raw
	Metadata bson.Raw
	Elapsed  time.Duration
	Err      error
}

// RemoteCommandCallback receives the outcome of a request.
type RemoteCommandCallback func(RemoteCommandRequest, RemoteCommandResponse)

// TaskExecutor schedules remote commands.
//
// Callbacks never run inside ScheduleRemoteCommand or Cancel. A canceled
// request's callback runs later with ErrCallbackCanceled, and a request
// that outlives its Timeout is answered with ErrNetworkTimeout.
type TaskExecutor interface {
	ScheduleRemoteCommand(req RemoteCommandRequest, cb RemoteCommandCallback) (CallbackHandle, error)
	Cancel(h CallbackHandle)
	Now() time.Time
}
