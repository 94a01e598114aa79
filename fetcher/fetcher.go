// Package fetcher drives a single find/getMore cursor conversation with a
// remote node over an executor.TaskExecutor.
package fetcher

import (
	"strings"
	"sync"
	"time"

	"github.com/influxdata/oplogtail/executor"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// QueryResponse is one batch of a cursor.
type QueryResponse struct {
	CursorID  int64
	Namespace string
	Documents []bson.Raw
	// First marks the reply to the initial command.
	First    bool
	Metadata bson.Raw
	Elapsed  time.Duration
}

// GetMore asks for the next batch. Fields are appended after
// {getMore: <id>, collection: <name>}.
type GetMore struct {
	Fields  bson.D
	Timeout time.Duration
}

// Work handles a batch or the error that ended the conversation. Returning
// nil stops the fetch. Work is called with a non-nil error at most once,
// and no further calls follow it.
type Work func(resp *QueryResponse, err error) *GetMore

// Fetcher is single use: once its conversation ends it stays inactive.
type Fetcher struct {
	exec     executor.TaskExecutor
	source   string
	dbname   string
	cmd      bson.D
	cmdRaw   bson.Raw
	metadata bson.Raw
	timeout  time.Duration
	work     Work
	log      *zap.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	active     bool
	scheduled  bool
	inShutdown bool
	first      bool
	handle     executor.CallbackHandle
}

// New returns a Fetcher that will send cmd to dbname on source.
func New(exec executor.TaskExecutor, source, dbname string, cmd, metadata bson.D, timeout time.Duration, work Work, log *zap.Logger) (*Fetcher, error) {
	const op = "fetcher.New"
	if exec == nil {
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "null executor"}
	}
	if work == nil {
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "null work function"}
	}
	cmdRaw, err := bson.Marshal(cmd)
	if err != nil {
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "encoding command", Err: err}
	}
	var mdRaw bson.Raw
	if metadata != nil {
		if mdRaw, err = bson.Marshal(metadata); err != nil {
			return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "encoding metadata", Err: err}
		}
	}
	if log == nil {
		log = zap.NewNop()
	}

	f := &Fetcher{
		exec:     exec,
		source:   source,
		dbname:   dbname,
		cmd:      cmd,
		cmdRaw:   cmdRaw,
		metadata: mdRaw,
		timeout:  timeout,
		work:     work,
		log:      log,
		first:    true,
	}
	f.cond = sync.NewCond(&f.mu)
	return f, nil
}

// IsActive reports whether a request is outstanding or a batch is being handled.
func (f *Fetcher) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Schedule sends the initial command.
func (f *Fetcher) Schedule() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.active || f.scheduled:
		return &errors.Error{Code: errors.EInternal, Op: "fetcher.Schedule", Msg: "fetcher already scheduled"}
	case f.inShutdown:
		return &errors.Error{Code: errors.EShutdownInProgress, Op: "fetcher.Schedule", Msg: "fetcher shutting down"}
	}

	h, err := f.exec.ScheduleRemoteCommand(f.request(f.cmdRaw, f.timeout), f.callback)
	if err != nil {
		return err
	}
	f.handle = h
	f.active = true
	f.scheduled = true
	return nil
}

// Shutdown cancels the outstanding request. Work observes the
// cancellation asynchronously.
func (f *Fetcher) Shutdown() {
	f.mu.Lock()
	f.inShutdown = true
	h, active := f.handle, f.active
	f.mu.Unlock()
	if active && h.IsValid() {
		f.exec.Cancel(h)
	}
}

// Join blocks until the fetcher is inactive.
func (f *Fetcher) Join() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.active {
		f.cond.Wait()
	}
}

func (f *Fetcher) request(cmd bson.Raw, timeout time.Duration) executor.RemoteCommandRequest {
	return executor.RemoteCommandRequest{
		Target:   f.source,
		DBName:   f.dbname,
		Cmd:      cmd,
		Metadata: f.metadata,
		Timeout:  timeout,
	}
}

func (f *Fetcher) callback(req executor.RemoteCommandRequest, resp executor.RemoteCommandResponse) {
	if resp.Err != nil {
		f.fail(resp.Err)
		return
	}

	cr, err := ParseCursorResponse(resp.Data)
	if err != nil {
		f.fail(err)
		return
	}

	f.mu.Lock()
	first := f.first
	f.first = false
	f.mu.Unlock()

	qr := &QueryResponse{
		CursorID:  cr.CursorID,
		Namespace: cr.Namespace,
		Documents: cr.Batch,
		First:     first,
		Metadata:  resp.Metadata,
		Elapsed:   resp.Elapsed,
	}
	next := f.work(qr, nil)
	if next == nil || cr.CursorID == 0 {
		f.finish()
		return
	}

	cmd, err := bson.Marshal(append(bson.D{
		{Key: "getMore", Value: cr.CursorID},
		{Key: "collection", Value: f.collection(cr.Namespace)},
	}, next.Fields...))
	if err != nil {
		f.fail(&errors.Error{Code: errors.EInvalid, Msg: "encoding getMore", Err: err})
		return
	}

	f.mu.Lock()
	if f.inShutdown {
		f.mu.Unlock()
		f.fail(executor.ErrCallbackCanceled)
		return
	}
	h, err := f.exec.ScheduleRemoteCommand(f.request(cmd, next.Timeout), f.callback)
	if err != nil {
		f.mu.Unlock()
		f.fail(err)
		return
	}
	f.handle = h
	f.mu.Unlock()

	f.log.Debug("Scheduled getMore",
		zap.String("source", f.source),
		zap.Int64("cursor_id", cr.CursorID),
		zap.Duration("timeout", next.Timeout))
}

// collection returns the collection the cursor reads, preferring the
// namespace in the reply.
func (f *Fetcher) collection(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	if len(f.cmd) > 0 {
		if s, ok := f.cmd[0].Value.(string); ok {
			return s
		}
	}
	return ns
}

func (f *Fetcher) fail(err error) {
	f.work(nil, err)
	f.finish()
}

func (f *Fetcher) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.handle = executor.CallbackHandle{}
	f.cond.Broadcast()
}
