// Package httpexec runs remote commands over HTTP. Each command is posted
// as a BSON document to the target's /command endpoint.
package httpexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/oplogtail/executor"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	pkgerrors "github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const (
	// CommandPath is the endpoint commands are posted to.
	CommandPath = "/command"

	contentTypeBSON = "application/bson"
	maxReplySize    = 48 << 20
)

// envelope is the request body.
type envelope struct {
	DB       string   `bson:"db"`
	Cmd      bson.Raw `bson:"cmd"`
	Metadata bson.Raw `bson:"metadata"`
}

// reply is the response body.
type reply struct {
	Reply    bson.Raw `bson:"reply"`
	Metadata bson.Raw `bson:"metadata,omitempty"`
}

var emptyDocument = func() bson.Raw {
	b, _ := bson.Marshal(bson.D{})
	return b
}()

// Executor is an executor.TaskExecutor over HTTP. Every request runs on
// its own goroutine and its callback runs there once the exchange ends.
type Executor struct {
	opts options

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]context.CancelFunc
	closing  bool
	wg       sync.WaitGroup
}

var _ executor.TaskExecutor = (*Executor)(nil)

// New returns an Executor configured by opts.
func New(opts ...OptFn) (*Executor, error) {
	opt := options{scheme: "http"}
	for _, o := range opts {
		if err := o(&opt); err != nil {
			return nil, err
		}
	}
	if opt.scheme != "http" && opt.scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", opt.scheme)
	}
	if opt.client == nil {
		opt.client = defaultHTTPClient(opt.scheme, opt.insecureSkipVerify)
	}
	if opt.clock == nil {
		opt.clock = clock.New()
	}
	if opt.log == nil {
		opt.log = zap.NewNop()
	}
	return &Executor{
		opts:     opt,
		inflight: make(map[uint64]context.CancelFunc),
	}, nil
}

// Now implements executor.TaskExecutor.
func (e *Executor) Now() time.Time { return e.opts.clock.Now() }

// ScheduleRemoteCommand implements executor.TaskExecutor.
func (e *Executor) ScheduleRemoteCommand(req executor.RemoteCommandRequest, cb executor.RemoteCommandCallback) (executor.CallbackHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return executor.CallbackHandle{}, executor.ErrShutdownInProgress
	}

	e.nextID++
	id := e.nextID
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	e.inflight[id] = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		resp := e.do(ctx, req)

		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
		cancel()

		cb(req, resp)
	}()
	return executor.NewCallbackHandle(id), nil
}

// Cancel implements executor.TaskExecutor.
func (e *Executor) Cancel(h executor.CallbackHandle) {
	e.mu.Lock()
	cancel, ok := e.inflight[h.ID()]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown cancels every in-flight request and refuses new ones.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closing = true
	for _, cancel := range e.inflight {
		cancel()
	}
}

// Join waits for every callback to return.
func (e *Executor) Join() {
	e.wg.Wait()
}

func (e *Executor) do(ctx context.Context, req executor.RemoteCommandRequest) executor.RemoteCommandResponse {
	start := e.opts.clock.Now()
	data, md, err := e.roundTrip(ctx, req)
	elapsed := e.opts.clock.Since(start)
	if err != nil {
		err = classify(ctx, err)
		e.opts.log.Debug("Remote command failed",
			zap.String("target", req.Target),
			zap.String("command", req.CommandName()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return executor.RemoteCommandResponse{Elapsed: elapsed, Err: err}
	}
	return executor.RemoteCommandResponse{Data: data, Metadata: md, Elapsed: elapsed}
}

func (e *Executor) roundTrip(ctx context.Context, req executor.RemoteCommandRequest) (bson.Raw, bson.Raw, error) {
	md := req.Metadata
	if len(md) == 0 {
		md = emptyDocument
	}
	body, err := bson.Marshal(envelope{DB: req.DBName, Cmd: req.Cmd, Metadata: md})
	if err != nil {
		return nil, nil, &errors.Error{Code: errors.EInvalid, Op: "httpexec.encode", Err: err}
	}

	url := e.opts.scheme + "://" + req.Target + CommandPath
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, &errors.Error{Code: errors.EInvalid, Op: "httpexec.request", Err: err}
	}
	for k, vals := range e.opts.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
	r.Header.Set("Content-Type", contentTypeBSON)
	if e.opts.authFn != nil {
		e.opts.authFn(r)
	}

	resp, err := e.opts.client.Do(r)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "posting %s to %s", req.CommandName(), req.Target)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "reading reply")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &errors.Error{
			Code: errors.ECommandFailed,
			Msg:  fmt.Sprintf("%s returned %s: %s", req.Target, resp.Status, bytes.TrimSpace(b)),
		}
	}

	var rep reply
	if err := bson.Unmarshal(b, &rep); err != nil {
		return nil, nil, &errors.Error{Code: errors.EFailedToParse, Msg: "decoding reply", Err: err}
	}
	if len(rep.Reply) == 0 {
		return nil, nil, &errors.Error{Code: errors.EFailedToParse, Msg: "reply has no body"}
	}
	return rep.Reply, rep.Metadata, nil
}

// classify maps transport failures to executor errors.
func classify(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return &errors.Error{Code: errors.ENetworkTimeout, Msg: executor.ErrNetworkTimeout.Msg, Err: err}
	case context.Canceled:
		return executor.ErrCallbackCanceled
	}
	var perr *errors.Error
	if pkgerrors.As(err, &perr) {
		return err
	}
	return &errors.Error{Code: errors.EHostUnreachable, Err: err}
}
