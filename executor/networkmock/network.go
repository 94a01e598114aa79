// Package networkmock provides a deterministic executor.TaskExecutor driven
// by a mock clock. Tests pull requests off the simulated network and
// schedule their replies at chosen clock times.
package networkmock

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/oplogtail/executor"
	"go.mongodb.org/mongo-driver/bson"
)

// Operation is a request waiting on the simulated network.
type Operation struct {
	Handle   executor.CallbackHandle
	Request  executor.RemoteCommandRequest
	Started  time.Time
	deadline time.Time
	cb       executor.RemoteCommandCallback
	answered bool
}

// Cmd returns the command document of the request.
func (op *Operation) Cmd() bson.Raw { return op.Request.Cmd }

type event struct {
	when time.Time
	seq  uint64
	op   *Operation
	resp executor.RemoteCommandResponse
}

// Network is a simulated network and executor. Callbacks run one at a time
// on a single goroutine, in the order their replies become due.
type Network struct {
	clock *clock.Mock

	mu       sync.Mutex
	cond     *sync.Cond
	nextID   uint64
	seq      uint64
	ops      map[uint64]*Operation
	ready    []*Operation
	events   []event
	queue    []func()
	running  bool
	shutdown bool
	stopping bool
	done     chan struct{}
}

// New returns a running Network whose clock starts at start.
func New(start time.Time) *Network {
	c := clock.NewMock()
	c.Set(start)
	n := &Network{
		clock: c,
		ops:   make(map[uint64]*Operation),
		done:  make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

// Clock returns the mock clock behind Now.
func (n *Network) Clock() *clock.Mock { return n.clock }

// Now implements executor.TaskExecutor.
func (n *Network) Now() time.Time { return n.clock.Now() }

// ScheduleRemoteCommand implements executor.TaskExecutor.
func (n *Network) ScheduleRemoteCommand(req executor.RemoteCommandRequest, cb executor.RemoteCommandCallback) (executor.CallbackHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shutdown {
		return executor.CallbackHandle{}, executor.ErrShutdownInProgress
	}

	n.nextID++
	now := n.clock.Now()
	op := &Operation{
		Handle:  executor.NewCallbackHandle(n.nextID),
		Request: req,
		Started: now,
		cb:      cb,
	}
	if req.Timeout > 0 {
		op.deadline = now.Add(req.Timeout)
	}
	n.ops[n.nextID] = op
	n.ready = append(n.ready, op)
	return op.Handle, nil
}

// Cancel implements executor.TaskExecutor.
func (n *Network) Cancel(h executor.CallbackHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	op, ok := n.ops[h.ID()]
	if !ok {
		return
	}
	n.answerLocked(op, executor.RemoteCommandResponse{Err: executor.ErrCallbackCanceled})
}

// HasReadyRequests reports whether a request is waiting to be taken.
func (n *Network) HasReadyRequests() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ready) > 0
}

// NextReadyRequest takes the oldest waiting request. It returns nil when
// none is waiting.
func (n *Network) NextReadyRequest() *Operation {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.ready) == 0 {
		return nil
	}
	op := n.ready[0]
	n.ready = n.ready[1:]
	return op
}

// ScheduleResponse arranges for op to be answered with resp at when.
func (n *Network) ScheduleResponse(op *Operation, when time.Time, resp executor.RemoteCommandResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	n.events = append(n.events, event{when: when, seq: n.seq, op: op, resp: resp})
	sort.SliceStable(n.events, func(i, j int) bool {
		if n.events[i].when.Equal(n.events[j].when) {
			return n.events[i].seq < n.events[j].seq
		}
		return n.events[i].when.Before(n.events[j].when)
	})
}

// ScheduleSuccessfulResponse answers op now with a reply.
func (n *Network) ScheduleSuccessfulResponse(op *Operation, data, metadata bson.Raw, elapsed time.Duration) {
	n.ScheduleResponse(op, n.Now(), executor.RemoteCommandResponse{
		Data:     data,
		Metadata: metadata,
		Elapsed:  elapsed,
	})
}

// ScheduleErrorResponse answers op now with err.
func (n *Network) ScheduleErrorResponse(op *Operation, err error) {
	n.ScheduleResponse(op, n.Now(), executor.RemoteCommandResponse{Err: err})
}

// RunReadyNetworkOperations delivers every reply due at the current time
// and waits for the resulting callbacks to finish.
func (n *Network) RunReadyNetworkOperations() {
	n.RunUntil(n.Now())
}

// RunUntil advances the clock to until, delivering scheduled replies and
// request timeouts in time order. Each callback finishes before the clock
// moves on, so requests it schedules are subject to the same pass.
func (n *Network) RunUntil(until time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		n.waitIdleLocked()

		next, ok := n.nextDueLocked(until)
		if !ok {
			break
		}
		if next.when.After(n.clock.Now()) {
			n.clock.Set(next.when)
		}
		n.answerLocked(next.op, next.resp)
	}
	if until.After(n.clock.Now()) {
		n.clock.Set(until)
	}
}

// nextDueLocked pops the earliest reply or timeout due at or before until.
func (n *Network) nextDueLocked(until time.Time) (event, bool) {
	var (
		timeout *Operation
		live    = n.events[:0]
	)
	for _, e := range n.events {
		if !e.op.answered {
			live = append(live, e)
		}
	}
	n.events = live

	for _, op := range n.ops {
		if op.deadline.IsZero() || op.deadline.After(until) {
			continue
		}
		if timeout == nil || op.deadline.Before(timeout.deadline) ||
			(op.deadline.Equal(timeout.deadline) && op.Handle.ID() < timeout.Handle.ID()) {
			timeout = op
		}
	}

	haveEvent := len(n.events) > 0 && !n.events[0].when.After(until)
	switch {
	case timeout != nil && (!haveEvent || timeout.deadline.Before(n.events[0].when)):
		return event{
			when: timeout.deadline,
			op:   timeout,
			resp: executor.RemoteCommandResponse{
				Err:     executor.ErrNetworkTimeout,
				Elapsed: timeout.Request.Timeout,
			},
		}, true
	case haveEvent:
		e := n.events[0]
		n.events = n.events[1:]
		return e, true
	}
	return event{}, false
}

// answerLocked removes op from the network and queues its callback.
func (n *Network) answerLocked(op *Operation, resp executor.RemoteCommandResponse) {
	if op.answered {
		return
	}
	op.answered = true
	delete(n.ops, op.Handle.ID())
	for i, r := range n.ready {
		if r == op {
			n.ready = append(n.ready[:i], n.ready[i+1:]...)
			break
		}
	}
	req, cb := op.Request, op.cb
	n.queue = append(n.queue, func() { cb(req, resp) })
	n.cond.Broadcast()
}

func (n *Network) waitIdleLocked() {
	for len(n.queue) > 0 || n.running {
		n.cond.Wait()
	}
}

func (n *Network) run() {
	defer close(n.done)
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		for len(n.queue) == 0 && !n.stopping {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.running = true
		n.mu.Unlock()
		fn()
		n.mu.Lock()
		n.running = false
		n.cond.Broadcast()
	}
}

// Shutdown cancels every outstanding request, waits for their callbacks
// and stops the executor goroutine. Later schedules fail with
// executor.ErrShutdownInProgress.
func (n *Network) Shutdown() {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.shutdown = true
	ids := make([]uint64, 0, len(n.ops))
	for id := range n.ops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		n.answerLocked(n.ops[id], executor.RemoteCommandResponse{Err: executor.ErrCallbackCanceled})
	}
	n.waitIdleLocked()
	n.stopping = true
	n.cond.Broadcast()
	n.mu.Unlock()
	<-n.done
}
