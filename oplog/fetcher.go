// Package oplog tails the operation log of a sync source. A Fetcher issues
// a tailing query, validates every batch it receives, hands the entries
// downstream and polices the source through the metadata piggybacked on
// each reply.
package oplog

import (
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/executor"
	"github.com/influxdata/oplogtail/fetcher"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"github.com/influxdata/oplogtail/replset"
	"github.com/influxdata/oplogtail/rpc/metadata"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Fetcher.
type State int

const (
	PreStart State = iota
	Running
	ShuttingDown
	Complete
)

func (s State) String() string {
	switch s {
	case PreStart:
		return "PreStart"
	case Running:
		return "Running"
	case ShuttingDown:
		return "ShuttingDown"
	case Complete:
		return "Complete"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a Fetcher.
type Config struct {
	Executor executor.TaskExecutor
	// LastFetched is the entry the query starts from. It must not be null.
	LastFetched   oplogtail.OpTimeWithHash
	Source        string
	Namespace     Namespace
	ReplSetConfig replset.Config
	// MaxRestarts bounds consecutive restarts after request errors.
	MaxRestarts int
	// RequiredRBID is the rollback id the source reported when it was chosen.
	RequiredRBID int64
	// RequireFresherSyncSource rejects a source that is not strictly ahead
	// of LastFetched.
	RequireFresherSyncSource bool
	ExternalState            ExternalState
	Enqueue                  EnqueueFunc
	OnShutdown               ShutdownFunc
	Logger                   *zap.Logger
	// Metrics may be nil.
	Metrics *Metrics
}

// Fetcher tails the oplog of one sync source until it errors, runs out of
// entries or is shut down. A Fetcher is single use.
type Fetcher struct {
	exec           executor.TaskExecutor
	source         string
	ns             Namespace
	maxRestarts    int
	requiredRBID   int64
	requireFresher bool
	external       ExternalState
	enqueue        EnqueueFunc
	findCmd        bson.D
	metadata       bson.D
	awaitData      time.Duration
	v1             bool
	log            *zap.Logger
	metrics        *Metrics

	mu          sync.Mutex
	cond        *sync.Cond
	state       State
	lastFetched oplogtail.OpTimeWithHash
	restarts    int
	cursor      *fetcher.Fetcher
	onShutdown  ShutdownFunc
}

// NewFetcher validates c and returns a Fetcher in PreStart.
func NewFetcher(c Config) (*Fetcher, error) {
	const op = "oplog.NewFetcher"
	switch {
	case c.LastFetched.OpTime.IsNull():
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "null last optime fetched"}
	case c.Enqueue == nil:
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "null enqueueDocuments function"}
	case !c.ReplSetConfig.IsInitialized():
		return nil, &errors.Error{Code: errors.EInvalidReplicaSetConfig, Op: op, Msg: "uninitialized replica set configuration"}
	case c.OnShutdown == nil:
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "null onShutdownCallback function"}
	case c.Executor == nil:
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "null executor"}
	case c.ExternalState == nil:
		return nil, &errors.Error{Code: errors.EInvalid, Op: op, Msg: "null external state"}
	}

	ns := c.Namespace
	if ns.IsZero() {
		ns = DefaultNamespace
	}
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	v1 := c.ReplSetConfig.IsV1ElectionProtocol()
	term, _ := c.ExternalState.GetCurrentTermAndLastCommittedOpTime()

	f := &Fetcher{
		exec:           c.Executor,
		source:         c.Source,
		ns:             ns,
		maxRestarts:    c.MaxRestarts,
		requiredRBID:   c.RequiredRBID,
		requireFresher: c.RequireFresherSyncSource,
		external:       c.ExternalState,
		enqueue:        c.Enqueue,
		findCmd:        makeFindCommand(ns, c.LastFetched.OpTime, term, InitialFindMaxTime),
		metadata:       metadata.RequestMetadata(v1),
		awaitData:      awaitDataTimeout(v1, c.ReplSetConfig.ElectionTimeoutPeriod()),
		v1:             v1,
		log:            log.With(zap.String("source", c.Source), zap.Stringer("namespace", ns)),
		metrics:        c.Metrics,
		lastFetched:    c.LastFetched,
		onShutdown:     c.OnShutdown,
	}
	f.cond = sync.NewCond(&f.mu)

	cursor, err := f.newCursor(f.findCmd, InitialFindMaxTime)
	if err != nil {
		return nil, err
	}
	f.cursor = cursor
	return f, nil
}

// Startup sends the initial query. A Fetcher whose query cannot be
// scheduled stays in PreStart.
func (f *Fetcher) Startup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case Running, ShuttingDown:
		return &errors.Error{Code: errors.EInternal, Op: "oplog.Startup", Msg: "oplog fetcher already started"}
	case Complete:
		return &errors.Error{Code: errors.EShutdownInProgress, Op: "oplog.Startup", Msg: "oplog fetcher completed"}
	}
	if err := f.cursor.Schedule(); err != nil {
		return err
	}
	f.state = Running
	f.log.Debug("Started oplog fetcher", zap.Stringer("last_fetched", f.lastFetched))
	return nil
}

// Shutdown stops the Fetcher. A running Fetcher reports the cancellation
// through its shutdown callback once the outstanding request is done. A
// Fetcher that never started completes without invoking it.
func (f *Fetcher) Shutdown() {
	f.mu.Lock()
	switch f.state {
	case PreStart:
		f.state = Complete
		f.onShutdown = nil
		f.cond.Broadcast()
		f.mu.Unlock()
		return
	case Running:
		f.state = ShuttingDown
	default:
		f.mu.Unlock()
		return
	}
	cursor := f.cursor
	f.mu.Unlock()

	cursor.Shutdown()
}

// Join blocks until the Fetcher is no longer active. It must not be called
// from the enqueue or shutdown callbacks.
func (f *Fetcher) Join() {
	f.mu.Lock()
	for f.state == Running || f.state == ShuttingDown {
		f.cond.Wait()
	}
	cursor := f.cursor
	f.mu.Unlock()

	cursor.Join()
}

// IsActive reports whether the Fetcher is running or shutting down.
func (f *Fetcher) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Running || f.state == ShuttingDown
}

// State returns the lifecycle state.
func (f *Fetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LastOpTimeWithHashFetched returns the last entry handed downstream, or
// the starting entry.
func (f *Fetcher) LastOpTimeWithHashFetched() oplogtail.OpTimeWithHash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFetched
}

// FindCommand returns the initial query.
func (f *Fetcher) FindCommand() bson.D { return f.findCmd }

// MetadataObject returns the metadata sent with every request.
func (f *Fetcher) MetadataObject() bson.D { return f.metadata }

// AwaitDataTimeout returns how long each getMore waits for new entries.
func (f *Fetcher) AwaitDataTimeout() time.Duration { return f.awaitData }

func (f *Fetcher) newCursor(cmd bson.D, maxTime time.Duration) (*fetcher.Fetcher, error) {
	return fetcher.New(f.exec, f.source, f.ns.DB, cmd, f.metadata, maxTime+NetworkTimeoutBuffer, f.callback, f.log)
}

func (f *Fetcher) callback(resp *fetcher.QueryResponse, err error) *fetcher.GetMore {
	if err != nil {
		f.onError(err)
		return nil
	}

	f.mu.Lock()
	shuttingDown := f.state != Running
	lastFetched := f.lastFetched
	f.mu.Unlock()
	if shuttingDown {
		f.finish(executor.ErrCallbackCanceled)
		return nil
	}

	next, err := f.processBatch(resp, lastFetched)
	if err != nil {
		f.finish(err)
		return nil
	}
	if next == nil {
		f.finish(nil)
	}
	return next
}

// processBatch accepts a batch and returns the getMore it calls for, or
// nil when the cursor is exhausted.
func (f *Fetcher) processBatch(resp *fetcher.QueryResponse, lastFetched oplogtail.OpTimeWithHash) (*fetcher.GetMore, error) {
	docs := resp.Documents
	info, err := ValidateDocuments(docs, resp.First, lastFetched.OpTime.Timestamp)
	if err != nil {
		return nil, err
	}
	f.metrics.observeBatch(f.source, info)

	repl, oq, err := metadata.ParseResponse(resp.Metadata)
	if err != nil {
		return nil, err
	}

	toApply := docs
	if resp.First {
		if err := checkOplogStart(docs, lastFetched); err != nil {
			return nil, err
		}
		toApply = docs[1:]
	}

	f.log.Debug("Received oplog batch",
		zap.Int64("cursor_id", resp.CursorID),
		zap.Int("documents", info.NetworkDocumentCount),
		zap.Int("bytes", info.NetworkDocumentBytes),
		zap.Duration("elapsed", resp.Elapsed))

	if err := f.enqueue(toApply, info); err != nil {
		return nil, err
	}
	f.metrics.observeEnqueued(f.source, info)

	f.mu.Lock()
	if info.ToApplyDocumentCount > 0 {
		f.lastFetched = info.LastDocument
	}
	f.restarts = 0
	f.mu.Unlock()

	if repl != nil && oq != nil {
		f.external.ProcessMetadata(*repl, *oq)

		batchEnd := lastFetched.OpTime
		if n := len(docs); n > 0 {
			if ot, err := oplogtail.ParseOpTime(docs[n-1]); err == nil {
				batchEnd = ot
			}
		}
		check := syncSourceCheck{
			source:         f.source,
			requiredRBID:   f.requiredRBID,
			requireFresher: f.requireFresher,
			first:          resp.First,
			local:          lastFetched.OpTime,
			batchEnd:       batchEnd,
		}
		if err := check.run(*repl, *oq); err != nil {
			return nil, err
		}
		if f.external.ShouldStopFetching(f.source, *repl, *oq) {
			return nil, &errors.Error{
				Code: errors.EInvalidSyncSource,
				Msg:  fmt.Sprintf("sync source %s is no longer valid", f.source),
			}
		}
	}

	if resp.CursorID == 0 {
		return nil, nil
	}
	term, lastCommitted := f.external.GetCurrentTermAndLastCommittedOpTime()
	return &fetcher.GetMore{
		Fields:  makeGetMoreFields(f.awaitData, term, lastCommitted, f.v1),
		Timeout: f.awaitData + NetworkTimeoutBuffer,
	}, nil
}

// onError restarts the query from the last entry fetched while the
// restart budget lasts. The error that ends the Fetcher is always the one
// that triggered the restart.
func (f *Fetcher) onError(cause error) {
	if errors.HasCode(cause, errors.ECanceled) {
		f.finish(cause)
		return
	}

	term, _ := f.external.GetCurrentTermAndLastCommittedOpTime()

	f.mu.Lock()
	if f.state != Running {
		f.mu.Unlock()
		f.finish(executor.ErrCallbackCanceled)
		return
	}
	if f.restarts >= f.maxRestarts {
		f.mu.Unlock()
		f.finish(cause)
		return
	}
	f.restarts++
	restarts := f.restarts
	lastFetched := f.lastFetched
	cursor, err := f.newCursor(makeFindCommand(f.ns, lastFetched.OpTime, term, RetriedFindMaxTime), RetriedFindMaxTime)
	if err == nil {
		if err = cursor.Schedule(); err == nil {
			f.cursor = cursor
		}
	}
	f.mu.Unlock()

	if err != nil {
		f.log.Warn("Failed to restart oplog query", zap.Error(err), zap.NamedError("cause", cause))
		f.finish(cause)
		return
	}
	f.metrics.observeRestart(f.source)
	f.log.Warn("Restarted oplog query",
		zap.Error(cause),
		zap.Int("restarts", restarts),
		zap.Int("max_restarts", f.maxRestarts),
		zap.Stringer("last_fetched", lastFetched))
}

// finish ends the Fetcher with err, invoking the shutdown callback at most
// once.
func (f *Fetcher) finish(err error) {
	f.mu.Lock()
	onShutdown := f.onShutdown
	f.onShutdown = nil
	lastFetched := f.lastFetched
	f.mu.Unlock()
	if onShutdown == nil {
		return
	}

	f.metrics.observeTermination(f.source, err)
	if err != nil {
		f.log.Info("Oplog fetcher stopped", zap.Error(err), zap.Stringer("last_fetched", lastFetched))
	} else {
		f.log.Debug("Oplog fetcher finished", zap.Stringer("last_fetched", lastFetched))
	}
	onShutdown(err, lastFetched)

	f.mu.Lock()
	f.state = Complete
	f.cond.Broadcast()
	f.mu.Unlock()
}
