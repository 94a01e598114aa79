package oplog_test

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/executor"
	"github.com/influxdata/oplogtail/executor/networkmock"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"github.com/influxdata/oplogtail/kit/prom/promtest"
	"github.com/influxdata/oplogtail/oplog"
	"github.com/influxdata/oplogtail/oplog/mock"
	"github.com/influxdata/oplogtail/replset"
	"github.com/influxdata/oplogtail/rpc/metadata"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"
)

const (
	source      = "localhost:12345"
	rbid        = int64(2)
	currentTerm = int64(1)
)

var (
	lastFetched   = oplogtail.OpTimeWithHash{Hash: 456, OpTime: oplogtail.NewOpTime(123, 0, 1)}
	remoteNewer   = oplogtail.NewOpTime(124, 1, 2)
	staleOpTime   = oplogtail.NewOpTime(1, 1, 0)
	lastCommitted = oplogtail.NewOpTime(9999, 0, 1)
)

func entry(t *testing.T, secs uint32, hash int64) bson.D {
	t.Helper()
	return bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: secs, I: 0}},
		{Key: "t", Value: int64(1)},
		{Key: "h", Value: hash},
		{Key: "op", Value: "n"},
		{Key: "ns", Value: ""},
		{Key: "o", Value: bson.D{{Key: "msg", Value: "noop"}}},
	}
}

func anchor(t *testing.T) bson.D {
	return entry(t, lastFetched.OpTime.Timestamp.T, lastFetched.Hash)
}

func reply(t *testing.T, id int64, first bool, docs ...bson.D) bson.Raw {
	t.Helper()
	field := "nextBatch"
	if first {
		field = "firstBatch"
	}
	arr := bson.A{}
	for _, d := range docs {
		arr = append(arr, d)
	}
	b, err := bson.Marshal(bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "id", Value: id},
			{Key: "ns", Value: "local.oplog.rs"},
			{Key: field, Value: arr},
		}},
		{Key: "ok", Value: 1},
	})
	require.NoError(t, err)
	return b
}

func replMetadata() metadata.ReplSetMetadata {
	return metadata.ReplSetMetadata{
		Term:            1,
		ConfigVersion:   1,
		ReplicaSetID:    primitive.NewObjectID(),
		PrimaryIndex:    metadata.NoIndex,
		SyncSourceIndex: metadata.NoIndex,
	}
}

func oqMetadata(lastApplied oplogtail.OpTime, rbid int64) metadata.OplogQueryMetadata {
	return metadata.OplogQueryMetadata{
		LastOpCommitted: staleOpTime,
		LastOpApplied:   lastApplied,
		RBID:            rbid,
		PrimaryIndex:    2,
		SyncSourceIndex: 2,
	}
}

func marshal(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(d)
	require.NoError(t, err)
	return b
}

func metadataDoc(t *testing.T, repl *metadata.ReplSetMetadata, oq *metadata.OplogQueryMetadata) bson.Raw {
	t.Helper()
	d := bson.D{}
	if repl != nil {
		d = repl.AppendTo(d)
	}
	if oq != nil {
		d = oq.AppendTo(d)
	}
	return marshal(t, d)
}

type shutdownState struct {
	mu          sync.Mutex
	calls       int
	err         error
	lastFetched oplogtail.OpTimeWithHash
}

func (s *shutdownState) callback(err error, last oplogtail.OpTimeWithHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.err = err
	s.lastFetched = last
}

func (s *shutdownState) result() (int, oplogtail.OpTimeWithHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.lastFetched, s.err
}

type enqueued struct {
	mu    sync.Mutex
	docs  [][]bson.Raw
	infos []oplog.DocumentsInfo
	err   error
}

func (e *enqueued) enqueue(docs []bson.Raw, info oplog.DocumentsInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.docs = append(e.docs, docs)
	e.infos = append(e.infos, info)
	return nil
}

func (e *enqueued) all() []bson.Raw {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []bson.Raw
	for _, d := range e.docs {
		out = append(out, d...)
	}
	return out
}

// failingExecutor refuses every schedule once fail is set.
type failingExecutor struct {
	*networkmock.Network
	mu   sync.Mutex
	fail bool
}

func (e *failingExecutor) ScheduleRemoteCommand(req executor.RemoteCommandRequest, cb executor.RemoteCommandCallback) (executor.CallbackHandle, error) {
	e.mu.Lock()
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return executor.CallbackHandle{}, &errors.Error{Code: errors.EHostUnreachable, Msg: "no route to host"}
	}
	return e.Network.ScheduleRemoteCommand(req, cb)
}

type fixture struct {
	t        *testing.T
	net      *networkmock.Network
	external *mock.MockExternalState
	enqueued *enqueued
	shutdown *shutdownState
	metrics  *oplog.Metrics
	config   oplog.Config
}

func newFixture(t *testing.T, protocolVersion int64) *fixture {
	t.Helper()
	net := networkmock.New(time.Unix(1000, 0))
	t.Cleanup(net.Shutdown)

	rsConfig, err := replset.NewConfig("myset", 1, protocolVersion, 10*time.Second,
		replset.Member{ID: 0, Host: source},
		replset.Member{ID: 1, Host: "localhost:12346"})
	require.NoError(t, err)

	term := currentTerm
	if protocolVersion == 0 {
		term = oplogtail.UninitializedTerm
	}
	external := mock.NewMockExternalState(gomock.NewController(t))
	external.EXPECT().GetCurrentTermAndLastCommittedOpTime().Return(term, lastCommitted).AnyTimes()

	fx := &fixture{
		t:        t,
		net:      net,
		external: external,
		enqueued: &enqueued{},
		shutdown: &shutdownState{},
		metrics:  oplog.NewMetrics(),
	}
	fx.config = oplog.Config{
		Executor:                 net,
		LastFetched:              lastFetched,
		Source:                   source,
		Namespace:                oplog.DefaultNamespace,
		ReplSetConfig:            rsConfig,
		MaxRestarts:              0,
		RequiredRBID:             rbid,
		RequireFresherSyncSource: true,
		ExternalState:            external,
		Enqueue:                  fx.enqueued.enqueue,
		OnShutdown:               fx.shutdown.callback,
		Logger:                   zaptest.NewLogger(t),
		Metrics:                  fx.metrics,
	}
	return fx
}

func (fx *fixture) start() *oplog.Fetcher {
	fx.t.Helper()
	f, err := oplog.NewFetcher(fx.config)
	require.NoError(fx.t, err)
	require.NoError(fx.t, f.Startup())
	require.True(fx.t, f.IsActive())
	return f
}

func (fx *fixture) respond(data, md bson.Raw) *networkmock.Operation {
	fx.t.Helper()
	op := fx.net.NextReadyRequest()
	require.NotNil(fx.t, op)
	fx.net.ScheduleSuccessfulResponse(op, data, md, time.Millisecond)
	fx.net.RunReadyNetworkOperations()
	return op
}

func (fx *fixture) fail(err error) *networkmock.Operation {
	fx.t.Helper()
	op := fx.net.NextReadyRequest()
	require.NotNil(fx.t, op)
	fx.net.ScheduleErrorResponse(op, err)
	fx.net.RunReadyNetworkOperations()
	return op
}

// processSingleBatch starts a fetcher, answers its query with data and md
// and waits for it to stop.
func (fx *fixture) processSingleBatch(data, md bson.Raw) (oplogtail.OpTimeWithHash, error) {
	fx.t.Helper()
	f := fx.start()
	op := fx.respond(data, md)
	require.Equal(fx.t, "find", op.Request.CommandName())
	f.Join()
	require.False(fx.t, f.IsActive())
	require.Equal(fx.t, oplog.Complete, f.State())

	calls, last, err := fx.shutdown.result()
	require.Equal(fx.t, 1, calls)
	return last, err
}

func TestNewFetcher_Validation(t *testing.T) {
	fx := newFixture(t, 1)
	cases := []struct {
		name   string
		modify func(*oplog.Config)
		code   string
		msg    string
	}{
		{
			name:   "null last fetched",
			modify: func(c *oplog.Config) { c.LastFetched = oplogtail.OpTimeWithHash{Hash: 456} },
			code:   errors.EInvalid,
			msg:    "null last optime fetched",
		},
		{
			name:   "null enqueue",
			modify: func(c *oplog.Config) { c.Enqueue = nil },
			code:   errors.EInvalid,
			msg:    "null enqueueDocuments function",
		},
		{
			name:   "uninitialized config",
			modify: func(c *oplog.Config) { c.ReplSetConfig = replset.Config{} },
			code:   errors.EInvalidReplicaSetConfig,
			msg:    "uninitialized replica set configuration",
		},
		{
			name:   "null shutdown callback",
			modify: func(c *oplog.Config) { c.OnShutdown = nil },
			code:   errors.EInvalid,
			msg:    "null onShutdownCallback function",
		},
		{
			name:   "null executor",
			modify: func(c *oplog.Config) { c.Executor = nil },
			code:   errors.EInvalid,
			msg:    "null executor",
		},
		{
			name:   "null external state",
			modify: func(c *oplog.Config) { c.ExternalState = nil },
			code:   errors.EInvalid,
			msg:    "null external state",
		},
		{
			name: "first failure wins",
			modify: func(c *oplog.Config) {
				c.Enqueue = nil
				c.OnShutdown = nil
			},
			code: errors.EInvalid,
			msg:  "null enqueueDocuments function",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			config := fx.config
			c.modify(&config)
			f, err := oplog.NewFetcher(config)
			require.Nil(t, f)
			require.Equal(t, c.code, errors.ErrorCode(err))
			require.Equal(t, c.msg, errors.ErrorMessage(err))
		})
	}
}

func TestFetcher_FindCommand(t *testing.T) {
	t.Run("with term", func(t *testing.T) {
		fx := newFixture(t, 1)
		f, err := oplog.NewFetcher(fx.config)
		require.NoError(t, err)

		cmd := marshal(t, f.FindCommand())
		require.Equal(t, "oplog.rs", cmd.Lookup("find").StringValue())
		ts, _ := cmd.Lookup("filter", "ts", "$gte").Timestamp()
		require.Equal(t, uint32(123), ts)
		require.True(t, cmd.Lookup("tailable").Boolean())
		require.True(t, cmd.Lookup("oplogReplay").Boolean())
		require.True(t, cmd.Lookup("awaitData").Boolean())
		require.Equal(t, int64(60000), cmd.Lookup("maxTimeMS").Int64())
		require.Equal(t, currentTerm, cmd.Lookup("term").Int64())
	})

	t.Run("uninitialized term", func(t *testing.T) {
		fx := newFixture(t, 0)
		f, err := oplog.NewFetcher(fx.config)
		require.NoError(t, err)

		_, err = marshal(t, f.FindCommand()).LookupErr("term")
		require.Error(t, err)
	})
}

func TestFetcher_MetadataObject(t *testing.T) {
	fx := newFixture(t, 1)
	f, err := oplog.NewFetcher(fx.config)
	require.NoError(t, err)
	md := marshal(t, f.MetadataObject())
	require.Equal(t, int32(1), md.Lookup("$replData").Int32())
	require.Equal(t, int32(1), md.Lookup("$oplogQueryData").Int32())
	require.True(t, md.Lookup("$ssm", "secondaryOk").Boolean())
	require.Equal(t, 5*time.Second, f.AwaitDataTimeout())

	fx = newFixture(t, 0)
	f, err = oplog.NewFetcher(fx.config)
	require.NoError(t, err)
	md = marshal(t, f.MetadataObject())
	_, err = md.LookupErr("$replData")
	require.Error(t, err)
	_, err = md.LookupErr("$oplogQueryData")
	require.Error(t, err)
	require.True(t, md.Lookup("$ssm", "secondaryOk").Boolean())
	require.Equal(t, oplog.DefaultProtocolZeroAwaitDataTimeout, f.AwaitDataTimeout())
}

func TestFetcher_Startup(t *testing.T) {
	t.Run("twice", func(t *testing.T) {
		fx := newFixture(t, 1)
		f := fx.start()
		err := f.Startup()
		require.Equal(t, errors.EInternal, errors.ErrorCode(err))
		f.Shutdown()
		f.Join()
	})

	t.Run("after shutdown", func(t *testing.T) {
		fx := newFixture(t, 1)
		f, err := oplog.NewFetcher(fx.config)
		require.NoError(t, err)
		f.Shutdown()
		require.Equal(t, oplog.Complete, f.State())
		require.Equal(t, errors.EShutdownInProgress, errors.ErrorCode(f.Startup()))
		require.False(t, f.IsActive())
	})

	t.Run("executor shut down", func(t *testing.T) {
		fx := newFixture(t, 1)
		fx.net.Shutdown()
		f, err := oplog.NewFetcher(fx.config)
		require.NoError(t, err)
		require.Equal(t, errors.EShutdownInProgress, errors.ErrorCode(f.Startup()))
		require.Equal(t, oplog.PreStart, f.State())
		require.False(t, f.IsActive())
	})

	t.Run("first request", func(t *testing.T) {
		fx := newFixture(t, 1)
		f := fx.start()
		require.Equal(t, oplog.Running, f.State())

		op := fx.net.NextReadyRequest()
		require.Equal(t, source, op.Request.Target)
		require.Equal(t, "local", op.Request.DBName)
		require.Equal(t, 65*time.Second, op.Request.Timeout)
		require.True(t, op.Request.Metadata.Lookup("$ssm", "secondaryOk").Boolean())

		f.Shutdown()
		f.Join()
	})
}

func TestFetcher_ShutdownBeforeStartup(t *testing.T) {
	fx := newFixture(t, 1)
	f, err := oplog.NewFetcher(fx.config)
	require.NoError(t, err)
	f.Shutdown()
	f.Join()

	calls, _, _ := fx.shutdown.result()
	require.Zero(t, calls)
	require.Equal(t, oplog.Complete, f.State())
}

func TestFetcher_ShutdownWhileRunning(t *testing.T) {
	fx := newFixture(t, 1)
	fx.config.MaxRestarts = 3
	f := fx.start()
	require.True(t, fx.net.HasReadyRequests())

	f.Shutdown()
	f.Join()

	calls, last, err := fx.shutdown.result()
	require.Equal(t, 1, calls)
	require.Equal(t, errors.ECanceled, errors.ErrorCode(err))
	require.Equal(t, lastFetched, last)
	require.False(t, f.IsActive())
	require.Equal(t, oplog.Complete, f.State())

	f.Shutdown()
	calls, _, _ = fx.shutdown.result()
	require.Equal(t, 1, calls)
}

func TestFetcher_ResponseAfterShutdownIsIgnored(t *testing.T) {
	fx := newFixture(t, 1)
	f := fx.start()
	op := fx.net.NextReadyRequest()
	fx.net.ScheduleSuccessfulResponse(op, reply(t, 0, true, anchor(t), entry(t, 456, 200)), nil, 0)

	f.Shutdown()
	fx.net.RunReadyNetworkOperations()
	f.Join()

	_, last, err := fx.shutdown.result()
	require.Equal(t, errors.ECanceled, errors.ErrorCode(err))
	require.Equal(t, lastFetched, last)
	require.Empty(t, fx.enqueued.all())
}

func TestFetcher_FirstBatchEnqueuesAllButAnchor(t *testing.T) {
	fx := newFixture(t, 1)
	docs := []bson.D{anchor(t), entry(t, 456, 200), entry(t, 789, 300)}
	last, err := fx.processSingleBatch(reply(t, 0, true, docs...), nil)
	require.NoError(t, err)
	require.Equal(t, oplogtail.OpTimeWithHash{Hash: 300, OpTime: oplogtail.NewOpTime(789, 0, 1)}, last)

	got := fx.enqueued.all()
	require.Len(t, got, 2)
	require.Equal(t, marshal(t, docs[1]), got[0])
	require.Equal(t, marshal(t, docs[2]), got[1])

	info := fx.enqueued.infos[0]
	require.Equal(t, 3, info.NetworkDocumentCount)
	require.Equal(t, 2, info.ToApplyDocumentCount)
	require.Equal(t, len(got[0])+len(got[1]), info.ToApplyDocumentBytes)

	reg := promtest.NewRegistry(t, fx.metrics.PrometheusCollectors()...)
	labels := map[string]string{"source": source}
	require.Equal(t, float64(1), promtest.CounterValue(t, reg, "oplog_fetcher_batches_total", labels))
	require.Equal(t, float64(3), promtest.CounterValue(t, reg, "oplog_fetcher_documents_total", labels))
	require.Equal(t, float64(2), promtest.CounterValue(t, reg, "oplog_fetcher_applied_documents_total", labels))
	require.Equal(t, float64(789), promtest.GaugeValue(t, reg, "oplog_fetcher_last_fetched_timestamp_seconds", labels))
	require.Equal(t, float64(1), promtest.CounterValue(t, reg, "oplog_fetcher_terminations_total",
		map[string]string{"source": source, "code": "ok"}))
}

func TestFetcher_EnqueueError(t *testing.T) {
	fx := newFixture(t, 1)
	custom := &errors.Error{Code: errors.EInternal, Msg: "my custom error"}
	fx.enqueued.err = custom

	last, err := fx.processSingleBatch(reply(t, 0, true, anchor(t), entry(t, 456, 200), entry(t, 789, 300)), nil)
	require.Equal(t, custom, err)
	require.Equal(t, lastFetched, last)
}

func TestFetcher_EmptyFirstBatch(t *testing.T) {
	fx := newFixture(t, 1)
	_, err := fx.processSingleBatch(reply(t, 0, true), nil)
	require.Equal(t, errors.EOplogStartMissing, errors.ErrorCode(err))
}

func TestFetcher_FirstEntryMismatch(t *testing.T) {
	repl := replMetadata()
	oq := oqMetadata(remoteNewer, rbid)

	t.Run("timestamp", func(t *testing.T) {
		fx := newFixture(t, 1)
		last, err := fx.processSingleBatch(reply(t, 0, true, entry(t, 456, lastFetched.Hash)), metadataDoc(t, &repl, &oq))
		require.Equal(t, errors.EOplogStartMissing, errors.ErrorCode(err))
		require.Equal(t, lastFetched, last)
	})

	t.Run("hash", func(t *testing.T) {
		fx := newFixture(t, 1)
		_, err := fx.processSingleBatch(reply(t, 0, true, entry(t, 123, 1)), metadataDoc(t, &repl, &oq))
		require.Equal(t, errors.EOplogStartMissing, errors.ErrorCode(err))
		require.Empty(t, fx.enqueued.all())
	})

	t.Run("replica set metadata only", func(t *testing.T) {
		fx := newFixture(t, 1)
		_, err := fx.processSingleBatch(reply(t, 0, true, entry(t, 456, lastFetched.Hash)), metadataDoc(t, &repl, nil))
		require.Equal(t, errors.EOplogStartMissing, errors.ErrorCode(err))
	})
}

func TestFetcher_OutOfOrderBatch(t *testing.T) {
	fx := newFixture(t, 1)
	last, err := fx.processSingleBatch(reply(t, 0, true, anchor(t), entry(t, 789, 1), entry(t, 456, 2)), nil)
	require.Equal(t, errors.EOplogOutOfOrder, errors.ErrorCode(err))
	require.Equal(t, lastFetched, last)
	require.Empty(t, fx.enqueued.all())
}

func TestFetcher_MetadataForwarded(t *testing.T) {
	fx := newFixture(t, 1)
	repl := replMetadata()
	oq := oqMetadata(remoteNewer, rbid)
	fx.external.EXPECT().ProcessMetadata(repl, oq)
	fx.external.EXPECT().ShouldStopFetching(source, repl, oq).Return(false)

	_, err := fx.processSingleBatch(reply(t, 0, true, anchor(t)), metadataDoc(t, &repl, &oq))
	require.NoError(t, err)
}

func TestFetcher_PartialMetadataIsNotProcessed(t *testing.T) {
	repl := replMetadata()
	oq := oqMetadata(staleOpTime, rbid+1)
	for name, md := range map[string]bson.Raw{
		"none":        nil,
		"empty":       marshal(t, bson.D{}),
		"repl only":   metadataDoc(t, &repl, nil),
		"oplog query": metadataDoc(t, nil, &oq),
	} {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, 1)
			last, err := fx.processSingleBatch(reply(t, 0, true, anchor(t), entry(t, 456, 200)), md)
			require.NoError(t, err)
			require.Equal(t, int64(200), last.Hash)
		})
	}
}

func TestFetcher_MalformedMetadata(t *testing.T) {
	fx := newFixture(t, 1)
	md := marshal(t, bson.D{{Key: "$replData", Value: bson.D{{Key: "term", Value: int64(1)}}}})
	last, err := fx.processSingleBatch(reply(t, 0, true, anchor(t), entry(t, 456, 200)), md)
	require.Equal(t, errors.ENoSuchKey, errors.ErrorCode(err))
	require.Equal(t, lastFetched, last)
	require.Empty(t, fx.enqueued.all())
}

func TestFetcher_CorruptMetadata(t *testing.T) {
	fx := newFixture(t, 1)
	repl := replMetadata()
	oq := oqMetadata(staleOpTime, rbid+1)
	md := metadataDoc(t, &repl, &oq)

	last, err := fx.processSingleBatch(reply(t, 0, true, anchor(t), entry(t, 456, 200)), md[:len(md)-1])
	require.Equal(t, errors.EInvalidBSON, errors.ErrorCode(err))
	require.Equal(t, lastFetched, last)
	require.Empty(t, fx.enqueued.all())
}

func TestFetcher_SyncSourceChecks(t *testing.T) {
	cases := []struct {
		name           string
		lastApplied    oplogtail.OpTime
		rbid           int64
		requireFresher bool
		docs           func(t *testing.T) []bson.D
		wantErr        bool
	}{
		{
			name:           "rollback id changed",
			lastApplied:    remoteNewer,
			rbid:           rbid + 1,
			requireFresher: true,
			wantErr:        true,
		},
		{
			name:           "lower rollback id",
			lastApplied:    remoteNewer,
			rbid:           rbid - 1,
			requireFresher: true,
			wantErr:        true,
		},
		{
			name:           "behind",
			lastApplied:    staleOpTime,
			rbid:           rbid,
			requireFresher: true,
			wantErr:        true,
		},
		{
			name:           "not ahead",
			lastApplied:    lastFetched.OpTime,
			rbid:           rbid,
			requireFresher: true,
			wantErr:        true,
		},
		{
			name:        "current with stale metadata",
			lastApplied: staleOpTime,
			rbid:        rbid,
		},
		{
			name:        "not ahead without requiring fresher",
			lastApplied: lastFetched.OpTime,
			rbid:        rbid,
		},
		{
			name:           "stale metadata but newer entries",
			lastApplied:    staleOpTime,
			rbid:           rbid,
			requireFresher: true,
			docs: func(t *testing.T) []bson.D {
				return []bson.D{anchor(t), entry(t, 456, 200)}
			},
		},
		{
			name:           "ahead",
			lastApplied:    remoteNewer,
			rbid:           rbid,
			requireFresher: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fx := newFixture(t, 1)
			fx.config.RequireFresherSyncSource = c.requireFresher
			repl := replMetadata()
			oq := oqMetadata(c.lastApplied, c.rbid)
			fx.external.EXPECT().ProcessMetadata(repl, oq)
			if !c.wantErr {
				fx.external.EXPECT().ShouldStopFetching(source, repl, oq).Return(false)
			}

			docs := []bson.D{anchor(t)}
			if c.docs != nil {
				docs = c.docs(t)
			}
			_, err := fx.processSingleBatch(reply(t, 0, true, docs...), metadataDoc(t, &repl, &oq))
			if c.wantErr {
				require.Equal(t, errors.EInvalidSyncSource, errors.ErrorCode(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFetcher_RollbackIDChangeAfterEnqueue(t *testing.T) {
	fx := newFixture(t, 1)
	repl := replMetadata()
	oq := oqMetadata(remoteNewer, rbid-1)
	fx.external.EXPECT().ProcessMetadata(repl, oq)

	last, err := fx.processSingleBatch(reply(t, 0, true, anchor(t), entry(t, 456, 200)), metadataDoc(t, &repl, &oq))
	require.Equal(t, errors.EInvalidSyncSource, errors.ErrorCode(err))
	require.Len(t, fx.enqueued.all(), 1)
	require.Equal(t, int64(200), last.Hash)
}

func TestFetcher_ShouldStopFetching(t *testing.T) {
	fx := newFixture(t, 1)
	repl := replMetadata()
	oq := oqMetadata(remoteNewer, rbid)
	fx.external.EXPECT().ProcessMetadata(repl, oq)
	fx.external.EXPECT().ShouldStopFetching(source, repl, oq).Return(true)

	_, err := fx.processSingleBatch(reply(t, 0, true, anchor(t)), metadataDoc(t, &repl, &oq))
	require.Equal(t, errors.EInvalidSyncSource, errors.ErrorCode(err))
}

func TestFetcher_GetMore(t *testing.T) {
	fx := newFixture(t, 1)
	f := fx.start()
	fx.respond(reply(t, 22, true, anchor(t), entry(t, 456, 200)), nil)
	require.Equal(t, int64(200), f.LastOpTimeWithHashFetched().Hash)

	op := fx.net.NextReadyRequest()
	require.NotNil(t, op)
	cmd := op.Cmd()
	require.Equal(t, "getMore", op.Request.CommandName())
	require.Equal(t, int64(22), cmd.Lookup("getMore").Int64())
	require.Equal(t, "oplog.rs", cmd.Lookup("collection").StringValue())
	require.Equal(t, int64(5000), cmd.Lookup("maxTimeMS").Int64())
	require.Equal(t, currentTerm, cmd.Lookup("term").Int64())
	committed, err := oplogtail.ParseOpTimeDocument(cmd.Lookup("lastKnownCommittedOpTime").Document())
	require.NoError(t, err)
	require.Equal(t, lastCommitted, committed)
	require.Equal(t, 10*time.Second, op.Request.Timeout)

	fx.net.ScheduleSuccessfulResponse(op, reply(t, 22, false, entry(t, 789, 300)), nil, 0)
	fx.net.RunReadyNetworkOperations()
	require.Equal(t, int64(300), f.LastOpTimeWithHashFetched().Hash)

	fx.respond(reply(t, 0, false), nil)
	f.Join()

	_, last, err := fx.shutdown.result()
	require.NoError(t, err)
	require.Equal(t, oplogtail.OpTimeWithHash{Hash: 300, OpTime: oplogtail.NewOpTime(789, 0, 1)}, last)
	require.Len(t, fx.enqueued.all(), 2)
}

func TestFetcher_LaterBatchMetadata(t *testing.T) {
	repl := replMetadata()
	first := oqMetadata(remoteNewer, rbid)

	t.Run("rollback id checked on every batch", func(t *testing.T) {
		fx := newFixture(t, 1)
		changed := oqMetadata(staleOpTime, rbid+1)
		gomock.InOrder(
			fx.external.EXPECT().ProcessMetadata(repl, first),
			fx.external.EXPECT().ShouldStopFetching(source, repl, first).Return(false),
			fx.external.EXPECT().ProcessMetadata(repl, changed),
		)

		f := fx.start()
		fx.respond(reply(t, 22, true, anchor(t), entry(t, 456, 200)), metadataDoc(t, &repl, &first))
		op := fx.respond(reply(t, 22, false, entry(t, 789, 300)), metadataDoc(t, &repl, &changed))
		require.Equal(t, "getMore", op.Request.CommandName())
		f.Join()

		_, last, err := fx.shutdown.result()
		require.Equal(t, errors.EInvalidSyncSource, errors.ErrorCode(err))
		require.Equal(t, oplogtail.OpTimeWithHash{Hash: 300, OpTime: oplogtail.NewOpTime(789, 0, 1)}, last)
		require.Len(t, fx.enqueued.all(), 2)
	})

	t.Run("freshness only checked on the first batch", func(t *testing.T) {
		fx := newFixture(t, 1)
		stale := oqMetadata(staleOpTime, rbid)
		gomock.InOrder(
			fx.external.EXPECT().ProcessMetadata(repl, first),
			fx.external.EXPECT().ShouldStopFetching(source, repl, first).Return(false),
			fx.external.EXPECT().ProcessMetadata(repl, stale),
			fx.external.EXPECT().ShouldStopFetching(source, repl, stale).Return(false),
		)

		f := fx.start()
		fx.respond(reply(t, 22, true, anchor(t), entry(t, 456, 200)), metadataDoc(t, &repl, &first))
		fx.respond(reply(t, 0, false), metadataDoc(t, &repl, &stale))
		f.Join()

		_, last, err := fx.shutdown.result()
		require.NoError(t, err)
		require.Equal(t, int64(200), last.Hash)
	})
}

func TestFetcher_ShutdownCallbackReleased(t *testing.T) {
	fx := newFixture(t, 1)
	released := make(chan struct{})
	func() {
		held := new([1 << 20]byte)
		runtime.SetFinalizer(held, func(*[1 << 20]byte) { close(released) })
		fx.config.OnShutdown = func(err error, last oplogtail.OpTimeWithHash) {
			held[0] = 1
			fx.shutdown.callback(err, last)
		}
	}()
	f := fx.start()
	fx.config.OnShutdown = nil

	fx.fail(&errors.Error{Code: errors.EHostUnreachable, Msg: "connection reset"})
	f.Join()

	calls, _, err := fx.shutdown.result()
	require.Equal(t, 1, calls)
	require.Equal(t, errors.EHostUnreachable, errors.ErrorCode(err))
	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case <-released:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, oplog.Complete, f.State())
	runtime.KeepAlive(f)
}

func TestFetcher_RestartWithReentrantExternalState(t *testing.T) {
	fx := newFixture(t, 1)
	fx.config.MaxRestarts = 1

	var (
		mu       sync.Mutex
		f        *oplog.Fetcher
		observed []oplogtail.OpTimeWithHash
	)
	external := mock.NewMockExternalState(gomock.NewController(t))
	external.EXPECT().GetCurrentTermAndLastCommittedOpTime().DoAndReturn(func() (int64, oplogtail.OpTime) {
		mu.Lock()
		defer mu.Unlock()
		if f != nil {
			observed = append(observed, f.LastOpTimeWithHashFetched())
		}
		return currentTerm, lastCommitted
	}).AnyTimes()
	fx.config.ExternalState = external

	started := fx.start()
	mu.Lock()
	f = started
	mu.Unlock()

	fx.fail(&errors.Error{Code: errors.EHostUnreachable, Msg: "connection reset"})
	op := fx.respond(reply(t, 0, true, anchor(t)), nil)
	require.Equal(t, "find", op.Request.CommandName())
	f.Join()

	_, _, err := fx.shutdown.result()
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []oplogtail.OpTimeWithHash{lastFetched}, observed)
}

func TestFetcher_GetMoreProtocolZero(t *testing.T) {
	fx := newFixture(t, 0)
	f := fx.start()
	fx.respond(reply(t, 22, true, anchor(t)), nil)

	op := fx.net.NextReadyRequest()
	require.NotNil(t, op)
	cmd := op.Cmd()
	require.Equal(t, int64(2000), cmd.Lookup("maxTimeMS").Int64())
	_, err := cmd.LookupErr("term")
	require.Error(t, err)
	_, err = cmd.LookupErr("lastKnownCommittedOpTime")
	require.Error(t, err)
	require.Equal(t, 7*time.Second, op.Request.Timeout)

	f.Shutdown()
	f.Join()
}

func TestFetcher_LaterBatchOutOfOrder(t *testing.T) {
	fx := newFixture(t, 1)
	f := fx.start()
	fx.respond(reply(t, 22, true, anchor(t), entry(t, 456, 200)), nil)
	fx.respond(reply(t, 22, false, entry(t, 456, 300)), nil)
	f.Join()

	_, last, err := fx.shutdown.result()
	require.Equal(t, errors.EOplogOutOfOrder, errors.ErrorCode(err))
	require.Equal(t, int64(200), last.Hash)
}

func TestFetcher_Restart(t *testing.T) {
	fx := newFixture(t, 1)
	fx.config.MaxRestarts = 2
	f := fx.start()
	fx.respond(reply(t, 22, true, anchor(t), entry(t, 456, 200)), nil)

	fx.fail(&errors.Error{Code: errors.EHostUnreachable, Msg: "connection reset"})
	require.True(t, f.IsActive())

	op := fx.net.NextReadyRequest()
	require.NotNil(t, op)
	cmd := op.Cmd()
	require.Equal(t, "find", op.Request.CommandName())
	ts, _ := cmd.Lookup("filter", "ts", "$gte").Timestamp()
	require.Equal(t, uint32(456), ts)
	require.Equal(t, int64(2000), cmd.Lookup("maxTimeMS").Int64())
	require.Equal(t, 7*time.Second, op.Request.Timeout)

	fx.net.ScheduleSuccessfulResponse(op, reply(t, 0, true, entry(t, 456, 200), entry(t, 789, 300)), nil, 0)
	fx.net.RunReadyNetworkOperations()
	f.Join()

	_, last, err := fx.shutdown.result()
	require.NoError(t, err)
	require.Equal(t, int64(300), last.Hash)
	require.Len(t, fx.enqueued.all(), 2)

	reg := promtest.NewRegistry(t, fx.metrics.PrometheusCollectors()...)
	require.Equal(t, float64(1), promtest.CounterValue(t, reg, "oplog_fetcher_restarts_total", map[string]string{"source": source}))
}

func TestFetcher_RestartBudgetExhausted(t *testing.T) {
	fx := newFixture(t, 1)
	fx.config.MaxRestarts = 2
	f := fx.start()

	fx.fail(&errors.Error{Code: errors.EHostUnreachable, Msg: "first"})
	fx.fail(&errors.Error{Code: errors.EHostUnreachable, Msg: "second"})
	third := &errors.Error{Code: errors.ECommandFailed, Msg: "third"}
	fx.fail(third)
	f.Join()

	calls, last, err := fx.shutdown.result()
	require.Equal(t, 1, calls)
	require.Equal(t, third, err)
	require.Equal(t, lastFetched, last)
	require.False(t, fx.net.HasReadyRequests())
}

func TestFetcher_RestartCounterResets(t *testing.T) {
	fx := newFixture(t, 1)
	fx.config.MaxRestarts = 1
	f := fx.start()

	fx.fail(&errors.Error{Code: errors.EHostUnreachable})
	fx.respond(reply(t, 22, true, anchor(t), entry(t, 456, 200)), nil)
	fx.fail(&errors.Error{Code: errors.EHostUnreachable})
	require.True(t, f.IsActive())

	fx.respond(reply(t, 0, true, entry(t, 456, 200)), nil)
	f.Join()

	_, last, err := fx.shutdown.result()
	require.NoError(t, err)
	require.Equal(t, int64(200), last.Hash)
}

func TestFetcher_NetworkTimeoutRestarts(t *testing.T) {
	fx := newFixture(t, 1)
	fx.config.MaxRestarts = 1
	f := fx.start()
	start := fx.net.Now()

	fx.net.RunUntil(start.Add(65 * time.Second))
	require.True(t, f.IsActive())
	op := fx.net.NextReadyRequest()
	require.NotNil(t, op)
	require.Equal(t, 7*time.Second, op.Request.Timeout)

	fx.net.RunUntil(fx.net.Now().Add(7 * time.Second))
	f.Join()

	_, _, err := fx.shutdown.result()
	require.Equal(t, errors.ENetworkTimeout, errors.ErrorCode(err))
}

func TestFetcher_RestartScheduleFailure(t *testing.T) {
	fx := newFixture(t, 1)
	exec := &failingExecutor{Network: fx.net}
	fx.config.Executor = exec
	fx.config.MaxRestarts = 3
	f := fx.start()

	exec.mu.Lock()
	exec.fail = true
	exec.mu.Unlock()

	cause := &errors.Error{Code: errors.EHostUnreachable, Msg: "original"}
	fx.fail(cause)
	f.Join()

	calls, _, err := fx.shutdown.result()
	require.Equal(t, 1, calls)
	require.Equal(t, cause, err)
}

func TestFetcher_CanceledIsNotRestarted(t *testing.T) {
	fx := newFixture(t, 1)
	fx.config.MaxRestarts = 3
	f := fx.start()
	fx.fail(executor.ErrCallbackCanceled)
	f.Join()

	_, _, err := fx.shutdown.result()
	require.Equal(t, executor.ErrCallbackCanceled, err)
	require.False(t, fx.net.HasReadyRequests())
}

func TestState_String(t *testing.T) {
	require.Equal(t, "PreStart", oplog.PreStart.String())
	require.Equal(t, "Running", oplog.Running.String())
	require.Equal(t, "ShuttingDown", oplog.ShuttingDown.String())
	require.Equal(t, "Complete", oplog.Complete.String())
	require.Equal(t, "State(9)", oplog.State(9).String())
}
