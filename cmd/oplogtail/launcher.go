package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/executor/httpexec"
	"github.com/influxdata/oplogtail/kit/cli"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"github.com/influxdata/oplogtail/kit/signals"
	"github.com/influxdata/oplogtail/logger"
	"github.com/influxdata/oplogtail/oplog"
	"github.com/influxdata/oplogtail/replset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Launcher tails the oplog of one sync source and writes every entry to
// stdout as a line of extended JSON.
type Launcher struct {
	source             string
	namespace          string
	scheme             string
	authToken          string
	insecureSkipVerify bool

	startTS   int64
	startInc  int64
	startTerm int64
	startHash int64

	setName         string
	configVersion   int64
	protocolVersion int64
	electionTimeout time.Duration

	rbid             int64
	maxRestarts      int
	requireFresher   bool
	maxSyncSourceLag time.Duration
	follow           bool
	retryInterval    time.Duration

	metricsBindAddress string
	logLevel           zapcore.Level
	logFormat          string

	stdout io.Writer
	stderr io.Writer

	mu          sync.Mutex
	metricsAddr net.Addr
	lastFetched oplogtail.OpTimeWithHash
}

// NewLauncher returns a Launcher writing entries to stdout and logs to stderr.
func NewLauncher(stdout, stderr io.Writer) *Launcher {
	return &Launcher{stdout: stdout, stderr: stderr}
}

// NewCommand returns the oplogtail command bound to l.
func NewCommand(v *viper.Viper, l *Launcher) (*cobra.Command, error) {
	cmd, err := cli.NewCommand(v, &cli.Program{
		Name: "oplogtail",
		Opts: l.opts(),
		Run: func() error {
			return l.run(signals.WithStandardSignals(context.Background()))
		},
	})
	if err != nil {
		return nil, err
	}
	cmd.Short = "Tail the replicated operation log of a sync source"
	return cmd, nil
}

func (l *Launcher) opts() []cli.Opt {
	return []cli.Opt{
		{DestP: &l.source, Flag: "source", Required: true, Desc: "host:port of the sync source"},
		{DestP: &l.namespace, Flag: "namespace", Default: oplog.DefaultNamespace.String(), Desc: "oplog namespace to tail"},
		{DestP: &l.scheme, Flag: "scheme", Default: "http", Desc: "scheme used to reach the sync source, http or https"},
		{DestP: &l.authToken, Flag: "auth-token", Desc: "token presented to the sync source"},
		{DestP: &l.insecureSkipVerify, Flag: "insecure-skip-verify", Desc: "skip TLS certificate verification"},

		{DestP: &l.startTS, Flag: "start-ts", Required: true, Desc: "seconds of the timestamp of the last entry already applied"},
		{DestP: &l.startInc, Flag: "start-inc", Desc: "increment of the timestamp of the last entry already applied"},
		{DestP: &l.startTerm, Flag: "start-term", Default: oplogtail.UninitializedTerm, Desc: "term of the last entry already applied"},
		{DestP: &l.startHash, Flag: "start-hash", Desc: "hash of the last entry already applied"},

		{DestP: &l.setName, Flag: "replset", Default: "rs0", Desc: "replica set name"},
		{DestP: &l.configVersion, Flag: "config-version", Default: 1, Desc: "replica set configuration version"},
		{DestP: &l.protocolVersion, Flag: "protocol-version", Default: 1, Desc: "replica set election protocol version, 0 or 1"},
		{DestP: &l.electionTimeout, Flag: "election-timeout", Default: replset.DefaultElectionTimeout, Desc: "replica set election timeout"},

		{DestP: &l.rbid, Flag: "rbid", Default: 1, Desc: "rollback id the sync source must keep reporting"},
		{DestP: &l.maxRestarts, Flag: "max-restarts", Default: 3, Desc: "query restarts allowed after consecutive request errors"},
		{DestP: &l.requireFresher, Flag: "require-fresher", Desc: "require the sync source to be ahead of the start position"},
		{DestP: &l.maxSyncSourceLag, Flag: "max-sync-source-lag", Default: replset.DefaultMaxSyncSourceLag, Desc: "largest lag accepted between the sync source and the commit point"},
		{DestP: &l.follow, Flag: "follow", Default: true, Desc: "reissue the query when the sync source closes the cursor"},
		{DestP: &l.retryInterval, Flag: "retry-interval", Default: time.Second, Desc: "wait before reissuing a closed query"},

		{DestP: &l.metricsBindAddress, Flag: "metrics-bind-address", Default: ":9104", Desc: "bind address of the prometheus /metrics endpoint"},
		{DestP: &l.logLevel, Flag: "log-level", Default: zapcore.InfoLevel, Desc: "supported log levels are debug, info, warn and error"},
		{DestP: &l.logFormat, Flag: "log-format", Default: "auto", Desc: "log format, one of auto, logfmt, json or console"},
	}
}

// MetricsAddr returns the address the metrics endpoint listens on, once running.
func (l *Launcher) MetricsAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metricsAddr
}

// LastFetched returns the position of the last entry written.
func (l *Launcher) LastFetched() oplogtail.OpTimeWithHash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastFetched
}

// startPosition returns the entry the first query resumes from.
func (l *Launcher) startPosition() (oplogtail.OpTimeWithHash, error) {
	for _, f := range []struct {
		name string
		v    int64
	}{{"start-ts", l.startTS}, {"start-inc", l.startInc}} {
		if f.v < 0 || f.v > math.MaxUint32 {
			return oplogtail.OpTimeWithHash{}, &errors.Error{
				Code: errors.EInvalid,
				Msg:  fmt.Sprintf("%s must be between 0 and %d, got %d", f.name, uint32(math.MaxUint32), f.v),
			}
		}
	}
	return oplogtail.OpTimeWithHash{
		Hash:   l.startHash,
		OpTime: oplogtail.NewOpTime(uint32(l.startTS), uint32(l.startInc), l.startTerm),
	}, nil
}

func (l *Launcher) run(ctx context.Context) (err error) {
	logConfig := logger.Config{Format: l.logFormat, Level: l.logLevel}
	log, err := logConfig.New(l.stderr)
	if err != nil {
		return err
	}

	start, err := l.startPosition()
	if err != nil {
		return err
	}
	ns, err := oplog.ParseNamespace(l.namespace)
	if err != nil {
		return err
	}
	rsConfig, err := replset.NewConfig(l.setName, l.configVersion, l.protocolVersion, l.electionTimeout,
		replset.Member{ID: 0, Host: l.source})
	if err != nil {
		return err
	}

	execOpts := []httpexec.OptFn{
		httpexec.WithScheme(l.scheme),
		httpexec.WithInsecureSkipVerify(l.insecureSkipVerify),
		httpexec.WithLogger(log.With(zap.String("service", "executor"))),
	}
	if l.authToken != "" {
		execOpts = append(execOpts, httpexec.WithAuthToken(l.authToken))
	}
	exec, err := httpexec.New(execOpts...)
	if err != nil {
		return err
	}
	defer func() {
		exec.Shutdown()
		exec.Join()
	}()

	state := replset.NewState(l.startTerm, oplogtail.OpTime{}, log.With(zap.String("service", "replset")))
	state.MaxSyncSourceLag = l.maxSyncSourceLag

	metrics := oplog.NewMetrics()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(metrics.PrometheusCollectors()...)

	ln, err := net.Listen("tcp", l.metricsBindAddress)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.metricsAddr = ln.Addr()
	l.lastFetched = start
	l.mu.Unlock()

	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &nethttp.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	out := bufio.NewWriter(l.stdout)
	defer func() {
		err = multierr.Append(err, out.Flush())
	}()

	ctx, cancel := context.WithCancel(logger.NewContextWithLogger(ctx, log))
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Listening", zap.String("transport", "http"), zap.Stringer("addr", ln.Addr()))
		if err := srv.Serve(ln); err != nethttp.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		defer cancel()
		return l.tail(ctx, oplog.Config{
			Executor:                 exec,
			Source:                   l.source,
			Namespace:                ns,
			ReplSetConfig:            rsConfig,
			MaxRestarts:              l.maxRestarts,
			RequiredRBID:             l.rbid,
			RequireFresherSyncSource: l.requireFresher,
			ExternalState:            state,
			Enqueue:                  l.writeEntries(out),
			Logger:                   log,
			Metrics:                  metrics,
		})
	})
	return g.Wait()
}

type fetchResult struct {
	err         error
	lastFetched oplogtail.OpTimeWithHash
}

// tail runs fetchers one after the other, each resuming where the previous
// one stopped, until ctx is done or a fetcher fails.
func (l *Launcher) tail(ctx context.Context, config oplog.Config) error {
	log := logger.FromContext(ctx)
	for {
		config.LastFetched = l.LastFetched()
		res, err := l.fetch(ctx, config)
		if err != nil {
			return err
		}

		l.mu.Lock()
		l.lastFetched = res.lastFetched
		l.mu.Unlock()

		switch {
		case ctx.Err() != nil:
			return nil
		case res.err != nil:
			log.Error("Oplog fetcher failed", zap.Error(res.err), zap.Stringer("last_fetched", res.lastFetched))
			return res.err
		case !l.follow:
			return nil
		}

		log.Debug("Sync source closed the oplog cursor", zap.Duration("retry_interval", l.retryInterval))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryInterval):
		}
	}
}

// fetch runs one fetcher from config.LastFetched until it stops or ctx is
// done.
func (l *Launcher) fetch(ctx context.Context, config oplog.Config) (fetchResult, error) {
	log, end := logger.NewOperation(logger.FromContext(ctx), "Tailing oplog", "oplog_tail",
		zap.Stringer("start", config.LastFetched))
	defer end()

	done := make(chan fetchResult, 1)
	config.Logger = log
	config.OnShutdown = func(err error, lastFetched oplogtail.OpTimeWithHash) {
		done <- fetchResult{err: err, lastFetched: lastFetched}
	}

	f, err := oplog.NewFetcher(config)
	if err != nil {
		return fetchResult{}, err
	}
	if err := f.Startup(); err != nil {
		return fetchResult{}, err
	}

	var res fetchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		f.Shutdown()
		res = <-done
	}
	f.Join()
	return res, nil
}

func (l *Launcher) writeEntries(w *bufio.Writer) oplog.EnqueueFunc {
	return func(docs []bson.Raw, info oplog.DocumentsInfo) error {
		for _, doc := range docs {
			b, err := bson.MarshalExtJSON(doc, false, false)
			if err != nil {
				return err
			}
			if _, err := w.Write(b); err != nil {
				return err
			}
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if info.ToApplyDocumentCount > 0 {
			l.mu.Lock()
			l.lastFetched = info.LastDocument
			l.mu.Unlock()
		}
		return nil
	}
}
