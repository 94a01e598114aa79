package replset

import (
	"sync"
	"time"

	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/rpc/metadata"
	"go.uber.org/zap"
)

// DefaultMaxSyncSourceLag bounds how far a sync source may trail the
// newest known commit point.
const DefaultMaxSyncSourceLag = 30 * time.Second

// State is an in-memory record of the local node's term and commit point,
// advanced from the metadata a sync source sends. It is safe for
// concurrent use.
type State struct {
	// MaxSyncSourceLag is the largest accepted distance between the
	// commit point and the source's last applied entry. Zero disables it.
	MaxSyncSourceLag time.Duration

	mu            sync.Mutex
	term          int64
	lastCommitted oplogtail.OpTime
	configVersion int64

	log *zap.Logger
}

// NewState returns a State starting at the given term and commit point.
func NewState(term int64, lastCommitted oplogtail.OpTime, log *zap.Logger) *State {
	if log == nil {
		log = zap.NewNop()
	}
	return &State{
		MaxSyncSourceLag: DefaultMaxSyncSourceLag,
		term:             term,
		lastCommitted:    lastCommitted,
		log:              log,
	}
}

// GetCurrentTermAndLastCommittedOpTime returns the current term and commit point.
func (s *State) GetCurrentTermAndLastCommittedOpTime() (int64, oplogtail.OpTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.lastCommitted
}

// ProcessMetadata advances the term and commit point. Neither moves backwards.
func (s *State) ProcessMetadata(repl metadata.ReplSetMetadata, oq metadata.OplogQueryMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repl.Term > s.term {
		s.log.Info("Term advanced", zap.Int64("from", s.term), zap.Int64("to", repl.Term))
		s.term = repl.Term
	}
	for _, ot := range []oplogtail.OpTime{repl.LastOpCommitted, oq.LastOpCommitted} {
		if s.lastCommitted.Before(ot) {
			s.lastCommitted = ot
		}
	}
	if repl.ConfigVersion > s.configVersion {
		s.configVersion = repl.ConfigVersion
	}
}

// ShouldStopFetching reports whether source has stopped being a useful
// sync source: it knows of no primary and syncs from nobody, or it trails
// the commit point by more than MaxSyncSourceLag.
func (s *State) ShouldStopFetching(source string, repl metadata.ReplSetMetadata, oq metadata.OplogQueryMetadata) bool {
	lastOpTime, hasSyncSource := metadata.SyncSourceProgress(&repl, &oq)
	if !hasSyncSource && !oq.HasPrimary() {
		s.log.Info("Sync source has no primary and no sync source of its own",
			zap.String("source", source))
		return true
	}

	s.mu.Lock()
	committed := s.lastCommitted
	maxLag := s.MaxSyncSourceLag
	s.mu.Unlock()

	if maxLag <= 0 || !lastOpTime.Before(committed) {
		return false
	}
	lag := time.Duration(committed.Timestamp.T-lastOpTime.Timestamp.T) * time.Second
	if lag > maxLag {
		s.log.Info("Sync source is lagging behind the commit point",
			zap.String("source", source),
			zap.Stringer("source_last_optime", lastOpTime),
			zap.Stringer("last_committed", committed),
			zap.Duration("lag", lag))
		return true
	}
	return false
}

// ConfigVersion returns the newest configuration version seen.
func (s *State) ConfigVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configVersion
}
