package oplog

import (
	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/rpc/metadata"
	"go.mongodb.org/mongo-driver/bson"
)

//go:generate go run github.com/golang/mock/mockgen -package mock -destination mock/external_state.go github.com/influxdata/oplogtail/oplog ExternalState

// ExternalState is the local replication state the fetcher consults and
// feeds.
type ExternalState interface {
	// GetCurrentTermAndLastCommittedOpTime returns the current term, or
	// oplogtail.UninitializedTerm, and the local commit point.
	GetCurrentTermAndLastCommittedOpTime() (int64, oplogtail.OpTime)
	// ProcessMetadata receives the metadata of every accepted batch.
	ProcessMetadata(repl metadata.ReplSetMetadata, oq metadata.OplogQueryMetadata)
	// ShouldStopFetching reports whether source is no longer a suitable sync source.
	ShouldStopFetching(source string, repl metadata.ReplSetMetadata, oq metadata.OplogQueryMetadata) bool
}

// EnqueueFunc receives the entries of a batch that are to be applied.
type EnqueueFunc func(docs []bson.Raw, info DocumentsInfo) error

// ShutdownFunc receives the final status of a fetcher and the last entry
// it fetched. A nil error means the sync source ran out of entries.
type ShutdownFunc func(err error, lastFetched oplogtail.OpTimeWithHash)
