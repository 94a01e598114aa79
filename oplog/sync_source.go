package oplog

import (
	"fmt"

	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"github.com/influxdata/oplogtail/rpc/metadata"
	"go.mongodb.org/mongo-driver/bson"
)

// checkOplogStart verifies that the first entry of a query is the entry
// last fetched. Anything else means the histories diverged.
func checkOplogStart(docs []bson.Raw, lastFetched oplogtail.OpTimeWithHash) error {
	first, err := oplogtail.ParseOpTimeWithHash(docs[0])
	if err != nil {
		return &errors.Error{Code: errors.EInvalidBSON, Msg: "malformed batch", Err: err}
	}
	if !first.OpTime.Equal(lastFetched.OpTime) {
		return &errors.Error{
			Code: errors.EOplogStartMissing,
			Msg: fmt.Sprintf("our last optime fetched: %s. source's GTE: %s",
				lastFetched.OpTime, first.OpTime),
		}
	}
	if first.Hash != lastFetched.Hash {
		return &errors.Error{
			Code: errors.EOplogStartMissing,
			Msg: fmt.Sprintf("our last optime fetched: %s. source's GTE: %s hashes: (%d/%d)",
				lastFetched.OpTime, first.OpTime, lastFetched.Hash, first.Hash),
		}
	}
	return nil
}

// syncSourceCheck holds what is needed to police the sync source after a
// batch has been enqueued.
type syncSourceCheck struct {
	source         string
	requiredRBID   int64
	requireFresher bool
	first          bool
	// local is the position before the batch.
	local oplogtail.OpTime
	// batchEnd is the last entry of the batch.
	batchEnd oplogtail.OpTime
}

// checkSyncSource rejects a source that rolled back or, on the first
// batch, one that is not far enough ahead of us. Metadata that lags the
// entries it came with is not held against the source.
func (c syncSourceCheck) run(repl metadata.ReplSetMetadata, oq metadata.OplogQueryMetadata) error {
	if oq.RBID != c.requiredRBID {
		return &errors.Error{
			Code: errors.EInvalidSyncSource,
			Msg: fmt.Sprintf("sync source %s rollback id changed: expected %d, found %d",
				c.source, c.requiredRBID, oq.RBID),
		}
	}
	if !c.first {
		return nil
	}

	remote := oq.Position(c.batchEnd)
	if remote.Before(c.local) {
		return &errors.Error{
			Code: errors.EInvalidSyncSource,
			Msg: fmt.Sprintf("sync source %s last applied optime %s is older than our last fetched optime %s",
				c.source, remote, c.local),
		}
	}
	if c.requireFresher && !c.local.Before(remote) {
		return &errors.Error{
			Code: errors.EInvalidSyncSource,
			Msg: fmt.Sprintf("sync source %s must be ahead of us: its last applied optime %s is not after our last fetched optime %s",
				c.source, remote, c.local),
		}
	}
	return nil
}
