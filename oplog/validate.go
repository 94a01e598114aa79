package oplog

import (
	"fmt"

	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DocumentsInfo describes a validated batch.
type DocumentsInfo struct {
	NetworkDocumentCount int
	NetworkDocumentBytes int
	ToApplyDocumentCount int
	ToApplyDocumentBytes int
	// LastDocument is the position of the last entry to apply, or the zero
	// value when there is none.
	LastDocument oplogtail.OpTimeWithHash
}

// ValidateDocuments checks that the entries of a batch carry strictly
// increasing timestamps and summarizes the batch. On the first batch of a
// query the leading entry is the one already fetched, so it is excluded
// from the entries to apply. Later batches must start after lastTS.
func ValidateDocuments(docs []bson.Raw, first bool, lastTS primitive.Timestamp) (DocumentsInfo, error) {
	if first && len(docs) == 0 {
		return DocumentsInfo{}, &errors.Error{
			Code: errors.EOplogStartMissing,
			Msg:  fmt.Sprintf("the first batch of oplog entries is empty, but expected at least 1 document matching ts: %s", timestampString(lastTS)),
		}
	}

	var info DocumentsInfo
	prevTS := lastTS
	for i, doc := range docs {
		ot, err := oplogtail.ParseOpTimeWithHash(doc)
		if err != nil {
			if i == 0 {
				return DocumentsInfo{}, &errors.Error{
					Code: errors.EInvalidBSON,
					Msg:  fmt.Sprintf("malformed batch: first oplog entry has no usable optime: %s", doc.String()),
					Err:  err,
				}
			}
			return DocumentsInfo{}, &errors.Error{
				Code: errors.ENoSuchKey,
				Msg:  fmt.Sprintf("oplog entry %d has no usable optime", i),
				Err:  err,
			}
		}

		ts := ot.OpTime.Timestamp
		if (i > 0 || !first) && oplogtail.CompareTimestamps(ts, prevTS) <= 0 {
			return DocumentsInfo{}, &errors.Error{
				Code: errors.EOplogOutOfOrder,
				Msg: fmt.Sprintf("out of order: oplog entry %d has ts %s, not after the previous %s",
					i, timestampString(ts), timestampString(prevTS)),
			}
		}
		prevTS = ts

		size := len(doc)
		info.NetworkDocumentCount++
		info.NetworkDocumentBytes += size
		if first && i == 0 {
			continue
		}
		info.ToApplyDocumentCount++
		info.ToApplyDocumentBytes += size
		info.LastDocument = ot
	}
	return info, nil
}

func timestampString(ts primitive.Timestamp) string {
	return fmt.Sprintf("Timestamp(%d, %d)", ts.T, ts.I)
}
