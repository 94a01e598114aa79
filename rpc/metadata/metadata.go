// Package metadata reads and writes the replication metadata that a sync
// source piggybacks on command replies, and builds the metadata requested
// by oplog queries.
package metadata

import (
	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Top-level metadata field names.
const (
	ReplSetMetadataFieldName    = "$replData"
	OplogQueryMetadataFieldName = "$oplogQueryData"
	ServerSelectionFieldName    = "$ssm"
	SecondaryOkFieldName        = "secondaryOk"
)

// NoIndex marks an unknown primary or an absent sync source.
const NoIndex int64 = -1

// RequestMetadata returns the metadata attached to oplog queries. Under
// protocol version 1 the source is asked for both replication sections.
func RequestMetadata(v1ElectionProtocol bool) bson.D {
	ssm := bson.E{Key: ServerSelectionFieldName, Value: bson.D{{Key: SecondaryOkFieldName, Value: true}}}
	if !v1ElectionProtocol {
		return bson.D{ssm}
	}
	return bson.D{
		{Key: ReplSetMetadataFieldName, Value: 1},
		{Key: OplogQueryMetadataFieldName, Value: 1},
		ssm,
	}
}

// ParseResponse reads both replication sections from a reply's metadata.
// A section that is absent is returned as nil; a section that is present
// must be complete. Metadata that is not a valid document is an error.
func ParseResponse(md bson.Raw) (*ReplSetMetadata, *OplogQueryMetadata, error) {
	if len(md) == 0 {
		return nil, nil, nil
	}
	if err := md.Validate(); err != nil {
		return nil, nil, &errors.Error{Code: errors.EInvalidBSON, Msg: "reply metadata", Err: err}
	}

	var (
		repl *ReplSetMetadata
		oq   *OplogQueryMetadata
	)
	if _, err := md.LookupErr(ReplSetMetadataFieldName); err == nil {
		m, err := ReadReplSetMetadata(md)
		if err != nil {
			return nil, nil, err
		}
		repl = &m
	}
	if _, err := md.LookupErr(OplogQueryMetadataFieldName); err == nil {
		m, err := ReadOplogQueryMetadata(md)
		if err != nil {
			return nil, nil, err
		}
		oq = &m
	}
	return repl, oq, nil
}

// SyncSourceProgress returns how far the sync source has applied and
// whether it is itself syncing from another node. The oplog query section
// is preferred when present.
func SyncSourceProgress(repl *ReplSetMetadata, oq *OplogQueryMetadata) (oplogtail.OpTime, bool) {
	switch {
	case oq != nil:
		return oq.LastOpApplied, oq.SyncSourceIndex != NoIndex
	case repl != nil:
		return repl.LastOpVisible, repl.SyncSourceIndex != NoIndex
	}
	return oplogtail.OpTime{}, false
}

func maxOpTime(a, b oplogtail.OpTime) oplogtail.OpTime {
	if a.Before(b) {
		return b
	}
	return a
}
