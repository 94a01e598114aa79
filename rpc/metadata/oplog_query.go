package metadata

import (
	"github.com/influxdata/oplogtail"
	"go.mongodb.org/mongo-driver/bson"
)

// OplogQueryMetadata is the sync source's view of its own oplog.
type OplogQueryMetadata struct {
	LastOpCommitted oplogtail.OpTime
	LastOpApplied   oplogtail.OpTime
	RBID            int64
	PrimaryIndex    int64
	SyncSourceIndex int64
}

// HasPrimary reports whether the source knows the current primary.
func (m OplogQueryMetadata) HasPrimary() bool { return m.PrimaryIndex != NoIndex }

// Position returns the later of the source's last applied OpTime and ot.
// A reply can carry entries newer than the metadata generated with it.
func (m OplogQueryMetadata) Position(ot oplogtail.OpTime) oplogtail.OpTime {
	return maxOpTime(m.LastOpApplied, ot)
}

// ReadOplogQueryMetadata reads the $oplogQueryData section of md. Every
// field is required.
func ReadOplogQueryMetadata(md bson.Raw) (OplogQueryMetadata, error) {
	section, err := oplogtail.Document(md, OplogQueryMetadataFieldName)
	if err != nil {
		return OplogQueryMetadata{}, err
	}

	var m OplogQueryMetadata
	if m.LastOpCommitted, err = readOpTime(section, lastOpCommittedFieldName); err != nil {
		return OplogQueryMetadata{}, sectionError(OplogQueryMetadataFieldName, err)
	}
	if m.LastOpApplied, err = readOpTime(section, lastOpAppliedFieldName); err != nil {
		return OplogQueryMetadata{}, sectionError(OplogQueryMetadataFieldName, err)
	}
	if m.RBID, err = oplogtail.Int64(section, rbidFieldName); err != nil {
		return OplogQueryMetadata{}, sectionError(OplogQueryMetadataFieldName, err)
	}
	if m.PrimaryIndex, err = oplogtail.Int64(section, primaryIndexFieldName); err != nil {
		return OplogQueryMetadata{}, sectionError(OplogQueryMetadataFieldName, err)
	}
	if m.SyncSourceIndex, err = oplogtail.Int64(section, syncSourceIndexFieldName); err != nil {
		return OplogQueryMetadata{}, sectionError(OplogQueryMetadataFieldName, err)
	}
	return m, nil
}

// AppendTo appends m to a reply's metadata document.
func (m OplogQueryMetadata) AppendTo(d bson.D) bson.D {
	return append(d, bson.E{Key: OplogQueryMetadataFieldName, Value: bson.D{
		{Key: lastOpCommittedFieldName, Value: m.LastOpCommitted.Document()},
		{Key: lastOpAppliedFieldName, Value: m.LastOpApplied.Document()},
		{Key: rbidFieldName, Value: m.RBID},
		{Key: primaryIndexFieldName, Value: m.PrimaryIndex},
		{Key: syncSourceIndexFieldName, Value: m.SyncSourceIndex},
	}})
}
