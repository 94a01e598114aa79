package metadata

import (
	"fmt"

	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	termFieldName            = "term"
	lastOpCommittedFieldName = "lastOpCommitted"
	lastOpVisibleFieldName   = "lastOpVisible"
	lastOpAppliedFieldName   = "lastOpApplied"
	configVersionFieldName   = "configVersion"
	replicaSetIDFieldName    = "replicaSetId"
	primaryIndexFieldName    = "primaryIndex"
	syncSourceIndexFieldName = "syncSourceIndex"
	rbidFieldName            = "rbid"
)

// ReplSetMetadata is the sync source's view of the replica set.
type ReplSetMetadata struct {
	Term            int64
	LastOpCommitted oplogtail.OpTime
	LastOpVisible   oplogtail.OpTime
	ConfigVersion   int64
	ReplicaSetID    primitive.ObjectID
	PrimaryIndex    int64
	SyncSourceIndex int64
}

// ReadReplSetMetadata reads the $replData section of md. Every field is
// required.
func ReadReplSetMetadata(md bson.Raw) (ReplSetMetadata, error) {
	section, err := oplogtail.Document(md, ReplSetMetadataFieldName)
	if err != nil {
		return ReplSetMetadata{}, err
	}

	var m ReplSetMetadata
	if m.Term, err = oplogtail.Int64(section, termFieldName); err != nil {
		return ReplSetMetadata{}, sectionError(ReplSetMetadataFieldName, err)
	}
	if m.LastOpCommitted, err = readOpTime(section, lastOpCommittedFieldName); err != nil {
		return ReplSetMetadata{}, sectionError(ReplSetMetadataFieldName, err)
	}
	if m.LastOpVisible, err = readOpTime(section, lastOpVisibleFieldName); err != nil {
		return ReplSetMetadata{}, sectionError(ReplSetMetadataFieldName, err)
	}
	if m.ConfigVersion, err = oplogtail.Int64(section, configVersionFieldName); err != nil {
		return ReplSetMetadata{}, sectionError(ReplSetMetadataFieldName, err)
	}
	if m.ReplicaSetID, err = readObjectID(section, replicaSetIDFieldName); err != nil {
		return ReplSetMetadata{}, sectionError(ReplSetMetadataFieldName, err)
	}
	if m.PrimaryIndex, err = oplogtail.Int64(section, primaryIndexFieldName); err != nil {
		return ReplSetMetadata{}, sectionError(ReplSetMetadataFieldName, err)
	}
	if m.SyncSourceIndex, err = oplogtail.Int64(section, syncSourceIndexFieldName); err != nil {
		return ReplSetMetadata{}, sectionError(ReplSetMetadataFieldName, err)
	}
	return m, nil
}

// AppendTo appends m to a reply's metadata document.
func (m ReplSetMetadata) AppendTo(d bson.D) bson.D {
	return append(d, bson.E{Key: ReplSetMetadataFieldName, Value: bson.D{
		{Key: termFieldName, Value: m.Term},
		{Key: lastOpCommittedFieldName, Value: m.LastOpCommitted.Document()},
		{Key: lastOpVisibleFieldName, Value: m.LastOpVisible.Document()},
		{Key: configVersionFieldName, Value: m.ConfigVersion},
		{Key: replicaSetIDFieldName, Value: m.ReplicaSetID},
		{Key: primaryIndexFieldName, Value: m.PrimaryIndex},
		{Key: syncSourceIndexFieldName, Value: m.SyncSourceIndex},
	}})
}

func readOpTime(section bson.Raw, key string) (oplogtail.OpTime, error) {
	doc, err := oplogtail.Document(section, key)
	if err != nil {
		return oplogtail.OpTime{}, err
	}
	ot, err := oplogtail.ParseOpTimeDocument(doc)
	if err != nil {
		return oplogtail.OpTime{}, &errors.Error{
			Code: errors.ErrorCode(err),
			Msg:  key,
			Err:  err,
		}
	}
	return ot, nil
}

func readObjectID(section bson.Raw, key string) (primitive.ObjectID, error) {
	v, err := section.LookupErr(key)
	if err != nil {
		return primitive.ObjectID{}, &errors.Error{
			Code: errors.ENoSuchKey,
			Msg:  fmt.Sprintf("missing %q field", key),
		}
	}
	oid, ok := v.ObjectIDOK()
	if !ok {
		return primitive.ObjectID{}, &errors.Error{
			Code: errors.ETypeMismatch,
			Msg:  fmt.Sprintf("%q field must be an objectid, found %s", key, v.Type),
		}
	}
	return oid, nil
}

func sectionError(section string, err error) error {
	return &errors.Error{
		Code: errors.ErrorCode(err),
		Op:   section,
		Msg:  "parsing " + section,
		Err:  err,
	}
}
