package oplogtail

import (
	"fmt"

	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UninitializedTerm is the term of an OpTime written before terms existed
// (protocol version 0), and the current term of a node that has not
// observed one yet.
const UninitializedTerm int64 = -1

// Field names of an oplog entry and of an OpTime document.
const (
	TimestampField = "ts"
	TermField      = "t"
	HashField      = "h"
)

// OpTime is a position in the replicated operation log.
type OpTime struct {
	Timestamp primitive.Timestamp
	Term      int64
}

// NewOpTime returns an OpTime for the given seconds, increment and term.
func NewOpTime(t, i uint32, term int64) OpTime {
	return OpTime{Timestamp: primitive.Timestamp{T: t, I: i}, Term: term}
}

// IsNull reports whether ot is the null OpTime.
func (ot OpTime) IsNull() bool {
	return ot.Timestamp.IsZero()
}

// Compare orders OpTimes by timestamp, then term.
func (ot OpTime) Compare(other OpTime) int {
	if c := CompareTimestamps(ot.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	switch {
	case ot.Term < other.Term:
		return -1
	case ot.Term > other.Term:
		return 1
	}
	return 0
}

// Before reports whether ot sorts before other.
func (ot OpTime) Before(other OpTime) bool { return ot.Compare(other) < 0 }

// Equal reports whether ot and other name the same position.
func (ot OpTime) Equal(other OpTime) bool { return ot.Compare(other) == 0 }

func (ot OpTime) String() string {
	return fmt.Sprintf("{ ts: Timestamp(%d, %d), t: %d }", ot.Timestamp.T, ot.Timestamp.I, ot.Term)
}

// Document returns ot as a {ts, t} document.
func (ot OpTime) Document() bson.D {
	return bson.D{
		{Key: TimestampField, Value: ot.Timestamp},
		{Key: TermField, Value: ot.Term},
	}
}

// CompareTimestamps orders timestamps by seconds, then increment.
func CompareTimestamps(a, b primitive.Timestamp) int {
	switch {
	case a.T < b.T:
		return -1
	case a.T > b.T:
		return 1
	case a.I < b.I:
		return -1
	case a.I > b.I:
		return 1
	}
	return 0
}

// OpTimeWithHash pairs an OpTime with the hash of the entry written at it.
type OpTimeWithHash struct {
	Hash   int64
	OpTime OpTime
}

// IsZero reports whether o is the default position.
func (o OpTimeWithHash) IsZero() bool {
	return o.Hash == 0 && o.OpTime == OpTime{}
}

func (o OpTimeWithHash) String() string {
	return fmt.Sprintf("{ h: %d, optime: %s }", o.Hash, o.OpTime)
}

// ParseOpTime reads the ts and t fields of an oplog entry. A missing term
// reads as UninitializedTerm.
func ParseOpTime(doc bson.Raw) (OpTime, error) {
	ts, err := Timestamp(doc, TimestampField)
	if err != nil {
		return OpTime{}, err
	}
	ot := OpTime{Timestamp: ts, Term: UninitializedTerm}
	if v, err := doc.LookupErr(TermField); err == nil {
		term, ok := AsInt64(v)
		if !ok {
			return OpTime{}, typeMismatch(TermField, "a number", v.Type)
		}
		ot.Term = term
	}
	return ot, nil
}

// ParseOpTimeDocument reads a {ts, t} document where both fields are required.
func ParseOpTimeDocument(doc bson.Raw) (OpTime, error) {
	ts, err := Timestamp(doc, TimestampField)
	if err != nil {
		return OpTime{}, err
	}
	term, err := Int64(doc, TermField)
	if err != nil {
		return OpTime{}, err
	}
	return OpTime{Timestamp: ts, Term: term}, nil
}

// ParseOpTimeWithHash reads the position and hash of an oplog entry. A
// missing hash reads as 0.
func ParseOpTimeWithHash(doc bson.Raw) (OpTimeWithHash, error) {
	ot, err := ParseOpTime(doc)
	if err != nil {
		return OpTimeWithHash{}, err
	}
	var h int64
	if v, err := doc.LookupErr(HashField); err == nil {
		var ok bool
		if h, ok = AsInt64(v); !ok {
			return OpTimeWithHash{}, typeMismatch(HashField, "a number", v.Type)
		}
	}
	return OpTimeWithHash{Hash: h, OpTime: ot}, nil
}

// Timestamp returns the required timestamp field key of doc.
func Timestamp(doc bson.Raw, key string) (primitive.Timestamp, error) {
	v, err := lookup(doc, key)
	if err != nil {
		return primitive.Timestamp{}, err
	}
	t, i, ok := v.TimestampOK()
	if !ok {
		return primitive.Timestamp{}, typeMismatch(key, "a timestamp", v.Type)
	}
	return primitive.Timestamp{T: t, I: i}, nil
}

// Int64 returns the required numeric field key of doc.
func Int64(doc bson.Raw, key string) (int64, error) {
	v, err := lookup(doc, key)
	if err != nil {
		return 0, err
	}
	n, ok := AsInt64(v)
	if !ok {
		return 0, typeMismatch(key, "a number", v.Type)
	}
	return n, nil
}

// Document returns the required embedded document field key of doc.
func Document(doc bson.Raw, key string) (bson.Raw, error) {
	v, err := lookup(doc, key)
	if err != nil {
		return nil, err
	}
	d, ok := v.DocumentOK()
	if !ok {
		return nil, typeMismatch(key, "an object", v.Type)
	}
	return d, nil
}

// AsInt64 converts integral BSON numbers to int64.
func AsInt64(v bson.RawValue) (int64, bool) {
	switch v.Type {
	case bsontype.Int64:
		return v.Int64OK()
	case bsontype.Int32:
		n, ok := v.Int32OK()
		return int64(n), ok
	case bsontype.Double:
		f, ok := v.DoubleOK()
		if !ok || f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

func lookup(doc bson.Raw, key string) (bson.RawValue, error) {
	v, err := doc.LookupErr(key)
	if err != nil {
		return bson.RawValue{}, &errors.Error{
			Code: errors.ENoSuchKey,
			Msg:  fmt.Sprintf("missing %q field", key),
		}
	}
	return v, nil
}

func typeMismatch(key, want string, got bsontype.Type) error {
	return &errors.Error{
		Code: errors.ETypeMismatch,
		Msg:  fmt.Sprintf("%q field must be %s, found %s", key, want, got),
	}
}
