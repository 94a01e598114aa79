package oplog

import (
	"strings"
	"time"

	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	// DefaultProtocolZeroAwaitDataTimeout is the getMore wait under protocol version 0.
	DefaultProtocolZeroAwaitDataTimeout = 2 * time.Second

	// NetworkTimeoutBuffer is added to a command's server-side time limit
	// to get its network timeout.
	NetworkTimeoutBuffer = 5 * time.Second

	// InitialFindMaxTime limits the first find of a fetcher.
	InitialFindMaxTime = 60 * time.Second

	// RetriedFindMaxTime limits every find issued by a restart.
	RetriedFindMaxTime = 2 * time.Second
)

// Namespace names a collection within a database.
type Namespace struct {
	DB         string
	Collection string
}

// DefaultNamespace is the replica set oplog.
var DefaultNamespace = Namespace{DB: "local", Collection: "oplog.rs"}

// ParseNamespace splits "db.collection".
func ParseNamespace(s string) (Namespace, error) {
	i := strings.IndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Namespace{}, &errors.Error{
			Code: errors.EInvalid,
			Msg:  "namespace must be of the form <db>.<collection>: " + s,
		}
	}
	return Namespace{DB: s[:i], Collection: s[i+1:]}, nil
}

func (ns Namespace) String() string { return ns.DB + "." + ns.Collection }

// IsZero reports whether ns is unset.
func (ns Namespace) IsZero() bool { return ns.DB == "" && ns.Collection == "" }

// makeFindCommand returns the tailing query starting at lastFetched.
// The term is left out when it is uninitialized.
func makeFindCommand(ns Namespace, lastFetched oplogtail.OpTime, term int64, maxTime time.Duration) bson.D {
	cmd := bson.D{
		{Key: "find", Value: ns.Collection},
		{Key: "filter", Value: bson.D{
			{Key: oplogtail.TimestampField, Value: bson.D{{Key: "$gte", Value: lastFetched.Timestamp}}},
		}},
		{Key: "tailable", Value: true},
		{Key: "oplogReplay", Value: true},
		{Key: "awaitData", Value: true},
		{Key: "maxTimeMS", Value: maxTime.Milliseconds()},
	}
	if term != oplogtail.UninitializedTerm {
		cmd = append(cmd, bson.E{Key: "term", Value: term})
	}
	return cmd
}

// makeGetMoreFields returns the fields added to each getMore. The term and
// commit point are only sent under protocol version 1.
func makeGetMoreFields(awaitData time.Duration, term int64, lastCommitted oplogtail.OpTime, v1 bool) bson.D {
	fields := bson.D{{Key: "maxTimeMS", Value: awaitData.Milliseconds()}}
	if v1 && term != oplogtail.UninitializedTerm {
		fields = append(fields,
			bson.E{Key: "term", Value: term},
			bson.E{Key: "lastKnownCommittedOpTime", Value: lastCommitted.Document()},
		)
	}
	return fields
}

func awaitDataTimeout(v1 bool, electionTimeout time.Duration) time.Duration {
	if v1 {
		return electionTimeout / 2
	}
	return DefaultProtocolZeroAwaitDataTimeout
}
