// Package replset holds the replica set configuration consumed by the oplog
// fetcher and a simple in-memory view of local replication state.
package replset

import (
	"fmt"
	"time"

	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// DefaultElectionTimeout is used when a configuration does not set one.
const DefaultElectionTimeout = 10 * time.Second

// Member is one node of the replica set.
type Member struct {
	ID   int    `bson:"_id"`
	Host string `bson:"host"`
}

// Settings are the tunables of a configuration document.
type Settings struct {
	ElectionTimeoutMillis int64 `bson:"electionTimeoutMillis,omitempty"`
}

type configDocument struct {
	ID              string   `bson:"_id"`
	Version         int64    `bson:"version"`
	ProtocolVersion int64    `bson:"protocolVersion"`
	Members         []Member `bson:"members"`
	Settings        Settings `bson:"settings"`
}

// Config is a validated replica set configuration. The zero value is
// uninitialized.
type Config struct {
	name            string
	version         int64
	protocolVersion int64
	electionTimeout time.Duration
	members         []Member
	initialized     bool
}

// NewConfig validates and returns an initialized configuration. A zero
// election timeout selects DefaultElectionTimeout.
func NewConfig(name string, version, protocolVersion int64, electionTimeout time.Duration, members ...Member) (Config, error) {
	const op = "replset.NewConfig"
	switch {
	case name == "":
		return Config{}, &errors.Error{Code: errors.EInvalidReplicaSetConfig, Op: op, Msg: "replica set name must not be empty"}
	case version < 1:
		return Config{}, &errors.Error{Code: errors.EInvalidReplicaSetConfig, Op: op, Msg: fmt.Sprintf("version must be at least 1, found %d", version)}
	case protocolVersion != 0 && protocolVersion != 1:
		return Config{}, &errors.Error{Code: errors.EInvalidReplicaSetConfig, Op: op, Msg: fmt.Sprintf("protocol version must be 0 or 1, found %d", protocolVersion)}
	case electionTimeout < 0:
		return Config{}, &errors.Error{Code: errors.EInvalidReplicaSetConfig, Op: op, Msg: "election timeout must not be negative"}
	}
	if electionTimeout == 0 {
		electionTimeout = DefaultElectionTimeout
	}
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if _, ok := seen[m.Host]; ok {
			return Config{}, &errors.Error{Code: errors.EInvalidReplicaSetConfig, Op: op, Msg: fmt.Sprintf("duplicate member host %q", m.Host)}
		}
		seen[m.Host] = struct{}{}
	}
	return Config{
		name:            name,
		version:         version,
		protocolVersion: protocolVersion,
		electionTimeout: electionTimeout,
		members:         append([]Member(nil), members...),
		initialized:     true,
	}, nil
}

// ParseConfig reads a replica set configuration document.
func ParseConfig(doc bson.Raw) (Config, error) {
	var cd configDocument
	if err := bson.Unmarshal(doc, &cd); err != nil {
		return Config{}, &errors.Error{Code: errors.EFailedToParse, Op: "replset.ParseConfig", Err: err}
	}
	return NewConfig(cd.ID, cd.Version, cd.ProtocolVersion,
		time.Duration(cd.Settings.ElectionTimeoutMillis)*time.Millisecond, cd.Members...)
}

// Document returns c as a configuration document.
func (c Config) Document() bson.D {
	return bson.D{
		{Key: "_id", Value: c.name},
		{Key: "version", Value: c.version},
		{Key: "protocolVersion", Value: c.protocolVersion},
		{Key: "members", Value: c.members},
		{Key: "settings", Value: Settings{ElectionTimeoutMillis: c.electionTimeout.Milliseconds()}},
	}
}

func (c Config) IsInitialized() bool                  { return c.initialized }
func (c Config) Name() string                         { return c.name }
func (c Config) Version() int64                       { return c.version }
func (c Config) ProtocolVersion() int64               { return c.protocolVersion }
func (c Config) ElectionTimeoutPeriod() time.Duration { return c.electionTimeout }
func (c Config) Members() []Member                    { return c.members }

// IsV1ElectionProtocol reports whether the set runs protocol version 1.
func (c Config) IsV1ElectionProtocol() bool { return c.protocolVersion == 1 }

// FindMemberByHost returns the member listening on host.
func (c Config) FindMemberByHost(host string) (Member, bool) {
	for _, m := range c.members {
		if m.Host == host {
			return m, true
		}
	}
	return Member{}, false
}
