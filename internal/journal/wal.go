// Package journal keeps an append-only record of every round of a run in a
// bolt file, for diagnostics and replay of the trace.
package journal

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"

	"shardlock/internal/protocol"
	"shardlock/internal/simulation"
)

var (
	roundsBucket = []byte("rounds")
	metaBucket   = []byte("meta")
	scenarioKey  = []byte("scenario")
)

var ErrNotFound = errors.New("round not found in journal")

type Journal struct {
	path string
	db   *bolt.DB
}

// Open creates or opens the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{roundsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init journal buckets")
	}
	return &Journal{path: path, db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// SetScenario stores the name of the scenario the rounds belong to.
func (j *Journal) SetScenario(name string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(scenarioKey, []byte(name))
	})
}

func (j *Journal) Scenario() (string, error) {
	var name string
	err := j.db.View(func(tx *bolt.Tx) error {
		name = string(tx.Bucket(metaBucket).Get(scenarioKey))
		return nil
	})
	return name, err
}

// Append persists a round record. Rounds are keyed by number, so writing the
// same round twice keeps the last record.
func (j *Journal) Append(rec RoundRecord) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roundsBucket).Put(roundKey(rec.Round), data)
	})
}

// Recorder returns a hook that journals every committed round.
func (j *Journal) Recorder() func(*simulation.Simulation) error {
	return func(sim *simulation.Simulation) error {
		return j.Append(Snapshot(sim))
	}
}

func (j *Journal) Get(round int) (RoundRecord, error) {
	var rec RoundRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(roundsBucket).Get(roundKey(round))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "round %d", round)
		}
		return Decode(data, &rec)
	})
	return rec, err
}

// Len returns the number of journaled rounds.
func (j *Journal) Len() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(roundsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Replay calls fn for every round in order, stopping at the first error.
func (j *Journal) Replay(fn func(RoundRecord) error) error {
	return j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(roundsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec RoundRecord
			if err := Decode(v, &rec); err != nil {
				return errors.Wrapf(err, "round %d", binary.BigEndian.Uint64(k))
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// big-endian keys keep bolt's byte order equal to round order
func roundKey(round int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(round))
	return k
}

var mh codec.MsgpackHandle

func Encode(rec RoundRecord) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &mh).Encode(rec); err != nil {
		return nil, errors.Wrap(err, "encode round record")
	}
	return buf, nil
}

func Decode(data []byte, rec *RoundRecord) error {
	if err := codec.NewDecoderBytes(data, &mh).Decode(rec); err != nil {
		return errors.Wrap(err, "decode round record")
	}
	return nil
}

func sortedResources(l protocol.LockTable) []protocol.ResourceID {
	out := make([]protocol.ResourceID, 0, len(l))
	for r := range l {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
