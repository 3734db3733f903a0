// Package checkpoint persists the state of a tree search in a bolt
// database, so an interrupted run can resume from the best tree found
// so far.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN is the bucket name for all search states.
var MAIN = []byte("main")

// SearchState is one snapshot of the tree search.
type SearchState struct {
	// Tree is the best tree in Newick format.
	Tree string
	// Likelihood of the best tree.
	Likelihood float64
	// Iter is the number of finished search iterations.
	Iter int
	// Parameters holds the model parameter values by name.
	Parameters map[string]float64
	Final      bool
}

// CheckpointIO reads and writes search snapshots, rate-limited to one
// save per configured interval.
type CheckpointIO struct {
	db      *bolt.DB
	key     []byte
	last    time.Time
	seconds float64
}

// NewCheckpointIO creates a new CheckpointIO.
func NewCheckpointIO(db *bolt.DB, key []byte, seconds float64) (s *CheckpointIO) {
	s = &CheckpointIO{
		db:      db,
		key:     key,
		seconds: seconds,
	}
	return
}

// Save saves a search snapshot to the database.
func (s *CheckpointIO) Save(state *SearchState) error {
	// Even if saving fails, we do not want to run this code too often.
	s.SetNow()
	stateB, err := json.Marshal(state)
	if err != nil {
		log.Error("Error serializing checkpoint", err)
		return err
	}
	err = SaveData(s.db, s.key, stateB)
	if err != nil {
		log.Error("Error saving checkpoint", err)
	}
	return err
}

// GetState returns the stored search snapshot, nil if there is none.
func (s *CheckpointIO) GetState() (*SearchState, error) {
	var state *SearchState

	b, err := LoadData(s.db, s.key)

	if err != nil || b == nil {
		return nil, err
	}

	err = json.Unmarshal(b, &state)

	if err != nil {
		return nil, err
	}

	if state == nil || state.Tree == "" {
		return nil, nil
	}

	if state.Final {
		log.Noticef("Found finished tree search checkpoint (iter=%v, lnL=%v)", state.Iter, state.Likelihood)
	} else {
		log.Noticef("Found unfinished tree search checkpoint (iter=%v, lnL=%v)", state.Iter, state.Likelihood)
	}

	return state, nil
}

// Old returns true if last checkpoint save time too long ago.
func (s *CheckpointIO) Old() bool {
	if time.Since(s.last).Seconds() > s.seconds {
		return true
	}
	return false
}

// SetNow sets last checkpoint time to now.
func (s *CheckpointIO) SetNow() {
	s.last = time.Now()
}

// SaveData saves values in bolt database.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(MAIN)
		if err != nil {
			return err
		}

		err = b.Put(key, data)
		return err
	})
	return err
}

// LoadData loads data from bolt database.
func LoadData(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(MAIN)
		if b == nil {
			return nil
		}

		v := b.Get(key)
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
