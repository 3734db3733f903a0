package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

func init() {
	logging.SetLevel(logging.WARNING, "checkpoint")
}

func TestSaveLoad(tst *testing.T) {
	dir, err := os.MkdirTemp("", "checkpoint")
	if err != nil {
		tst.Fatal("cannot create temporary directory:", err)
	}
	defer os.RemoveAll(dir)
	db, err := bolt.Open(filepath.Join(dir, "test.db"), 0600, nil)
	if err != nil {
		tst.Fatal("cannot open database:", err)
	}
	defer db.Close()

	io := NewCheckpointIO(db, []byte("search"), 0)
	state := &SearchState{
		Tree:       "(A:0.1,B:0.2,(C:0.3,D:0.4):0.5);",
		Likelihood: -1234.5678,
		Iter:       42,
		Parameters: map[string]float64{"alpha": 0.7},
	}
	if err := io.Save(state); err != nil {
		tst.Fatal("save failed:", err)
	}

	got, err := io.GetState()
	if err != nil {
		tst.Fatal("load failed:", err)
	}
	if got == nil {
		tst.Fatal("no state found after save")
	}
	if got.Tree != state.Tree || got.Likelihood != state.Likelihood || got.Iter != state.Iter {
		tst.Errorf("state mismatch: %+v", got)
	}
	if got.Parameters["alpha"] != 0.7 {
		tst.Error("parameter lost:", got.Parameters)
	}
	if got.Final {
		tst.Error("state should not be final")
	}
}

func TestEmpty(tst *testing.T) {
	io := NewCheckpointIO(nil, []byte("search"), 0)
	state, err := io.GetState()
	if err != nil || state != nil {
		tst.Error("expecting no state and no error, got", state, err)
	}
}
