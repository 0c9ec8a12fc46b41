package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/signadot/livetree/ir"

	bolt "go.etcd.io/bbolt"
)

// Snapshot is the full tree at a given commit count.
type Snapshot struct {
	CommitCount int64    `json:"commitCount"`
	Timestamp   string   `json:"timestamp"`
	State       *ir.Node `json:"state"`
}

func snapshotKey(commitCount int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(commitCount))
	return k[:]
}

// writeSnapshot stores snap and drops the oldest records beyond
// KeepSnapshots.
func (m *Mirror) writeSnapshot(tx *bolt.Tx, snap *Snapshot) error {
	d, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	b := tx.Bucket(snapshotsBucket)
	if err := b.Put(snapshotKey(snap.CommitCount), d); err != nil {
		return err
	}
	keep := m.cfg.KeepSnapshots
	if keep <= 0 {
		return nil
	}
	var all [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		all = append(all, append([]byte(nil), k...))
	}
	if len(all) <= keep {
		return nil
	}
	doomed := all[:len(all)-keep]
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// WriteSnapshot records root as the snapshot for commitCount.
func (m *Mirror) WriteSnapshot(commitCount int64, timestamp string, root *ir.Node) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return m.writeSnapshot(tx, &Snapshot{CommitCount: commitCount, Timestamp: timestamp, State: root})
	})
}

// ReadSnapshot reads the snapshot recorded at commitCount.
func (m *Mirror) ReadSnapshot(commitCount int64) (*Snapshot, error) {
	var snap *Snapshot
	err := m.db.View(func(tx *bolt.Tx) error {
		d := tx.Bucket(snapshotsBucket).Get(snapshotKey(commitCount))
		if d == nil {
			return fmt.Errorf("%w at commit %d", ErrNoSnapshot, commitCount)
		}
		snap = &Snapshot{}
		if err := json.Unmarshal(d, snap); err != nil {
			return fmt.Errorf("failed to parse snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if snap.CommitCount != commitCount {
		return nil, fmt.Errorf("snapshot commit count mismatch: expected %d, got %d", commitCount, snap.CommitCount)
	}
	return snap, nil
}

// ListSnapshots lists the recorded commit counts in ascending order.
func (m *Mirror) ListSnapshots() ([]int64, error) {
	var res []int64
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(k, _ []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("bad snapshot key %x", k)
			}
			res = append(res, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res, nil
}

// FindNearestSnapshot returns the highest snapshot commit count not
// above target.
func (m *Mirror) FindNearestSnapshot(target int64) (int64, error) {
	all, err := m.ListSnapshots()
	if err != nil {
		return 0, err
	}
	i := sort.Search(len(all), func(i int) bool { return all[i] > target })
	if i == 0 {
		return 0, fmt.Errorf("%w at or before commit %d", ErrNoSnapshot, target)
	}
	return all[i-1], nil
}
