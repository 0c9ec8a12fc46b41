package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/changelog"

	bolt "go.etcd.io/bbolt"
)

var (
	leavesBucket    = []byte("leaves")
	priosBucket     = []byte("priorities")
	metaBucket      = []byte("meta")
	snapshotsBucket = []byte("snapshots")

	seqKey = []byte("seq")
)

// MirrorConfig controls the durable mirror.
type MirrorConfig struct {
	// Timeout bounds each write attempt.
	Timeout time.Duration
	// Retries is the number of attempts per ChangeLog.
	Retries int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
	// CompactEvery rewrites the mirror from a full snapshot after this
	// many commits; 0 disables compaction.
	CompactEvery int64
	// KeepSnapshots is the number of snapshot records retained.
	KeepSnapshots int
}

func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		Timeout:       5 * time.Second,
		Retries:       3,
		Backoff:       200 * time.Millisecond,
		CompactEvery:  1000,
		KeepSnapshots: 3,
	}
}

// Mirror is the durable copy of the tree, kept in a bbolt file.  It is
// written asynchronously from ChangeLogs and read once at startup.
//
// Scalars are stored one record per leaf path together with an ordinal
// recording insertion order; priorities are stored per path.  Empty
// objects are not stored.
type Mirror struct {
	db  *bolt.DB
	cfg MirrorConfig
	log *slog.Logger

	mu     sync.Mutex
	queue  []*changelog.ChangeLog
	signal chan struct{}
	closed bool
	wg     sync.WaitGroup

	snapshot     func() (*ir.Node, int64)
	sinceCompact int64
	dirty        bool

	// OnResult, if set, is called by the worker after each ChangeLog with
	// the time spent and the final error.
	OnResult func(time.Duration, error)
}

// OpenMirror opens or creates the mirror file.
func OpenMirror(file string, cfg MirrorConfig, log *slog.Logger) (*Mirror, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, fmt.Errorf("create mirror directory: %w", err)
	}
	db, err := bolt.Open(file, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open mirror %s: %w", file, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{leavesBucket, priosBucket, metaBucket, snapshotsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Mirror{
		db:     db,
		cfg:    cfg,
		log:    log.With("component", "mirror"),
		signal: make(chan struct{}, 1),
	}, nil
}

// Start runs the persistence worker.  snapshot is used for compaction
// and returns the current tree and commit count.
func (m *Mirror) Start(snapshot func() (*ir.Node, int64)) {
	m.snapshot = snapshot
	m.wg.Go(m.run)
}

// Enqueue schedules c for persistence.  It never blocks.
func (m *Mirror) Enqueue(c *changelog.ChangeLog) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.log.Error("changelog dropped", "seq", c.Seq, "error", ErrMirrorClosed)
		return
	}
	m.queue = append(m.queue, c)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued ChangeLogs.
func (m *Mirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close drains the queue, stops the worker and closes the file.
func (m *Mirror) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	m.wg.Wait()
	return m.db.Close()
}

func (m *Mirror) run() {
	for {
		c, ok := m.next()
		if !ok {
			return
		}
		start := time.Now()
		err := m.persistWithRetry(c)
		if m.OnResult != nil {
			m.OnResult(time.Since(start), err)
		}
		m.maybeCompact()
	}
}

func (m *Mirror) next() (*changelog.ChangeLog, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			c := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return c, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()
		<-m.signal
	}
}

func (m *Mirror) persistWithRetry(c *changelog.ChangeLog) error {
	retries := max(m.cfg.Retries, 1)
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		err = m.Persist(ctx, c)
		cancel()
		if err == nil {
			return nil
		}
		m.log.Error("persist failed", "seq", c.Seq, "attempt", attempt, "error", err)
		if attempt < retries {
			time.Sleep(m.cfg.Backoff * time.Duration(attempt))
		}
	}
	m.log.Error("giving up on changelog, mirror will be resynced at next compaction", "seq", c.Seq)
	m.dirty = true
	return err
}

// Persist writes c in a single transaction.  It returns
// ErrPersistenceTimeout if ctx expires first; the transaction may still
// complete later.
func (m *Mirror) Persist(ctx context.Context, c *changelog.ChangeLog) error {
	if m.cfg.Timeout == 0 {
		return m.db.Update(func(tx *bolt.Tx) error { return applyTx(tx, c) })
	}
	errc := make(chan error, 1)
	go func() {
		errc <- m.db.Update(func(tx *bolt.Tx) error { return applyTx(tx, c) })
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: seq %d: %w", ErrPersistenceTimeout, c.Seq, ctx.Err())
	}
}

type leafRecord struct {
	Ordinal int64           `json:"o"`
	Value   json.RawMessage `json:"v"`
}

func applyTx(tx *bolt.Tx, c *changelog.ChangeLog) error {
	leaves := tx.Bucket(leavesBucket)
	prios := tx.Bucket(priosBucket)
	meta := tx.Bucket(metaBucket)
	state, err := decodeSeqState(meta.Get(seqKey))
	if err != nil {
		return err
	}
	for i := range c.Events {
		e := &c.Events[i]
		node := e.Node()
		switch e.Kind {
		case changelog.ChildAdded, changelog.ChildChanged:
			if e.Value.IsObject() {
				if err := leaves.Delete(pathKey(node)); err != nil {
					return err
				}
			} else if err := putLeaf(leaves, node, e.Value, state); err != nil {
				return err
			}
			if err := putPriority(prios, node, e.Priority); err != nil {
				return err
			}
		case changelog.ChildRemoved:
			if err := deleteTree(leaves, node); err != nil {
				return err
			}
			if err := deleteTree(prios, node); err != nil {
				return err
			}
		}
	}
	state.CommitCount = max(state.CommitCount, c.Seq)
	return meta.Put(seqKey, state.encode())
}

func pathKey(p ir.Path) []byte {
	return []byte(p.String())
}

func putLeaf(b *bolt.Bucket, p ir.Path, v *ir.Node, state *SeqState) error {
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	rec := leafRecord{Value: raw}
	if old := b.Get(pathKey(p)); old != nil {
		var prev leafRecord
		if err := json.Unmarshal(old, &prev); err == nil {
			rec.Ordinal = prev.Ordinal
		}
	}
	if rec.Ordinal == 0 {
		state.Ordinal++
		rec.Ordinal = state.Ordinal
	}
	d, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(pathKey(p), d)
}

func putPriority(b *bolt.Bucket, p ir.Path, prio *float64) error {
	if prio == nil {
		return b.Delete(pathKey(p))
	}
	var d [8]byte
	binary.BigEndian.PutUint64(d[:], math.Float64bits(*prio))
	return b.Put(pathKey(p), d[:])
}

// deleteTree removes the record at p and every record below it.
func deleteTree(b *bolt.Bucket, p ir.Path) error {
	key := pathKey(p)
	prefix := append(bytes.Clone(key), '/')
	var doomed [][]byte
	if b.Get(key) != nil {
		doomed = append(doomed, key)
	}
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		doomed = append(doomed, bytes.Clone(k))
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Load rebuilds the tree and returns it with the last mirrored commit
// count.
func (m *Mirror) Load() (*ir.Node, int64, error) {
	var (
		root  = ir.Null()
		state *SeqState
	)
	err := m.db.View(func(tx *bolt.Tx) error {
		type leaf struct {
			path ir.Path
			rec  leafRecord
		}
		var all []leaf
		err := tx.Bucket(leavesBucket).ForEach(func(k, v []byte) error {
			p, err := ir.ParsePath(string(k))
			if err != nil {
				return err
			}
			var rec leafRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("leaf %s: %w", k, err)
			}
			all = append(all, leaf{path: p, rec: rec})
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].rec.Ordinal < all[j].rec.Ordinal })
		for _, l := range all {
			v, err := ir.FromJSON(l.rec.Value)
			if err != nil {
				return fmt.Errorf("leaf %s: %w", l.path, err)
			}
			root = root.PutPath(l.path, v)
		}
		err = tx.Bucket(priosBucket).ForEach(func(k, v []byte) error {
			p, err := ir.ParsePath(string(k))
			if err != nil {
				return err
			}
			if len(v) != 8 {
				return fmt.Errorf("priority %s: bad record", k)
			}
			n := root.GetPath(p)
			if !n.Exists() {
				return nil
			}
			prio := math.Float64frombits(binary.BigEndian.Uint64(v))
			root = root.PutPath(p, n.WithPriority(&prio))
			return nil
		})
		if err != nil {
			return err
		}
		state, err = decodeSeqState(tx.Bucket(metaBucket).Get(seqKey))
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return root, state.CommitCount, nil
}

func (m *Mirror) maybeCompact() {
	if m.snapshot == nil || m.cfg.CompactEvery <= 0 {
		return
	}
	m.sinceCompact++
	if m.sinceCompact < m.cfg.CompactEvery && !m.dirty {
		return
	}
	root, seq := m.snapshot()
	if err := m.Compact(root, seq); err != nil {
		m.log.Error("compaction failed", "seq", seq, "error", err)
		return
	}
	m.sinceCompact = 0
	m.dirty = false
}

// Compact rewrites the mirror from root and records a snapshot.
func (m *Mirror) Compact(root *ir.Node, seq int64) error {
	start := time.Now()
	err := m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{leavesBucket, priosBucket} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		leaves := tx.Bucket(leavesBucket)
		prios := tx.Bucket(priosBucket)
		state := &SeqState{CommitCount: seq}
		var werr error
		write := func(p ir.Path, n *ir.Node) {
			if werr != nil {
				return
			}
			if !n.IsObject() {
				werr = putLeaf(leaves, p, n, state)
			}
			if werr == nil && n.Priority != nil {
				werr = putPriority(prios, p, n.Priority)
			}
		}
		if root.Exists() && !root.IsObject() {
			write(ir.Root(), root)
		}
		root.Walk(ir.Root(), write)
		if werr != nil {
			return werr
		}
		if err := tx.Bucket(metaBucket).Put(seqKey, state.encode()); err != nil {
			return err
		}
		return m.writeSnapshot(tx, &Snapshot{
			CommitCount: seq,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			State:       root,
		})
	})
	if err != nil {
		return err
	}
	m.log.Info("compacted mirror", "seq", seq, "elapsed", time.Since(start))
	return nil
}
