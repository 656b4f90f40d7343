// Package report persists verification results in a bbolt database so runs
// can be listed and inspected after the fact.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cgast/streamcheck/pkg/verify"
)

// ErrNotFound is returned when no report exists for a run ID.
var ErrNotFound = errors.New("report not found")

var (
	bucketRuns  = []byte("runs")  // run ID -> JSON report
	bucketIndex = []byte("index") // sortable start time + run ID -> run ID
)

// indexLayout sorts lexically in time order.
const indexLayout = "20060102T150405.000000000Z"

// Report is the stored form of a verify.Result.
type Report struct {
	RunID      string           `json:"run_id"`
	Script     string           `json:"script"`
	State      verify.RunState  `json:"state"`
	Passed     bool             `json:"passed"`
	Failures   []verify.Failure `json:"failures,omitempty"`
	Started    time.Time        `json:"started"`
	DurationMS int64            `json:"duration_ms"`
}

// FromResult converts a run result into a report.
func FromResult(r verify.Result) Report {
	return Report{
		RunID:      r.RunID,
		Script:     r.Script,
		State:      r.State,
		Passed:     r.Passed(),
		Failures:   r.Failures,
		Started:    r.Started,
		DurationMS: r.Duration.Milliseconds(),
	}
}

// BoltStore is a bbolt-backed report store. It implements verify.Recorder.
type BoltStore struct {
	db         *bolt.DB
	mu         sync.RWMutex
	maxEntries int
}

// NewBoltStore opens (or creates) a report store at path. When maxEntries is
// positive the oldest reports are pruned beyond that count.
func NewBoltStore(path string, maxEntries int) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db, maxEntries: maxEntries}, nil
}

// Record stores the result of a run.
func (s *BoltStore) Record(result verify.Result) error {
	return s.Put(FromResult(result))
}

// Put stores a report, replacing any report with the same run ID.
func (s *BoltStore) Put(r Report) error {
	if r.RunID == "" {
		return fmt.Errorf("report has no run ID")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		index := tx.Bucket(bucketIndex)

		if prev := runs.Get([]byte(r.RunID)); prev != nil {
			var old Report
			if err := json.Unmarshal(prev, &old); err != nil {
				return fmt.Errorf("decode previous report %s: %w", r.RunID, err)
			}
			if err := index.Delete(indexKey(old)); err != nil {
				return fmt.Errorf("unindex report %s: %w", r.RunID, err)
			}
		}
		if err := runs.Put([]byte(r.RunID), data); err != nil {
			return fmt.Errorf("put report %s: %w", r.RunID, err)
		}
		if err := index.Put(indexKey(r), []byte(r.RunID)); err != nil {
			return fmt.Errorf("index report %s: %w", r.RunID, err)
		}
		return s.prune(runs, index)
	})
}

// Get returns the report of one run.
func (s *BoltStore) Get(runID string) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r Report
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return Report{}, err
	}
	return r, nil
}

// List returns up to limit reports, newest first. A non-positive limit
// returns every report.
func (s *BoltStore) List(limit int) ([]Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reports []Report
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		c := tx.Bucket(bucketIndex).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(reports) >= limit {
				break
			}
			data := runs.Get(v)
			if data == nil {
				continue
			}
			var r Report
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal report %s: %w", string(v), err)
			}
			reports = append(reports, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// Len returns the number of stored reports.
func (s *BoltStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = countKeys(tx.Bucket(bucketRuns))
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// prune drops the oldest reports beyond maxEntries.
func (s *BoltStore) prune(runs, index *bolt.Bucket) error {
	if s.maxEntries <= 0 {
		return nil
	}
	excess := countKeys(index) - s.maxEntries
	if excess <= 0 {
		return nil
	}

	var stale [][2][]byte
	c := index.Cursor()
	for k, v := c.First(); k != nil && len(stale) < excess; k, v = c.Next() {
		stale = append(stale, [2][]byte{append([]byte(nil), k...), append([]byte(nil), v...)})
	}
	for _, kv := range stale {
		if err := index.Delete(kv[0]); err != nil {
			return fmt.Errorf("prune index: %w", err)
		}
		if err := runs.Delete(kv[1]); err != nil {
			return fmt.Errorf("prune report %s: %w", string(kv[1]), err)
		}
	}
	return nil
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func indexKey(r Report) []byte {
	return []byte(r.Started.UTC().Format(indexLayout) + "/" + r.RunID)
}
