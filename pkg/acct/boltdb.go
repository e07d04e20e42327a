package acct

import (
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketArchive = []byte("archive")
)

// Error codes exposed through Strerror.
const (
	errNone = iota
	errNotOpen
	errCorrupt
)

// BoltSink implements Sink using BoltDB
type BoltSink struct {
	mu sync.Mutex
	db *bolt.DB
}

// NewBoltSink returns a sink; SetLocation opens the database.
func NewBoltSink() *BoltSink {
	return &BoltSink{}
}

// SetLocation opens (or creates) the database at path.
func (s *BoltSink) SetLocation(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open accounting database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}
	s.db = db
	return nil
}

// LogRecord appends one record keyed jobid/seq.
func (s *BoltSink) LogRecord(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("accounting sink has no location")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%010d/%010d", r.JobID, seq)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// GetJobs returns records passing the filter in key order.
func (s *BoltSink) GetJobs(f *Filter) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("accounting sink has no location")
	}
	if f == nil {
		f = &Filter{}
	}
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if f.Matches(&r) {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

// Archive moves matching records older than the cutoff into the archive
// bucket and returns how many moved.
func (s *BoltSink) Archive(f *Filter, p *ArchiveParams) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, fmt.Errorf("accounting sink has no location")
	}
	if f == nil {
		f = &Filter{}
	}
	moved := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec := tx.Bucket(bucketRecords)
		arc := tx.Bucket(bucketArchive)
		c := rec.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if !f.Matches(&r) {
				continue
			}
			if p != nil && !p.Before.IsZero() && !r.Timestamp.Before(p.Before) {
				continue
			}
			if err := arc.Put(k, v); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	return moved, err
}

// Strerror maps a sink error code to a stable message.
func (s *BoltSink) Strerror(code int) string {
	switch code {
	case errNone:
		return "no error"
	case errNotOpen:
		return "accounting sink has no location"
	case errCorrupt:
		return "accounting record corrupt"
	default:
		return "unknown accounting error"
	}
}

// Close closes the database.
func (s *BoltSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
