// Durable audit ledger backed by BoltDB, for post-hoc inspection of what
// the runtime did: one bucket for events keyed by a sortable
// timestamp+id, one bucket for schema metadata, single-writer ACID
// transactions, retention pruning by cursor-collect-then-delete (bbolt
// disallows delete-during-iterate).
//
// This sink is optional and additive — the runtime never reads it back
// to reconstruct tenant budget or circuit state, only the in-memory
// tenant store and MemorySink serve the live run path.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current audit database schema version.
	SchemaVersion = "1"

	bucketLedger = "ledger"
	bucketMeta   = "meta"

	// DefaultRetentionDays is used when the caller passes retentionDays <= 0.
	DefaultRetentionDays = 30
)

// BoltSink is a durable, BoltDB-backed Sink.
type BoltSink struct {
	db            *bolt.DB
	retentionDays int
	seq           uint64
}

// OpenBoltSink opens (or creates) the BoltDB audit ledger at path.
func OpenBoltSink(path string, retentionDays int) (*BoltSink, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &BoltSink{db: bdb, retentionDays: retentionDays}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit ledger initialisation failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltSink) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit ledger schema mismatch: has %q, require %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *BoltSink) Close() error {
	return s.db.Close()
}

// ledgerKey builds a sortable key: fixed-width millisecond UTC timestamp
// + zero-padded monotonic sequence, so lexicographic order equals
// emission order even when two events land in the same millisecond.
func ledgerKey(atMs int64, seq uint64) []byte {
	t := time.UnixMilli(atMs).UTC()
	return []byte(fmt.Sprintf("%s_%020d", t.Format("2006-01-02T15:04:05.000Z07:00"), seq))
}

// Emit persists e in a single ACID write transaction.
func (s *BoltSink) Emit(e Event) error {
	s.seq++
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit.BoltSink.Emit marshal: %w", err)
	}
	key := ledgerKey(e.AtMs, s.seq)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.Put(key, data)
	})
}

// PruneOld deletes ledger entries older than the configured retention
// window. Intended to be called periodically (e.g. from the scheduler's
// heartbeat) rather than on every emit.
func (s *BoltSink) PruneOld() (int, error) {
	cutoffMs := time.Now().UTC().AddDate(0, 0, -s.retentionDays).UnixMilli()
	cutoffKey := ledgerKey(cutoffMs, 0)

	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOld delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadAll returns every retained event in chronological order. For
// operational inspection only, never called on the run path.
func (s *BoltSink) ReadAll() ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			return nil
		})
	})
	return events, err
}
