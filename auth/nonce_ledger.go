package auth

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketNonces = []byte("nonces")

// NonceLedger is the durable set of (payer, nonce) pairs already consumed by
// verified payments. Entries age out after the retention window; retention is
// a security parameter and must exceed the verifier's freshness window.
type NonceLedger struct {
	db              *bolt.DB
	retention       time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	mu          sync.Mutex
	lastCleanup time.Time
}

// NonceLedgerOption customises the ledger instance.
type NonceLedgerOption func(*NonceLedger)

// WithLedgerClock sets the function used to derive timestamps.
func WithLedgerClock(clock func() time.Time) NonceLedgerOption {
	return func(l *NonceLedger) { l.now = clock }
}

// WithCleanupInterval overrides the opportunistic cleanup cadence.
func WithCleanupInterval(interval time.Duration) NonceLedgerOption {
	return func(l *NonceLedger) { l.cleanupInterval = interval }
}

// OpenNonceLedger initialises the BoltDB-backed ledger at path. Entries older
// than the retention window are dropped during open.
func OpenNonceLedger(path string, retention time.Duration, opts ...NonceLedgerOption) (*NonceLedger, error) {
	if retention <= 0 {
		retention = time.Hour
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open nonce ledger: %w", err)
	}
	ledger := &NonceLedger{
		db:              db,
		retention:       retention,
		cleanupInterval: time.Hour,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(ledger)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNonces)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init nonce ledger: %w", err)
	}
	if err := ledger.prune(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prune nonce ledger: %w", err)
	}
	ledger.mu.Lock()
	ledger.lastCleanup = ledger.now()
	ledger.mu.Unlock()
	return ledger, nil
}

// Close releases the underlying database handle.
func (l *NonceLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func nonceKey(payer, nonce string) []byte {
	return []byte(strings.ToLower(payer) + ":" + nonce)
}

// Used reports whether the (payer, nonce) pair has already been consumed.
// Expired entries are treated as absent and removed opportunistically.
func (l *NonceLedger) Used(payer, nonce string) (bool, error) {
	l.maybeCleanup()
	var used bool
	err := l.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketNonces).Get(nonceKey(payer, nonce))
		if value == nil {
			return nil
		}
		used = !l.expired(decodeTimestamp(value))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("nonce lookup: %w", err)
	}
	return used, nil
}

// Mark records the pair as consumed with the supplied claim timestamp. The
// write is committed to durable storage before Mark returns.
func (l *NonceLedger) Mark(payer, nonce string, timestamp int64) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNonces).Put(nonceKey(payer, nonce), encodeTimestamp(timestamp))
	})
	if err != nil {
		return fmt.Errorf("nonce mark: %w", err)
	}
	return nil
}

// Reserve atomically checks and commits the pair inside one transaction.
// Exactly one of N concurrent callers with the same pair wins; everyone else
// observes false.
func (l *NonceLedger) Reserve(payer, nonce string, timestamp int64) (bool, error) {
	key := nonceKey(payer, nonce)
	won := false
	err := l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		if value := bucket.Get(key); value != nil && !l.expired(decodeTimestamp(value)) {
			return nil
		}
		won = true
		return bucket.Put(key, encodeTimestamp(timestamp))
	})
	if err != nil {
		return false, fmt.Errorf("nonce reserve: %w", err)
	}
	return won, nil
}

// Cleanup removes entries older than the retention window. It is time-gated:
// calls within the cleanup interval of the previous sweep are no-ops.
func (l *NonceLedger) Cleanup() error {
	l.mu.Lock()
	if l.now().Sub(l.lastCleanup) < l.cleanupInterval {
		l.mu.Unlock()
		return nil
	}
	l.lastCleanup = l.now()
	l.mu.Unlock()
	return l.prune()
}

func (l *NonceLedger) maybeCleanup() {
	// Best effort; a failed sweep never blocks verification.
	_ = l.Cleanup()
}

func (l *NonceLedger) prune() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		cursor := bucket.Cursor()
		var stale [][]byte
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			if l.expired(decodeTimestamp(value)) {
				stale = append(stale, append([]byte(nil), key...))
			}
		}
		for _, key := range stale {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *NonceLedger) expired(timestamp int64) bool {
	cutoff := l.now().Add(-l.retention).Unix()
	return timestamp < cutoff
}

func encodeTimestamp(ts int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts))
	return buf
}

func decodeTimestamp(value []byte) int64 {
	if len(value) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(value))
}
