package poi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"shieldrelay/core/chain"
	"shieldrelay/observability/logging"
)

const keyNamespace = "poi-assurance"

var (
	bucketAssurance = []byte(keyNamespace)

	// ErrStoreClosed is returned by writes after Close.
	ErrStoreClosed = errors.New("poi: store not open")
)

// Key renders the record key poi-assurance:<txidVersion>:<type>:<id>:<txid>.
func Key(txidVersion string, c chain.ID, railgunTxid string) []byte {
	return []byte(prefix(txidVersion, c) + strings.ToLower(railgunTxid))
}

func prefix(txidVersion string, c chain.ID) string {
	return fmt.Sprintf("%s:%s:%d:%d:", keyNamespace, txidVersion, c.Type, c.ID)
}

// Store persists queued POI obligations in a bbolt file.
type Store struct {
	mu     sync.RWMutex
	db     *bolt.DB
	now    func() time.Time
	logger *slog.Logger
}

// OpenStore opens (or creates) the bbolt file at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("poi: open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAssurance)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("poi: create bucket: %w", err)
	}
	return &Store{db: db, now: time.Now, logger: logging.Component(logger, "poi-store")}, nil
}

// Close releases the bbolt handle. Later reads return empty results.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// QueueValidatedPOI upserts the obligation for data.RailgunTxid.
func (s *Store) QueueValidatedPOI(txidVersion string, c chain.ID, data ValidatedPOIData) error {
	if strings.TrimSpace(data.RailgunTxid) == "" {
		return fmt.Errorf("poi: railgun txid required")
	}
	record := StoredValidatedPOI{
		ValidatedPOIData: data,
		TxidVersion:      txidVersion,
		Chain:            c,
		QueuedAt:         s.now().UTC(),
	}
	return s.put(record)
}

// Update rewrites an existing record, typically after a submission attempt.
func (s *Store) Update(record StoredValidatedPOI) error {
	return s.put(record)
}

func (s *Store) put(record StoredValidatedPOI) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("poi: encode record: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssurance).Put(Key(record.TxidVersion, record.Chain, record.RailgunTxid), encoded)
	})
}

// GetValidatedPOIs lists every queued record for a txid version and chain. A
// closed store or unreadable records are logged and skipped.
func (s *Store) GetValidatedPOIs(txidVersion string, c chain.ID) []StoredValidatedPOI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		s.logger.Error("poi store not open", slog.String("chain", c.String()))
		return nil
	}
	var out []StoredValidatedPOI
	want := []byte(prefix(txidVersion, c))
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketAssurance).Cursor()
		for k, v := cursor.Seek(want); k != nil && strings.HasPrefix(string(k), string(want)); k, v = cursor.Next() {
			var record StoredValidatedPOI
			if err := json.Unmarshal(v, &record); err != nil {
				s.logger.Warn("skipping unreadable poi record",
					slog.String("key", string(k)),
					slog.Any("error", err))
				continue
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("list poi records failed", slog.String("chain", c.String()), slog.Any("error", err))
		return nil
	}
	return out
}

// DeleteValidatedPOI removes a record. Missing records are not an error.
func (s *Store) DeleteValidatedPOI(txidVersion string, c chain.ID, railgunTxid string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssurance).Delete(Key(txidVersion, c, railgunTxid))
	})
}

// Count returns the number of records for a txid version and chain.
func (s *Store) Count(txidVersion string, c chain.ID) int {
	return len(s.GetValidatedPOIs(txidVersion, c))
}
