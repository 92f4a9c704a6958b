// Package checkpoint persists each sensor's last published state so a
// restart can seed the filter without waiting for fresh samples.
//
// The store keeps exactly one record per sensor: the unrounded
// published value, its timestamp, and the deadband integral term. It
// is written on every accepted publish and read once at startup.
//
// Storage uses BadgerDB with a single-byte key prefix:
//
//	0x01 + sensorID -> JSON(State)
//
// Example:
//
//	store, err := checkpoint.Open("/var/lib/lowpassd")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	store.Save("power_meter", checkpoint.State{Value: 10.4, Time: time.Now()})
//	st, ok, err := store.Load("power_meter")
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// prefixState is the key prefix for sensor state records.
const prefixState = byte(0x01)

// ErrClosed reports use of a closed store.
var ErrClosed = errors.New("checkpoint store is closed")

// State is the persisted per-sensor record.
type State struct {
	// Value is the last published filter output, unrounded.
	Value float64 `json:"value"`
	// Time is when it was published.
	Time time.Time `json:"time"`
	// ErrI is the deadband integral term at publish time.
	ErrI float64 `json:"err_i,omitempty"`
}

// Store is a BadgerDB-backed checkpoint store. Safe for concurrent
// use.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a checkpoint store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's default logger is too chatty for a daemon
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store without disk persistence (testing).
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory checkpoint store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database. Safe to call
// multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func stateKey(sensorID string) []byte {
	key := make([]byte, 1+len(sensorID))
	key[0] = prefixState
	copy(key[1:], sensorID)
	return key
}

// Save writes the checkpoint for a sensor, replacing any previous one.
func (s *Store) Save(sensorID string, st State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint for %q: %w", sensorID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(sensorID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %q: %w", sensorID, err)
	}
	return nil
}

// Load reads the checkpoint for a sensor. The second return is false
// when no checkpoint exists.
func (s *Store) Load(sensorID string) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return State{}, false, ErrClosed
	}

	var st State
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(sensorID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &st); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return State{}, false, fmt.Errorf("failed to load checkpoint for %q: %w", sensorID, err)
	}
	return st, found, nil
}

// Delete removes a sensor's checkpoint. Deleting a missing record is
// not an error.
func (s *Store) Delete(sensorID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(sensorID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint for %q: %w", sensorID, err)
	}
	return nil
}

// All iterates every stored checkpoint, calling fn for each. Used at
// startup to log what will be restored.
func (s *Store) All(fn func(sensorID string, st State) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixState}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(item.Key()[1:])
			var st State
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			})
			if err != nil {
				return err
			}
			if err := fn(id, st); err != nil {
				return err
			}
		}
		return nil
	})
}
