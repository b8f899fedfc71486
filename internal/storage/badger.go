package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "vpnlink:"

// BadgerStore persists values in an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a badger database in dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, false, ErrClosed
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *BadgerStore) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), value)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (s *BadgerStore) Remove(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
