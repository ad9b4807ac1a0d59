package repository

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBBlobStore persistent local blob store using LevelDB
type LevelDBBlobStore struct {
	db *leveldb.DB
}

// NewLevelDBBlobStore creates or opens a LevelDB database at path
func NewLevelDBBlobStore(path string) (*LevelDBBlobStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBBlobStore{db: db}, nil
}

// Get returns ok=false when key does not exist
func (s *LevelDBBlobStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put inserts or updates a key-value pair, synced to disk
func (s *LevelDBBlobStore) Put(ctx context.Context, key string, value []byte) error {
	return s.db.Put([]byte(key), value, &opt.WriteOptions{Sync: true})
}

// List keys starting with prefix, in key order
func (s *LevelDBBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the database
func (s *LevelDBBlobStore) Close() error {
	return s.db.Close()
}
