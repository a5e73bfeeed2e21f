package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/3cpo-dev/labdeploy/pkg/api"
)

// BadgerStore keeps whole reports as JSON values keyed by run ID.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func runKey(id string) []byte { return []byte("run:" + id) }

func (s *BadgerStore) Record(ctx context.Context, r *api.RunReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(r.ID), data)
	})
}

func (s *BadgerStore) Recent(ctx context.Context, limit int) ([]api.RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []api.RunSummary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("run:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var r api.RunReport
				if err := json.Unmarshal(v, &r); err != nil {
					return err
				}
				out = append(out, r.Summarize())
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BadgerStore) Entries(ctx context.Context, runID string) ([]api.RunEntry, error) {
	var r api.RunReport
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &r)
		})
	})
	if err != nil {
		return nil, err
	}
	return r.Entries, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }
