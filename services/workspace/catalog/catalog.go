// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog tracks sealed revisions durably.
//
// The catalog records one Summary per sealed revision, keyed so that
// BadgerDB's lexical iteration yields numeric order. It never stores
// the head: the presented latest id is derived, max(maxSealed, Origin),
// so a fresh workspace already addresses its head as revision 1.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	storage "github.com/AleutianAI/Tidepool/services/workspace/storage/badger"
	"github.com/AleutianAI/Tidepool/services/workspace/revision"
)

const sealPrefix = "seal/"

// ErrOutOfOrder reports a seal commit whose id does not extend the
// chain by exactly one.
var ErrOutOfOrder = errors.New("seal id out of order")

// Summary is the durable record of one sealed revision.
type Summary struct {
	ID       revision.ID `json:"id"`
	SealedAt int64       `json:"sealedAt"`
	Files    int64       `json:"files"`
	Dirs     int64       `json:"dirs"`
	Bytes    int64       `json:"bytes"`
	Archive  string      `json:"archive"`
}

// Catalog is the sealed-revision index.
//
// # Thread Safety
//
// Safe for concurrent use; each method runs in its own transaction.
type Catalog struct {
	db *storage.DB
}

// New wraps an opened database as a Catalog.
func New(db *storage.DB) *Catalog {
	return &Catalog{db: db}
}

func sealKey(id revision.ID) []byte {
	return fmt.Appendf(nil, "%s%016d", sealPrefix, id)
}

// Commit records a newly sealed revision.
//
// # Description
//
// The id must extend the sealed chain by exactly one; anything else is
// ErrOutOfOrder. The check and the write share one transaction, so two
// racing commits cannot both claim the same id.
func (c *Catalog) Commit(ctx context.Context, s Summary) error {
	if s.ID < revision.Origin {
		return fmt.Errorf("%w: %d", ErrOutOfOrder, s.ID)
	}
	return c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		max, err := maxSealed(txn)
		if err != nil {
			return err
		}
		if s.ID != max+1 {
			return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, s.ID, max+1)
		}
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encoding seal %d: %w", s.ID, err)
		}
		return txn.Set(sealKey(s.ID), raw)
	})
}

// MaxSealed returns the highest sealed id, zero when nothing is sealed.
func (c *Catalog) MaxSealed(ctx context.Context) (revision.ID, error) {
	var max revision.ID
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		max, err = maxSealed(txn)
		return err
	})
	return max, err
}

// Latest returns the id the live head currently answers to.
func (c *Catalog) Latest(ctx context.Context) (revision.ID, error) {
	max, err := c.MaxSealed(ctx)
	if err != nil {
		return 0, err
	}
	if max < revision.Origin {
		return revision.Origin, nil
	}
	return max, nil
}

// List returns every addressable revision id in ascending order. The
// chain is contiguous, so this is simply 1..Latest.
func (c *Catalog) List(ctx context.Context) ([]revision.ID, error) {
	latest, err := c.Latest(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]revision.ID, 0, latest)
	for id := revision.Origin; id <= latest; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// Summary returns the seal record for one sealed revision.
//
// # Outputs
//
//   - Summary: The stored record.
//   - error: revision.ErrNotFound when id was never sealed.
func (c *Catalog) Summary(ctx context.Context, id revision.ID) (Summary, error) {
	var s Summary
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sealKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: revision %d", revision.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("reading seal %d: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	return s, err
}

// Summaries returns all seal records in ascending id order.
func (c *Catalog) Summaries(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sealPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var s Summary
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			})
			if err != nil {
				return fmt.Errorf("decoding seal record: %w", err)
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// Sync forces pending catalog writes to disk.
func (c *Catalog) Sync() error {
	return c.db.Sync()
}

// maxSealed scans backwards over the seal keyspace inside txn.
func maxSealed(txn *badger.Txn) (revision.ID, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(sealPrefix)
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration needs a seek past the last possible key.
	it.Seek([]byte(sealPrefix + "~"))
	if !it.Valid() {
		return 0, nil
	}
	key := string(it.Item().Key())
	id, ok := revision.ParseID(key[len(sealPrefix):])
	if !ok {
		return 0, fmt.Errorf("malformed seal key %q", key)
	}
	return id, nil
}
