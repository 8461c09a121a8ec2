// Copyright 2025-2026 The tlfix Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package journal keeps a history of recovery sessions.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

const (
	dbAPIversion   = "1"
	defaultMaxKeys = 10000
)

// Record is the outcome of one recovery session.
type Record struct {
	Time        int64  `json:"time"` // Unix micro.
	Input       string `json:"input"`
	Output      string `json:"output"`
	Fingerprint string `json:"fingerprint"`

	Units  int    `json:"units"`
	Bytes  int64  `json:"bytes"`
	Reason string `json:"reason"`

	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frameRate"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewDB new journal database.
func NewDB(dbPath string, wg *sync.WaitGroup) *DB {
	return &DB{
		dbPath:  dbPath,
		maxKeys: defaultMaxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// DB journal database.
type DB struct {
	dbPath  string
	maxKeys int

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for in-flight saves before closing the db.
	saveWG *sync.WaitGroup
}

// Init initialize database.
func (j *DB) Init(ctx context.Context) error {
	dbOpts := &bolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bolt.Open(j.dbPath, 0o600, dbOpts)
	if err != nil {
		return fmt.Errorf("could not open database: %w: %v", err, j.dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbAPIversion))
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("could not create bucket: %v, %w", dbAPIversion, err)
	}

	j.db = db

	j.wg.Add(1)
	go func() {
		<-ctx.Done()
		j.saveWG.Wait()
		db.Close()
		j.wg.Done()
	}()

	return nil
}

// Save stores a record, pruning the oldest one if the journal is full.
func (j *DB) Save(rec Record) error {
	j.saveWG.Add(1)
	defer j.saveWG.Done()

	key := encodeKey(uint64(rec.Time))
	value := encodeValue(rec)

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbAPIversion))

		if b.Stats().KeyN >= j.maxKeys {
			if err := deleteFirstKey(b); err != nil {
				return fmt.Errorf("could not delete first key: %w", err)
			}
		}
		return b.Put(key, value)
	})
}

func deleteFirstKey(b *bolt.Bucket) error {
	k, _ := b.Cursor().First()
	return b.Delete(k)
}

// Query database query.
type Query struct {
	Limit      int
	Before     int64 // Return only records strictly older. Unix micro.
	OnlyFailed bool
}

// Query records, newest first.
func (j *DB) Query(q Query) ([]Record, error) {
	var records []Record

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dbAPIversion)).Cursor()

		limit := q.Limit
		if limit == 0 {
			limit = defaultMaxKeys
		}

		var key, value []byte
		if q.Before == 0 {
			key, value = c.Last()
		} else {
			c.Seek(encodeKey(uint64(q.Before)))
			key, value = c.Prev()
		}

		for ; key != nil && len(records) < limit; key, value = c.Prev() {
			var rec Record
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("could not unmarshal record: %w", err)
			}
			if q.OnlyFailed && rec.Success {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// LastByFingerprint returns the newest record matching fingerprint,
// or nil if there is none.
func (j *DB) LastByFingerprint(fingerprint string) (*Record, error) {
	var match *Record

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dbAPIversion)).Cursor()

		for key, value := c.Last(); key != nil; key, value = c.Prev() {
			var rec Record
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("could not unmarshal record: %w", err)
			}
			if rec.Fingerprint == fingerprint {
				match = &rec
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return match, nil
}

func encodeKey(key uint64) []byte {
	output := make([]byte, 8)
	binary.BigEndian.PutUint64(output, key)
	return output
}

func encodeValue(rec Record) []byte {
	value, _ := json.Marshal(rec)
	return value
}

const fingerprintLimit = 1 << 20

// Fingerprint identifies file content by size and a digest of the
// first megabyte.
func Fingerprint(r io.Reader, size int64) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, io.LimitReader(r, fingerprintLimit)); err != nil {
		return "", fmt.Errorf("could not hash content: %w", err)
	}
	return fmt.Sprintf("%d-%x", size, h.Sum(nil)), nil
}
