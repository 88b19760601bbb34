// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package archive stores the records of finished mixing sessions in a
// leveldb database.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/session"
	"github.com/decred/slog"
	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const dbName = "archive"

// recordPrefix prefixes the keys of session records.  The key suffix is the
// session ID.
var recordPrefix = []byte("rec")

var log = slog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger slog.Logger) {
	log = logger
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Archive is a leveldb backed store of session records.  It is safe for
// concurrent access.
type Archive struct {
	db *leveldb.DB
}

var _ session.Archive = (*Archive)(nil)

// convertLdbErr wraps a leveldb error as a resource error.
func convertLdbErr(ldbErr error, desc string) error {
	if ldberrors.IsCorrupted(ldbErr) {
		desc += " (database corrupted)"
	}
	return mixing.Errorf(mixing.ErrResource, "archive: %s: %w", desc, ldbErr)
}

// Open opens (or creates) the archive in dataDir.
func Open(dataDir string) (*Archive, error) {
	dbPath := filepath.Join(dataDir, dbName)
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		_ = os.MkdirAll(dataDir, 0700)
	}
	log.Infof("Loading session archive from '%s'", dbPath)
	opts := opt.Options{
		Strict:      opt.DefaultStrict,
		Compression: opt.SnappyCompression,
		Filter:      filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, convertLdbErr(err, "failed to open database")
	}
	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func recordKey(sid [32]byte) []byte {
	key := make([]byte, 0, len(recordPrefix)+len(sid))
	key = append(key, recordPrefix...)
	return append(key, sid[:]...)
}

// Put stores the record of a session, replacing an earlier one.
func (a *Archive) Put(rec *session.Record) error {
	b, err := encMode.Marshal(rec)
	if err != nil {
		return err
	}
	if err := a.db.Put(recordKey(rec.SID), b, nil); err != nil {
		return convertLdbErr(err, fmt.Sprintf("failed to store session %x",
			rec.SID[:]))
	}
	log.Debugf("Archived session %x (%v)", rec.SID[:6], rec.Phase)
	return nil
}

// Get returns the record of a session.  Sessions that were never archived
// are unknown.
func (a *Archive) Get(sid [32]byte) (*session.Record, error) {
	b, err := a.db.Get(recordKey(sid), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, mixing.MakeError(mixing.ErrUnknownSession,
			fmt.Sprintf("no archived session %x", sid[:]))
	}
	if err != nil {
		return nil, convertLdbErr(err, fmt.Sprintf("failed to fetch session %x",
			sid[:]))
	}
	rec := new(session.Record)
	if err := cbor.Unmarshal(b, rec); err != nil {
		return nil, fmt.Errorf("archive: decode session %x: %w", sid[:], err)
	}
	return rec, nil
}

// List returns every archived record ordered by start time.
func (a *Archive) List() ([]*session.Record, error) {
	iter := a.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer iter.Release()

	var recs []*session.Record
	for iter.Next() {
		rec := new(session.Record)
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			log.Warnf("Skipping undecodable record %x: %v", iter.Key(), err)
			continue
		}
		recs = append(recs, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, "failed to list sessions")
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Started.Before(recs[j].Started)
	})
	return recs, nil
}
