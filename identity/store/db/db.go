// Package db implements identity.Store on top of a tm-db database.
package db

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	dbm "github.com/tendermint/tm-db"

	"github.com/gemcap/gemcap/identity"
)

const keyPrefix = "identity/"

var seqKey = []byte("identity-seq")

type scopeRecord struct {
	Host string `cbor:"1,keyasint"`
	Type int    `cbor:"2,keyasint"`
	Path string `cbor:"3,keyasint,omitempty"`
}

type record struct {
	Seq          uint64        `cbor:"1,keyasint"`
	Alias        string        `cbor:"2,keyasint"`
	CommonName   string        `cbor:"3,keyasint"`
	Email        string        `cbor:"4,keyasint,omitempty"`
	Organization string        `cbor:"5,keyasint,omitempty"`
	Usages       []scopeRecord `cbor:"6,keyasint"`
	Fingerprint  string        `cbor:"7,keyasint"`
	CreatedAt    int64         `cbor:"8,keyasint"`
	ExpiresAt    int64         `cbor:"9,keyasint"`
	Active       bool          `cbor:"10,keyasint"`
}

type dbs struct {
	db     dbm.DB
	prefix string

	mtx sync.RWMutex
	seq uint64
}

// New returns a Store that wraps any DB (with an optional prefix in case you
// want to share one DB between several stores).
//
// Records are marshalled using CBOR and listed newest first.
func New(db dbm.DB, prefix string) identity.Store {
	s := &dbs{db: db, prefix: prefix}
	bz, err := db.Get(s.seqKey())
	if err == nil && len(bz) == 8 {
		s.seq = binary.BigEndian.Uint64(bz)
	}
	return s
}

// List returns all identities, newest first.
//
// Safe for concurrent use by multiple goroutines.
func (s *dbs) List() ([]identity.Identity, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	start := []byte(s.prefix + keyPrefix)
	end := []byte(s.prefix + keyPrefix[:len(keyPrefix)-1] + "0")
	itr, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	var recs []record
	for ; itr.Valid(); itr.Next() {
		var rec record
		if err := cbor.Unmarshal(itr.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshalling identity %s: %w", itr.Key(), err)
		}
		recs = append(recs, rec)
	}
	if err := itr.Error(); err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq > recs[j].Seq })

	out := make([]identity.Identity, len(recs))
	for i, rec := range recs {
		out[i] = fromRecord(rec)
	}
	return out, nil
}

// Get loads the identity with the given alias.
//
// Safe for concurrent use by multiple goroutines.
func (s *dbs) Get(alias string) (identity.Identity, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	rec, err := s.load(alias)
	if err != nil {
		return identity.Identity{}, err
	}
	return fromRecord(rec), nil
}

// Save persists id. A new alias becomes the newest entry; an existing alias
// keeps its position.
//
// Safe for concurrent use by multiple goroutines.
func (s *dbs) Save(id identity.Identity) error {
	if id.Alias == "" {
		return errors.New("empty alias")
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec := toRecord(id)
	seq := s.seq
	existing, err := s.load(id.Alias)
	switch {
	case err == nil:
		rec.Seq = existing.Seq
	case errors.Is(err, identity.ErrNotFound):
		seq++
		rec.Seq = seq
	default:
		return err
	}

	bz, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling identity: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(s.dbKey(id.Alias), bz); err != nil {
		return err
	}
	if err := b.Set(s.seqKey(), marshalSeq(seq)); err != nil {
		return err
	}
	if err := b.WriteSync(); err != nil {
		return err
	}

	s.seq = seq
	return nil
}

// Delete removes the identity.
//
// Safe for concurrent use by multiple goroutines.
func (s *dbs) Delete(alias string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.db.DeleteSync(s.dbKey(alias))
}

func (s *dbs) load(alias string) (record, error) {
	bz, err := s.db.Get(s.dbKey(alias))
	if err != nil {
		return record{}, err
	}
	if len(bz) == 0 {
		return record{}, identity.ErrNotFound
	}
	var rec record
	if err := cbor.Unmarshal(bz, &rec); err != nil {
		return record{}, fmt.Errorf("unmarshalling identity %s: %w", alias, err)
	}
	return rec, nil
}

func (s *dbs) dbKey(alias string) []byte {
	return []byte(s.prefix + keyPrefix + alias)
}

func (s *dbs) seqKey() []byte {
	return append([]byte(s.prefix), seqKey...)
}

func marshalSeq(seq uint64) []byte {
	bs := make([]byte, 8)
	binary.BigEndian.PutUint64(bs, seq)
	return bs
}

func toRecord(id identity.Identity) record {
	usages := make([]scopeRecord, len(id.Usages))
	for i, u := range id.Usages {
		usages[i] = scopeRecord{Host: u.Host, Type: int(u.Type), Path: u.Path}
	}
	return record{
		Alias:        id.Alias,
		CommonName:   id.CommonName,
		Email:        id.Email,
		Organization: id.Organization,
		Usages:       usages,
		Fingerprint:  id.Fingerprint,
		CreatedAt:    id.CreatedAt.UnixMilli(),
		ExpiresAt:    id.ExpiresAt.UnixMilli(),
		Active:       id.Active,
	}
}

func fromRecord(rec record) identity.Identity {
	usages := make([]identity.UsageScope, len(rec.Usages))
	for i, u := range rec.Usages {
		usages[i] = identity.UsageScope{Host: u.Host, Type: identity.ScopeType(u.Type), Path: u.Path}
	}
	return identity.Identity{
		Alias:        rec.Alias,
		CommonName:   rec.CommonName,
		Email:        rec.Email,
		Organization: rec.Organization,
		Usages:       usages,
		Fingerprint:  rec.Fingerprint,
		CreatedAt:    time.UnixMilli(rec.CreatedAt),
		ExpiresAt:    time.UnixMilli(rec.ExpiresAt),
		Active:       rec.Active,
	}
}
