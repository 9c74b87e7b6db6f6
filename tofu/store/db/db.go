package db

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	dbm "github.com/tendermint/tm-db"

	gcnet "github.com/gemcap/gemcap/libs/net"
	"github.com/gemcap/gemcap/tofu/store"
)

const keyPrefix = "tofu/"

// record is the persisted form: fingerprint hex and expiry in epoch millis.
type record struct {
	Fingerprint  string `cbor:"1,keyasint"`
	ExpiryMillis int64  `cbor:"2,keyasint"`
}

type dbs struct {
	db     dbm.DB
	prefix string

	mtx sync.RWMutex
}

// New returns a Store that wraps any DB (with an optional prefix in case you
// want to share one DB between several stores).
//
// Records are marshalled using CBOR.
func New(db dbm.DB, prefix string) store.Store {
	return &dbs{db: db, prefix: prefix}
}

// Get loads the record for host:port.
//
// Safe for concurrent use by multiple goroutines.
func (s *dbs) Get(host string, port int) (store.TrustRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	key := store.Key(host, port)
	bz, err := s.db.Get(s.dbKey(key))
	if err != nil {
		return store.TrustRecord{}, fmt.Errorf("get %s: %w", key, err)
	}
	if len(bz) == 0 {
		return store.TrustRecord{}, store.ErrNotFound
	}
	return s.decode(key, bz)
}

// Save persists r, overwriting any previous record for the same key.
//
// Safe for concurrent use by multiple goroutines.
func (s *dbs) Save(r store.TrustRecord) error {
	if r.Host == "" {
		return errors.New("empty host")
	}
	if r.Fingerprint == "" {
		return errors.New("empty fingerprint")
	}

	bz, err := cbor.Marshal(record{
		Fingerprint:  r.Fingerprint,
		ExpiryMillis: r.Expiry.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshalling trust record: %w", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.db.SetSync(s.dbKey(r.Key()), bz)
}

// List returns all records ordered by key.
//
// Safe for concurrent use by multiple goroutines.
func (s *dbs) List() ([]store.TrustRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	start := []byte(s.prefix + keyPrefix)
	end := []byte(s.prefix + keyPrefix[:len(keyPrefix)-1] + "0") // '0' follows '/'
	itr, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	var out []store.TrustRecord
	for ; itr.Valid(); itr.Next() {
		key := strings.TrimPrefix(string(itr.Key()), string(start))
		r, err := s.decode(key, itr.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, itr.Error()
}

func (s *dbs) decode(key string, bz []byte) (store.TrustRecord, error) {
	var rec record
	if err := cbor.Unmarshal(bz, &rec); err != nil {
		return store.TrustRecord{}, fmt.Errorf("unmarshalling trust record %s: %w", key, err)
	}
	host, port, err := parseKey(key)
	if err != nil {
		return store.TrustRecord{}, err
	}
	return store.TrustRecord{
		Host:        host,
		Port:        port,
		Fingerprint: rec.Fingerprint,
		Expiry:      time.UnixMilli(rec.ExpiryMillis),
	}, nil
}

func (s *dbs) dbKey(key string) []byte {
	return []byte(s.prefix + keyPrefix + key)
}

func parseKey(key string) (string, int, error) {
	i := strings.LastIndexByte(key, ';')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed trust key %q", key)
	}
	port, err := gcnet.SplitPort(key[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed trust key %q: %w", key, err)
	}
	return key[:i], port, nil
}
