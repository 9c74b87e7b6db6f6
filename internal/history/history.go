// Package history persists visited pages and bookmarks in a tm-db database.
package history

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	dbm "github.com/tendermint/tm-db"
)

const (
	// DefaultMaxEntries is how many history entries are kept.
	DefaultMaxEntries = 500

	// DefaultSuggestions is how many entries Suggest returns by default.
	DefaultSuggestions = 5

	historyPrefix  = "history/"
	bookmarkPrefix = "bookmark/"
	seqKey         = "history-seq"
)

// Entry is a visited page.
type Entry struct {
	URL       string    `json:"url" yaml:"url"`
	Title     string    `json:"title" yaml:"title"`
	VisitedAt time.Time `json:"visited_at" yaml:"visited_at"`
}

// Bookmark is a saved page.
type Bookmark struct {
	URL     string    `json:"url" yaml:"url"`
	Title   string    `json:"title" yaml:"title"`
	AddedAt time.Time `json:"added_at" yaml:"added_at"`
}

type entryRecord struct {
	URL    string `cbor:"1,keyasint"`
	Title  string `cbor:"2,keyasint"`
	Millis int64  `cbor:"3,keyasint"`
}

// Store keeps history entries under a sequence number and bookmarks under
// their URL.
type Store struct {
	db         dbm.DB
	prefix     string
	maxEntries int
	now        func() time.Time

	mtx sync.RWMutex
	seq uint64
}

// Option sets a parameter for the Store.
type Option func(*Store)

// MaxEntries caps the number of history entries; older ones are dropped.
func MaxEntries(n int) Option {
	return func(s *Store) {
		s.maxEntries = n
	}
}

// Clock sets the time source.
func Clock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a Store that wraps any DB (with an optional prefix in case you
// want to share one DB between several stores).
func New(db dbm.DB, prefix string, opts ...Option) *Store {
	s := &Store{
		db:         db,
		prefix:     prefix,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if bz, err := db.Get([]byte(prefix + seqKey)); err == nil && len(bz) == 8 {
		s.seq = binary.BigEndian.Uint64(bz)
	}
	return s
}

// Record appends a visit. Pages under the about: scheme are not recorded and
// an empty title defaults to the URL.
//
// Safe for concurrent use by multiple goroutines.
func (s *Store) Record(url, title string) error {
	if url == "" || strings.HasPrefix(url, "about:") {
		return nil
	}
	if title == "" {
		title = url
	}
	bz, err := cbor.Marshal(entryRecord{URL: url, Title: title, Millis: s.now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshalling history entry: %w", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	seq := s.seq + 1
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(s.entryKey(seq), bz); err != nil {
		return err
	}
	if err := b.Set([]byte(s.prefix+seqKey), seqBytes(seq)); err != nil {
		return err
	}
	if err := b.WriteSync(); err != nil {
		return err
	}
	s.seq = seq

	return s.prune()
}

// prune drops the oldest entries beyond maxEntries. Callers hold mtx.
func (s *Store) prune() error {
	if s.maxEntries <= 0 {
		return nil
	}
	keys, err := s.keys(historyPrefix)
	if err != nil {
		return err
	}
	if len(keys) <= s.maxEntries {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, k := range keys[:len(keys)-s.maxEntries] {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return b.WriteSync()
}

// List returns up to limit entries, newest first. limit <= 0 means all.
//
// Safe for concurrent use by multiple goroutines.
func (s *Store) List(limit int) ([]Entry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	start, end := s.span(historyPrefix)
	itr, err := s.db.ReverseIterator(start, end)
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	var out []Entry
	for ; itr.Valid() && (limit <= 0 || len(out) < limit); itr.Next() {
		var rec entryRecord
		if err := cbor.Unmarshal(itr.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshalling history entry: %w", err)
		}
		out = append(out, Entry{URL: rec.URL, Title: rec.Title, VisitedAt: time.UnixMilli(rec.Millis)})
	}
	return out, itr.Error()
}

// Clear removes all history entries. Bookmarks are kept.
//
// Safe for concurrent use by multiple goroutines.
func (s *Store) Clear() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	keys, err := s.keys(historyPrefix)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return b.WriteSync()
}

// Suggest returns up to n distinct URLs from history matching query, best
// first: URL prefix, then title prefix, then URL substring, then title
// substring; ties go to the most recent visit. Queries shorter than two
// characters match nothing.
func (s *Store) Suggest(query string, n int) ([]Entry, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if len([]rune(q)) < 2 {
		return nil, nil
	}
	if n <= 0 {
		n = DefaultSuggestions
	}
	candidates := []string{q}
	if _, rest, ok := strings.Cut(q, "://"); ok {
		candidates = append(candidates, rest)
	}

	entries, err := s.List(0)
	if err != nil {
		return nil, err
	}

	type ranked struct {
		Entry
		rank int
	}
	var (
		seen    = make(map[string]bool)
		matches []ranked
	)
	for _, e := range entries {
		if seen[e.URL] {
			continue
		}
		seen[e.URL] = true
		if r, ok := rank(e, candidates); ok {
			matches = append(matches, ranked{e, r})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].VisitedAt.After(matches[j].VisitedAt)
	})

	out := make([]Entry, 0, n)
	for _, m := range matches {
		if len(out) == n {
			break
		}
		out = append(out, m.Entry)
	}
	return out, nil
}

func rank(e Entry, candidates []string) (int, bool) {
	u := strings.ToLower(e.URL)
	title := strings.ToLower(e.Title)
	bare := u
	if _, rest, ok := strings.Cut(u, "://"); ok {
		bare = rest
	}

	best, found := 0, false
	for _, c := range candidates {
		var r int
		switch {
		case strings.HasPrefix(u, c) || strings.HasPrefix(bare, c):
			r = 0
		case strings.HasPrefix(title, c):
			r = 1
		case strings.Contains(u, c) || strings.Contains(bare, c):
			r = 2
		case strings.Contains(title, c):
			r = 3
		default:
			continue
		}
		if !found || r < best {
			best, found = r, true
		}
	}
	return best, found
}

// AddBookmark saves url, replacing an existing bookmark for it. An empty
// title defaults to the URL.
//
// Safe for concurrent use by multiple goroutines.
func (s *Store) AddBookmark(url, title string) (Bookmark, error) {
	if url == "" {
		return Bookmark{}, fmt.Errorf("empty URL")
	}
	if title == "" {
		title = url
	}
	bm := Bookmark{URL: url, Title: title, AddedAt: s.now()}
	bz, err := cbor.Marshal(entryRecord{URL: bm.URL, Title: bm.Title, Millis: bm.AddedAt.UnixMilli()})
	if err != nil {
		return Bookmark{}, fmt.Errorf("marshalling bookmark: %w", err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.db.SetSync(s.bookmarkKey(url), bz); err != nil {
		return Bookmark{}, err
	}
	return bm, nil
}

// RemoveBookmark deletes the bookmark for url, if any.
//
// Safe for concurrent use by multiple goroutines.
func (s *Store) RemoveBookmark(url string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.db.DeleteSync(s.bookmarkKey(url))
}

// IsBookmarked reports whether url has a bookmark.
//
// Safe for concurrent use by multiple goroutines.
func (s *Store) IsBookmarked(url string) (bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.db.Has(s.bookmarkKey(url))
}

// Bookmarks returns all bookmarks, most recently added first.
//
// Safe for concurrent use by multiple goroutines.
func (s *Store) Bookmarks() ([]Bookmark, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	start, end := s.span(bookmarkPrefix)
	itr, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	var out []Bookmark
	for ; itr.Valid(); itr.Next() {
		var rec entryRecord
		if err := cbor.Unmarshal(itr.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshalling bookmark: %w", err)
		}
		out = append(out, Bookmark{URL: rec.URL, Title: rec.Title, AddedAt: time.UnixMilli(rec.Millis)})
	}
	if err := itr.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AddedAt.After(out[j].AddedAt)
	})
	return out, nil
}

// keys returns the keys under kind in ascending order. Callers hold mtx.
func (s *Store) keys(kind string) ([][]byte, error) {
	start, end := s.span(kind)
	itr, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	var keys [][]byte
	for ; itr.Valid(); itr.Next() {
		keys = append(keys, append([]byte(nil), itr.Key()...))
	}
	return keys, itr.Error()
}

func (s *Store) span(kind string) ([]byte, []byte) {
	return []byte(s.prefix + kind), []byte(s.prefix + kind[:len(kind)-1] + "0") // '0' follows '/'
}

func (s *Store) entryKey(seq uint64) []byte {
	return append([]byte(s.prefix+historyPrefix), seqBytes(seq)...)
}

func (s *Store) bookmarkKey(url string) []byte {
	return []byte(s.prefix + bookmarkPrefix + url)
}

func seqBytes(seq uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, seq)
	return bz
}
