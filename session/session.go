// Package session keeps browsing state on top of a gemini.Client: tabs with
// back and forward stacks whose navigations are serialized, and the
// collaborators that record what was shown.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gemcap/gemcap/gemini"
	"github.com/gemcap/gemcap/gemini/gemtext"
	"github.com/gemcap/gemcap/internal/history"
	"github.com/gemcap/gemcap/libs/log"
)

var (
	// ErrSuperseded is returned by a navigation that finished after a newer
	// navigation of the same tab had started.
	ErrSuperseded = errors.New("navigation superseded")

	// ErrNoPage means the tab has not shown a page yet.
	ErrNoPage = errors.New("no page loaded")

	// ErrNoHistory means there is nothing to go back or forward to.
	ErrNoHistory = errors.New("no history in that direction")

	// ErrNoHomePage means no home page is configured.
	ErrNoHomePage = errors.New("no home page configured")
)

// Fetcher fetches a URL. *gemini.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, alias string) (gemini.Outcome, error)
}

// History records visited pages.
type History interface {
	Record(url, title string) error
}

// Bookmarks stores bookmarked pages by URL.
type Bookmarks interface {
	AddBookmark(url, title string) (history.Bookmark, error)
	RemoveBookmark(url string) error
	IsBookmarked(url string) (bool, error)
}

// Settings holds user preferences.
type Settings interface {
	HomePage() string
}

// DocumentParser parses text/gemini bodies.
type DocumentParser interface {
	Parse(text string) gemtext.Document
}

// Session is a set of tabs sharing one Fetcher and collaborators.
type Session struct {
	fetcher Fetcher
	opts    []Option

	mtx    sync.Mutex
	tabs   map[string]*Tab
	opened uint64
}

// New returns a Session. opts apply to every tab it opens.
func New(f Fetcher, opts ...Option) *Session {
	return &Session{
		fetcher: f,
		opts:    opts,
		tabs:    make(map[string]*Tab),
	}
}

// OpenTab adds an empty tab.
func (s *Session) OpenTab() *Tab {
	t := NewTab(s.fetcher, s.opts...)
	t.id = uuid.NewString()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.opened++
	t.opened = s.opened
	s.tabs[t.id] = t
	return t
}

// Tab returns the tab with the given ID.
func (s *Session) Tab(id string) (*Tab, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.tabs[id]
	return t, ok
}

// Tabs returns the open tabs in the order they were opened.
func (s *Session) Tabs() []*Tab {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	out := make([]*Tab, 0, len(s.tabs))
	for _, t := range s.tabs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].opened < out[j].opened })
	return out
}

// CloseTab cancels the tab's navigation and removes it.
func (s *Session) CloseTab(id string) {
	s.mtx.Lock()
	t, ok := s.tabs[id]
	delete(s.tabs, id)
	s.mtx.Unlock()

	if ok {
		t.Cancel()
	}
}

// Option sets a parameter for a Tab.
type Option func(*Tab)

// Logger sets the logger.
func Logger(l log.Logger) Option {
	return func(t *Tab) {
		t.logger = l
	}
}

// WithHistory sets where shown pages are recorded.
func WithHistory(h History) Option {
	return func(t *Tab) {
		t.history = h
	}
}

// WithBookmarks sets the bookmark collaborator.
func WithBookmarks(b Bookmarks) Option {
	return func(t *Tab) {
		t.bookmarks = b
	}
}

// WithSettings sets the settings collaborator.
func WithSettings(s Settings) Option {
	return func(t *Tab) {
		t.settings = s
	}
}

// Parser sets the gemtext parser.
func Parser(p DocumentParser) Option {
	return func(t *Tab) {
		t.parser = p
	}
}

// Clock sets the time source used to compute backoff waits.
func Clock(now func() time.Time) Option {
	return func(t *Tab) {
		t.now = now
	}
}
