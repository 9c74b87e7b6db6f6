package session

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/gemcap/gemcap/gemini"
	"github.com/gemcap/gemcap/gemini/gemtext"
	"github.com/gemcap/gemcap/libs/log"
)

// Page is what a tab shows after a successful fetch.
type Page struct {
	URL       string
	Title     string
	MediaType string
	Body      []byte

	// Document is set for text/gemini pages.
	Document   gemtext.Document
	ServerCert *x509.Certificate
}

// Tab serializes its navigations: starting one cancels the one in flight.
// Pages are committed to the tab only by the latest navigation.
type Tab struct {
	id     string
	opened uint64

	fetcher   Fetcher
	history   History
	bookmarks Bookmarks
	settings  Settings
	parser    DocumentParser
	logger    log.Logger
	now       func() time.Time

	mtx    sync.Mutex
	cancel context.CancelFunc
	gen    uint64
	stack  []string
	pos    int
	page   *Page
}

// NewTab returns an empty tab fetching through f.
func NewTab(f Fetcher, opts ...Option) *Tab {
	t := &Tab{
		fetcher: f,
		parser:  gemtext.Parser{},
		logger:  log.NewNopLogger(),
		now:     time.Now,
		pos:     -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the tab's ID within its Session, or "" for a standalone tab.
func (t *Tab) ID() string {
	return t.id
}

// step describes one navigation. commit runs under mtx once the page is
// shown, with the final URL after redirects.
type step struct {
	url    string
	wait   time.Duration
	record bool
	commit func(finalURL string)
}

// Navigate fetches rawURL and, on success, pushes it on the back stack,
// dropping forward entries, and records it in history.
func (t *Tab) Navigate(ctx context.Context, rawURL, alias string) (gemini.Outcome, error) {
	return t.run(ctx, alias, func() (step, error) {
		return step{url: rawURL, record: true, commit: t.push}, nil
	})
}

// Submit answers a 1x prompt for promptURL with input.
func (t *Tab) Submit(ctx context.Context, promptURL, input, alias string) (gemini.Outcome, error) {
	u, err := gemini.WithInput(promptURL, input)
	if err != nil {
		return nil, err
	}
	return t.Navigate(ctx, u.String(), alias)
}

// Reload fetches the current page again.
func (t *Tab) Reload(ctx context.Context, alias string) (gemini.Outcome, error) {
	return t.run(ctx, alias, func() (step, error) {
		if t.pos < 0 {
			return step{}, ErrNoPage
		}
		pos := t.pos
		return step{url: t.stack[pos], commit: t.replaceAt(pos)}, nil
	})
}

// Back fetches the previous page on the stack.
func (t *Tab) Back(ctx context.Context, alias string) (gemini.Outcome, error) {
	return t.move(ctx, alias, -1)
}

// Forward fetches the next page on the stack.
func (t *Tab) Forward(ctx context.Context, alias string) (gemini.Outcome, error) {
	return t.move(ctx, alias, 1)
}

func (t *Tab) move(ctx context.Context, alias string, delta int) (gemini.Outcome, error) {
	return t.run(ctx, alias, func() (step, error) {
		pos := t.pos + delta
		if t.pos < 0 || pos < 0 || pos >= len(t.stack) {
			return step{}, ErrNoHistory
		}
		return step{url: t.stack[pos], commit: t.replaceAt(pos)}, nil
	})
}

// Home navigates to the configured home page.
func (t *Tab) Home(ctx context.Context, alias string) (gemini.Outcome, error) {
	if t.settings == nil || t.settings.HomePage() == "" {
		return nil, ErrNoHomePage
	}
	return t.Navigate(ctx, t.settings.HomePage(), alias)
}

// RetryAfter waits until the backoff recorded by a 44 response expires and
// then navigates to its URL. A newer navigation cancels the wait.
func (t *Tab) RetryAfter(ctx context.Context, slow gemini.SlowDown, alias string) (gemini.Outcome, error) {
	return t.run(ctx, alias, func() (step, error) {
		return step{
			url:    slow.URL,
			wait:   slow.State.Remaining(t.now()),
			record: true,
			commit: t.push,
		}, nil
	})
}

// Cancel cancels the navigation in flight, if any.
func (t *Tab) Cancel() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
}

// Page returns the page shown, or nil.
func (t *Tab) Page() *Page {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.page
}

// URL returns the URL of the current stack entry, or "".
func (t *Tab) URL() string {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.pos < 0 {
		return ""
	}
	return t.stack[t.pos]
}

// CanGoBack reports whether Back has somewhere to go.
func (t *Tab) CanGoBack() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.pos > 0
}

// CanGoForward reports whether Forward has somewhere to go.
func (t *Tab) CanGoForward() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.pos >= 0 && t.pos < len(t.stack)-1
}

// ToggleBookmark bookmarks the page shown, or removes its bookmark. It
// returns whether the page is bookmarked afterwards.
func (t *Tab) ToggleBookmark() (bool, error) {
	if t.bookmarks == nil {
		return false, fmt.Errorf("no bookmark store")
	}
	page := t.Page()
	if page == nil {
		return false, ErrNoPage
	}

	marked, err := t.bookmarks.IsBookmarked(page.URL)
	if err != nil {
		return false, err
	}
	if marked {
		return false, t.bookmarks.RemoveBookmark(page.URL)
	}
	if _, err := t.bookmarks.AddBookmark(page.URL, page.Title); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tab) run(ctx context.Context, alias string, plan func() (step, error)) (gemini.Outcome, error) {
	t.mtx.Lock()
	st, err := plan()
	if err != nil {
		t.mtx.Unlock()
		return nil, err
	}
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.gen++
	gen := t.gen
	t.mtx.Unlock()

	defer func() {
		t.mtx.Lock()
		if t.gen == gen {
			t.cancel = nil
		}
		t.mtx.Unlock()
		cancel()
	}()

	if st.wait > 0 {
		t.logger.Debug("waiting before retry", "url", st.url, "wait", st.wait)
		timer := time.NewTimer(st.wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("waiting to retry: %w", ctx.Err())
		case <-timer.C:
		}
	}

	out, err := t.fetcher.Fetch(ctx, st.url, alias)
	if err != nil {
		return nil, err
	}
	success, ok := out.(gemini.Success)
	if !ok {
		return out, nil
	}
	page := t.render(success)

	t.mtx.Lock()
	if t.gen != gen {
		t.mtx.Unlock()
		return nil, ErrSuperseded
	}
	t.page = page
	st.commit(page.URL)
	t.mtx.Unlock()

	if st.record && t.history != nil {
		if err := t.history.Record(page.URL, page.Title); err != nil {
			t.logger.Error("failed to record history", "url", page.URL, "err", err)
		}
	}
	return out, nil
}

// push drops forward entries and appends url. Callers hold mtx.
func (t *Tab) push(url string) {
	t.stack = append(t.stack[:t.pos+1], url)
	t.pos = len(t.stack) - 1
}

// replaceAt returns a commit making pos current with url. Callers hold mtx.
func (t *Tab) replaceAt(pos int) func(string) {
	return func(url string) {
		if pos >= len(t.stack) {
			t.push(url)
			return
		}
		t.stack[pos] = url
		t.pos = pos
	}
}

func (t *Tab) render(s gemini.Success) *Page {
	page := &Page{
		URL:        s.URL,
		Title:      s.URL,
		MediaType:  s.Response.MediaType(),
		Body:       s.Response.Body,
		ServerCert: s.ServerCert,
	}
	if page.MediaType == gemtext.MediaType {
		page.Document = t.parser.Parse(string(s.Response.Body))
		if title, ok := page.Document.Title(); ok {
			page.Title = title
		}
	}
	return page
}
