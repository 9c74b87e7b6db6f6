// Package backoff tracks per-URL retry delays for Gemini "44 SLOW DOWN"
// responses.
package backoff

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MinDelay and MaxDelay bound every computed delay.
	MinDelay = 1 * time.Second
	MaxDelay = 60 * time.Second

	multiplier = 2
)

var digitsRe = regexp.MustCompile(`\d+`)

// State is the backoff bookkeeping for one URL.
type State struct {
	URL        string
	RetryAt    time.Time
	RetryCount int
	// ServerSuggestedDelay is zero when the server's meta carried no
	// usable delay.
	ServerSuggestedDelay time.Duration
}

// Remaining returns how long until RetryAt, never negative.
func (s State) Remaining(now time.Time) time.Duration {
	if d := s.RetryAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the retry time has been reached.
func (s State) Expired(now time.Time) bool {
	return !now.Before(s.RetryAt)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (s State) MarshalZerologObject(e *zerolog.Event) {
	e.Str("url", s.URL)
	e.Time("retry_at", s.RetryAt)
	e.Int("retry_count", s.RetryCount)
	e.Dur("server_delay", s.ServerSuggestedDelay)
}

// Controller records slow-down responses. It is safe for concurrent use.
type Controller struct {
	mtx    sync.Mutex
	states map[string]State
	now    func() time.Time
}

// Option sets a parameter for the Controller.
type Option func(*Controller)

// Clock overrides the time source, mainly for tests.
func Clock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController returns an empty Controller.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		states: make(map[string]State),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record registers a slow-down for url and returns the new state. The retry
// count keeps growing across calls until Clear is called, even when earlier
// states have already expired.
func (c *Controller) Record(url, serverMeta string) State {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	count := c.states[url].RetryCount + 1

	suggested, ok := ParseServerDelay(serverMeta)
	delay := suggested
	if !ok {
		suggested = 0
		delay = ExponentialDelay(count)
	}

	st := State{
		URL:                  url,
		RetryAt:              c.now().Add(delay),
		RetryCount:           count,
		ServerSuggestedDelay: suggested,
	}
	c.states[url] = st
	return st
}

// Get returns the active state for url. It returns false once the retry time
// has passed; the retry count is retained for subsequent Record calls.
func (c *Controller) Get(url string) (State, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	st, ok := c.states[url]
	if !ok || st.Expired(c.now()) {
		return State{}, false
	}
	return st, true
}

// Clear forgets url entirely.
func (c *Controller) Clear(url string) {
	c.mtx.Lock()
	delete(c.states, url)
	c.mtx.Unlock()
}

// ClearAll forgets every URL.
func (c *Controller) ClearAll() {
	c.mtx.Lock()
	c.states = make(map[string]State)
	c.mtx.Unlock()
}

// ExponentialDelay returns min(MaxDelay, MinDelay * 2^(retryCount-1)).
func ExponentialDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	// 2^6 already exceeds the cap.
	if retryCount > 7 {
		return MaxDelay
	}
	d := time.Duration(math.Pow(multiplier, float64(retryCount-1))) * MinDelay
	return clamp(d)
}

// ParseServerDelay extracts a delay in seconds from a 44 meta string. A bare
// integer wins; otherwise the first run of digits is used. The result is
// clamped to [MinDelay, MaxDelay].
func ParseServerDelay(meta string) (time.Duration, bool) {
	trimmed := strings.TrimSpace(meta)
	if n, err := strconv.Atoi(trimmed); err == nil {
		return clampSeconds(int64(n)), true
	}

	digits := digitsRe.FindString(trimmed)
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		// Only a range error is possible here.
		return MaxDelay, true
	}
	return clampSeconds(n), true
}

func clampSeconds(n int64) time.Duration {
	if n > int64(MaxDelay/time.Second) {
		return MaxDelay
	}
	return clamp(time.Duration(n) * time.Second)
}

func clamp(d time.Duration) time.Duration {
	switch {
	case d < MinDelay:
		return MinDelay
	case d > MaxDelay:
		return MaxDelay
	default:
		return d
	}
}
