package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/gemcap/gemcap/backoff"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newController(c *fakeClock) *backoff.Controller {
	return backoff.NewController(backoff.Clock(c.Now))
}

func TestExponentialSchedule(t *testing.T) {
	clock := newFakeClock()
	ctrl := newController(clock)

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for i, w := range want {
		st := ctrl.Record("gemini://example.org/", "")
		require.Equal(t, i+1, st.RetryCount)
		assert.Equal(t, w*time.Second, st.RetryAt.Sub(clock.Now()), "retry %d", i+1)
		assert.Zero(t, st.ServerSuggestedDelay)
	}
}

func TestServerSuggestedDelay(t *testing.T) {
	testCases := map[string]struct {
		meta  string
		want  time.Duration
		found bool
	}{
		"bare integer":   {"5", 5 * time.Second, true},
		"padded integer": {"  12 ", 12 * time.Second, true},
		"embedded":       {"wait 7 seconds", 7 * time.Second, true},
		"first of many":  {"retry in 3 or 9", 3 * time.Second, true},
		"clamped high":   {"600", backoff.MaxDelay, true},
		"clamped low":    {"0", backoff.MinDelay, true},
		"negative":       {"-5", backoff.MinDelay, true},
		"overflowing":    {"99999999999999999999999", backoff.MaxDelay, true},
		"no digits":      {"slow down please", 0, false},
		"empty":          {"", 0, false},
	}

	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			d, ok := backoff.ParseServerDelay(tc.meta)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, d)
		})
	}
}

func TestServerDelayOverridesSchedule(t *testing.T) {
	clock := newFakeClock()
	ctrl := newController(clock)

	ctrl.Record("u", "")
	ctrl.Record("u", "")
	st := ctrl.Record("u", "10")
	assert.Equal(t, 3, st.RetryCount)
	assert.Equal(t, 10*time.Second, st.ServerSuggestedDelay)
	assert.Equal(t, 10*time.Second, st.Remaining(clock.Now()))
}

func TestGetExpiresButKeepsCount(t *testing.T) {
	clock := newFakeClock()
	ctrl := newController(clock)

	st := ctrl.Record("u", "")
	got, ok := ctrl.Get("u")
	require.True(t, ok)
	assert.Equal(t, st, got)

	clock.Advance(time.Second)
	_, ok = ctrl.Get("u")
	assert.False(t, ok)

	// Escalation continues after expiry.
	st = ctrl.Record("u", "")
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, 2*time.Second, st.Remaining(clock.Now()))
}

func TestClear(t *testing.T) {
	clock := newFakeClock()
	ctrl := newController(clock)

	ctrl.Record("a", "")
	ctrl.Record("a", "")
	ctrl.Record("b", "")

	ctrl.Clear("a")
	_, ok := ctrl.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, ctrl.Record("a", "").RetryCount)

	ctrl.ClearAll()
	_, ok = ctrl.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, ctrl.Record("b", "").RetryCount)
}

func TestDelayAlwaysClamped(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(-1000, 1000).Draw(t, "retryCount").(int)
		d := backoff.ExponentialDelay(n)
		if d < backoff.MinDelay || d > backoff.MaxDelay {
			t.Fatalf("delay %v for count %d out of range", d, n)
		}

		meta := rapid.String().Draw(t, "meta").(string)
		if sd, ok := backoff.ParseServerDelay(meta); ok {
			if sd < backoff.MinDelay || sd > backoff.MaxDelay {
				t.Fatalf("server delay %v for meta %q out of range", sd, meta)
			}
		}
	})
}
