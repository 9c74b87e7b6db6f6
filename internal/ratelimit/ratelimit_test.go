package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvalid(t *testing.T) {
	assert.Nil(t, New(0, 1, 0))
	assert.Nil(t, New(1, 0, 0))

	var l *HostLimiter
	assert.True(t, l.allow("example.org", time.Now()))
	assert.NoError(t, l.Wait(context.Background(), "example.org"))
	assert.Zero(t, l.size())
}

func TestAllowPerHost(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Now()

	assert.True(t, l.allow("a.example", now))
	assert.True(t, l.allow("A.example", now))
	assert.False(t, l.allow("a.example", now), "burst exhausted")
	assert.True(t, l.allow("b.example", now), "hosts are independent")
	assert.True(t, l.allow("a.example", now.Add(time.Second)), "refilled")
	assert.True(t, l.allow("", now))
}

func TestWaitHonorsContext(t *testing.T) {
	l := New(0.001, 1, time.Minute)
	require.NoError(t, l.Wait(context.Background(), "a.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "a.example"))
}

func TestEvictsIdleHosts(t *testing.T) {
	l := New(100, 10, time.Minute)
	start := time.Now()

	for i := 0; i < sweepEvery-1; i++ {
		l.allow(fmt.Sprintf("h%d.example", i), start)
	}
	require.Equal(t, sweepEvery-1, l.size())

	l.allow("fresh.example", start.Add(2*time.Minute))
	assert.Equal(t, 1, l.size())
}
