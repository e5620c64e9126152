package lifecycle

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	generic := GenericPolicy()
	conflict := AuthConflictPolicy()
	initFail := InitFailurePolicy()

	cases := []struct {
		k        int
		generic  time.Duration
		conflict time.Duration
		initFail time.Duration
	}{
		{1, 5 * time.Second, 15 * time.Second, 5 * time.Second},
		{2, 10 * time.Second, 30 * time.Second, 10 * time.Second},
		{3, 15 * time.Second, 45 * time.Second, 15 * time.Second},
		{6, 25 * time.Second, 45 * time.Second, 30 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.generic, generic.Delay(c.k), "generic k=%d", c.k)
		assert.Equal(t, c.conflict, conflict.Delay(c.k), "conflict k=%d", c.k)
		assert.Equal(t, c.initFail, initFail.Delay(c.k), "init k=%d", c.k)
	}
}

func TestPolicyNext(t *testing.T) {
	p := GenericPolicy()
	for attempts := 0; attempts < p.Ceiling; attempts++ {
		next, delay := p.Next(attempts)
		assert.Equal(t, attempts+1, next)
		assert.Equal(t, p.Delay(attempts+1), delay)
	}
	next, delay := p.Next(p.Ceiling)
	assert.Equal(t, p.Ceiling+1, next)
	assert.Equal(t, backoff.Stop, delay)

	_, delay = AuthConflictPolicy().Next(3)
	assert.Equal(t, backoff.Stop, delay)
	_, delay = InitFailurePolicy().Next(2)
	assert.Equal(t, 15*time.Second, delay)
}

func TestLinearBackOff(t *testing.T) {
	b := AuthConflictPolicy().BackOff(0)
	assert.Equal(t, 15*time.Second, b.NextBackOff())
	assert.Equal(t, 30*time.Second, b.NextBackOff())
	assert.Equal(t, 45*time.Second, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())
	assert.Equal(t, 4, b.Attempt())

	b.Reset()
	assert.Equal(t, 15*time.Second, b.NextBackOff())
}

func TestDefaultTimings(t *testing.T) {
	d := DefaultTimings()
	assert.Equal(t, 3*time.Second, d.StartupDelay)
	assert.Equal(t, 40*time.Second, d.QRTimeout)
	assert.Equal(t, 60*time.Second, d.ConnectTimeout)
	assert.Equal(t, 2*time.Second, d.RetryRequestDelay)
	assert.Equal(t, 3, d.MaxMsgRetryCount)
	assert.Equal(t, 30*time.Second, d.KeepAliveInterval)
	assert.Equal(t, 5*time.Second, d.PersistDebounce)
	assert.Equal(t, 10*time.Second, d.PersistRateLimit)
}
