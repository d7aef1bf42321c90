package socket

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnect backoff defaults.
const (
	DefaultReconnectBaseDelay  = 500 * time.Millisecond
	DefaultReconnectMaxDelay   = 10 * time.Second
	DefaultReconnectMultiplier = 2.0
	DefaultReconnectJitter     = 250 * time.Millisecond
)

// Backoff controls the delay between redial attempts of a socket in the
// reconnecting state.
type Backoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     time.Duration
	randInt63n func(int64) int64
}

// DefaultBackoff returns the reconnect policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:  DefaultReconnectBaseDelay,
		MaxDelay:   DefaultReconnectMaxDelay,
		Multiplier: DefaultReconnectMultiplier,
		Jitter:     DefaultReconnectJitter,
	}
}

func (b Backoff) normalized() Backoff {
	if b.BaseDelay <= 0 {
		b.BaseDelay = DefaultReconnectBaseDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = DefaultReconnectMaxDelay
	}
	if b.MaxDelay < b.BaseDelay {
		b.MaxDelay = b.BaseDelay
	}
	if b.Multiplier <= 1.0 {
		b.Multiplier = DefaultReconnectMultiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.randInt63n == nil {
		b.randInt63n = backoffRandInt63n
	}
	return b
}

// Delay returns the wait before redial attempt number attempt (0-based).
// The un-jittered delay grows by Multiplier from BaseDelay and is capped at
// MaxDelay; jitter spreads it by +/- Jitter but never below zero.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	sleep := b.BaseDelay
	for i := 0; i < attempt && sleep < b.MaxDelay; i++ {
		sleep = time.Duration(float64(sleep) * b.Multiplier)
	}
	if sleep > b.MaxDelay {
		sleep = b.MaxDelay
	}
	if b.Jitter > 0 {
		j := b.Jitter
		if sleep < j {
			j = sleep / 2
		}
		if j > 0 {
			offset := time.Duration(b.randInt63n(int64(j)*2+1)) - j
			sleep += offset
		}
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

var (
	backoffRandMu sync.Mutex
	backoffRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func backoffRandInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	backoffRandMu.Lock()
	v := backoffRand.Int63n(n)
	backoffRandMu.Unlock()
	return v
}
