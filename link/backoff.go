package link

import (
	mathrand "math/rand"
	"sync"
	"time"
)

// exponential backoff with a ceiling and randomized jitter. The jitter
// spreads reconnection attempts so that an authority restart does not see
// every client dial back in the same instant.
type reconnectBackoff struct {
	minTimeout time.Duration
	maxTimeout time.Duration

	mutex      sync.Mutex
	retryCount int
}

func newReconnectBackoff(minTimeout time.Duration, maxTimeout time.Duration) *reconnectBackoff {
	return &reconnectBackoff{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
	}
}

// NextTimeout returns the delay before the next attempt and advances the
// retry counter.
func (self *reconnectBackoff) NextTimeout() time.Duration {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	timeout := self.minTimeout
	for i := 0; i < self.retryCount; i += 1 {
		timeout *= 2
		if self.maxTimeout <= timeout {
			timeout = self.maxTimeout
			break
		}
	}
	self.retryCount += 1

	// uniform jitter in [timeout/2, timeout)
	half := timeout / 2
	return half + time.Duration(mathrand.Int63n(int64(half)+1))
}

func (self *reconnectBackoff) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.retryCount = 0
}

func (self *reconnectBackoff) RetryCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.retryCount
}
