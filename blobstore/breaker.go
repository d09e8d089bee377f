package blobstore

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrHostUnavailable is returned without a request while a foreign host's
// breaker is open.
var ErrHostUnavailable = errors.New("blobstore: host temporarily unavailable")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker trips after threshold consecutive failures and lets one probe
// through after resetTimeout.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
}

// hostBreakers keeps one breaker per foreign host so that a dead CDN does
// not cost a full fetch timeout for every image it serves.
type hostBreakers struct {
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time

	mu    sync.Mutex
	hosts map[string]*breaker
}

func newHostBreakers(threshold int, resetTimeout time.Duration) *hostBreakers {
	return &hostBreakers{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
		hosts:        make(map[string]*breaker),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func (h *hostBreakers) get(host string) *breaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.hosts[host]
	if !ok {
		b = &breaker{}
		h.hosts[host] = b
	}
	return b
}

// allow reports whether a request to host may be attempted.
func (h *hostBreakers) allow(host string) bool {
	if h.threshold <= 0 || host == "" {
		return true
	}
	b := h.get(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && h.now().Sub(b.lastFailure) >= h.resetTimeout {
		b.state = breakerHalfOpen
	}
	return b.state != breakerOpen
}

func (h *hostBreakers) success(host string) {
	if h.threshold <= 0 || host == "" {
		return
	}
	b := h.get(host)
	b.mu.Lock()
	b.state = breakerClosed
	b.failures = 0
	b.mu.Unlock()
}

func (h *hostBreakers) failure(host string) {
	if h.threshold <= 0 || host == "" {
		return
	}
	b := h.get(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = h.now()
	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= h.threshold {
			b.state = breakerOpen
		}
	case breakerHalfOpen:
		b.state = breakerOpen
	}
}
