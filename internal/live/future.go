package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rayneo/liveai-proxy/internal/genai"
)

// ErrInitTimeout is returned when the upstream session is not ready before
// the handshake deadline.
var ErrInitTimeout = errors.New("upstream session initialization timed out")

// readyOutcome is the result the warmup task delivers to the waiting
// handler.
type readyOutcome struct {
	client   genai.Client
	upstream genai.Session
	ok       bool
}

// Readiness is a one-shot promise for the upstream session being prepared
// for a handshake. It is resolved exactly once by the background warmup task
// and consumed exactly once by the connection handler.
type Readiness struct {
	once sync.Once
	ch   chan readyOutcome
}

func newReadiness() *Readiness {
	return &Readiness{ch: make(chan readyOutcome, 1)}
}

// resolve delivers the outcome. Later calls are no-ops.
func (r *Readiness) resolve(o readyOutcome) {
	r.once.Do(func() {
		r.ch <- o
	})
}

// await blocks until the promise resolves, the timeout passes, or ctx is
// canceled.
func (r *Readiness) await(ctx context.Context, timeout time.Duration) (readyOutcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return readyOutcome{}, ctx.Err()
	case <-timer.C:
		return readyOutcome{}, ErrInitTimeout
	case o := <-r.ch:
		return o, nil
	}
}

// Futures is the process-wide map of pending handshake promises, keyed by
// session ID.
type Futures struct {
	mu sync.Mutex
	m  map[string]*Readiness
}

// NewFutures creates an empty promise map.
func NewFutures() *Futures {
	return &Futures{m: make(map[string]*Readiness)}
}

// Add creates and registers a promise for sessionID.
func (f *Futures) Add(sessionID string) *Readiness {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := newReadiness()
	f.m[sessionID] = r
	return r
}

// Remove drops the promise for sessionID.
func (f *Futures) Remove(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, sessionID)
}

// Pending returns the number of unconsumed promises.
func (f *Futures) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}
