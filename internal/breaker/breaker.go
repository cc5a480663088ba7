// Package breaker is a small consecutive-failure circuit breaker guarding
// outbound calls to sinks and action URLs.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/flowhub/internal/clock"
)

// ErrOpen is returned without calling through while the circuit is open.
var ErrOpen = errors.New("circuit open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// MicroBreaker opens after failThreshold consecutive failures, stays open for
// openFor, then lets a single probe through.
type MicroBreaker struct {
	mu               sync.Mutex
	clock            clock.Clock
	st               state
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool
}

func NewMicroBreaker(threshold int, openFor time.Duration, clk clock.Clock) *MicroBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 15 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &MicroBreaker{failThreshold: threshold, openFor: openFor, clock: clk}
}

func (b *MicroBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.String()
}

// TryAcquire reports whether a call may proceed. In open state the first
// caller after openFor becomes the half-open probe.
func (b *MicroBreaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case open:
		if !b.clock.Now().Before(b.nextTryAt) && !b.probeInFlight {
			b.st = halfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case halfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

func (b *MicroBreaker) OnSuccess() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.st = closed
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *MicroBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == halfOpen {
		b.st = open
		b.nextTryAt = b.clock.Now().Add(b.openFor)
		b.probeInFlight = false
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failThreshold {
		b.st = open
		b.nextTryAt = b.clock.Now().Add(b.openFor)
	}
}

// Do runs fn through the breaker. countAsFailure decides which errors trip it;
// nil means every error does.
func (b *MicroBreaker) Do(fn func() error, countAsFailure func(error) bool) error {
	if !b.TryAcquire() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countAsFailure == nil || countAsFailure(err)) {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return err
}
