package common

import (
	"errors"
	"strings"
	"sync"
)

// ErrMarketPaused is returned by engine operations while an operator
// pause is in effect for the market.
var ErrMarketPaused = errors.New("market paused")

// PauseView reports whether a market is currently halted.
type PauseView interface {
	IsPaused(market string) bool
}

// Guard rejects the operation when the market is paused. A nil view or
// empty market name means no pause control is wired and the operation
// proceeds.
func Guard(p PauseView, market string) error {
	if p == nil || market == "" {
		return nil
	}
	if p.IsPaused(market) {
		return ErrMarketPaused
	}
	return nil
}

// Pauses is a concurrency safe pause registry. Operators flip markets
// through the service admin surface; engines only read it.
type Pauses struct {
	mu     sync.RWMutex
	halted map[string]string
}

// NewPauses returns an empty registry.
func NewPauses() *Pauses {
	return &Pauses{halted: make(map[string]string)}
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(market string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.halted[normalize(market)]
	return ok
}

// Pause halts a market with an operator supplied reason.
func (p *Pauses) Pause(market, reason string) {
	if p == nil {
		return
	}
	key := normalize(market)
	if key == "" {
		return
	}
	p.mu.Lock()
	p.halted[key] = strings.TrimSpace(reason)
	p.mu.Unlock()
}

// Resume lifts a pause. Resuming a market that is not paused is a no-op.
func (p *Pauses) Resume(market string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.halted, normalize(market))
	p.mu.Unlock()
}

// Reason returns the operator note attached to a pause, if any.
func (p *Pauses) Reason(market string) (string, bool) {
	if p == nil {
		return "", false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	reason, ok := p.halted[normalize(market)]
	return reason, ok
}

func normalize(market string) string {
	return strings.ToUpper(strings.TrimSpace(market))
}
