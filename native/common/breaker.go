package common

import (
	"errors"
	"sync"
)

var (
	ErrUnauthorized  = errors.New("caller is not the owner")
	ErrAlreadyPaused = errors.New("module already paused")
	ErrNotPaused     = errors.New("module not paused")
	ErrInvalidOwner  = errors.New("owner must not be the zero address")
)

// Breaker is an owner-controlled circuit breaker for a single module. It
// satisfies PauseView so modules can keep calling Guard.
type Breaker struct {
	mu     sync.RWMutex
	module string
	owner  [20]byte
	paused bool
}

func NewBreaker(module string, owner [20]byte) *Breaker {
	return &Breaker{module: module, owner: owner}
}

// Restore loads persisted breaker state without authorisation checks.
func (b *Breaker) Restore(owner [20]byte, paused bool) {
	b.mu.Lock()
	b.owner = owner
	b.paused = paused
	b.mu.Unlock()
}

// IsPaused implements PauseView.
func (b *Breaker) IsPaused(module string) bool {
	if b == nil || module != b.module {
		return false
	}
	return b.Paused()
}

func (b *Breaker) Paused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.paused
}

func (b *Breaker) Owner() [20]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owner
}

// Authorize returns ErrUnauthorized unless caller is the current owner.
func (b *Breaker) Authorize(caller [20]byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.authorizeLocked(caller)
}

func (b *Breaker) authorizeLocked(caller [20]byte) error {
	if b.owner == ([20]byte{}) || caller != b.owner {
		return ErrUnauthorized
	}
	return nil
}

func (b *Breaker) Pause(caller [20]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.authorizeLocked(caller); err != nil {
		return err
	}
	if b.paused {
		return ErrAlreadyPaused
	}
	b.paused = true
	return nil
}

func (b *Breaker) Unpause(caller [20]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.authorizeLocked(caller); err != nil {
		return err
	}
	if !b.paused {
		return ErrNotPaused
	}
	b.paused = false
	return nil
}

// TransferOwnership hands administrative control to next. It returns the
// previous owner on success.
func (b *Breaker) TransferOwnership(caller, next [20]byte) ([20]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.authorizeLocked(caller); err != nil {
		return [20]byte{}, err
	}
	if next == ([20]byte{}) {
		return [20]byte{}, ErrInvalidOwner
	}
	previous := b.owner
	b.owner = next
	return previous, nil
}
