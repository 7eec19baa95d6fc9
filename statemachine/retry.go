package statemachine

import (
	"github.com/raulk/clock"

	"github.com/dsconnector/connector/entity"
)

// SendRetryManager gates attempts on an entity by its attempt count in the
// current state and the time it entered that state.
type SendRetryManager interface {
	// ShouldDelay reports whether the backoff after the failed attempts so
	// far has not elapsed yet.
	ShouldDelay(e entity.Entity) bool

	// RetriesExhausted reports whether the entity made more attempts in its
	// current state than allowed.
	RetriesExhausted(e entity.Entity) bool
}

type EntitySendRetryManager struct {
	clock   clock.Clock
	factory WaitStrategyFactory
	limit   int
}

var _ SendRetryManager = (*EntitySendRetryManager)(nil)

func NewEntitySendRetryManager(clk clock.Clock, factory WaitStrategyFactory, limit int) *EntitySendRetryManager {
	return &EntitySendRetryManager{clock: clk, factory: factory, limit: limit}
}

func (m *EntitySendRetryManager) ShouldDelay(e entity.Entity) bool {
	b := e.Base()
	retryCount := b.StateCount - 1
	if retryCount <= 0 {
		return false
	}

	ws := m.factory()
	ws.FailedAttempts(retryCount)
	delay := ws.RetryInMillis()
	return b.StateTimestamp+delay > m.clock.Now().UnixMilli()
}

func (m *EntitySendRetryManager) RetriesExhausted(e entity.Entity) bool {
	return e.Base().StateCount > m.limit
}

func (m *EntitySendRetryManager) Limit() int {
	return m.limit
}
