package statemachine

import (
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/dsconnector/connector/entity"
)

func TestExponentialWaitStrategy(t *testing.T) {
	f := ExponentialWaitStrategyFactory(time.Second, 10*time.Second, 2, false)

	for n, want := range map[int]int64{0: 0, 1: 1000, 2: 2000, 3: 4000, 4: 8000, 5: 10000, 20: 10000} {
		ws := f()
		ws.FailedAttempts(n)
		require.Equal(t, want, ws.RetryInMillis(), "failures=%d", n)
	}
}

func TestConstantAndNoWait(t *testing.T) {
	ws := ConstantWaitStrategyFactory(1500 * time.Millisecond)()
	ws.FailedAttempts(9)
	require.EqualValues(t, 1500, ws.RetryInMillis())

	nw := NoWaitFactory()
	nw.FailedAttempts(3)
	require.Zero(t, nw.RetryInMillis())
}

func newClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_700_000_000_000))
	return clk
}

func ent(count int, ts int64) *entity.StatefulEntity {
	return &entity.StatefulEntity{ID: "e", State: 100, StateCount: count, StateTimestamp: ts}
}

func TestShouldDelay(t *testing.T) {
	clk := newClock()
	m := NewEntitySendRetryManager(clk, ConstantWaitStrategyFactory(5*time.Second), 3)
	now := clk.Now().UnixMilli()

	require.False(t, m.ShouldDelay(ent(0, now)))
	require.False(t, m.ShouldDelay(ent(1, now)), "first attempt never waits")
	require.True(t, m.ShouldDelay(ent(2, now)))

	clk.Add(5*time.Second - time.Millisecond)
	require.True(t, m.ShouldDelay(ent(2, now)))

	clk.Add(time.Millisecond)
	require.False(t, m.ShouldDelay(ent(2, now)), "deadline reached")
}

func TestShouldDelayScalesWithRetries(t *testing.T) {
	clk := newClock()
	m := NewEntitySendRetryManager(clk, ExponentialWaitStrategyFactory(time.Second, time.Minute, 2, false), 10)
	now := clk.Now().UnixMilli()

	clk.Add(3 * time.Second)
	require.False(t, m.ShouldDelay(ent(2, now)), "1 failure waits 1s")
	require.False(t, m.ShouldDelay(ent(3, now)), "2 failures wait 2s")
	require.True(t, m.ShouldDelay(ent(4, now)), "3 failures wait 4s")
}

type countingStrategy struct {
	calls *int
	n     int
}

func (c *countingStrategy) FailedAttempts(n int) { c.n += n }
func (c *countingStrategy) RetryInMillis() int64 { *c.calls++; return int64(c.n) * 1000 }

func TestFreshStrategyPerDecision(t *testing.T) {
	clk := newClock()
	calls := 0
	m := NewEntitySendRetryManager(clk, func() WaitStrategy { return &countingStrategy{calls: &calls} }, 10)
	now := clk.Now().UnixMilli()
	clk.Add(1500 * time.Millisecond)

	// a shared strategy would accumulate failures across calls
	for i := 0; i < 3; i++ {
		require.False(t, m.ShouldDelay(ent(2, now)))
	}
	require.Equal(t, 3, calls)
}

func TestRetriesExhausted(t *testing.T) {
	m := NewEntitySendRetryManager(newClock(), NoWaitFactory, 7)

	require.False(t, m.RetriesExhausted(ent(1, 0)))
	require.False(t, m.RetriesExhausted(ent(7, 0)))
	require.True(t, m.RetriesExhausted(ent(8, 0)))
	require.Equal(t, 7, m.Limit())
}
