package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

var errTransient = &domain.APIError{Kind: domain.ErrTransientServer, Status: 503}

func testSettings(threshold int, recovery time.Duration) Settings {
	return Settings{
		FailureThreshold: threshold,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  recovery,
	}
}

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	b := New("orders", testSettings(3, time.Hour), nil)

	for range 3 {
		err := b.Call(func() error { return errTransient })
		require.ErrorIs(t, err, domain.ErrTransientServer)
	}
	assert.Equal(t, domain.BreakerOpen, b.State().State)

	var invoked atomic.Bool
	err := b.Call(func() error {
		invoked.Store(true)
		return nil
	})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, invoked.Load())

	st := b.State()
	assert.Equal(t, 3, st.FailureCount)
	assert.False(t, st.OpenedAt.IsZero())
	assert.False(t, st.LastFailure.IsZero())
}

func TestSuccessDoesNotResetWindow(t *testing.T) {
	b := New("orders", testSettings(3, time.Hour), nil)

	require.Error(t, b.Call(func() error { return errTransient }))
	require.Error(t, b.Call(func() error { return errTransient }))
	require.NoError(t, b.Call(func() error { return nil }))
	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, domain.BreakerClosed, b.State().State)

	require.Error(t, b.Call(func() error { return errTransient }))
	assert.Equal(t, domain.BreakerOpen, b.State().State)
}

func TestNonFailureErrorsDoNotTrip(t *testing.T) {
	b := New("orders", testSettings(2, time.Hour), nil)
	rejected := &domain.APIError{Kind: domain.ErrBrokerRejected, Status: 400}

	for range 5 {
		err := b.Call(func() error { return rejected })
		require.ErrorIs(t, err, domain.ErrBrokerRejected)
	}
	st := b.State()
	assert.Equal(t, domain.BreakerClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	b := New("orders", testSettings(1, 20*time.Millisecond), nil)
	require.Error(t, b.Call(func() error { return errTransient }))
	require.Equal(t, domain.BreakerOpen, b.State().State)

	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var probes atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Call(func() error {
			probes.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	for range 5 {
		err := b.Call(func() error {
			probes.Add(1)
			return nil
		})
		assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), probes.Load())
	st := b.State()
	assert.Equal(t, domain.BreakerClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestFailedProbeReopens(t *testing.T) {
	b := New("orders", testSettings(1, 20*time.Millisecond), nil)
	require.Error(t, b.Call(func() error { return errTransient }))
	first := b.State().OpenedAt

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, domain.BreakerHalfOpen, b.State().State)

	require.Error(t, b.Call(func() error { return errTransient }))
	st := b.State()
	assert.Equal(t, domain.BreakerOpen, st.State)
	assert.True(t, st.OpenedAt.After(first))
}

func TestStateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var seen []domain.BreakerState
	st := testSettings(1, time.Hour)
	st.OnStateChange = func(_ string, _, to domain.BreakerState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}

	set := NewSet(st, nil)
	b := set.Get("accounts")
	assert.Same(t, b, set.Get("accounts"))
	require.Error(t, b.Call(func() error { return errors.Join(domain.ErrTransientServer) }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.BreakerState{domain.BreakerOpen}, seen)

	states := set.States()
	require.Len(t, states, 1)
	assert.Equal(t, "accounts", states[0].Name)
}

func TestWindowExpiry(t *testing.T) {
	w := newWindow(time.Minute)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.record(base)
	w.record(base.Add(30 * time.Second))

	assert.Equal(t, 2, w.count(base.Add(45*time.Second)))
	assert.Equal(t, 1, w.count(base.Add(61*time.Second)))
	assert.Equal(t, 0, w.count(base.Add(2*time.Minute)))
}
