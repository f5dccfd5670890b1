package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwickdb/syncdb/internal/mclock"
)

func TestUseFastPath(t *testing.T) {
	clk := new(mclock.Simulated)
	q := New(100, nil, 0, clk)

	require.NoError(t, q.Use(context.Background(), 80, time.Hour))
	assert.Equal(t, int64(80), q.Used())
}

// TestFIFOHandOff is scenario S5: limit=100. A uses 80 (fast path). B
// asks for 50 and parks; C asks for 10 and parks after B. A releases 80.
// B must wake and succeed before C, and C must then succeed too, for a
// final used of 60.
func TestFIFOHandOff(t *testing.T) {
	clk := new(mclock.Simulated)
	q := New(100, nil, 0, clk)

	require.NoError(t, q.Use(context.Background(), 80, time.Hour))

	var order []string
	var mu sync.Mutex
	record := func(who string) {
		mu.Lock()
		order = append(order, who)
		mu.Unlock()
	}

	bParked := make(chan struct{})
	cParked := make(chan struct{})
	done := make(chan struct{})

	go func() {
		close(bParked)
		if err := q.Use(context.Background(), 50, time.Hour); err == nil {
			record("B")
		}
		close(done)
	}()
	waitParked(t)

	cDone := make(chan struct{})
	go func() {
		<-bParked
		waitParked(t)
		close(cParked)
		if err := q.Use(context.Background(), 10, time.Hour); err == nil {
			record("C")
		}
		close(cDone)
	}()
	<-cParked
	waitParked(t)

	q.Release(80)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("B never acquired its reservation")
	}
	select {
	case <-cDone:
	case <-time.After(time.Second):
		t.Fatal("C never acquired its reservation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "C"}, order, "B must succeed before C")
	assert.Equal(t, int64(60), q.Used())
}

// TestSetLimitDownsizeThenUse is scenario S6: limit=1000, used=600.
// set_limit(500) fires on_exceeded for a subsequent use(1), which parks
// until a release brings used down to 499 or below.
func TestSetLimitDownsizeThenUse(t *testing.T) {
	clk := new(mclock.Simulated)
	var exceeded int
	var mu sync.Mutex
	q := New(1000, func() {
		mu.Lock()
		exceeded++
		mu.Unlock()
	}, 0, clk)

	require.NoError(t, q.Use(context.Background(), 600, time.Hour))
	q.SetLimit(500)
	assert.Equal(t, int64(500), q.Limit())

	done := make(chan error, 1)
	go func() { done <- q.Use(context.Background(), 1, time.Hour) }()
	waitParked(t)

	mu.Lock()
	fired := exceeded
	mu.Unlock()
	assert.GreaterOrEqual(t, fired, 1, "on_exceeded must fire before parking")

	q.Release(101) // used: 600 -> 499, room for exactly 1 more byte

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("use(1) never woke after the quota had room again")
	}
	assert.Equal(t, int64(500), q.Used())
}

func TestForceUseIgnoresLimit(t *testing.T) {
	clk := new(mclock.Simulated)
	q := New(10, nil, 0, clk)
	q.ForceUse(50)
	assert.Equal(t, int64(50), q.Used())
}

func TestAdjustReconcilesReservation(t *testing.T) {
	clk := new(mclock.Simulated)
	q := New(100, nil, 0, clk)
	require.NoError(t, q.Use(context.Background(), 40, time.Hour)) // reserve an estimate

	q.Adjust(40, 30) // actual size was smaller than reserved
	assert.Equal(t, int64(30), q.Used())
}

func TestUseReturnsErrClosed(t *testing.T) {
	clk := new(mclock.Simulated)
	q := New(10, nil, 0, clk)
	require.NoError(t, q.Use(context.Background(), 10, time.Hour))

	done := make(chan error, 1)
	go func() { done <- q.Use(context.Background(), 1, time.Hour) }()
	waitParked(t)

	q.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a parked Use")
	}

	assert.ErrorIs(t, q.Use(context.Background(), 1, time.Hour), ErrClosed)
}

func TestUseRespectsContextCancellation(t *testing.T) {
	clk := new(mclock.Simulated)
	q := New(10, nil, 0, clk)
	require.NoError(t, q.Use(context.Background(), 10, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Use(ctx, 1, time.Hour) }()
	waitParked(t)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelling ctx did not unblock Use")
	}
}

// TestUseTimesOut is scenario S2's quota-side analogue: limit=10, used=10.
// A second use(1) parks; the simulated clock is advanced past its timeout
// without any Release, so Use must return ErrTimedOut instead of blocking
// forever.
func TestUseTimesOut(t *testing.T) {
	clk := new(mclock.Simulated)
	q := New(10, nil, 0, clk)
	require.NoError(t, q.Use(context.Background(), 10, time.Hour))

	done := make(chan error, 1)
	go func() { done <- q.Use(context.Background(), 1, 50*time.Millisecond) }()
	waitParked(t)

	clk.Run(50 * time.Millisecond)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimedOut)
	case <-time.After(time.Second):
		t.Fatal("Use did not return after the simulated deadline elapsed")
	}
	assert.Equal(t, int64(10), q.Used(), "a timed-out Use must not have reserved anything")
}

// waitParked gives a just-spawned goroutine time to reach its blocking
// Use call before the test proceeds to act on the quota.
func waitParked(t *testing.T) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
}
