package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasses(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		last   time.Time
		found  bool
		window time.Duration
		want   bool
	}{
		{"no record", time.Time{}, false, 30 * time.Second, true},
		{"zero window", now, true, 0, true},
		{"negative window", now, true, -time.Second, true},
		{"inside window", now.Add(-5 * time.Second), true, 30 * time.Second, false},
		{"exactly window", now.Add(-30 * time.Second), true, 30 * time.Second, true},
		{"after window", now.Add(-31 * time.Second), true, 30 * time.Second, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Passes(tc.last, tc.found, now, tc.window))
		})
	}
}

func TestHeldLease(t *testing.T) {
	var committed []string
	released := 0
	lease := HeldLease(func(_ context.Context, _ time.Time, keys ...string) error {
		committed = append(committed, keys...)
		return nil
	}, func() { released++ })

	require.NoError(t, lease.Commit(context.Background(), time.Now(), "a", "b"))
	lease.Release()
	assert.Equal(t, []string{"a", "b"}, committed)
	assert.Equal(t, 1, released)
	assert.ErrorIs(t, ErrLeaseLost, ErrUnavailable)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "dedupe:almoxarifado:cam-001:intrusion", DedupeKey("almoxarifado", "cam-001", "intrusion"))
	assert.Equal(t, "suppress:almoxarifado:cam-001", SuppressionKey("almoxarifado", "cam-001"))
}

// exerciseStore runs the shared Store contract against a backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, found, err := s.Last(ctx, "dedupe:z:c:intrusion")
	require.NoError(t, err)
	assert.False(t, found)

	at := time.Date(2026, 3, 10, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, s.Commit(ctx, at, "dedupe:z:c:intrusion", "suppress:z:c"))

	for _, key := range []string{"dedupe:z:c:intrusion", "suppress:z:c"} {
		got, found, err := s.Last(ctx, key)
		require.NoError(t, err)
		require.True(t, found, key)
		assert.True(t, at.Equal(got), "%s: got %s", key, got)
	}

	later := at.Add(time.Minute)
	require.NoError(t, s.Commit(ctx, later, "suppress:z:c"))
	got, _, err := s.Last(ctx, "suppress:z:c")
	require.NoError(t, err)
	assert.True(t, later.Equal(got))
}

// exerciseSerialization checks that a key admits one holder at a time while a
// different key stays free.
func exerciseSerialization(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	const workers = 16
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
		passed  atomic.Int32
	)
	now := time.Now().UTC()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := s.Acquire(ctx, "suppress:z:c")
			if !assert.NoError(t, err) {
				return
			}
			defer lease.Release()
			n := inside.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			last, found, err := s.Last(ctx, "dedupe:z:c:intrusion")
			assert.NoError(t, err)
			if Passes(last, found, now, time.Minute) {
				passed.Add(1)
				assert.NoError(t, lease.Commit(ctx, now, "dedupe:z:c:intrusion", "suppress:z:c"))
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, int32(1), passed.Load())

	lease, err := s.Acquire(ctx, "suppress:z:c")
	require.NoError(t, err)
	other, err := s.Acquire(ctx, "suppress:z:other")
	require.NoError(t, err)
	other.Release()
	lease.Release()
}
