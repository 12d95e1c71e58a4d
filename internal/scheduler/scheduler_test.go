package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/prism/internal/db/badgerdb"
	"github.com/tarungka/prism/internal/models"
)

type firedLog struct {
	mu     sync.Mutex
	tokens []string
}

func (f *firedLog) fire(_ context.Context, t models.FutureTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, t.Token)
	return nil
}

func (f *firedLog) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func newTestKV(t *testing.T) *badgerdb.DB {
	t.Helper()
	kv, err := badgerdb.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestScheduler_FiresInDueOrder(t *testing.T) {
	kv := newTestKV(t)
	fired := &firedLog{}
	s := New("q1", kv, fired.fire)

	now := time.Now()
	require.NoError(t, s.Enqueue(models.FutureTrigger{QueryID: "q1", DueAt: now.Add(30 * time.Millisecond), Token: "second"}))
	require.NoError(t, s.Enqueue(models.FutureTrigger{QueryID: "q1", DueAt: now.Add(10 * time.Millisecond), Token: "first"}))
	require.NoError(t, s.Enqueue(models.FutureTrigger{QueryID: "q1", DueAt: now.Add(50 * time.Millisecond), Token: "third"}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return len(fired.snapshot()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"first", "second", "third"}, fired.snapshot())
	assert.Zero(t, s.Pending())
}

func TestScheduler_RecoversPersistedTriggers(t *testing.T) {
	kv := newTestKV(t)
	fired := &firedLog{}

	// First incarnation persists but never starts its loop.
	first := New("q1", kv, fired.fire)
	require.NoError(t, first.Enqueue(models.FutureTrigger{QueryID: "q1", DueAt: time.Now().Add(5 * time.Millisecond), Token: "survivor"}))

	// Second incarnation reloads the pending set from the kv store.
	second := New("q1", kv, fired.fire)
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()

	assert.Eventually(t, func() bool {
		return len(fired.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"survivor"}, fired.snapshot())
}

func TestScheduler_DeletesFiredTriggers(t *testing.T) {
	kv := newTestKV(t)
	fired := &firedLog{}
	s := New("q1", kv, fired.fire)

	require.NoError(t, s.Enqueue(models.FutureTrigger{QueryID: "q1", DueAt: time.Now(), Token: "once"}))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(fired.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	// A restart after the fire must find nothing to recover.
	restart := New("q1", kv, fired.fire)
	require.NoError(t, restart.Start(context.Background()))
	defer restart.Stop()
	assert.Zero(t, restart.Pending())
}

func TestScheduler_RequeuesOnFireError(t *testing.T) {
	kv := newTestKV(t)

	var mu sync.Mutex
	attempts := 0
	fire := func(_ context.Context, tr models.FutureTrigger) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return assert.AnError
		}
		return nil
	}

	s := New("q1", kv, fire)
	require.NoError(t, s.Enqueue(models.FutureTrigger{QueryID: "q1", DueAt: time.Now(), Token: "flaky"}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// The failed fire is requeued with a delay and retried: at-least-once.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestScheduler_RetriedFireLeavesNoRecordBehind(t *testing.T) {
	kv := newTestKV(t)

	var mu sync.Mutex
	attempts := 0
	fire := func(_ context.Context, tr models.FutureTrigger) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return assert.AnError
		}
		return nil
	}

	s := New("q1", kv, fire)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Enqueue(models.FutureTrigger{QueryID: "q1", DueAt: time.Now(), Token: "flaky"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 2
	}, 5*time.Second, 20*time.Millisecond)
	s.Stop()

	// The retry shifted the due time; the delete must still remove the
	// record written at enqueue time, or restarts re-fire it forever.
	restart := New("q1", kv, fire)
	require.NoError(t, restart.Start(context.Background()))
	defer restart.Stop()
	assert.Zero(t, restart.Pending())
}

func TestScheduler_EnqueueBeforeStartFiresOnce(t *testing.T) {
	kv := newTestKV(t)
	fired := &firedLog{}
	s := New("q1", kv, fired.fire)

	require.NoError(t, s.Enqueue(models.FutureTrigger{QueryID: "q1", DueAt: time.Now(), Token: "early"}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return len(fired.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Start rebuilds the queue from the store; the pre-start enqueue must
	// not be counted twice.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"early"}, fired.snapshot())
	assert.Zero(t, s.Pending())
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	kv := newTestKV(t)
	s := New("q1", kv, (&firedLog{}).fire)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}
