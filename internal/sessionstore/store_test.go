package sessionstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/ccgateway/internal/apierror"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path, 10, time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, "upstream-token", "cred-a")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	got, err := s.Get(ctx, sess.ID, "cred-a")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestOwnershipIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, "tok", "cred-a")
	require.NoError(t, err)

	_, err = s.Get(ctx, sess.ID, "cred-b")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.SessionNotFound, apiErr.Kind)
}

func TestQuotaEnforced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path, 2, time.Hour, nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Create(ctx, "t1", "cred")
	require.NoError(t, err)
	_, err = s.Create(ctx, "t2", "cred")
	require.NoError(t, err)

	_, err = s.Create(ctx, "t3", "cred")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.SessionLimit, apiErr.Kind)
}

func TestDeletePurgesLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, "tok", "cred")
	require.NoError(t, err)

	require.NoError(t, s.Acquire(ctx, sess.ID))
	s.Release(sess.ID)

	ok, err := s.Delete(ctx, sess.ID, "cred")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, sess.ID, "cred")
	require.Error(t, err)
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)
	s.ttl = 10 * time.Millisecond
	ctx := context.Background()

	sess, err := s.Create(ctx, "tok", "cred")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, sess.ID, "cred")
	require.Error(t, err)
}

func TestLockFIFOOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "session-x"

	require.NoError(t, s.Acquire(ctx, id))

	var order []string
	var mu sync.Mutex
	bAcquired := make(chan struct{})
	cAcquired := make(chan struct{})

	go func() {
		require.NoError(t, s.Acquire(ctx, id))
		mu.Lock()
		order = append(order, "B")
		mu.Unlock()
		close(bAcquired)
	}()
	time.Sleep(20 * time.Millisecond) // ensure B enqueues before C

	go func() {
		require.NoError(t, s.Acquire(ctx, id))
		mu.Lock()
		order = append(order, "C")
		mu.Unlock()
		close(cAcquired)
	}()
	time.Sleep(20 * time.Millisecond)

	s.Release(id) // A -> B
	<-bAcquired
	s.Release(id) // B -> C
	<-cAcquired
	s.Release(id)

	assert.Equal(t, []string{"B", "C"}, order)
}

func TestLockCancellationReleasesWaiter(t *testing.T) {
	s := newTestStore(t)
	id := "session-y"

	require.NoError(t, s.Acquire(context.Background(), id))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, id) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-done
	require.Error(t, err)

	s.Release(id)
}
