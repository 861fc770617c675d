package msgstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testjob(t *testing.T, s *Store) *FailedMessagesJob {
	t.Helper()
	return NewFailedMessagesJob(s, JobOptions{Registry: NewIndexRegistry(nil)})
}

func TestFailedMessagesScenario(t *testing.T) {
	s := teststore(t, Options{})
	job := testjob(t, s)
	require.NoError(t, job.BlockingRegisterStoreExtensions())

	a := putMsg(t, s, "alice", DirectionOutgoing, StateSending)
	b := putMsg(t, s, "alice", DirectionOutgoing, StateSent)
	c := putMsg(t, s, "alice", DirectionIncoming, StateSending)

	n, err := job.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, JobDone, job.Phase())

	got, _ := s.Message(a.ID)
	assert.Equal(t, StateFailed, got.State, "stuck outgoing send is failed")
	got, _ = s.Message(b.ID)
	assert.Equal(t, StateSent, got.State, "terminal states untouched")
	got, _ = s.Message(c.ID)
	assert.Equal(t, StateSending, got.State, "inbound messages untouched")
}

func TestFailedMessagesIdempotent(t *testing.T) {
	s := teststore(t, Options{})
	job := testjob(t, s)
	require.NoError(t, job.BlockingRegisterStoreExtensions())

	for i := 0; i < 7; i++ {
		putMsg(t, s, "bob", DirectionOutgoing, StateSending)
	}

	n, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = job.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "second run performs no mutations")
}

func TestBlockingRegisterThenRunDoesNotRace(t *testing.T) {
	s := teststore(t, Options{})

	const msgs = 100
	for i := 0; i < msgs; i++ {
		putMsg(t, s, "carol", DirectionOutgoing, StateSending)
	}

	job := testjob(t, s)
	require.NoError(t, job.BlockingRegisterStoreExtensions())
	n, err := job.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, msgs, n, "enumeration complete with zero delay after registration")
}

func TestRunAsync(t *testing.T) {
	s := teststore(t, Options{})
	m := putMsg(t, s, "dave", DirectionOutgoing, StateSending)

	job := testjob(t, s)
	job.RunAsync(context.Background())

	assert.Eventually(t, func() bool {
		got, err := s.Message(m.ID)
		return err == nil && got.State == StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return job.Phase() == JobDone },
		5*time.Second, 10*time.Millisecond)
}

func TestRunWaitsForAsyncBuild(t *testing.T) {
	s := teststore(t, Options{})
	m := putMsg(t, s, "erin", DirectionOutgoing, StateSending)

	reg := NewIndexRegistry(nil)
	reg.EnsureIndexAsync(s, StateIndex)

	job := NewFailedMessagesJob(s, JobOptions{Registry: reg})
	n, err := job.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Message(m.ID)
	assert.Equal(t, StateFailed, got.State)
}

func TestCommitFailureLeavesStoreUnchanged(t *testing.T) {
	s := teststore(t, Options{})
	job := testjob(t, s)
	require.NoError(t, job.BlockingRegisterStoreExtensions())

	a := putMsg(t, s, "frank", DirectionOutgoing, StateSending)
	b := putMsg(t, s, "frank", DirectionOutgoing, StateSending)

	job.precommit = func() error { return errors.New("disk full") }
	n, err := job.Run(context.Background())
	assert.ErrorIs(t, err, ErrTxFailed)
	assert.Zero(t, n)
	assert.Equal(t, JobFailed, job.Phase())

	for _, id := range []uint64{a.ID, b.ID} {
		got, gerr := s.Message(id)
		require.NoError(t, gerr)
		assert.Equal(t, StateSending, got.State, "full rollback")
	}

	// retrying from scratch is always safe
	job.precommit = nil
	n, err = job.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestActiveSendsAreSkipped(t *testing.T) {
	s := teststore(t, Options{})

	active := putMsg(t, s, "grace", DirectionOutgoing, StateSending)
	stale := putMsg(t, s, "grace", DirectionOutgoing, StateSending)

	job := NewFailedMessagesJob(s, JobOptions{
		Registry:   NewIndexRegistry(nil),
		SendActive: func(id uint64) bool { return id == active.ID },
	})
	require.NoError(t, job.BlockingRegisterStoreExtensions())

	n, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Message(active.ID)
	assert.Equal(t, StateSending, got.State, "in-flight send left alone")
	got, _ = s.Message(stale.ID)
	assert.Equal(t, StateFailed, got.State)
}

func TestRunSurfacesIndexBuildFailure(t *testing.T) {
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	job := testjob(t, s)
	_, err = job.Run(context.Background())
	assert.ErrorIs(t, err, ErrIndexBuildFailed)
	assert.Equal(t, JobFailed, job.Phase())
}

func TestAsyncRegisterStoreExtensions(t *testing.T) {
	s := teststore(t, Options{})
	putMsg(t, s, "heidi", DirectionOutgoing, StateSending)

	AsyncRegisterStoreExtensions(s)
	// the blocking call joins the in-flight build rather than starting another
	require.NoError(t, DefaultRegistry.EnsureIndexBlocking(s, StateIndex))
	assert.Equal(t, IndexReady, DefaultRegistry.Readiness(s, StateIndex.Name))
}
