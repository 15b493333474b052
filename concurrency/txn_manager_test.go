package concurrency

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mglock/transaction"
)

func TestTxnManager(t *testing.T) {
	a := NewResourceName("a")

	t.Run("begin hands out distinct ids", func(t *testing.T) {
		m := NewTxnManager(NewLockManager())
		t1 := m.Begin()
		t2 := m.Begin()
		assert.NotEqual(t, t1.GetID(), t2.GetID())
		assert.Len(t, m.ActiveTransactions(), 2)

		m.Commit(t1)
		m.Commit(t2)
		assert.Empty(t, m.ActiveTransactions())
	})

	t.Run("commit releases everything the transaction held", func(t *testing.T) {
		lm := NewLockManager()
		m := NewTxnManager(lm)

		t1 := m.Begin()
		require.NoError(t, lm.Acquire(t1, a, X))
		m.Commit(t1)

		t2 := m.Begin()
		require.NoError(t, lm.Acquire(t2, a, X))
		assert.Equal(t, X, lm.GetLockType(t2, a))
	})

	t.Run("aborting a holder wakes its waiters", func(t *testing.T) {
		lm := NewLockManager()
		m := NewTxnManager(lm)

		t1 := m.Begin()
		require.NoError(t, lm.Acquire(t1, a, X))

		t2 := m.Begin()
		done := make(chan error, 1)
		go func() { done <- lm.Acquire(t2, a, S) }()
		waitBlocked(t, t2)

		m.Abort(t1)
		require.NoError(t, waitDone(t, done))
		assert.Equal(t, S, lm.GetLockType(t2, a))
	})

	t.Run("aborting a waiter unblocks it without a lock", func(t *testing.T) {
		lm := NewLockManager()
		m := NewTxnManager(lm)

		t1 := m.Begin()
		require.NoError(t, lm.Acquire(t1, a, X))

		t2 := m.Begin()
		done := make(chan error, 1)
		go func() { done <- lm.Acquire(t2, a, S) }()
		waitBlocked(t, t2)

		m.Abort(t2)
		require.NoError(t, waitDone(t, done))
		assert.Equal(t, NL, lm.GetLockType(t2, a))
		// only the aborted waiter is retired; t1 is still running
		assert.Equal(t, []transaction.TxnID{t1.GetID()}, m.ActiveTransactions())

		// the queue is clean: t1 can release and re-acquire freely
		require.NoError(t, lm.Release(t1, a))
		require.NoError(t, lm.Acquire(t1, a, S))
	})

	t.Run("many readers drain after a writer commits", func(t *testing.T) {
		lm := NewLockManager()
		m := NewTxnManager(lm)

		writer := m.Begin()
		require.NoError(t, lm.Acquire(writer, a, X))

		const readers = 8
		var wg sync.WaitGroup
		errs := make([]error, readers)
		for i := 0; i < readers; i++ {
			r := m.Begin()
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = lm.Acquire(r, a, S)
			}(i)
		}

		// wait until every reader is queued, then let go of the X
		deadline := assert.Eventually(t, func() bool {
			lm.mut.Lock()
			defer lm.mut.Unlock()
			return len(lm.entry(a).queue) == readers
		}, waitFor, tick)
		require.True(t, deadline)

		m.Commit(writer)
		wg.Wait()
		for i := range errs {
			require.NoError(t, errs[i])
		}
		assert.Len(t, lm.GetLocksOn(a), readers)
	})
}
