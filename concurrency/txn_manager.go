package concurrency

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"mglock/transaction"
)

// TxnManager keeps track of running transactions and tears their locks down
// at commit and abort. Locks are held until the very end of the transaction
// and released in one sweep (strict two-phase locking); the host is expected
// to abort one side of a deadlock, which is what Abort is for.
type TxnManager interface {
	Begin() transaction.Transaction
	Commit(transaction.Transaction)
	Abort(transaction.Transaction)

	ActiveTransactions() []transaction.TxnID
}

var _ TxnManager = &TxnManagerImpl{}

type TxnManagerImpl struct {
	lockman    *LockManager
	actives    map[transaction.TxnID]*txn
	txnCounter atomic.Uint64
	mut        sync.Mutex
}

// txn couples the blocking transaction handle with a trace id used to
// correlate log lines across components.
type txn struct {
	transaction.Transaction
	trace uuid.UUID
}

func NewTxnManager(lockman *LockManager) *TxnManagerImpl {
	return &TxnManagerImpl{
		lockman: lockman,
		actives: map[transaction.TxnID]*txn{},
	}
}

func (m *TxnManagerImpl) Begin() transaction.Transaction {
	id := transaction.TxnID(m.txnCounter.Add(1))
	t := &txn{Transaction: transaction.New(id), trace: uuid.New()}

	m.mut.Lock()
	m.actives[id] = t
	m.mut.Unlock()
	return t
}

// Commit releases every lock the transaction holds, draining the affected
// queues, and retires it.
func (m *TxnManagerImpl) Commit(t transaction.Transaction) {
	m.lockman.ReleaseAll(t)
	m.retire(t.GetID())
}

// Abort scrubs the transaction's pending requests from every queue, wakes it
// if it was blocked, then releases whatever locks it had been granted. Safe
// to call on a transaction currently suspended in Acquire.
func (m *TxnManagerImpl) Abort(t transaction.Transaction) {
	m.lockman.AbortQueuedRequests(t)
	m.lockman.ReleaseAll(t)

	m.mut.Lock()
	if mt, ok := m.actives[t.GetID()]; ok {
		log.Printf("aborted txn %d (trace %s)", t.GetID(), mt.trace)
	}
	m.mut.Unlock()
	m.retire(t.GetID())
}

func (m *TxnManagerImpl) ActiveTransactions() []transaction.TxnID {
	m.mut.Lock()
	defer m.mut.Unlock()
	ids := make([]transaction.TxnID, 0, len(m.actives))
	for id := range m.actives {
		ids = append(ids, id)
	}
	return ids
}

func (m *TxnManagerImpl) retire(id transaction.TxnID) {
	m.mut.Lock()
	delete(m.actives, id)
	m.mut.Unlock()
}
