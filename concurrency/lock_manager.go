package concurrency

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"mglock/transaction"
)

// Lock is a granted lock: a (resource, mode, transaction) triple. Mode is
// never NL; a transaction holds at most one Lock per resource.
type Lock struct {
	Name  ResourceName
	Mode  LockMode
	TxnID transaction.TxnID
}

// lockRequest is a queued proposal: grant lock to txn and, once granted,
// atomically release the transaction's locks on releaseNames.
type lockRequest struct {
	txn          transaction.Transaction
	lock         Lock
	releaseNames []ResourceName
}

// resourceEntry holds the per-resource lock state: the granted locks in
// acquisition order and the FIFO queue of requests that could not be
// satisfied yet. Its methods receive the owning manager explicitly because
// granting and releasing must keep the manager's reverse index in sync.
type resourceEntry struct {
	granted []Lock
	queue   []lockRequest
}

// lockTypeOf returns the mode txnID holds on this resource, or NL.
func (e *resourceEntry) lockTypeOf(txnID transaction.TxnID) LockMode {
	for i := range e.granted {
		if e.granted[i].TxnID == txnID {
			return e.granted[i].Mode
		}
	}
	return NL
}

// checkCompatible reports whether mode is compatible with every granted lock
// except those held by the transaction except. Skipping one's own locks is
// what lets a transaction replace a lock it already holds.
func (e *resourceEntry) checkCompatible(mode LockMode, except transaction.TxnID) bool {
	for i := range e.granted {
		if e.granted[i].TxnID == except {
			continue
		}
		if !Compatible(e.granted[i].Mode, mode) {
			return false
		}
	}
	return true
}

// grantOrUpdate gives l's transaction the lock l, assuming compatibility has
// been checked. If the transaction already holds a lock on this resource the
// mode is rewritten in place, preserving the lock's acquisition order in
// both the granted list and the transaction's reverse index.
func (e *resourceEntry) grantOrUpdate(lm *LockManager, l Lock) {
	for i := range e.granted {
		if e.granted[i].TxnID == l.TxnID {
			e.granted[i].Mode = l.Mode
			held := lm.transactionLocks[l.TxnID]
			for j := range held {
				if held[j].Name == l.Name {
					held[j].Mode = l.Mode
					break
				}
			}
			return
		}
	}
	e.granted = append(e.granted, l)
	lm.transactionLocks[l.TxnID] = append(lm.transactionLocks[l.TxnID], l)
}

// release removes txnID's lock on this resource from both indices and drains
// the queue. Panics if no such lock exists; callers validate first.
func (e *resourceEntry) release(lm *LockManager, txnID transaction.TxnID, name ResourceName) {
	idx := -1
	for i := range e.granted {
		if e.granted[i].TxnID == txnID {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic("releasing a lock that is not held")
	}
	e.granted = append(e.granted[:idx], e.granted[idx+1:]...)

	held := lm.transactionLocks[txnID]
	for i := range held {
		if held[i].Name == name {
			lm.transactionLocks[txnID] = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(lm.transactionLocks[txnID]) == 0 {
		delete(lm.transactionLocks, txnID)
	}

	e.drain(lm)
}

func (e *resourceEntry) addToQueue(req lockRequest, front bool) {
	if front {
		e.queue = append([]lockRequest{req}, e.queue...)
	} else {
		e.queue = append(e.queue, req)
	}
}

// drain grants queued requests from the front, stopping at the first one
// whose mode conflicts with the current granted set. Only the head is ever
// considered, so a queued conflict blocks every request behind it even if
// some would be compatible. Releasing paired resources may cascade into
// other entries' drains, which in turn may re-enter this one; the head is
// therefore re-read on every pass.
func (e *resourceEntry) drain(lm *LockManager) {
	for len(e.queue) > 0 {
		req := e.queue[0]
		if !e.checkCompatible(req.lock.Mode, req.lock.TxnID) {
			return
		}
		e.queue = e.queue[1:]
		e.grantOrUpdate(lm, req.lock)
		for _, rn := range req.releaseNames {
			if rn == req.lock.Name {
				// the lock being replaced in place, already rewritten above
				continue
			}
			lm.entry(rn).release(lm, req.lock.TxnID, rn)
		}
		req.txn.Unblock()
	}
}

// LockManager is the flat lock table: it tracks which transactions hold
// which modes on which resources and queues requests that cannot be granted
// yet. It treats every resource independently; multigranularity constraints
// live in LockContext, which delegates all table mutations here.
//
// All table state is guarded by a single monitor. A transaction that must
// wait is marked prepare-to-block under the monitor and suspends itself only
// after the monitor is released.
type LockManager struct {
	mut sync.Mutex

	// resourceEntries maps each resource seen so far to its lock state.
	resourceEntries map[ResourceName]*resourceEntry

	// transactionLocks is the reverse index: every lock a transaction holds,
	// in acquisition order. Kept in strict sync with the granted lists.
	transactionLocks map[transaction.TxnID][]Lock

	// contexts holds the lazily created root lock contexts by name.
	contexts map[string]*LockContext
}

func NewLockManager() *LockManager {
	return &LockManager{
		resourceEntries:  map[ResourceName]*resourceEntry{},
		transactionLocks: map[transaction.TxnID][]Lock{},
		contexts:         map[string]*LockContext{},
	}
}

// entry returns the resourceEntry for name, creating it on first reference.
// Callers hold the monitor.
func (lm *LockManager) entry(name ResourceName) *resourceEntry {
	e, ok := lm.resourceEntries[name]
	if !ok {
		e = &resourceEntry{}
		lm.resourceEntries[name] = e
	}
	return e
}

// Acquire grants txn a mode lock on name, or blocks until it can. If the
// request conflicts with a granted lock or the resource already has a queue,
// the request is placed at the back of the queue; no queue bypass, so a line
// of readers cannot starve a writer at the head.
//
// Returns ErrDuplicateLockRequest if txn already holds a lock on name.
func (lm *LockManager) Acquire(txn transaction.Transaction, name ResourceName, mode LockMode) error {
	shouldBlock, err := lm.acquire(txn, name, mode)
	if err != nil {
		return err
	}
	if shouldBlock {
		txn.Block()
	}
	return nil
}

func (lm *LockManager) acquire(txn transaction.Transaction, name ResourceName, mode LockMode) (bool, error) {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	if mode == NL {
		return false, errors.Wrapf(ErrInvalidLock, "acquire NL on %s: release the lock instead", name)
	}
	e := lm.entry(name)
	if e.lockTypeOf(txn.GetID()) != NL {
		return false, errors.Wrapf(ErrDuplicateLockRequest, "txn %d already holds a lock on %s", txn.GetID(), name)
	}

	l := Lock{Name: name, Mode: mode, TxnID: txn.GetID()}
	if !e.checkCompatible(mode, txn.GetID()) || len(e.queue) > 0 {
		txn.PrepareToBlock()
		e.addToQueue(lockRequest{txn: txn, lock: l}, false)
		return true, nil
	}
	e.grantOrUpdate(lm, l)
	return false, nil
}

// Release removes txn's lock on name and drains the resource's queue.
//
// Returns ErrNoLockHeld if txn holds no lock on name.
func (lm *LockManager) Release(txn transaction.Transaction, name ResourceName) error {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	e := lm.entry(name)
	if e.lockTypeOf(txn.GetID()) == NL {
		return errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", txn.GetID(), name)
	}
	e.release(lm, txn.GetID(), name)
	return nil
}

// Promote replaces txn's lock on name with newMode in place, preserving its
// acquisition order, or blocks with the request at the front of the queue if
// newMode conflicts with another transaction's lock.
//
// Promotion to SIX is rejected with ErrInvalidLock: the multigranularity
// layer must drop the transaction's redundant descendant S/IS locks
// atomically with that promotion, which is what AcquireAndRelease is for.
func (lm *LockManager) Promote(txn transaction.Transaction, name ResourceName, newMode LockMode) error {
	shouldBlock, err := lm.promote(txn, name, newMode)
	if err != nil {
		return err
	}
	if shouldBlock {
		txn.Block()
	}
	return nil
}

func (lm *LockManager) promote(txn transaction.Transaction, name ResourceName, newMode LockMode) (bool, error) {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	e := lm.entry(name)
	cur := e.lockTypeOf(txn.GetID())
	if cur == NL {
		return false, errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", txn.GetID(), name)
	}
	if cur == newMode {
		return false, errors.Wrapf(ErrDuplicateLockRequest, "txn %d already holds %s on %s", txn.GetID(), newMode, name)
	}
	if newMode == SIX {
		return false, errors.Wrapf(ErrInvalidLock, "promotion to SIX must go through AcquireAndRelease")
	}
	if !Substitutable(newMode, cur) {
		return false, errors.Wrapf(ErrInvalidLock, "%s is not substitutable for %s on %s", newMode, cur, name)
	}

	l := Lock{Name: name, Mode: newMode, TxnID: txn.GetID()}
	if !e.checkCompatible(newMode, txn.GetID()) {
		txn.PrepareToBlock()
		e.addToQueue(lockRequest{txn: txn, lock: l}, true)
		return true, nil
	}
	e.grantOrUpdate(lm, l)
	return false, nil
}

// AcquireAndRelease grants (or rewrites in place) a mode lock on name for
// txn and then releases the transaction's locks on every resource in
// releaseNames, as one atomic step: no other transaction observes the locks
// released without the new one granted, or the reverse. name itself may
// appear in releaseNames, which is how an in-place replacement to an
// arbitrary mode is expressed.
//
// Compatibility on name ignores txn's own locks, so replacing one's own S
// with X is not blocked by self-conflict. If the request conflicts with
// another transaction it is queued at the front, carrying the release set.
//
// Returns ErrNoLockHeld if txn lacks a lock on any of releaseNames, and
// ErrDuplicateLockRequest if txn already holds mode on name and name is not
// being released.
func (lm *LockManager) AcquireAndRelease(txn transaction.Transaction, name ResourceName, mode LockMode, releaseNames []ResourceName) error {
	shouldBlock, err := lm.acquireAndRelease(txn, name, mode, releaseNames)
	if err != nil {
		return err
	}
	if shouldBlock {
		txn.Block()
	}
	return nil
}

func (lm *LockManager) acquireAndRelease(txn transaction.Transaction, name ResourceName, mode LockMode, releaseNames []ResourceName) (bool, error) {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	if mode == NL {
		return false, errors.Wrapf(ErrInvalidLock, "acquire NL on %s: release the lock instead", name)
	}
	e := lm.entry(name)
	id := txn.GetID()

	// cascading drains must converge regardless of release order; a sorted
	// copy keeps them deterministic for testing
	release := make([]ResourceName, len(releaseNames))
	copy(release, releaseNames)
	sort.Slice(release, func(i, j int) bool { return release[i].path < release[j].path })

	releasingSelf := false
	for _, rn := range release {
		if rn == name {
			releasingSelf = true
		}
		if lm.entry(rn).lockTypeOf(id) == NL {
			return false, errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", id, rn)
		}
	}
	if e.lockTypeOf(id) == mode && !releasingSelf {
		return false, errors.Wrapf(ErrDuplicateLockRequest, "txn %d already holds %s on %s", id, mode, name)
	}

	l := Lock{Name: name, Mode: mode, TxnID: id}
	if !e.checkCompatible(mode, id) {
		txn.PrepareToBlock()
		e.addToQueue(lockRequest{txn: txn, lock: l, releaseNames: release}, true)
		return true, nil
	}

	e.grantOrUpdate(lm, l)
	for _, rn := range release {
		if rn == name {
			continue
		}
		lm.entry(rn).release(lm, id, rn)
	}
	return false, nil
}

// GetLockType returns the mode txn holds on name, or NL.
func (lm *LockManager) GetLockType(txn transaction.Transaction, name ResourceName) LockMode {
	lm.mut.Lock()
	defer lm.mut.Unlock()
	return lm.entry(name).lockTypeOf(txn.GetID())
}

// GetLocksOn returns a snapshot of the locks held on name, in acquisition
// order.
func (lm *LockManager) GetLocksOn(name ResourceName) []Lock {
	lm.mut.Lock()
	defer lm.mut.Unlock()
	e, ok := lm.resourceEntries[name]
	if !ok {
		return nil
	}
	return append([]Lock(nil), e.granted...)
}

// GetLocksOf returns a snapshot of the locks txn holds, in acquisition
// order. Acquisition order is stable across promotions and in-place
// replacements of the same resource.
func (lm *LockManager) GetLocksOf(txn transaction.Transaction) []Lock {
	lm.mut.Lock()
	defer lm.mut.Unlock()
	return append([]Lock(nil), lm.transactionLocks[txn.GetID()]...)
}

// ReleaseAll releases every lock txn still holds, in reverse acquisition
// order so descendants go before their ancestors, draining each affected
// queue. Used by the transaction manager at commit and abort.
func (lm *LockManager) ReleaseAll(txn transaction.Transaction) {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	id := txn.GetID()
	held := append([]Lock(nil), lm.transactionLocks[id]...)
	for i := len(held) - 1; i >= 0; i-- {
		lm.entry(held[i].Name).release(lm, id, held[i].Name)
	}
	for _, c := range lm.contexts {
		c.forgetTxn(id)
	}
}

// AbortQueuedRequests removes every pending request txn has on any queue and
// unblocks it, draining queues whose head changed. A request scrubbed this
// way is never granted; the transaction is expected to be aborting, so its
// pending Acquire returning without a lock is of no consequence.
func (lm *LockManager) AbortQueuedRequests(txn transaction.Transaction) {
	lm.mut.Lock()
	defer lm.mut.Unlock()

	id := txn.GetID()
	for _, e := range lm.resourceEntries {
		kept := e.queue[:0]
		removed := false
		for _, req := range e.queue {
			if req.lock.TxnID == id {
				removed = true
				continue
			}
			kept = append(kept, req)
		}
		e.queue = kept
		if removed {
			e.drain(lm)
		}
	}
	txn.Unblock()
}

// Context returns the root lock context called name, creating it on first
// reference.
func (lm *LockManager) Context(name string) *LockContext {
	lm.mut.Lock()
	defer lm.mut.Unlock()
	c, ok := lm.contexts[name]
	if !ok {
		c = newLockContext(lm, nil, NewResourceName(name))
		lm.contexts[name] = c
	}
	return c
}

// DatabaseContext returns the lock context for the root of the resource
// tree.
func (lm *LockManager) DatabaseContext() *LockContext {
	return lm.Context(RootResource)
}

// contextFor resolves name to its lock context, creating intermediate
// contexts along the path as needed.
func (lm *LockManager) contextFor(name ResourceName) *LockContext {
	segs := name.segments()
	c := lm.Context(segs[0])
	for _, s := range segs[1:] {
		c = c.ChildContext(s)
	}
	return c
}
