package concurrency

import (
	"sync"

	"github.com/pkg/errors"

	"mglock/transaction"
)

// LockContext wraps one resource in the tree and enforces the
// multigranularity constraints on top of the flat lock table: intent locks
// on ancestors before real locks below them, children released before their
// parents, no redundant locks under a SIX ancestor. All actual table
// mutations are delegated to the LockManager.
//
// Contexts are created lazily and live for the lifetime of the manager. The
// parent pointer is a non-owning reference into the same tree.
type LockContext struct {
	lockman *LockManager
	parent  *LockContext
	name    ResourceName

	// readonly contexts refuse all mutating operations.
	readonly bool

	mut      sync.Mutex
	children map[string]*LockContext

	// numChildLocks counts, per transaction, the distinct descendant
	// contexts on which that transaction holds a non-NL lock.
	numChildLocks map[transaction.TxnID]int
}

func newLockContext(lm *LockManager, parent *LockContext, name ResourceName) *LockContext {
	return &LockContext{
		lockman:       lm,
		parent:        parent,
		name:          name,
		children:      map[string]*LockContext{},
		numChildLocks: map[transaction.TxnID]int{},
	}
}

// Name returns the resource this context stands for.
func (c *LockContext) Name() ResourceName {
	return c.name
}

// Parent returns the parent context, or nil at a root.
func (c *LockContext) Parent() *LockContext {
	return c.parent
}

// ChildContext returns the context for the child resource called name,
// creating it on first reference. Readonly propagates to children.
func (c *LockContext) ChildContext(name string) *LockContext {
	c.mut.Lock()
	defer c.mut.Unlock()
	child, ok := c.children[name]
	if !ok {
		child = newLockContext(c.lockman, c, c.name.Child(name))
		child.readonly = c.readonly
		c.children[name] = child
	}
	return child
}

// MarkReadonly makes every mutating operation on this context fail with
// ErrUnsupportedOperation. Children created afterwards inherit the flag.
func (c *LockContext) MarkReadonly() {
	c.readonly = true
}

// NumChildLocks returns how many descendant contexts txnID currently holds a
// lock on.
func (c *LockContext) NumChildLocks(txnID transaction.TxnID) int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.numChildLocks[txnID]
}

// Acquire obtains a mode lock on this resource for txn, after checking that
// the parent's explicit lock permits it and that no SIX ancestor already
// confers the requested right.
func (c *LockContext) Acquire(txn transaction.Transaction, mode LockMode) error {
	if c.readonly {
		return errors.Wrapf(ErrUnsupportedOperation, "context %s is readonly", c.name)
	}
	if mode == NL {
		return errors.Wrapf(ErrInvalidLock, "acquire NL on %s: release the lock instead", c.name)
	}
	if (mode == S || mode == IS) && c.hasSIXAncestor(txn) {
		return errors.Wrapf(ErrInvalidLock, "%s on %s is redundant under a SIX ancestor", mode, c.name)
	}
	if c.parent != nil {
		pm := c.parent.GetExplicitLockType(txn)
		if !CanBeParentLock(pm, mode) {
			return errors.Wrapf(ErrInvalidLock, "parent %s holds %s, which cannot sit above %s", c.parent.name, pm, mode)
		}
	}

	if err := c.lockman.Acquire(txn, c.name, mode); err != nil {
		return err
	}
	c.bumpAncestors(txn.GetID(), 1)
	return nil
}

// Release drops txn's lock on this resource. Children go first: releasing a
// context that still has descendant locks for txn fails with ErrInvalidLock.
func (c *LockContext) Release(txn transaction.Transaction) error {
	if c.readonly {
		return errors.Wrapf(ErrUnsupportedOperation, "context %s is readonly", c.name)
	}
	if c.NumChildLocks(txn.GetID()) > 0 {
		return errors.Wrapf(ErrInvalidLock, "txn %d still holds locks below %s", txn.GetID(), c.name)
	}

	if err := c.lockman.Release(txn, c.name); err != nil {
		return err
	}
	c.bumpAncestors(txn.GetID(), -1)
	return nil
}

// Promote upgrades txn's lock here to newMode in place. Promoting into SIX
// is special: the transaction's S and IS locks below this context become
// redundant, so they are dropped atomically with the upgrade through a
// single AcquireAndRelease on the manager. Every other target goes through a
// plain manager promote.
func (c *LockContext) Promote(txn transaction.Transaction, newMode LockMode) error {
	if c.readonly {
		return errors.Wrapf(ErrUnsupportedOperation, "context %s is readonly", c.name)
	}

	cur := c.GetExplicitLockType(txn)
	if cur == NL {
		return errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", txn.GetID(), c.name)
	}
	if cur == newMode {
		return errors.Wrapf(ErrDuplicateLockRequest, "txn %d already holds %s on %s", txn.GetID(), newMode, c.name)
	}

	if newMode == SIX {
		if c.hasSIXAncestor(txn) {
			return errors.Wrapf(ErrInvalidLock, "SIX on %s is redundant under a SIX ancestor", c.name)
		}
		if cur != IS && cur != IX && cur != S {
			return errors.Wrapf(ErrInvalidLock, "cannot promote %s to SIX on %s", cur, c.name)
		}
		sis := c.sisDescendants(txn)
		releaseNames := append(append([]ResourceName(nil), sis...), c.name)
		if err := c.lockman.AcquireAndRelease(txn, c.name, SIX, releaseNames); err != nil {
			return err
		}
		c.noteDescendantsReleased(txn.GetID(), sis)
		return nil
	}

	if !Substitutable(newMode, cur) {
		return errors.Wrapf(ErrInvalidLock, "%s is not substitutable for %s on %s", newMode, cur, c.name)
	}
	if c.parent != nil {
		pm := c.parent.GetExplicitLockType(txn)
		if !CanBeParentLock(pm, newMode) {
			return errors.Wrapf(ErrInvalidLock, "parent %s holds %s, which cannot sit above %s", c.parent.name, pm, newMode)
		}
	}
	return c.lockman.Promote(txn, c.name, newMode)
}

// Escalate coarsens all of txn's locks in the subtree rooted here into a
// single S or X lock on this context. The target is X if this lock or any
// descendant lock is IX, SIX or X, otherwise S. Escalating an S or X lock
// with no descendant locks is a no-op, which makes escalation idempotent.
func (c *LockContext) Escalate(txn transaction.Transaction) error {
	if c.readonly {
		return errors.Wrapf(ErrUnsupportedOperation, "context %s is readonly", c.name)
	}

	cur := c.GetExplicitLockType(txn)
	if cur == NL {
		return errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", txn.GetID(), c.name)
	}

	target := S
	if cur == IX || cur == SIX || cur == X {
		target = X
	}
	var descendants []ResourceName
	for _, l := range c.lockman.GetLocksOf(txn) {
		if !l.Name.IsDescendantOf(c.name) {
			continue
		}
		descendants = append(descendants, l.Name)
		if l.Mode == IX || l.Mode == SIX || l.Mode == X {
			target = X
		}
	}

	if len(descendants) == 0 && (cur == S || cur == X) {
		return nil
	}

	releaseNames := append(append([]ResourceName(nil), descendants...), c.name)
	if err := c.lockman.AcquireAndRelease(txn, c.name, target, releaseNames); err != nil {
		return err
	}
	c.noteDescendantsReleased(txn.GetID(), descendants)
	return nil
}

// GetExplicitLockType returns the mode txn holds directly on this resource,
// or NL.
func (c *LockContext) GetExplicitLockType(txn transaction.Transaction) LockMode {
	return c.lockman.GetLockType(txn, c.name)
}

// GetEffectiveLockType returns the mode txn effectively has here once
// ancestors are considered: an S, X or SIX ancestor confers S or X on the
// whole subtree beneath it, while IS and IX confer nothing by themselves.
func (c *LockContext) GetEffectiveLockType(txn transaction.Transaction) LockMode {
	best := c.GetExplicitLockType(txn)
	for a := c.parent; a != nil; a = a.parent {
		p := projectToDescendants(a.GetExplicitLockType(txn))
		if Substitutable(p, best) {
			best = p
		}
	}
	return best
}

// projectToDescendants maps an ancestor's mode to the right it confers on
// every descendant.
func projectToDescendants(m LockMode) LockMode {
	switch m {
	case S, X:
		return m
	case SIX:
		return S
	default:
		return NL
	}
}

// hasSIXAncestor reports whether txn holds SIX on any ancestor of this
// context.
func (c *LockContext) hasSIXAncestor(txn transaction.Transaction) bool {
	for a := c.parent; a != nil; a = a.parent {
		if a.GetExplicitLockType(txn) == SIX {
			return true
		}
	}
	return false
}

// sisDescendants lists the descendants of this context on which txn holds S
// or IS, i.e. the locks made redundant by promoting this one to SIX.
func (c *LockContext) sisDescendants(txn transaction.Transaction) []ResourceName {
	var names []ResourceName
	for _, l := range c.lockman.GetLocksOf(txn) {
		if (l.Mode == S || l.Mode == IS) && l.Name.IsDescendantOf(c.name) {
			names = append(names, l.Name)
		}
	}
	return names
}

// bumpAncestors adjusts the child-lock count for txnID on every ancestor of
// this context.
func (c *LockContext) bumpAncestors(txnID transaction.TxnID, delta int) {
	for a := c.parent; a != nil; a = a.parent {
		a.addChildLock(txnID, delta)
	}
}

// noteDescendantsReleased decrements the child-lock counts along the
// ancestor chain of every released descendant.
func (c *LockContext) noteDescendantsReleased(txnID transaction.TxnID, released []ResourceName) {
	for _, name := range released {
		c.lockman.contextFor(name).bumpAncestors(txnID, -1)
	}
}

func (c *LockContext) addChildLock(txnID transaction.TxnID, delta int) {
	c.mut.Lock()
	defer c.mut.Unlock()
	n := c.numChildLocks[txnID] + delta
	if n < 0 {
		panic("child lock count below zero")
	}
	if n == 0 {
		delete(c.numChildLocks, txnID)
		return
	}
	c.numChildLocks[txnID] = n
}

// forgetTxn drops txnID's child-lock counts in this subtree. Called by the
// manager when a transaction's locks are torn down wholesale.
func (c *LockContext) forgetTxn(txnID transaction.TxnID) {
	c.mut.Lock()
	delete(c.numChildLocks, txnID)
	children := make([]*LockContext, 0, len(c.children))
	for _, child := range c.children {
		children = append(children, child)
	}
	c.mut.Unlock()
	for _, child := range children {
		child.forgetTxn(txnID)
	}
}
