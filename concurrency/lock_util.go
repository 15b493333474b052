package concurrency

import (
	"github.com/pkg/errors"

	"mglock/transaction"
)

// EnsureSufficientLockHeld brings ctx and its ancestors into a state where
// txn can perform actions requiring requestType on ctx's resource, choosing
// the least permissive sequence of acquires, promotes and escalations that
// gets there. requestType must be S, X or NL; NL requests need nothing and
// return immediately. The call is idempotent: once sufficient locks are
// held, calling it again performs no work.
func EnsureSufficientLockHeld(txn transaction.Transaction, ctx *LockContext, requestType LockMode) error {
	if requestType != S && requestType != X && requestType != NL {
		return errors.Wrapf(ErrInvalidLock, "request must be S, X or NL, got %s", requestType)
	}
	if txn == nil || ctx == nil || requestType == NL {
		return nil
	}

	effective := ctx.GetEffectiveLockType(txn)
	explicit := ctx.GetExplicitLockType(txn)
	if Substitutable(effective, requestType) || Substitutable(explicit, requestType) {
		return nil
	}

	if err := ensureAncestorLocks(txn, ctx.Parent(), ParentMode(requestType)); err != nil {
		return err
	}

	switch {
	case explicit == IX && requestType == S:
		// the one path that creates SIX: keep the write intent, add the read
		return ctx.Promote(txn, SIX)
	case explicit.IsIntent():
		// coarsen the subtree into S or X here; an IS lock escalates to S,
		// which a request for X then upgrades in place
		if err := ctx.Escalate(txn); err != nil {
			return err
		}
		if got := ctx.GetExplicitLockType(txn); !Substitutable(got, requestType) {
			return ctx.Promote(txn, requestType)
		}
		return nil
	case explicit == NL:
		return ctx.Acquire(txn, requestType)
	default:
		// S held, X requested
		return ctx.Promote(txn, requestType)
	}
}

// ensureAncestorLocks walks up from ctx making sure each ancestor holds at
// least need (IS below a read, IX below a write), grandparents first so the
// parent-intent invariant holds at every step.
func ensureAncestorLocks(txn transaction.Transaction, ctx *LockContext, need LockMode) error {
	if ctx == nil {
		return nil
	}
	explicit := ctx.GetExplicitLockType(txn)
	effective := ctx.GetEffectiveLockType(txn)
	if ancestorSufficient(effective, need) || ancestorSufficient(explicit, need) {
		return nil
	}
	if err := ensureAncestorLocks(txn, ctx.Parent(), ParentMode(need)); err != nil {
		return err
	}
	switch {
	case explicit == NL:
		return ctx.Acquire(txn, need)
	case explicit == S && need == IX:
		// keep the read, add the write intent
		return ctx.Promote(txn, SIX)
	default:
		return ctx.Promote(txn, need)
	}
}

// ancestorSufficient reports whether holding m satisfies an ancestor
// requirement of need. SIX confers both intent rights, which plain
// substitutability does not capture.
func ancestorSufficient(m, need LockMode) bool {
	return m == SIX || Substitutable(m, need)
}
