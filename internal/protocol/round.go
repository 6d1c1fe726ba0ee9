package protocol

// LockTable maps each resource of a shard to the snapshot of the transaction
// holding it. At most one owner per resource.
type LockTable map[ResourceID]Transaction

func (l LockTable) Clone() LockTable {
	out := make(LockTable, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// HeldBy reports whether res is locked by exactly this attempt.
func (l LockTable) HeldBy(res ResourceID, key TxKey) bool {
	owner, ok := l[res]
	return ok && owner.Key() == key
}

// RoundContext is the mutable state of one shard for one round. It is handed
// by pointer to every processing call and frozen into a block afterwards.
type RoundContext struct {
	Round   int
	Outbox  Outbox
	Pending []Transaction
	Locks   LockTable
	Graph   *WaitForGraph

	// victims already sent a rollback this round
	rolledBack map[TxKey]struct{}
}

// NewRoundContext starts a round from a copy of the previous lock table.
func NewRoundContext(round int, prevLocks LockTable) *RoundContext {
	return &RoundContext{
		Round:      round,
		Outbox:     Outbox{},
		Locks:      prevLocks.Clone(),
		Graph:      NewWaitForGraph(),
		rolledBack: map[TxKey]struct{}{},
	}
}

// removePending drops the entry for this attempt at this cursor. It keeps the
// order of the remaining entries so that replays stay deterministic.
func (rc *RoundContext) removePending(key TxKey, cursor int) bool {
	for i, tx := range rc.Pending {
		if tx.Key() == key && tx.Cursor == cursor {
			rc.Pending = append(rc.Pending[:i], rc.Pending[i+1:]...)
			return true
		}
	}
	return false
}
