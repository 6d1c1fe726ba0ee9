package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

type ShardID int

type TxID int

// ResourceID is an opaque lockable key. It is scoped to the shard that owns
// it: the same identifier on two shards names two different locks.
type ResourceID string

// Step is one (shard, resource) hop of a transaction plan.
type Step struct {
	Shard    ShardID
	Resource ResourceID
}

func (s Step) String() string {
	return fmt.Sprintf("%d:%s", s.Shard, s.Resource)
}

// TxKey identifies one attempt of a transaction. It is the only key used to
// compare lock ownership.
type TxKey struct {
	ID      TxID
	Attempt int
}

// Transaction is a read-only snapshot of a transaction at one cursor
// position. Steps is shared between snapshots and never modified.
type Transaction struct {
	ID      TxID
	Origin  ShardID
	Steps   []Step
	Cursor  int
	Attempt int
}

// NewTransaction builds the first snapshot of a transaction plan.
func NewTransaction(id TxID, steps []Step) (Transaction, error) {
	if len(steps) < 2 {
		return Transaction{}, errors.Wrapf(ErrInvalidPlan, "tx %d has %d steps, need at least 2", id, len(steps))
	}
	seen := make(map[Step]struct{}, len(steps))
	for _, s := range steps {
		if _, ok := seen[s]; ok {
			// the transaction would wait on its own lock forever
			return Transaction{}, errors.Wrapf(ErrInvalidPlan, "tx %d visits %s twice", id, s)
		}
		seen[s] = struct{}{}
	}
	plan := make([]Step, len(steps))
	copy(plan, steps)
	return Transaction{ID: id, Origin: plan[0].Shard, Steps: plan}, nil
}

func (t Transaction) Key() TxKey {
	return TxKey{ID: t.ID, Attempt: t.Attempt}
}

// At returns a snapshot of the same attempt positioned at cursor.
func (t Transaction) At(cursor int) Transaction {
	t.Cursor = cursor
	return t
}

func (t Transaction) Next() Transaction { return t.At(t.Cursor + 1) }

func (t Transaction) Prev() Transaction { return t.At(t.Cursor - 1) }

// Restart returns the first snapshot of the next attempt.
func (t Transaction) Restart() Transaction {
	t.Cursor = 0
	t.Attempt++
	return t
}

func (t Transaction) Current() Step {
	return t.Steps[t.Cursor]
}

func (t Transaction) IsLast() bool {
	return t.Cursor+1 == len(t.Steps)
}

func (t Transaction) String() string {
	return fmt.Sprintf("tx%d#%d@%d", t.ID, t.Attempt, t.Cursor)
}

// Loser returns the lower-priority transaction of the pair, the one that is
// expected to back off. Smaller identities always win.
func Loser(a, b Transaction) Transaction {
	if a.ID > b.ID {
		return a
	}
	return b
}

// Winner is the counterpart of Loser.
func Winner(a, b Transaction) Transaction {
	if a.ID < b.ID {
		return a
	}
	return b
}
