package journal

import (
	"shardlock/internal/protocol"
	"shardlock/internal/simulation"
)

// RoundRecord is the trace of one round across all shards.
type RoundRecord struct {
	Round        int           `codec:"round"`
	Shards       []ShardRecord `codec:"shards"`
	Transactions []TxRecord    `codec:"transactions"`
}

type ShardRecord struct {
	Shard  int            `codec:"shard"`
	Edges  []EdgeRecord   `codec:"edges"`
	Inbox  []string       `codec:"inbox"`
	Outbox []OutboxRecord `codec:"outbox"`
	Locks  []LockRecord   `codec:"locks"`
}

type EdgeRecord struct {
	Waiter      int `codec:"waiter"`
	Holder      int `codec:"holder"`
	Responsible int `codec:"responsible"`
	Hops        int `codec:"hops"`
}

type OutboxRecord struct {
	Dest    int    `codec:"dest"`
	Label   string `codec:"label"`
	Relayed bool   `codec:"relayed"`
}

type LockRecord struct {
	Resource string `codec:"resource"`
	Tx       int    `codec:"tx"`
	Attempt  int    `codec:"attempt"`
}

type TxRecord struct {
	ID                     int      `codec:"id"`
	Steps                  []string `codec:"steps"`
	Attempt                int      `codec:"attempt"`
	LatestStep             int      `codec:"latest_step"`
	LatestRollbackForward  int      `codec:"latest_rollback_forward"`
	LatestRollbackBackward int      `codec:"latest_rollback_backward"`
	LatestReturn           int      `codec:"latest_return"`
}

// Snapshot builds the record of the latest committed round.
func Snapshot(sim *simulation.Simulation) RoundRecord {
	rec := RoundRecord{Round: sim.Round()}
	for _, id := range sim.Tree().Shards() {
		rec.Shards = append(rec.Shards, shardRecord(id, sim.Chain(id).Head()))
	}
	for _, st := range sim.TxStates() {
		rec.Transactions = append(rec.Transactions, txRecord(st))
	}
	return rec
}

func shardRecord(id protocol.ShardID, b simulation.Block) ShardRecord {
	sr := ShardRecord{Shard: int(id)}
	for _, e := range b.Graph.Edges() {
		sr.Edges = append(sr.Edges, EdgeRecord{
			Waiter:      int(e.Waiter.ID),
			Holder:      int(e.Holder.ID),
			Responsible: int(e.Responsible.ID),
			Hops:        e.Hops,
		})
	}
	for _, m := range b.Inbox {
		sr.Inbox = append(sr.Inbox, m.Label())
	}
	for _, dest := range b.Outbox.Destinations() {
		for _, m := range b.Outbox[dest] {
			sr.Outbox = append(sr.Outbox, OutboxRecord{
				Dest:    int(dest),
				Label:   m.Label(),
				Relayed: m.Source != id,
			})
		}
	}
	for _, res := range sortedResources(b.Locks) {
		owner := b.Locks[res]
		sr.Locks = append(sr.Locks, LockRecord{Resource: string(res), Tx: int(owner.ID), Attempt: owner.Attempt})
	}
	return sr
}

func txRecord(st simulation.TxState) TxRecord {
	steps := make([]string, 0, len(st.Tx.Steps))
	for _, s := range st.Tx.Steps {
		steps = append(steps, s.String())
	}
	return TxRecord{
		ID:                     int(st.Tx.ID),
		Steps:                  steps,
		Attempt:                st.Attempt,
		LatestStep:             st.LatestStep,
		LatestRollbackForward:  st.LatestRollbackForward,
		LatestRollbackBackward: st.LatestRollbackBackward,
		LatestReturn:           st.LatestReturn,
	}
}
