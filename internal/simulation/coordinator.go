// Package simulation advances every shard in lockstep. Each round reads only
// the blocks committed by the previous round and commits one new block per
// shard, so a run is fully replayable from its chains.
package simulation

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"

	"shardlock/internal/protocol"
	"shardlock/internal/topology"
)

type Option func(*Simulation)

func WithObserver(o protocol.Observer) Option {
	return func(s *Simulation) { s.observers = append(s.observers, o) }
}

func WithLogger(l hclog.Logger) Option {
	return func(s *Simulation) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Simulation) { s.metrics = m }
}

type Simulation struct {
	tree    *topology.Tree
	routing *topology.RoutingTable

	shards map[protocol.ShardID]*protocol.Shard
	chains map[protocol.ShardID]*Chain
	states []*TxState
	round  int

	observers protocol.Observers
	hooks     []func(*Simulation) error
	logger    hclog.Logger
	metrics   *metrics.Metrics
}

// New builds the shards and commits the genesis round, in which every
// transaction runs its first step at its origin. Transaction identities are
// the indexes of plans.
func New(tree *topology.Tree, plans [][]protocol.Step, opts ...Option) (*Simulation, error) {
	s := &Simulation{
		tree:    tree,
		routing: topology.NewRoutingTable(tree),
		shards:  map[protocol.ShardID]*protocol.Shard{},
		chains:  map[protocol.ShardID]*Chain{},
		logger:  hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics != nil {
		s.observers = append(s.observers, NewMetricsObserver(s.metrics))
	}

	for _, id := range tree.Shards() {
		parent, hasParent := tree.Parent(id)
		sh := protocol.NewShard(id, parent, hasParent, tree.Children(id))
		sh.ReportLimit = len(tree.Shards())
		sh.SetObserver(protocol.ObserverFunc(s.observe))
		s.shards[id] = sh
		s.chains[id] = &Chain{}
	}

	txs := make([]protocol.Transaction, 0, len(plans))
	for i, steps := range plans {
		tx, err := protocol.NewTransaction(protocol.TxID(i), steps)
		if err != nil {
			return nil, err
		}
		for _, st := range tx.Steps {
			if !tree.Has(st.Shard) {
				return nil, errors.Wrapf(protocol.ErrInvalidPlan, "tx %d: unknown shard %d", i, st.Shard)
			}
		}
		txs = append(txs, tx)
		s.states = append(s.states, newTxState(tx))
	}

	genesis := map[protocol.ShardID]*protocol.RoundContext{}
	for _, id := range tree.Shards() {
		genesis[id] = protocol.NewRoundContext(0, protocol.LockTable{})
	}
	for _, tx := range txs {
		if err := s.shards[tx.Origin].ProcessTx(tx, genesis[tx.Origin]); err != nil {
			return nil, errors.Wrapf(err, "genesis of tx %d", tx.ID)
		}
	}
	for _, id := range tree.Shards() {
		s.chains[id].append(newBlock(-1, 0, nil, genesis[id]))
	}
	return s, nil
}

// observe routes a protocol event to the bookkeeping and to the installed
// observers.
func (s *Simulation) observe(e protocol.Event) {
	if e.Kind == protocol.EventReceived || e.Kind == protocol.EventIssued {
		if id := int(e.Message.Tx.ID); id >= 0 && id < len(s.states) {
			s.states[id].observe(e)
		}
	}
	s.observers.Observe(e)
}

// Step runs one round on every shard. A fatal invariant violation aborts the
// round before anything is committed.
func (s *Simulation) Step() error {
	round := s.round + 1
	next := make(map[protocol.ShardID]Block, len(s.shards))

	for _, id := range s.tree.Shards() {
		b, err := s.stepShard(id, round)
		if err != nil {
			return errors.Wrapf(err, "round %d shard %d", round, id)
		}
		next[id] = b
	}
	for _, id := range s.tree.Shards() {
		s.chains[id].append(next[id])
	}
	s.round = round

	if s.metrics != nil {
		s.metrics.SetGauge([]string{"round"}, float32(round))
	}
	if s.logger.IsDebug() {
		s.logger.Debug("round committed", "round", round, "finished", s.finishedCount(), "transactions", len(s.states))
	}
	for _, hook := range s.hooks {
		if err := hook(s); err != nil {
			return errors.Wrapf(err, "after round %d", round)
		}
	}
	return nil
}

// AfterRound registers fn to run after every committed round.
func (s *Simulation) AfterRound(fn func(*Simulation) error) {
	s.hooks = append(s.hooks, fn)
}

func (s *Simulation) stepShard(id protocol.ShardID, round int) (Block, error) {
	sh := s.shards[id]
	chain := s.chains[id]
	prev := chain.Head()

	rc := protocol.NewRoundContext(round, prev.Locks)
	for _, tx := range prev.Pending {
		if err := sh.ProcessTx(tx, rc); err != nil {
			return Block{}, err
		}
	}

	var inbox []protocol.Message
	for _, n := range s.tree.Neighbors(id) {
		out := s.chains[n].Head().Outbox
		for _, dest := range out.Destinations() {
			if !s.routing.Relays(id, n, dest) {
				continue
			}
			for _, m := range out[dest] {
				rc.Outbox.Relay(m)
				s.observe(protocol.Event{Kind: protocol.EventRelayed, Round: round, Shard: id, Message: m})
			}
		}
		for _, m := range out[id] {
			inbox = append(inbox, m)
			if err := sh.ProcessMessage(m, rc); err != nil {
				return Block{}, err
			}
		}
	}
	return newBlock(chain.headIndex(), round, inbox, rc), nil
}

// Finished reports whether every transaction has completed. Stale blocked
// reports may still be in outboxes; they drain within the hop limit.
func (s *Simulation) Finished() bool {
	return s.finishedCount() == len(s.states)
}

func (s *Simulation) finishedCount() int {
	n := 0
	for _, st := range s.states {
		if st.Finished() {
			n++
		}
	}
	return n
}

// Run steps until every transaction finished or maxRounds rounds ran. It
// returns the number of rounds executed. Running out of rounds is reported
// as a *ProgressError.
func (s *Simulation) Run(ctx context.Context, maxRounds int) (int, error) {
	for i := 0; i < maxRounds; i++ {
		if s.Finished() {
			return i, nil
		}
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := s.Step(); err != nil {
			return i, err
		}
	}
	if s.Finished() {
		return maxRounds, nil
	}
	perr := &ProgressError{Rounds: maxRounds, States: s.TxStates()}
	s.logger.Warn("transactions did not finish", "rounds", maxRounds, "progress", perr.Summary())
	return maxRounds, perr
}

func (s *Simulation) Round() int { return s.round }

func (s *Simulation) Tree() *topology.Tree { return s.tree }

func (s *Simulation) Routing() *topology.RoutingTable { return s.routing }

func (s *Simulation) Chain(id protocol.ShardID) *Chain { return s.chains[id] }

// TxStates returns copies of the per-transaction bookkeeping.
func (s *Simulation) TxStates() []TxState {
	out := make([]TxState, len(s.states))
	for i, st := range s.states {
		out[i] = *st
	}
	return out
}

// ProgressError reports a run that used up its round budget.
type ProgressError struct {
	Rounds int
	States []TxState
}

func (e *ProgressError) Error() string {
	return fmt.Sprintf("haven't finished in %d rounds: %s", e.Rounds, e.Summary())
}

// Summary lists the markers of every transaction.
func (e *ProgressError) Summary() string {
	parts := make([]string, 0, len(e.States))
	for _, st := range e.States {
		parts = append(parts, fmt.Sprintf("tx %d: step %d, rollbacks %d %d, return %d",
			st.Tx.ID, st.LatestStep, st.LatestRollbackForward, st.LatestRollbackBackward, st.LatestReturn))
	}
	return strings.Join(parts, "; ")
}
