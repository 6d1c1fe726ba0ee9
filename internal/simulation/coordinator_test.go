package simulation_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardlock/internal/protocol"
	"shardlock/internal/scenario"
	"shardlock/internal/simulation"
	"shardlock/internal/topology"
)

type eventLog struct {
	events []protocol.Event
}

func (l *eventLog) Observe(e protocol.Event) {
	l.events = append(l.events, e)
}

func (l *eventLog) filter(kind protocol.EventKind, mk protocol.Kind) []protocol.Event {
	var out []protocol.Event
	for _, e := range l.events {
		if e.Kind == kind && e.Message.Kind == mk {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) count(mk protocol.Kind) int {
	n := 0
	for _, e := range l.events {
		if e.Message.Kind == mk {
			n++
		}
	}
	return n
}

func newScenarioSim(t *testing.T, name string, opts ...simulation.Option) *simulation.Simulation {
	t.Helper()
	sc, ok := scenario.Get(name)
	require.True(t, ok, name)
	tree, err := sc.Tree()
	require.NoError(t, err)
	sim, err := simulation.New(tree, sc.Transactions, opts...)
	require.NoError(t, err)
	return sim
}

// checkLocks verifies after every round that only the live attempt of a
// transaction holds locks.
func checkLocks(t *testing.T) func(*simulation.Simulation) error {
	return func(sim *simulation.Simulation) error {
		states := sim.TxStates()
		for _, id := range sim.Tree().Shards() {
			for res, owner := range sim.Chain(id).Head().Locks {
				assert.Equal(t, states[owner.ID].Attempt, owner.Attempt,
					"round %d shard %d: %s held by stale %s", sim.Round(), id, res, owner)
			}
		}
		return nil
	}
}

func TestNoDeadlock(t *testing.T) {
	log := &eventLog{}
	sim := newScenarioSim(t, "2nodeadlocks", simulation.WithObserver(log))

	rounds, err := sim.Run(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 2, rounds)
	assert.True(t, sim.Finished())
	assert.Zero(t, log.count(protocol.Blocked))
	assert.Zero(t, log.count(protocol.RollbackForward))
}

func TestTwoShardDeadlock(t *testing.T) {
	log := &eventLog{}
	sim := newScenarioSim(t, "2easy", simulation.WithObserver(log))
	sim.AfterRound(checkLocks(t))

	rounds, err := sim.Run(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 7, rounds)

	victims := log.filter(protocol.EventIssued, protocol.RollbackForward)
	require.NotEmpty(t, victims)
	for _, e := range victims {
		assert.Equal(t, protocol.TxID(1), e.Message.Tx.ID, "only the younger transaction backs off")
		assert.Equal(t, protocol.ShardID(1), e.Shard)
	}
	assert.Equal(t, 2, victims[0].Round)

	states := sim.TxStates()
	assert.Equal(t, 0, states[0].Attempt)
	assert.Equal(t, 1, states[1].Attempt)
}

func TestThreeCycleDetectedAtRoot(t *testing.T) {
	log := &eventLog{}
	sim := newScenarioSim(t, "3cycle", simulation.WithObserver(log))
	sim.AfterRound(checkLocks(t))

	_, err := sim.Run(context.Background(), 200)
	require.NoError(t, err)

	for _, e := range log.filter(protocol.EventIssued, protocol.RollbackForward) {
		assert.Equal(t, protocol.ShardID(0), e.Shard)
		assert.Equal(t, protocol.TxID(2), e.Message.Tx.ID)
	}

	// no leaf ever holds more than its own wait
	for _, leaf := range []protocol.ShardID{1, 2, 3} {
		sim.Chain(leaf).Walk(func(b simulation.Block) bool {
			assert.LessOrEqual(t, b.Graph.Len(), 1, "shard %d round %d", leaf, b.Round)
			return true
		})
	}

	states := sim.TxStates()
	assert.Equal(t, []int{0, 0, 1}, []int{states[0].Attempt, states[1].Attempt, states[2].Attempt})
}

func TestThreeCycleAcrossLeaves(t *testing.T) {
	log := &eventLog{}
	sim := newScenarioSim(t, "3cycle-leaves", simulation.WithObserver(log))
	sim.AfterRound(checkLocks(t))

	_, err := sim.Run(context.Background(), 200)
	require.NoError(t, err)

	victims := log.filter(protocol.EventIssued, protocol.RollbackForward)
	require.NotEmpty(t, victims)
	for _, e := range victims {
		assert.Equal(t, protocol.TxID(2), e.Message.Tx.ID)
		assert.Equal(t, protocol.ShardID(3), e.Shard, "the victim's origin acts")
	}
}

func TestScenariosFinish(t *testing.T) {
	for _, name := range scenario.Names() {
		t.Run(name, func(t *testing.T) {
			sim := newScenarioSim(t, name)
			sim.AfterRound(checkLocks(t))

			attempts := make([]int, len(sim.TxStates()))
			sim.AfterRound(func(s *simulation.Simulation) error {
				for i, st := range s.TxStates() {
					assert.Contains(t, []int{attempts[i], attempts[i] + 1}, st.Attempt, "tx %d round %d", i, s.Round())
					attempts[i] = st.Attempt
				}
				return nil
			})

			_, err := sim.Run(context.Background(), 200)
			require.NoError(t, err)
			for _, id := range sim.Tree().Shards() {
				assert.Empty(t, sim.Chain(id).Head().Locks, "shard %d", id)
			}

			// the smallest transaction is never rolled back
			assert.Equal(t, 0, sim.TxStates()[0].Attempt)
		})
	}
}

func TestDeepTreeRouting(t *testing.T) {
	tree, err := topology.NewTree(map[protocol.ShardID][]protocol.ShardID{
		0: {1, 2}, 1: {3, 5}, 2: {4, 6}, 3: {}, 4: {}, 5: {}, 6: {},
	})
	require.NoError(t, err)
	log := &eventLog{}
	sim, err := simulation.New(tree, [][]protocol.Step{{{Shard: 3, Resource: "A"}, {Shard: 4, Resource: "B"}}},
		simulation.WithObserver(log))
	require.NoError(t, err)

	rounds, err := sim.Run(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 8, rounds)

	var relayedBy []protocol.ShardID
	for _, e := range log.events {
		if e.Kind == protocol.EventRelayed {
			relayedBy = append(relayedBy, e.Shard)
		}
		assert.NotEqual(t, protocol.ShardID(5), e.Shard)
		assert.NotEqual(t, protocol.ShardID(6), e.Shard)
	}
	assert.Equal(t, []protocol.ShardID{1, 0, 2, 2, 0, 1}, relayedBy)

	for _, id := range []protocol.ShardID{5, 6} {
		sim.Chain(id).Walk(func(b simulation.Block) bool {
			assert.Empty(t, b.Inbox)
			assert.Zero(t, b.Outbox.Len())
			return true
		})
	}
}

func TestChain(t *testing.T) {
	sim := newScenarioSim(t, "2nodeadlocks")
	_, err := sim.Run(context.Background(), 200)
	require.NoError(t, err)

	chain := sim.Chain(0)
	assert.Equal(t, sim.Round()+1, chain.Len())
	genesis, ok := chain.At(0)
	require.True(t, ok)
	assert.Equal(t, -1, genesis.Prev)
	_, ok = chain.At(chain.Len())
	assert.False(t, ok)

	var rounds []int
	chain.Walk(func(b simulation.Block) bool {
		rounds = append(rounds, b.Round)
		return true
	})
	assert.Equal(t, []int{2, 1, 0}, rounds)
}

func TestRunOutOfRounds(t *testing.T) {
	sim := newScenarioSim(t, "contention")

	rounds, err := sim.Run(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, 5, rounds)

	var perr *simulation.ProgressError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 5, perr.Rounds)
	assert.Len(t, perr.States, 4)
	assert.Contains(t, err.Error(), "haven't finished in 5 rounds")
	assert.Contains(t, perr.Summary(), "tx 3:")
}

func TestRunCanceled(t *testing.T) {
	sim := newScenarioSim(t, "2easy")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rounds, err := sim.Run(ctx, 200)
	assert.Equal(t, context.Canceled, err)
	assert.Zero(t, rounds)
	assert.Zero(t, sim.Round())
}

func TestNewRejectsBadPlans(t *testing.T) {
	tree, err := topology.NewTree(map[protocol.ShardID][]protocol.ShardID{0: {1}, 1: {}})
	require.NoError(t, err)

	_, err = simulation.New(tree, [][]protocol.Step{{{Shard: 0, Resource: "A"}}})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrInvalidPlan, errors.Cause(err))

	_, err = simulation.New(tree, [][]protocol.Step{{{Shard: 0, Resource: "A"}, {Shard: 9, Resource: "B"}}})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrInvalidPlan, errors.Cause(err))
}

func TestHooksRunEveryRound(t *testing.T) {
	sim := newScenarioSim(t, "2easy")
	var seen []int
	sim.AfterRound(func(s *simulation.Simulation) error {
		seen = append(seen, s.Round())
		return nil
	})
	rounds, err := sim.Run(context.Background(), 200)
	require.NoError(t, err)
	require.Len(t, seen, rounds)
	assert.Equal(t, 1, seen[0])

	boom := errors.New("boom")
	sim = newScenarioSim(t, "2easy")
	sim.AfterRound(func(*simulation.Simulation) error { return boom })
	_, err = sim.Run(context.Background(), 200)
	assert.Equal(t, boom, errors.Cause(err))
}

func TestTrafficDrainsAfterFinish(t *testing.T) {
	for _, name := range scenario.Names() {
		t.Run(name, func(t *testing.T) {
			sim := newScenarioSim(t, name)
			_, err := sim.Run(context.Background(), 200)
			require.NoError(t, err)

			quiet := func() bool {
				for _, id := range sim.Tree().Shards() {
					if sim.Chain(id).Head().Outbox.Len() > 0 {
						return false
					}
				}
				return true
			}
			for i := 0; i < 200 && !quiet(); i++ {
				require.NoError(t, sim.Step())
				assert.True(t, sim.Finished())
			}
			assert.True(t, quiet(), "blocked reports still in flight at round %d", sim.Round())
			for _, id := range sim.Tree().Shards() {
				assert.Empty(t, sim.Chain(id).Head().Locks, "shard %d", id)
			}
		})
	}
}
