package simulation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardlock/internal/protocol"
)

func received(kind protocol.Kind, tx protocol.Transaction) protocol.Event {
	return protocol.Event{Kind: protocol.EventReceived, Message: protocol.Message{Kind: kind, Tx: tx}}
}

func TestTxStateLifecycle(t *testing.T) {
	tx, err := protocol.NewTransaction(0, []protocol.Step{{Shard: 0, Resource: "A"}, {Shard: 1, Resource: "B"}, {Shard: 2, Resource: "C"}})
	require.NoError(t, err)
	st := newTxState(tx)
	assert.False(t, st.Finished())

	st.observe(received(protocol.Execute, tx.At(1)))
	st.observe(received(protocol.Execute, tx.At(2)))
	st.observe(protocol.Event{Kind: protocol.EventIssued, Message: protocol.Message{Kind: protocol.Return, Tx: tx.At(2)}})
	assert.Equal(t, 2, st.LatestStep)
	assert.Equal(t, 2, st.LatestReturn)
	assert.False(t, st.Finished())

	st.observe(received(protocol.Return, tx.At(1)))
	st.observe(received(protocol.Return, tx.At(0)))
	assert.True(t, st.Finished())
}

func TestTxStateIgnoresSentAndBlocked(t *testing.T) {
	tx, err := protocol.NewTransaction(0, []protocol.Step{{Shard: 0, Resource: "A"}, {Shard: 1, Resource: "B"}})
	require.NoError(t, err)
	st := newTxState(tx)

	st.observe(protocol.Event{Kind: protocol.EventSent, Message: protocol.Message{Kind: protocol.Execute, Tx: tx.At(1)}})
	st.observe(received(protocol.Blocked, tx.Restart()))
	assert.Equal(t, 0, st.LatestStep)
	assert.Equal(t, 0, st.Attempt)
}

func TestTxStateAttempts(t *testing.T) {
	tx, err := protocol.NewTransaction(4, []protocol.Step{{Shard: 0, Resource: "A"}, {Shard: 1, Resource: "B"}, {Shard: 2, Resource: "C"}})
	require.NoError(t, err)
	st := newTxState(tx)

	st.observe(received(protocol.Execute, tx.At(2)))
	st.observe(received(protocol.RollbackForward, tx.At(1)))
	assert.Equal(t, 1, st.LatestRollbackForward)

	st.observe(received(protocol.RollbackBackward, tx.At(1)))
	assert.Equal(t, 1, st.LatestRollbackBackward)
	st.observe(received(protocol.RollbackBackward, tx.At(0)))
	assert.Equal(t, 0, st.LatestStep, "reaching the first step resets the markers")
	assert.Equal(t, 3, st.LatestRollbackBackward)

	next := tx.Restart()
	st.observe(received(protocol.Execute, next.At(1)))
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, 1, st.LatestStep)

	// late traffic of the old attempt changes nothing
	st.observe(received(protocol.Execute, tx.At(2)))
	assert.Equal(t, 1, st.LatestStep)
}
