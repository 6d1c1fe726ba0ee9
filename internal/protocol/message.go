package protocol

import (
	"fmt"
	"sort"
)

type Kind int

const (
	Execute Kind = iota + 1
	Return
	Blocked
	RollbackForward
	RollbackBackward
)

var kindNames = map[Kind]string{
	Execute:          "execute",
	Return:           "return",
	Blocked:          "blocked",
	RollbackForward:  "rollback_forward",
	RollbackBackward: "rollback_backward",
}

var kindLabels = map[Kind]string{
	Execute:          "E",
	Return:           "R",
	Blocked:          "B",
	RollbackForward:  "rf",
	RollbackBackward: "rb",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message is a protocol envelope. Source is the shard that emitted it; a
// relaying shard copies the message verbatim, so Source never changes.
type Message struct {
	Kind Kind
	Tx   Transaction
	// On, Responsible and Hops are only set for Blocked.
	On          Transaction
	Responsible Transaction
	Hops        int
	Dest        ShardID
	Source      ShardID
}

// newStepMessage addresses msg to the shard of the transaction's current step.
func newStepMessage(kind Kind, tx Transaction, from ShardID) Message {
	return Message{Kind: kind, Tx: tx, Dest: tx.Current().Shard, Source: from}
}

// newBlockedMessage forwards e one more hop.
func newBlockedMessage(e Edge, from, to ShardID) Message {
	return Message{
		Kind:        Blocked,
		Tx:          e.Waiter,
		On:          e.Holder,
		Responsible: e.Responsible,
		Hops:        e.Hops + 1,
		Dest:        to,
		Source:      from,
	}
}

// Label is the short form used in traces, e.g. E(3) or B(1->0).
func (m Message) Label() string {
	label, ok := kindLabels[m.Kind]
	if !ok {
		label = "?"
	}
	if m.Kind == Blocked {
		return fmt.Sprintf("%s(%d->%d)", label, m.Tx.ID, m.On.ID)
	}
	return fmt.Sprintf("%s(%d)", label, m.Tx.ID)
}

func (m Message) String() string {
	return fmt.Sprintf("%s %d->%d %s", m.Label(), m.Source, m.Dest, m.Tx)
}

// Outbox holds a shard's outgoing messages for one round, by destination.
type Outbox map[ShardID][]Message

func (o Outbox) add(m Message) {
	o[m.Dest] = append(o[m.Dest], m)
}

// Destinations returns the destinations in ascending order.
func (o Outbox) Destinations() []ShardID {
	dests := make([]ShardID, 0, len(o))
	for d := range o {
		dests = append(dests, d)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
	return dests
}

// Len is the total number of queued messages.
func (o Outbox) Len() int {
	n := 0
	for _, msgs := range o {
		n += len(msgs)
	}
	return n
}

// Relay appends m unchanged.
func (o Outbox) Relay(m Message) {
	o.add(m)
}
