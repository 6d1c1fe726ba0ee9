package protocol

type EventKind int

const (
	// EventReceived: a delivered message was handled by the shard.
	EventReceived EventKind = iota + 1
	// EventSent: a message was appended to the shard's outbox.
	EventSent
	// EventIssued: a protocol action taken without a wire message, e.g. the
	// turnaround at the last step or a rollback started on deadlock.
	EventIssued
	// EventRelayed: a message was copied verbatim into the outbox of a shard
	// that is neither its source nor its destination.
	EventRelayed
)

func (k EventKind) String() string {
	switch k {
	case EventReceived:
		return "received"
	case EventSent:
		return "sent"
	case EventIssued:
		return "issued"
	case EventRelayed:
		return "relayed"
	}
	return "unknown"
}

type Event struct {
	Kind    EventKind
	Round   int
	Shard   ShardID
	Message Message
}

// Observer is invoked synchronously for every event. It must not change
// protocol state.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		obs.Observe(e)
	}
}
