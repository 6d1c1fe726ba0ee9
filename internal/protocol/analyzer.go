package protocol

// EdgeKey is an ordered (waiting, held-by) pair of transaction identities.
type EdgeKey struct {
	Waiter TxID
	Holder TxID
}

// Edge records that Waiter is blocked on a lock of Holder. Responsible is the
// lowest-priority transaction known to be entangled in the wait chain. Hops
// counts how many times the report was forwarded before reaching this shard;
// a locally observed wait has zero hops.
type Edge struct {
	Waiter      Transaction
	Holder      Transaction
	Responsible Transaction
	Hops        int
}

func (e Edge) Key() EdgeKey {
	return EdgeKey{Waiter: e.Waiter.ID, Holder: e.Holder.ID}
}

// WaitForGraph is one shard's view of the wait-for relation for one round.
// Edges are kept in insertion order.
type WaitForGraph struct {
	edges map[EdgeKey]Edge
	order []EdgeKey
}

func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{edges: map[EdgeKey]Edge{}}
}

func (g *WaitForGraph) Has(waiter, holder TxID) bool {
	_, ok := g.edges[EdgeKey{Waiter: waiter, Holder: holder}]
	return ok
}

func (g *WaitForGraph) Get(waiter, holder TxID) (Edge, bool) {
	e, ok := g.edges[EdgeKey{Waiter: waiter, Holder: holder}]
	return e, ok
}

func (g *WaitForGraph) Len() int {
	return len(g.order)
}

// Edges returns a copy of the edges in the order they were recorded.
func (g *WaitForGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.order))
	for _, k := range g.order {
		out = append(out, g.edges[k])
	}
	return out
}

func (g *WaitForGraph) put(e Edge) {
	k := e.Key()
	if _, ok := g.edges[k]; !ok {
		g.order = append(g.order, k)
	}
	g.edges[k] = e
}

// ProcessBlocked records that waiter is blocked on holder and closes the
// local graph under transitivity. A nil responsible defaults to the loser of
// the pair. Recording an edge whose reverse is already known, with the
// responsible party originating on this shard, is a deadlock: the
// responsible party is rolled back from its first step.
func (s *Shard) ProcessBlocked(waiter, holder Transaction, responsible *Transaction, rc *RoundContext) error {
	return s.processBlocked(waiter, holder, responsible, 0, rc)
}

func (s *Shard) processBlocked(waiter, holder Transaction, responsible *Transaction, hops int, rc *RoundContext) error {
	resp := Loser(waiter, holder)
	if responsible != nil {
		resp = *responsible
	}

	work := []Edge{{Waiter: waiter, Holder: holder, Responsible: resp, Hops: hops}}
	for len(work) > 0 {
		e := work[0]
		work = work[1:]

		if e.Waiter.ID == e.Holder.ID || rc.Graph.Has(e.Waiter.ID, e.Holder.ID) {
			continue
		}
		rc.Graph.put(e)

		s.forwardBlocked(e, rc)

		if e.Responsible.Origin == s.ID && rc.Graph.Has(e.Holder.ID, e.Waiter.ID) {
			if err := s.resolveDeadlock(e.Responsible, rc); err != nil {
				return err
			}
		}

		for _, other := range rc.Graph.Edges() {
			if other.Holder.ID == e.Waiter.ID {
				work = append(work, Edge{
					Waiter:      other.Waiter,
					Holder:      e.Holder,
					Responsible: Loser(e.Responsible, other.Responsible),
					Hops:        maxHops(e, other),
				})
			}
			if other.Waiter.ID == e.Holder.ID {
				work = append(work, Edge{
					Waiter:      e.Waiter,
					Holder:      other.Holder,
					Responsible: Loser(e.Responsible, other.Responsible),
					Hops:        maxHops(e, other),
				})
			}
		}
	}
	return nil
}

// forwardBlocked reports the edge to the shards that own the transactions
// involved. The responsible party's origin is the one able to act on a
// cycle; the waiter's and holder's origins extend paths so that cycles whose
// members start on different shards still meet at one of them. Reports that
// already made ReportLimit hops are kept local, so a wait that ended stops
// circulating.
func (s *Shard) forwardBlocked(e Edge, rc *RoundContext) {
	if s.ReportLimit > 0 && e.Hops >= s.ReportLimit {
		return
	}
	targets := []ShardID{e.Responsible.Origin, e.Waiter.Origin, e.Holder.Origin}
	for i, to := range targets {
		if to == s.ID || containsShard(targets[:i], to) {
			continue
		}
		s.send(newBlockedMessage(e, s.ID, to), rc)
	}
}

// a derived edge is as stale as the older of its parts
func maxHops(a, b Edge) int {
	if a.Hops > b.Hops {
		return a.Hops
	}
	return b.Hops
}

func (s *Shard) resolveDeadlock(victim Transaction, rc *RoundContext) error {
	if _, done := rc.rolledBack[victim.Key()]; done {
		return nil
	}
	rc.rolledBack[victim.Key()] = struct{}{}

	start := victim.At(0)
	s.issue(newStepMessage(RollbackForward, start, s.ID), rc)
	return s.processRollbackForward(start, rc)
}

func containsShard(ids []ShardID, id ShardID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
