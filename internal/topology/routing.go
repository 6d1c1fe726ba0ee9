// Package topology describes the static shard tree and derives which shard
// relays which cross-shard traffic.
package topology

import (
	"sort"

	"github.com/pkg/errors"

	"shardlock/internal/protocol"
)

type ShardID = protocol.ShardID

var ErrInvalidTree = errors.New("invalid shard tree")

// Tree is the static parent/children structure of the shards.
type Tree struct {
	root     ShardID
	parent   map[ShardID]ShardID
	children map[ShardID][]ShardID
	shards   []ShardID
}

// NewTree builds a tree from a shard -> children mapping. Every shard must
// be declared as a key, and exactly one shard may have no parent.
func NewTree(config map[ShardID][]ShardID) (*Tree, error) {
	if len(config) == 0 {
		return nil, errors.Wrap(ErrInvalidTree, "no shards")
	}
	t := &Tree{
		parent:   make(map[ShardID]ShardID, len(config)),
		children: make(map[ShardID][]ShardID, len(config)),
	}
	for id, kids := range config {
		t.shards = append(t.shards, id)
		sorted := append([]ShardID(nil), kids...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		t.children[id] = sorted
		for _, c := range kids {
			if _, ok := config[c]; !ok {
				return nil, errors.Wrapf(ErrInvalidTree, "child %d of %d is not declared", c, id)
			}
			if c == id {
				return nil, errors.Wrapf(ErrInvalidTree, "shard %d is its own child", id)
			}
			if p, dup := t.parent[c]; dup {
				return nil, errors.Wrapf(ErrInvalidTree, "shard %d has two parents (%d, %d)", c, p, id)
			}
			t.parent[c] = id
		}
	}
	sort.Slice(t.shards, func(i, j int) bool { return t.shards[i] < t.shards[j] })

	var roots []ShardID
	for _, id := range t.shards {
		if _, ok := t.parent[id]; !ok {
			roots = append(roots, id)
		}
	}
	if len(roots) != 1 {
		return nil, errors.Wrapf(ErrInvalidTree, "expected one root, found %v", roots)
	}
	t.root = roots[0]

	if n := len(t.Closure(t.root)); n != len(t.shards) {
		// some shards form a cycle detached from the root
		return nil, errors.Wrapf(ErrInvalidTree, "only %d of %d shards reachable from root %d", n, len(t.shards), t.root)
	}
	return t, nil
}

func (t *Tree) Root() ShardID { return t.root }

// Shards returns all shard identities in ascending order.
func (t *Tree) Shards() []ShardID {
	return append([]ShardID(nil), t.shards...)
}

func (t *Tree) Has(id ShardID) bool {
	_, ok := t.children[id]
	return ok
}

func (t *Tree) Parent(id ShardID) (ShardID, bool) {
	p, ok := t.parent[id]
	return p, ok
}

func (t *Tree) Children(id ShardID) []ShardID {
	return append([]ShardID(nil), t.children[id]...)
}

// Neighbors lists the shards whose outboxes id reads each round: its
// parent, itself, then its children.
func (t *Tree) Neighbors(id ShardID) []ShardID {
	var out []ShardID
	if p, ok := t.parent[id]; ok {
		out = append(out, p)
	}
	out = append(out, id)
	return append(out, t.children[id]...)
}

// Closure returns id and all of its transitive children.
func (t *Tree) Closure(id ShardID) map[ShardID]struct{} {
	seen := map[ShardID]struct{}{}
	stack := []ShardID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, t.children[cur]...)
	}
	return seen
}

// Path returns the shards a message visits going from one shard to another,
// both ends included. It returns nil when either shard is not in the tree.
func (t *Tree) Path(from, to ShardID) []ShardID {
	if !t.Has(from) || !t.Has(to) {
		return nil
	}
	up := []ShardID{from}
	for cur := from; ; {
		if _, ok := t.Closure(cur)[to]; ok {
			break
		}
		cur = t.parent[cur]
		up = append(up, cur)
	}
	var down []ShardID
	for cur := to; cur != up[len(up)-1]; cur = t.parent[cur] {
		down = append(down, cur)
	}
	for i := len(down) - 1; i >= 0; i-- {
		up = append(up, down[i])
	}
	return up
}

type route struct {
	from ShardID
	to   ShardID
}

// RoutingTable records, per shard, the (neighbor, destination) pairs whose
// traffic the shard must copy into its own outbox.
type RoutingTable struct {
	relays map[ShardID]map[route]struct{}
}

// NewRoutingTable marks, for each shard and each of its children, every pair
// with exactly one end inside the child's subtree and neither end equal to
// the shard. Such traffic crosses the shard; everything else flows directly.
func NewRoutingTable(t *Tree) *RoutingTable {
	rt := &RoutingTable{relays: make(map[ShardID]map[route]struct{}, len(t.shards))}
	for _, id := range t.shards {
		pairs := map[route]struct{}{}
		for _, child := range t.children[id] {
			sub := t.Closure(child)
			for inside := range sub {
				for _, other := range t.shards {
					if other == id {
						continue
					}
					if _, in := sub[other]; in {
						continue
					}
					pairs[route{from: inside, to: other}] = struct{}{}
					pairs[route{from: other, to: inside}] = struct{}{}
				}
			}
		}
		rt.relays[id] = pairs
	}
	return rt
}

// Relays reports whether shard must relay traffic found in from's outbox and
// addressed to to.
func (rt *RoutingTable) Relays(shard, from, to ShardID) bool {
	_, ok := rt.relays[shard][route{from: from, to: to}]
	return ok
}

// Len returns the number of relayed pairs of a shard.
func (rt *RoutingTable) Len(shard ShardID) int {
	return len(rt.relays[shard])
}
