package scenario

import "shardlock/internal/protocol"

func hop(shard int, res string) protocol.Step {
	return protocol.Step{Shard: protocol.ShardID(shard), Resource: protocol.ResourceID(res)}
}

func tree(m map[int][]int) map[protocol.ShardID][]protocol.ShardID {
	out := make(map[protocol.ShardID][]protocol.ShardID, len(m))
	for id, kids := range m {
		children := make([]protocol.ShardID, 0, len(kids))
		for _, k := range kids {
			children = append(children, protocol.ShardID(k))
		}
		out[protocol.ShardID(id)] = children
	}
	return out
}

var builtins = map[string]Scenario{
	"2nodeadlocks": {
		Shards: tree(map[int][]int{0: {1}, 1: {}}),
		Transactions: [][]protocol.Step{
			{hop(0, "A"), hop(1, "B")},
		},
	},
	"2easy": {
		Shards: tree(map[int][]int{0: {1}, 1: {}}),
		Transactions: [][]protocol.Step{
			{hop(0, "A"), hop(1, "B")},
			{hop(1, "B"), hop(0, "A")},
		},
	},
	// Every transaction starts on the root and the cycle closes on the
	// leaves; only the root collects all three edges.
	"3cycle": {
		Shards: tree(map[int][]int{0: {1, 2, 3}, 1: {}, 2: {}, 3: {}}),
		Transactions: [][]protocol.Step{
			{hop(0, "P0"), hop(1, "X"), hop(2, "Y")},
			{hop(0, "P1"), hop(2, "Y"), hop(3, "Z")},
			{hop(0, "P2"), hop(3, "Z"), hop(1, "X")},
		},
	},
	// Same cycle, each member starting on a different leaf.
	"3cycle-leaves": {
		Shards: tree(map[int][]int{0: {1, 2, 3}, 1: {}, 2: {}, 3: {}}),
		Transactions: [][]protocol.Step{
			{hop(1, "X"), hop(2, "Y")},
			{hop(2, "Y"), hop(3, "Z")},
			{hop(3, "Z"), hop(1, "X")},
		},
	},
	"deeptree": {
		Shards: tree(map[int][]int{0: {1, 2}, 1: {3, 5}, 2: {4, 6}, 3: {}, 4: {}, 5: {}, 6: {}}),
		Transactions: [][]protocol.Step{
			{hop(3, "A"), hop(4, "B")},
			{hop(4, "B"), hop(3, "A")},
		},
	},
	"contention": {
		Shards: tree(map[int][]int{0: {1, 2}, 1: {}, 2: {}}),
		Transactions: [][]protocol.Step{
			{hop(1, "A"), hop(2, "B"), hop(0, "C")},
			{hop(2, "B"), hop(1, "A"), hop(0, "D")},
			{hop(0, "C"), hop(1, "A"), hop(2, "E")},
			{hop(0, "D"), hop(2, "B"), hop(1, "F")},
		},
	},
}
