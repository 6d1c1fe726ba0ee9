package simulation

import "shardlock/internal/protocol"

// Block is the state a shard committed for one round. It is never modified
// after it is appended to the chain.
type Block struct {
	Round   int
	Prev    int // index of the previous block in the chain, -1 for genesis
	Inbox   []protocol.Message
	Outbox  protocol.Outbox
	Locks   protocol.LockTable
	Pending []protocol.Transaction
	Graph   *protocol.WaitForGraph
}

func newBlock(prev int, round int, inbox []protocol.Message, rc *protocol.RoundContext) Block {
	return Block{
		Round:   round,
		Prev:    prev,
		Inbox:   inbox,
		Outbox:  rc.Outbox,
		Locks:   rc.Locks,
		Pending: rc.Pending,
		Graph:   rc.Graph,
	}
}

// Chain is the append-only history of one shard. Blocks reference their
// predecessor by index.
type Chain struct {
	blocks []Block
}

func (c *Chain) append(b Block) int {
	c.blocks = append(c.blocks, b)
	return len(c.blocks) - 1
}

func (c *Chain) Len() int { return len(c.blocks) }

// Head returns the latest committed block.
func (c *Chain) Head() Block {
	return c.blocks[len(c.blocks)-1]
}

func (c *Chain) headIndex() int { return len(c.blocks) - 1 }

// At returns the block committed for round.
func (c *Chain) At(round int) (Block, bool) {
	if round < 0 || round >= len(c.blocks) {
		return Block{}, false
	}
	return c.blocks[round], true
}

// Walk visits blocks from the head back to genesis following Prev links,
// stopping early when fn returns false.
func (c *Chain) Walk(fn func(Block) bool) {
	for i := c.headIndex(); i >= 0; i = c.blocks[i].Prev {
		if !fn(c.blocks[i]) {
			return
		}
	}
}
