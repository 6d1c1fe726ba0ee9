// Package scenario holds the input data of a run: the shard tree and the
// transaction plans.
package scenario

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"shardlock/internal/protocol"
	"shardlock/internal/topology"
)

type Scenario struct {
	Name         string
	Shards       map[protocol.ShardID][]protocol.ShardID
	Transactions [][]protocol.Step
}

// file is the YAML layout:
//
//	name: 2easy
//	shards: {0: [1], 1: []}
//	transactions:
//	  - [[0, A], [1, B]]
//	  - [[1, B], [0, A]]
type file struct {
	Name         string          `yaml:"name"`
	Shards       map[int][]int   `yaml:"shards"`
	Transactions [][][]yaml.Node `yaml:"transactions"`
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (Scenario, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Scenario{}, errors.Wrap(err, "decode scenario")
	}
	sc := Scenario{Name: f.Name, Shards: map[protocol.ShardID][]protocol.ShardID{}}
	for id, kids := range f.Shards {
		children := make([]protocol.ShardID, 0, len(kids))
		for _, k := range kids {
			children = append(children, protocol.ShardID(k))
		}
		sc.Shards[protocol.ShardID(id)] = children
	}
	for i, tx := range f.Transactions {
		steps := make([]protocol.Step, 0, len(tx))
		for j, hop := range tx {
			if len(hop) != 2 {
				return Scenario{}, errors.Errorf("transaction %d step %d: want [shard, resource], got %d fields", i, j, len(hop))
			}
			var shard int
			if err := hop[0].Decode(&shard); err != nil {
				return Scenario{}, errors.Wrapf(err, "transaction %d step %d shard", i, j)
			}
			steps = append(steps, protocol.Step{Shard: protocol.ShardID(shard), Resource: protocol.ResourceID(hop[1].Value)})
		}
		sc.Transactions = append(sc.Transactions, steps)
	}
	return sc, sc.Validate()
}

// Load reads a scenario file.
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, errors.Wrapf(err, "read scenario %s", path)
	}
	sc, err := Parse(data)
	if err != nil {
		return Scenario{}, errors.Wrapf(err, "scenario %s", path)
	}
	return sc, nil
}

// Validate checks the tree and every plan.
func (sc Scenario) Validate() error {
	tree, err := topology.NewTree(sc.Shards)
	if err != nil {
		return err
	}
	if len(sc.Transactions) == 0 {
		return errors.New("scenario has no transactions")
	}
	for i, steps := range sc.Transactions {
		if _, err := protocol.NewTransaction(protocol.TxID(i), steps); err != nil {
			return err
		}
		for _, st := range steps {
			if !tree.Has(st.Shard) {
				return errors.Wrapf(protocol.ErrInvalidPlan, "transaction %d uses unknown shard %d", i, st.Shard)
			}
		}
	}
	return nil
}

// Tree builds the topology of the scenario.
func (sc Scenario) Tree() (*topology.Tree, error) {
	return topology.NewTree(sc.Shards)
}

// Names lists the built-in scenarios.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a built-in scenario by name.
func Get(name string) (Scenario, bool) {
	sc, ok := builtins[name]
	if ok {
		sc.Name = name
	}
	return sc, ok
}
