// Package registry holds the in-memory table of known remote nodes.
//
// The table is an atomically swappable snapshot: resolution always operates
// against one snapshot reference, never a moving-target collection. A refresh
// builds a complete replacement set and swaps it in one step, so concurrent
// readers either see the old snapshot or the new one, never a mix.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/logger"
)

// Provider supplies node inventory and lifecycle operations. Implementations
// are cloud-API glue (EC2 describe/start/stop/terminate) and live outside the
// core; the registry only consumes full replacement snapshots.
type Provider interface {
	// DescribeNodes returns the complete current node set.
	DescribeNodes(ctx context.Context) ([]Node, error)

	// Lifecycle operations act on provider node ids.
	Start(ctx context.Context, ids []string) error
	Stop(ctx context.Context, ids []string) error
	Terminate(ctx context.Context, ids []string) error
}

// snapshot is one immutable generation of the node table. Enumeration order
// is the provider's insertion order, which keeps output interleaving
// deterministic for a given inventory.
type snapshot struct {
	nodes []*Node
	byID  map[string]*Node
}

// Registry is the owner of the node table.
type Registry struct {
	snap atomic.Pointer[snapshot]
	log  logger.Logger
}

// New creates an empty registry.
func New(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Noop()
	}
	r := &Registry{log: log}
	r.snap.Store(&snapshot{byID: map[string]*Node{}})
	return r
}

// Swap replaces the node table with a new generation. Display names, when
// assigned, must be unique; a conflicting set is rejected and the previous
// snapshot stays live.
func (r *Registry) Swap(nodes []Node) error {
	next := &snapshot{
		nodes: make([]*Node, 0, len(nodes)),
		byID:  make(map[string]*Node, len(nodes)),
	}
	names := make(map[string]string, len(nodes))

	for i := range nodes {
		n := nodes[i] // copy; the caller's slice stays untouched
		if n.ID == "" {
			return errors.New(errors.ErrConfig,
				"Node without an id in inventory snapshot",
				"Every node record needs a stable provider id")
		}
		if _, dup := next.byID[n.ID]; dup {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Duplicate node id '%s' in inventory snapshot", n.ID),
				"The provider returned the same instance twice")
		}
		if n.Name != "" {
			if other, dup := names[n.Name]; dup {
				return errors.New(errors.ErrConfig,
					fmt.Sprintf("Display name '%s' assigned to both %s and %s", n.Name, other, n.ID),
					"Fix the node selectors in the cluster definition so each name matches one node")
			}
			names[n.Name] = n.ID
		}
		next.nodes = append(next.nodes, &n)
		next.byID[n.ID] = &n
	}

	r.snap.Store(next)
	r.log.Debug("swapped node table: %d nodes", len(next.nodes))
	return nil
}

// Refresh pulls a full replacement set from the provider and swaps it in.
func (r *Registry) Refresh(ctx context.Context, p Provider) error {
	nodes, err := p.DescribeNodes(ctx)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't refresh node inventory",
			"Check provider credentials and network access")
	}
	return r.Swap(nodes)
}

// Nodes returns the current snapshot's nodes in stable enumeration order.
// The returned slice must not be modified.
func (r *Registry) Nodes() []*Node {
	return r.snap.Load().nodes
}

// ByID looks a node up by its stable identity in the current snapshot.
func (r *Registry) ByID(id string) (*Node, bool) {
	n, ok := r.snap.Load().byID[id]
	return n, ok
}

// Len reports the number of nodes in the current snapshot.
func (r *Registry) Len() int {
	return len(r.snap.Load().nodes)
}

// Summary renders a one-line description of the current snapshot, used by the
// shell banner and the refresh verb.
func (r *Registry) Summary() string {
	nodes := r.Nodes()
	if len(nodes) == 0 {
		return "0 nodes"
	}
	counts := map[State]int{}
	for _, n := range nodes {
		counts[n.State]++
	}
	parts := make([]string, 0, len(counts))
	for _, st := range []State{StateRunning, StatePending, StateStopping, StateStopped, StateTerminated, StateNotStarted} {
		if c := counts[st]; c > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c, st))
		}
	}
	return fmt.Sprintf("%d nodes (%s)", len(nodes), strings.Join(parts, ", "))
}
