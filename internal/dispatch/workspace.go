package dispatch

import (
	"context"
	"sort"

	"github.com/rileyhilliard/herd/internal/config"
	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/registry"
	"github.com/rileyhilliard/herd/internal/target"
)

// ProviderFactory builds an inventory provider for a cluster definition.
type ProviderFactory func(cluster *config.Cluster) registry.Provider

// Workspace tracks the loaded cluster definitions and which one is active.
// Switching clusters swaps the registry snapshot wholesale.
type Workspace struct {
	clusters    map[string]*config.Cluster
	names       []string
	providerFor ProviderFactory

	active   string
	provider registry.Provider
}

// NewWorkspace wraps the loaded cluster set. A nil factory builds static
// providers from the cluster's declared node list.
func NewWorkspace(clusters map[string]*config.Cluster, names []string, providerFor ProviderFactory) *Workspace {
	if providerFor == nil {
		providerFor = func(c *config.Cluster) registry.Provider {
			return config.NewStaticProvider(c)
		}
	}
	return &Workspace{
		clusters:    clusters,
		names:       names,
		providerFor: providerFor,
	}
}

// Names returns the cluster names in listing order.
func (w *Workspace) Names() []string { return w.names }

// Add registers a cluster definition at run time. A saved cluster becomes
// usable immediately, without reloading the shell.
func (w *Workspace) Add(cluster *config.Cluster) {
	if w.clusters == nil {
		w.clusters = make(map[string]*config.Cluster)
	}
	if _, ok := w.clusters[cluster.Name]; !ok {
		w.names = append(w.names, cluster.Name)
		sort.Strings(w.names)
	}
	w.clusters[cluster.Name] = cluster
}

// Active returns the active cluster name, empty when none.
func (w *Workspace) Active() string { return w.active }

// Provider returns the active cluster's provider, nil when none.
func (w *Workspace) Provider() registry.Provider { return w.provider }

// Use activates a cluster and loads its inventory into the registry. On any
// failure the previous cluster stays active.
func (w *Workspace) Use(ctx context.Context, name string, reg *registry.Registry) error {
	cluster, ok := w.clusters[name]
	if !ok {
		return errors.New(errors.ErrConfig,
			"No cluster named '"+name+"'",
			"Run 'clusters' to list the defined clusters")
	}

	provider := w.providerFor(cluster)
	if cluster.Filter != "" {
		expr, err := target.Parse(cluster.Filter)
		if err != nil {
			return err
		}
		provider = &filteredProvider{base: provider, expr: expr}
	}

	if err := reg.Refresh(ctx, provider); err != nil {
		return err
	}
	w.active = name
	w.provider = provider
	return nil
}

// Refresh re-pulls inventory from the active cluster's provider.
func (w *Workspace) Refresh(ctx context.Context, reg *registry.Registry) error {
	if w.provider == nil {
		return errors.New(errors.ErrConfig,
			"No cluster is active",
			"Activate one with 'use <cluster>'")
	}
	return reg.Refresh(ctx, w.provider)
}

// filteredProvider narrows a provider's inventory with a target expression,
// so a cluster file can select a slice of a larger fleet.
type filteredProvider struct {
	base registry.Provider
	expr target.Expression
}

func (p *filteredProvider) DescribeNodes(ctx context.Context) ([]registry.Node, error) {
	nodes, err := p.base.DescribeNodes(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]*registry.Node, len(nodes))
	for i := range nodes {
		refs[i] = &nodes[i]
	}
	kept, err := target.Resolve(p.expr, refs)
	if err != nil {
		return nil, err
	}
	out := make([]registry.Node, 0, len(kept))
	for _, n := range kept {
		out = append(out, *n)
	}
	return out, nil
}

func (p *filteredProvider) Start(ctx context.Context, ids []string) error {
	return p.base.Start(ctx, ids)
}

func (p *filteredProvider) Stop(ctx context.Context, ids []string) error {
	return p.base.Stop(ctx, ids)
}

func (p *filteredProvider) Terminate(ctx context.Context, ids []string) error {
	return p.base.Terminate(ctx, ids)
}
