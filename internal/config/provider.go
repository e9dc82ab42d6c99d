package config

import (
	"context"

	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/registry"
)

// StaticProvider serves a cluster's declared node list as inventory. Nodes
// are always reported running; static hosts have no lifecycle to drive.
type StaticProvider struct {
	cluster *Cluster
}

// NewStaticProvider wraps a cluster definition as a registry provider.
func NewStaticProvider(cluster *Cluster) *StaticProvider {
	return &StaticProvider{cluster: cluster}
}

var _ registry.Provider = (*StaticProvider)(nil)

// DescribeNodes materializes the cluster's node definitions, node defaults
// layered over cluster-wide connection settings.
func (p *StaticProvider) DescribeNodes(ctx context.Context) ([]registry.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes := make([]registry.Node, 0, len(p.cluster.Nodes))
	for _, def := range p.cluster.Nodes {
		username := def.Username
		if username == "" {
			username = p.cluster.Username
		}
		keyfile := def.Keyfile
		if keyfile == "" {
			keyfile = p.cluster.Keyfile
		}
		port := def.Port
		if port == 0 {
			port = p.cluster.Port
		}
		id := def.ID
		if id == "" {
			id = def.Host
		}
		nodes = append(nodes, registry.Node{
			ID:         id,
			Name:       def.Name,
			State:      registry.StateRunning,
			PublicAddr: def.Host,
			Tags:       def.Tags,
			Username:   username,
			Keyfile:    keyfile,
			Port:       port,
		})
	}
	return nodes, nil
}

// Start is not available for statically declared hosts.
func (p *StaticProvider) Start(ctx context.Context, ids []string) error {
	return p.unsupported("start")
}

// Stop is not available for statically declared hosts.
func (p *StaticProvider) Stop(ctx context.Context, ids []string) error {
	return p.unsupported("stop")
}

// Terminate is not available for statically declared hosts.
func (p *StaticProvider) Terminate(ctx context.Context, ids []string) error {
	return p.unsupported("terminate")
}

func (p *StaticProvider) unsupported(op string) error {
	return errors.New(errors.ErrConfig,
		"Cluster '"+p.cluster.Name+"' uses static hosts; '"+op+"' needs a cloud provider",
		"Manage these machines outside the shell")
}
