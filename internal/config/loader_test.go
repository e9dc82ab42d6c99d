package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirHonorsEnvOverride(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HERD_HOME", tmp)

	dir, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, tmp, dir)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Empty(t, cfg.DefaultCluster)
}

func TestLoadReadsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "version: 1\ndefault_cluster: web\ndial_attempts: 5\ncolor: never\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.DefaultCluster)
	assert.Equal(t, 5, cfg.DialAttempts)
	assert.Equal(t, "never", cfg.Color)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestLoadClustersEmptyDir(t *testing.T) {
	clusters, names, err := LoadClusters(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, clusters)
	assert.Empty(t, names)
}

func writeCluster(t *testing.T, dir, file, content string) {
	t.Helper()
	clustersDir := filepath.Join(dir, ClustersDirName)
	require.NoError(t, os.MkdirAll(clustersDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(clustersDir, file), []byte(content), 0o644))
}

func TestLoadClustersParsesDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeCluster(t, dir, "web.yaml", `
name: web
username: admin
port: 2222
nodes:
  - name: web0
    host: 10.0.0.10
    tags:
      env: prod
  - name: web1
    host: 10.0.0.11
    id: i-custom
`)
	writeCluster(t, dir, "db.yml", `
nodes:
  - name: db0
    host: 10.0.1.10
`)

	clusters, names, err := LoadClusters(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "web"}, names)

	web := clusters["web"]
	require.NotNil(t, web)
	assert.Equal(t, "admin", web.Username)
	assert.Equal(t, 2222, web.Port)
	require.Len(t, web.Nodes, 2)
	assert.Equal(t, "10.0.0.10", web.Nodes[0].ID, "id defaults to host")
	assert.Equal(t, "i-custom", web.Nodes[1].ID)
	assert.Equal(t, "prod", web.Nodes[0].Tags["env"])

	// The filename supplies the name when the definition omits it.
	require.NotNil(t, clusters["db"])
	assert.Equal(t, "db", clusters["db"].Name)
}

func TestLoadClustersRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeCluster(t, dir, "a.yaml", "name: web\nnodes:\n  - name: n0\n    host: h0\n")
	writeCluster(t, dir, "b.yaml", "name: web\nnodes:\n  - name: n1\n    host: h1\n")

	_, _, err := LoadClusters(dir)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	assert.Contains(t, err.Error(), "Duplicate cluster name 'web'")
}

func TestLoadClustersRejectsNamelessNode(t *testing.T) {
	dir := t.TempDir()
	writeCluster(t, dir, "bad.yaml", "nodes:\n  - host: 10.0.0.1\n")

	_, _, err := LoadClusters(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Node without a name")
}

func TestSaveClusterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cluster := &Cluster{
		Name:     "edge",
		Username: "ops",
		Nodes: []NodeDef{
			{Name: "edge0", Host: "edge0.example.com", Tags: map[string]string{"env": "dev"}},
		},
	}
	require.NoError(t, SaveCluster(dir, cluster))

	clusters, names, err := LoadClusters(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge"}, names)

	got := clusters["edge"]
	require.NotNil(t, got)
	assert.Equal(t, "ops", got.Username)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "edge0.example.com", got.Nodes[0].ID)
	assert.Equal(t, "dev", got.Nodes[0].Tags["env"])
}

func TestStaticProviderLayersClusterDefaults(t *testing.T) {
	cluster := &Cluster{
		Name:     "web",
		Username: "admin",
		Keyfile:  "~/.ssh/web.pem",
		Port:     2222,
		Nodes: []NodeDef{
			{Name: "web0", Host: "10.0.0.10"},
			{Name: "web1", Host: "10.0.0.11", Username: "deploy", Port: 22},
		},
	}

	nodes, err := NewStaticProvider(cluster).DescribeNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, "admin", nodes[0].Username)
	assert.Equal(t, "~/.ssh/web.pem", nodes[0].Keyfile)
	assert.Equal(t, 2222, nodes[0].Port)
	assert.Equal(t, registry.StateRunning, nodes[0].State)

	// Node-level settings win over the cluster's.
	assert.Equal(t, "deploy", nodes[1].Username)
	assert.Equal(t, 22, nodes[1].Port)
}

func TestStaticProviderHasNoLifecycle(t *testing.T) {
	p := NewStaticProvider(&Cluster{Name: "web"})
	err := p.Terminate(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	assert.Contains(t, err.Error(), "needs a cloud provider")
}
