package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDirName is the per-user directory under $HOME.
	ConfigDirName = ".herd"
	// ConfigFileName is the shell settings file inside the config dir.
	ConfigFileName = "config.yaml"
	// ClustersDirName holds one YAML file per cluster definition.
	ClustersDirName = "clusters"
)

// Dir returns the config directory, honoring HERD_HOME for tests and
// non-standard setups.
func Dir() (string, error) {
	if dir := os.Getenv("HERD_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't locate your home directory",
			"Set HERD_HOME to a writable directory")
	}
	return filepath.Join(home, ConfigDirName), nil
}

// Load reads the config file at path through viper. A missing file is not an
// error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HERD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return &Config{Version: CurrentConfigVersion}, nil
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read "+path,
			"Check the file is valid YAML")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid settings in "+path,
			"Compare against the documented config keys")
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentConfigVersion
	}
	return cfg, nil
}

// LoadClusters reads every cluster definition under dir/clusters, keyed by
// cluster name, names sorted for stable listing.
func LoadClusters(dir string) (map[string]*Cluster, []string, error) {
	clustersDir := filepath.Join(dir, ClustersDirName)
	entries, err := os.ReadDir(clustersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Cluster{}, nil, nil
		}
		return nil, nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't read "+clustersDir,
			"Check directory permissions")
	}

	clusters := make(map[string]*Cluster)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(clustersDir, name)
		cluster, err := loadCluster(path)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := clusters[cluster.Name]; dup {
			return nil, nil, errors.New(errors.ErrConfig,
				"Duplicate cluster name '"+cluster.Name+"' in "+path,
				"Rename one of the cluster files")
		}
		clusters[cluster.Name] = cluster
	}

	names := make([]string, 0, len(clusters))
	for name := range clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return clusters, names, nil
}

func loadCluster(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't read cluster file "+path, "Check file permissions")
	}
	cluster := &Cluster{}
	if err := yaml.Unmarshal(data, cluster); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid cluster definition in "+path,
			"Check the YAML syntax")
	}
	if cluster.Name == "" {
		base := filepath.Base(path)
		cluster.Name = strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	}
	for i := range cluster.Nodes {
		def := &cluster.Nodes[i]
		if def.Name == "" {
			return nil, errors.New(errors.ErrConfig,
				"Node without a name in cluster '"+cluster.Name+"'",
				"Every node needs a unique name")
		}
		if def.ID == "" {
			def.ID = def.Host
		}
	}
	return cluster, nil
}

// SaveCluster writes a cluster definition to dir/clusters/<name>.yaml.
func SaveCluster(dir string, cluster *Cluster) error {
	clustersDir := filepath.Join(dir, ClustersDirName)
	if err := os.MkdirAll(clustersDir, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't create "+clustersDir, "Check directory permissions")
	}
	data, err := yaml.Marshal(cluster)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't serialize cluster '"+cluster.Name+"'", "")
	}
	path := filepath.Join(clustersDir, cluster.Name+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Couldn't write "+path, "Check directory permissions")
	}
	return nil
}
