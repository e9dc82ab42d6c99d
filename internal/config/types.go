package config

import "time"

// CurrentConfigVersion is the schema version for the config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Config represents ~/.herd/config.yaml: shell-wide settings that apply to
// every cluster.
type Config struct {
	Version int `yaml:"version" mapstructure:"version"`

	// DefaultCluster is activated at startup when set.
	DefaultCluster string `yaml:"default_cluster" mapstructure:"default_cluster"`

	// Connection tuning. Zero values take the built-in defaults.
	DialAttempts int           `yaml:"dial_attempts" mapstructure:"dial_attempts"`
	DialBackoff  time.Duration `yaml:"dial_backoff" mapstructure:"dial_backoff"`
	LoginTimeout time.Duration `yaml:"login_timeout" mapstructure:"login_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	Keepalive    time.Duration `yaml:"keepalive" mapstructure:"keepalive"`

	// Color is "auto", "always", or "never".
	Color string `yaml:"color" mapstructure:"color"`

	// StrictHostKeys toggles known_hosts verification.
	StrictHostKeys *bool `yaml:"strict_host_keys" mapstructure:"strict_host_keys"`
}

// Cluster is one file under ~/.herd/clusters/: a named selection of nodes
// plus the connection parameters they share.
type Cluster struct {
	// Name defaults to the file's base name.
	Name string `yaml:"name"`

	// Filter selects provider inventory by attribute, e.g. "tags=env:prod".
	// Used by inventory-backed providers; static clusters list Nodes instead.
	Filter string `yaml:"filter,omitempty"`

	// Shared connection parameters, overridable per node.
	Username string `yaml:"username,omitempty"`
	Keyfile  string `yaml:"keyfile,omitempty"`
	Port     int    `yaml:"port,omitempty"`

	Nodes []NodeDef `yaml:"nodes,omitempty"`
}

// NodeDef declares one node in a static cluster.
type NodeDef struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`

	// ID overrides the stable identity; defaults to the host.
	ID string `yaml:"id,omitempty"`

	Username string            `yaml:"username,omitempty"`
	Keyfile  string            `yaml:"keyfile,omitempty"`
	Port     int               `yaml:"port,omitempty"`
	Tags     map[string]string `yaml:"tags,omitempty"`
}
