package registry

import "fmt"

// State is the lifecycle state of a node as reported by the inventory provider.
type State string

const (
	StateNotStarted State = "not_started"
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateTerminated State = "terminated"
)

// Node is one managed remote machine. Nodes are owned by the Registry and are
// treated as immutable once published in a snapshot; a refresh replaces the
// whole set rather than mutating nodes in place.
type Node struct {
	// ID is the provider-assigned stable identity (e.g. an instance id).
	ID string

	// Name is the user-assigned display name. May be empty for nodes the
	// active cluster definition does not cover. When set, it is unique
	// within the active selection.
	Name string

	// State is the lifecycle state at snapshot time.
	State State

	// PublicAddr and PrivateAddr are populated once the node is reachable.
	PublicAddr  string
	PrivateAddr string

	// Tags holds arbitrary key/value attributes from the provider.
	Tags map[string]string

	// Connection parameters. Username and Keyfile come from the cluster
	// definition; empty values fall back to ~/.ssh/config resolution.
	Username string
	Keyfile  string
	Port     int
}

// Label returns the name to attribute output and errors to: the display name
// when assigned, otherwise the stable id.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Addr returns the dialable address for the node, preferring the public one.
func (n *Node) Addr() string {
	if n.PublicAddr != "" {
		return n.PublicAddr
	}
	return n.PrivateAddr
}

// Attr returns the named attribute for filter matching. The reserved keys
// "state", "id" and "name" map to the corresponding fields; anything else
// reads the tag map.
func (n *Node) Attr(key string) (string, bool) {
	switch key {
	case "state":
		return string(n.State), true
	case "id":
		return n.ID, true
	case "name":
		if n.Name == "" {
			return "", false
		}
		return n.Name, true
	}
	val, ok := n.Tags[key]
	return val, ok
}

func (n *Node) String() string {
	return fmt.Sprintf("%s (%s, %s)", n.Label(), n.ID, n.State)
}
