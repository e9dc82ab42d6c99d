package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rileyhilliard/herd/internal/config"
	"github.com/rileyhilliard/herd/internal/errors"
)

// verb is one bare shell command. Verbs act on the registry, the pool, and
// the workspace; remote execution always goes through the '@' prefix instead.
type verb struct {
	name  string
	usage string
	help  string
	run   func(d *Dispatcher, ctx context.Context, args []string) error
}

var verbs = []verb{
	{
		name: "show", usage: "show [target]",
		help: "List nodes in the active cluster, optionally narrowed by a target",
		run:  runShow,
	},
	{
		name: "refresh", usage: "refresh",
		help: "Re-pull inventory from the active cluster's provider",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			if err := d.ws.Refresh(ctx, d.reg); err != nil {
				return err
			}
			d.cons.Notice("%s", d.reg.Summary())
			return nil
		},
	},
	{
		name: "use", usage: "use <cluster>",
		help: "Activate a cluster definition",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			if len(args) != 1 {
				return usageError("use <cluster>")
			}
			if err := d.ws.Use(ctx, args[0], d.reg); err != nil {
				return err
			}
			d.cons.Notice("cluster '%s' active: %s", args[0], d.reg.Summary())
			return nil
		},
	},
	{
		name: "clusters", usage: "clusters",
		help: "List the defined clusters",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			names := d.ws.Names()
			if len(names) == 0 {
				d.cons.Notice("no clusters defined; add YAML files under ~/.herd/clusters")
				return nil
			}
			for _, name := range names {
				marker := " "
				if name == d.ws.Active() {
					marker = "*"
				}
				d.cons.Printf("%s %s", marker, name)
			}
			return nil
		},
	},
	{
		name: "save", usage: "save <name> [target]",
		help: "Save matching nodes as a static cluster definition",
		run:  runSave,
	},
	{
		name: "start", usage: "start <target>",
		help: "Start stopped nodes via the cluster's provider",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			return d.lifecycle(ctx, "start", args)
		},
	},
	{
		name: "stop", usage: "stop <target>",
		help: "Stop running nodes via the cluster's provider",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			return d.lifecycle(ctx, "stop", args)
		},
	},
	{
		name: "terminate", usage: "terminate <target>",
		help: "Terminate nodes permanently (asks for confirmation)",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			return d.lifecycle(ctx, "terminate", args)
		},
	},
	{
		name: "close", usage: "close <target>",
		help: "Close open sessions without touching the nodes",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			if len(args) != 1 {
				return usageError("close <target>")
			}
			nodes, err := d.resolveArg(args[0])
			if err != nil {
				return err
			}
			closed := 0
			for _, node := range nodes {
				if d.pool.CloseNode(node.ID) {
					closed++
				}
			}
			d.cons.Notice("closed %d session(s)", closed)
			return nil
		},
	},
	{
		name: "put", usage: "put <target> <localpath> [remotepath]",
		help: "Upload a file to every matching node",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			if len(args) < 2 || len(args) > 3 {
				return usageError("put <target> <localpath> [remotepath]")
			}
			nodes, err := d.resolveArg(args[0])
			if err != nil {
				return err
			}
			remote := ""
			if len(args) == 3 {
				remote = args[2]
			}
			return d.transfer.Put(ctx, nodes, args[1], remote)
		},
	},
	{
		name: "get", usage: "get <target> <remotepath> [localpath]",
		help: "Download a file from every matching node, suffixed per node",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			if len(args) < 2 || len(args) > 3 {
				return usageError("get <target> <remotepath> [localpath]")
			}
			nodes, err := d.resolveArg(args[0])
			if err != nil {
				return err
			}
			local := ""
			if len(args) == 3 {
				local = args[2]
			}
			return d.transfer.Get(ctx, nodes, args[1], local)
		},
	},
	{
		name: "ping", usage: "ping [target]",
		help: "Probe node reachability without opening sessions",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			raw := ""
			if len(args) > 0 {
				raw = args[0]
			}
			nodes, err := d.resolveArg(raw)
			if err != nil {
				return err
			}
			return d.prober.Ping(ctx, nodes)
		},
	},
	{
		name: "jobs", usage: "jobs",
		help: "List backgrounded dispatches still running",
		run: func(d *Dispatcher, ctx context.Context, args []string) error {
			d.mu.Lock()
			ids := make([]string, 0, len(d.background))
			for id := range d.background {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			jobs := make([]string, len(ids))
			for i, id := range ids {
				jobs[i] = fmt.Sprintf("[%s] %s", id, d.background[id])
			}
			d.mu.Unlock()

			if len(jobs) == 0 {
				d.cons.Notice("no background dispatches")
				return nil
			}
			for _, j := range jobs {
				d.cons.Printf("%s", j)
			}
			return nil
		},
	},
}

// help and exit are appended from init: help's closure ranges over the verb
// table at run time, which the var initializer would reject as a cycle.
func init() {
	verbs = append(verbs,
		verb{
			name: "help", usage: "help",
			help: "Show this help",
			run: func(d *Dispatcher, ctx context.Context, args []string) error {
				d.cons.Printf("@<target> <command>     run a command on matching nodes")
				d.cons.Printf("@<target> <command> &   same, backgrounded")
				d.cons.Printf("@<node>                 open a raw shell on one node (3x ctrl-c to detach)")
				d.cons.Printf("!<command>              run a command locally")
				d.cons.Printf("")
				for _, v := range verbs {
					d.cons.Printf("%-24s %s", v.usage, v.help)
				}
				return nil
			},
		},
		verb{
			name: "exit", usage: "exit",
			help: "Close all sessions and leave the shell",
			run: func(d *Dispatcher, ctx context.Context, args []string) error {
				d.pool.ReleaseAll()
				d.mu.Lock()
				d.quit = true
				d.mu.Unlock()
				return nil
			},
		},
	)
}

// lookupVerb finds a verb by name; quit is an alias for exit.
func lookupVerb(name string) *verb {
	if name == "quit" {
		name = "exit"
	}
	for i := range verbs {
		if verbs[i].name == name {
			return &verbs[i]
		}
	}
	return nil
}

func usageError(usage string) error {
	return errors.New(errors.ErrExec, "Usage: "+usage, "")
}

// runShow prints the node table, one line per node in snapshot order.
func runShow(d *Dispatcher, ctx context.Context, args []string) error {
	raw := ""
	if len(args) > 0 {
		raw = args[0]
	}
	nodes, err := d.resolveArg(raw)
	if err != nil {
		if errors.IsCode(err, errors.ErrResolve) && raw == "" {
			d.cons.Notice("no nodes; activate a cluster with 'use <cluster>'")
			return nil
		}
		return err
	}

	for _, node := range nodes {
		connected := ""
		if s, ok := d.pool.Get(node.ID); ok {
			connected = "[" + s.State().String() + "]"
		}
		d.cons.Printf("%-16s %-22s %-12s %-16s %s",
			node.Label(), node.ID, node.State, node.Addr(), connected)
	}
	return nil
}

// runSave snapshots the matching nodes into a cluster file under
// ~/.herd/clusters, so a filter-selected slice of a fleet becomes a named
// cluster that survives the shell.
func runSave(d *Dispatcher, ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("save <name> [target]")
	}
	raw := ""
	if len(args) == 2 {
		raw = args[1]
	}
	nodes, err := d.resolveArg(raw)
	if err != nil {
		return err
	}

	cluster := &config.Cluster{Name: args[0]}
	for _, node := range nodes {
		cluster.Nodes = append(cluster.Nodes, config.NodeDef{
			Name:     node.Label(),
			Host:     node.Addr(),
			ID:       node.ID,
			Username: node.Username,
			Keyfile:  node.Keyfile,
			Port:     node.Port,
			Tags:     node.Tags,
		})
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	if err := config.SaveCluster(dir, cluster); err != nil {
		return err
	}
	d.ws.Add(cluster)
	d.cons.Notice("saved cluster '%s' with %d node(s)", cluster.Name, len(nodes))
	return nil
}

// lifecycle drives start/stop/terminate through the active provider.
func (d *Dispatcher) lifecycle(ctx context.Context, op string, args []string) error {
	if len(args) != 1 {
		return usageError(op + " <target>")
	}
	provider := d.ws.Provider()
	if provider == nil {
		return errors.New(errors.ErrConfig,
			"No cluster is active", "Activate one with 'use <cluster>'")
	}
	nodes, err := d.resolveArg(args[0])
	if err != nil {
		return err
	}

	ids := make([]string, len(nodes))
	labels := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.ID
		labels[i] = node.Label()
	}

	if op == "terminate" {
		prompt := fmt.Sprintf("Terminate %d node(s) (%s)? This cannot be undone.",
			len(ids), strings.Join(labels, ", "))
		yes, err := d.confirm(prompt)
		if err != nil {
			return err
		}
		if !yes {
			d.cons.Notice("terminate cancelled")
			return nil
		}
	}

	var run func(context.Context, []string) error
	switch op {
	case "start":
		run = provider.Start
	case "stop":
		run = provider.Stop
	case "terminate":
		run = provider.Terminate
	}
	if err := run(ctx, ids); err != nil {
		return err
	}

	// Sessions to stopped or terminated machines are dead weight.
	if op != "start" {
		for _, id := range ids {
			d.pool.CloseNode(id)
		}
	}

	d.cons.Notice("%s requested for %s", op, strings.Join(labels, ", "))
	return d.ws.Refresh(ctx, d.reg)
}
