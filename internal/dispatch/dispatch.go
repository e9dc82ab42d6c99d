// Package dispatch is the shell's command loop: it parses operator input,
// resolves targets against the registry, fans payloads out to sessions, and
// routes every error back to the console with node attribution.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/rileyhilliard/herd/internal/console"
	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/localexec"
	"github.com/rileyhilliard/herd/internal/logger"
	"github.com/rileyhilliard/herd/internal/probe"
	"github.com/rileyhilliard/herd/internal/registry"
	"github.com/rileyhilliard/herd/internal/session"
	"github.com/rileyhilliard/herd/internal/target"
	"github.com/rileyhilliard/herd/internal/transfer"
)

// Dispatcher owns the shell's non-UI behavior. Submit handles one typed line;
// per-node failures are reported on the console and never abort the rest of
// a multi-node dispatch.
type Dispatcher struct {
	reg  *registry.Registry
	pool *session.Pool
	cons *console.Console
	log  logger.Logger
	ws   *Workspace

	transfer *transfer.Transferer
	prober   *probe.Prober

	// attach hands a session to the raw-mode bridge. Injectable so tests
	// can dispatch without a real terminal.
	attach func(*session.Session) error

	// confirm prompts before destructive lifecycle operations.
	confirm func(prompt string) (bool, error)

	mu         sync.Mutex
	background map[string]string // dispatch id -> payload, for 'jobs'-style display
	quit       bool
}

// Deps carries the dispatcher's collaborators.
type Deps struct {
	Registry  *registry.Registry
	Pool      *session.Pool
	Console   *console.Console
	Log       logger.Logger
	Workspace *Workspace
	Transfer  *transfer.Transferer
	Prober    *probe.Prober

	// Attach and Confirm default to the real bridge hookup and an
	// interactive confirm prompt when nil.
	Attach  func(*session.Session) error
	Confirm func(prompt string) (bool, error)
}

// New wires a dispatcher.
func New(d Deps) *Dispatcher {
	if d.Log == nil {
		d.Log = logger.Noop()
	}
	if d.Confirm == nil {
		d.Confirm = huhConfirm
	}
	return &Dispatcher{
		reg:        d.Registry,
		pool:       d.Pool,
		cons:       d.Console,
		log:        d.Log,
		ws:         d.Workspace,
		transfer:   d.Transfer,
		prober:     d.Prober,
		attach:     d.Attach,
		confirm:    d.Confirm,
		background: make(map[string]string),
	}
}

// huhConfirm asks a yes/no question on the operator's terminal.
func huhConfirm(prompt string) (bool, error) {
	var yes bool
	err := huh.NewConfirm().
		Title(prompt).
		Affirmative("Yes").
		Negative("No").
		Value(&yes).
		Run()
	return yes, err
}

// Quit reports whether the exit verb has been issued.
func (d *Dispatcher) Quit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quit
}

// Submit handles one operator line. The returned error is a user-input
// problem (bad target, unknown cluster); remote failures are per-node and go
// to the console instead.
func (d *Dispatcher) Submit(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, "@") {
		return d.submitRemote(ctx, line)
	}

	if strings.HasPrefix(line, "!") {
		return d.runLocal(strings.TrimSpace(line[1:]))
	}

	fields := strings.Fields(line)
	name := fields[0]
	if v := lookupVerb(name); v != nil {
		return v.run(d, ctx, fields[1:])
	}

	// A near-miss on a verb is far more likely a typo than a deliberate
	// local command.
	if near := nearestVerb(name); near != "" {
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Unknown command '%s'", name),
			fmt.Sprintf("Did you mean '%s'? Prefix with ! to run locally", near))
	}

	return d.runLocal(line)
}

// submitRemote handles '@<target> [payload] [&]'.
func (d *Dispatcher) submitRemote(ctx context.Context, line string) error {
	rest := line[1:]
	rawTarget, payload, _ := strings.Cut(rest, " ")
	payload = strings.TrimSpace(payload)

	background := false
	if strings.HasSuffix(payload, "&") {
		background = true
		payload = strings.TrimSpace(strings.TrimSuffix(payload, "&"))
	}

	expr, err := target.Parse(rawTarget)
	if err != nil {
		return err
	}
	nodes, err := target.Resolve(expr, d.reg.Nodes())
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return errors.New(errors.ErrResolve,
			fmt.Sprintf("No nodes match '%s'", rawTarget),
			"Run 'show' to list the active cluster")
	}

	if payload == "" {
		return d.attachRaw(ctx, rawTarget, nodes)
	}

	if background {
		id := uuid.NewString()[:8]
		d.mu.Lock()
		d.background[id] = payload
		d.mu.Unlock()
		d.cons.Notice("[%s] dispatched to %d node(s); output will stream as it arrives", id, len(nodes))
		go func() {
			d.broadcast(context.Background(), nodes, payload)
			d.mu.Lock()
			delete(d.background, id)
			d.mu.Unlock()
		}()
		return nil
	}

	d.broadcast(ctx, nodes, payload)
	return nil
}

// attachRaw rejects ambiguous raw targets before any connection side effect.
func (d *Dispatcher) attachRaw(ctx context.Context, rawTarget string, nodes []*registry.Node) error {
	if len(nodes) > 1 {
		return errors.New(errors.ErrResolve,
			fmt.Sprintf("Raw shell needs exactly one node; '%s' matches %d", rawTarget, len(nodes)),
			"Narrow the target to a single node name")
	}
	if d.attach == nil {
		return errors.New(errors.ErrExec, "Raw shells are not available here", "")
	}
	sess, err := d.pool.Acquire(ctx, nodes[0])
	if err != nil {
		return err
	}
	return d.attach(sess)
}

// broadcast fans a payload out to every node concurrently and waits for all
// capture windows. One node's failure never blocks or aborts another's.
func (d *Dispatcher) broadcast(ctx context.Context, nodes []*registry.Node, payload string) {
	var wg sync.WaitGroup
	for _, node := range nodes {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.dispatchOne(ctx, node, payload)
		}()
	}
	wg.Wait()
}

// dispatchOne runs the payload on one node and waits out its capture window.
func (d *Dispatcher) dispatchOne(ctx context.Context, node *registry.Node, payload string) {
	sess, err := d.pool.Acquire(ctx, node)
	if err != nil {
		d.cons.Errorf(node.Label(), err)
		return
	}

	results, err := sess.Run(payload)
	if err != nil {
		d.cons.Errorf(node.Label(), err)
		return
	}

	select {
	case r := <-results:
		switch {
		case r.Err != nil:
			d.cons.Errorf(node.Label(), r.Err)
		case r.TimedOut:
			d.cons.Notice("%s: still running; output will keep streaming", node.Label())
		case r.ExitCode > 0:
			d.cons.Write(console.Line{Node: node.Label(),
				Text: fmt.Sprintf("exit status %d", r.ExitCode), Err: true})
		}
	case <-ctx.Done():
	}
}

// runLocal is the pass-through to the operator's own shell.
func (d *Dispatcher) runLocal(cmd string) error {
	if cmd == "" {
		return nil
	}
	d.cons.Suspend()
	defer d.cons.Resume()
	_, err := localexec.Run(cmd, os.Stdin, os.Stdout, os.Stderr)
	return err
}

// resolveArg parses and resolves a target argument; empty selects all nodes.
func (d *Dispatcher) resolveArg(raw string) ([]*registry.Node, error) {
	expr, err := target.Parse(raw)
	if err != nil {
		return nil, err
	}
	nodes, err := target.Resolve(expr, d.reg.Nodes())
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.New(errors.ErrResolve,
			fmt.Sprintf("No nodes match '%s'", raw),
			"Run 'show' to list the active cluster")
	}
	return nodes, nil
}

// nearestVerb returns the closest verb name within edit distance 2.
func nearestVerb(name string) string {
	best := ""
	bestDist := 3
	for _, v := range verbs {
		dist := levenshtein.ComputeDistance(name, v.name)
		if dist < bestDist {
			bestDist = dist
			best = v.name
		}
	}
	return best
}
