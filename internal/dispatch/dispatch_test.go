package dispatch_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rileyhilliard/herd/internal/config"
	"github.com/rileyhilliard/herd/internal/console"
	"github.com/rileyhilliard/herd/internal/dispatch"
	"github.com/rileyhilliard/herd/internal/errors"
	"github.com/rileyhilliard/herd/internal/registry"
	"github.com/rileyhilliard/herd/internal/session"
	sstesting "github.com/rileyhilliard/herd/internal/session/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture wires a dispatcher over fake connections and a buffered console.
type fixture struct {
	reg      *registry.Registry
	dialer   *sstesting.FakeDialer
	pool     *session.Pool
	cons     *console.Console
	buf      *bytes.Buffer
	disp     *dispatch.Dispatcher
	attached []*session.Session
	confirm  bool
	mu       sync.Mutex
}

func newFixture(t *testing.T, ws *dispatch.Workspace) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(nil),
		dialer:  sstesting.NewFakeDialer(),
		buf:     &bytes.Buffer{},
		confirm: true,
	}
	f.cons = console.New(f.buf, console.ColorNever)
	f.pool = session.NewPool(f.dialer, f.cons, nil, session.PoolConfig{
		DialAttempts: 1,
		DialBackoff:  time.Millisecond,
		LoginTimeout: 2 * time.Second,
		IdleTimeout:  200 * time.Millisecond,
	})
	if ws == nil {
		ws = dispatch.NewWorkspace(nil, nil, nil)
	}
	f.disp = dispatch.New(dispatch.Deps{
		Registry:  f.reg,
		Pool:      f.pool,
		Console:   f.cons,
		Workspace: ws,
		Attach: func(s *session.Session) error {
			f.mu.Lock()
			f.attached = append(f.attached, s)
			f.mu.Unlock()
			return nil
		},
		Confirm: func(prompt string) (bool, error) {
			return f.confirm, nil
		},
	})
	return f
}

func (f *fixture) swapWorkers(t *testing.T) {
	t.Helper()
	require.NoError(t, f.reg.Swap([]registry.Node{
		{ID: "i-000", Name: "worker0", State: registry.StateRunning, Tags: map[string]string{"env": "prod"}},
		{ID: "i-001", Name: "worker1", State: registry.StateRunning, Tags: map[string]string{"env": "dev"}},
		{ID: "i-002", Name: "worker2", State: registry.StateRunning, Tags: map[string]string{"env": "prod"}},
	}))
}

// drain stops the console writer so the buffer is safe to read.
func (f *fixture) drain() string {
	f.pool.ReleaseAll()
	f.cons.Close()
	return f.buf.String()
}

func TestBroadcastToGlobTargets(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	f.dialer.Configure = func(n *registry.Node, conn *sstesting.FakeConn) {
		home := "/home/" + n.Name
		conn.SetRespond(func(payload string) ([]string, int) {
			if payload == "pwd" {
				return []string{home}, 0
			}
			return nil, 0
		})
	}

	require.NoError(t, f.disp.Submit(context.Background(), "@worker* pwd"))

	out := f.drain()
	for _, name := range []string{"worker0", "worker1", "worker2"} {
		assert.Contains(t, out, "["+name+"]")
		assert.Contains(t, out, "/home/"+name)
		assert.Equal(t, 1, f.dialer.DialCount("i-00"+string(name[len(name)-1])))
	}
}

func TestTagFilterDispatchesToMatchingNodeOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	f.dialer.Configure = func(n *registry.Node, conn *sstesting.FakeConn) {
		conn.SetRespond(func(payload string) ([]string, int) {
			return []string{"up 3 days"}, 0
		})
	}

	require.NoError(t, f.disp.Submit(context.Background(), "@tags=env:dev uptime"))

	assert.Equal(t, 0, f.dialer.DialCount("i-000"))
	assert.Equal(t, 1, f.dialer.DialCount("i-001"))
	assert.Equal(t, 0, f.dialer.DialCount("i-002"))

	out := f.drain()
	assert.Contains(t, out, "[worker1]")
	assert.NotContains(t, out, "[worker0]")
}

func TestEmptyPayloadSingleTargetAttachesRaw(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	require.NoError(t, f.disp.Submit(context.Background(), "@worker1"))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.attached, 1)
	assert.Equal(t, "worker1", f.attached[0].Node().Label())
}

func TestAmbiguousRawTargetRejectedBeforeConnecting(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	err := f.disp.Submit(context.Background(), "@worker*")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrResolve))

	// Rejected before any connection side effect.
	for _, id := range []string{"i-000", "i-001", "i-002"} {
		assert.Equal(t, 0, f.dialer.DialCount(id))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.attached)
}

func TestEmptyResolutionIsReportedNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	err := f.disp.Submit(context.Background(), "@ghost* ls")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrResolve))
}

func TestPerNodeFailureDoesNotAbortBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	f.dialer.FailWith("i-001", fmt.Errorf("connection refused"))
	f.dialer.Configure = func(n *registry.Node, conn *sstesting.FakeConn) {
		conn.SetRespond(func(payload string) ([]string, int) {
			return []string{"ok"}, 0
		})
	}

	require.NoError(t, f.disp.Submit(context.Background(), "@worker* pwd"))

	out := f.drain()
	assert.Contains(t, out, "[worker0]")
	assert.Contains(t, out, "[worker2]")
	assert.Contains(t, out, "worker1", "the failure is attributed to the failing node")
	assert.Contains(t, out, "connection refused")
}

func TestBackgroundDispatchReturnsImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	f.dialer.Configure = func(n *registry.Node, conn *sstesting.FakeConn) {
		conn.SetDelay(150 * time.Millisecond)
		conn.SetRespond(func(payload string) ([]string, int) {
			return []string{"done"}, 0
		})
	}

	start := time.Now()
	require.NoError(t, f.disp.Submit(context.Background(), "@worker0 sleep 1 && echo done &"))
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"backgrounded dispatch must return the prompt immediately")

	// The output still arrives, tagged like any other line.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := f.pool.Get("i-000"); ok && s != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)

	out := f.drain()
	assert.Contains(t, out, "[worker0]")
	assert.Contains(t, out, "done")
}

func TestUnknownVerbSuggestsNearest(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	err := f.disp.Submit(context.Background(), "sohw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "show")
}

func TestLocalPassThrough(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	// Not a verb and not close to one: runs through the local shell.
	require.NoError(t, f.disp.Submit(context.Background(), "printf herd-local-test"))
}

func TestExitReleasesSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	f.dialer.Configure = func(n *registry.Node, conn *sstesting.FakeConn) {
		conn.SetRespond(func(payload string) ([]string, int) { return nil, 0 })
	}
	require.NoError(t, f.disp.Submit(context.Background(), "@worker0 true"))
	require.Len(t, f.pool.Sessions(), 1)

	require.NoError(t, f.disp.Submit(context.Background(), "exit"))
	assert.True(t, f.disp.Quit())
	assert.Empty(t, f.pool.Sessions())
}

func TestCloseVerbEvictsSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.swapWorkers(t)

	require.NoError(t, f.disp.Submit(context.Background(), "@worker* pwd"))
	require.Len(t, f.pool.Sessions(), 3)

	require.NoError(t, f.disp.Submit(context.Background(), "close worker1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.pool.Sessions()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Len(t, f.pool.Sessions(), 2)
}

func TestUseActivatesCluster(t *testing.T) {
	clusters := map[string]*config.Cluster{
		"web": {
			Name: "web",
			Nodes: []config.NodeDef{
				{Name: "web0", Host: "203.0.113.10", ID: "203.0.113.10"},
				{Name: "web1", Host: "203.0.113.11", ID: "203.0.113.11"},
			},
		},
	}
	ws := dispatch.NewWorkspace(clusters, []string{"web"}, nil)

	f := newFixture(t, ws)

	require.NoError(t, f.disp.Submit(context.Background(), "use web"))
	assert.Equal(t, "web", ws.Active())
	assert.Equal(t, 2, f.reg.Len())

	err := f.disp.Submit(context.Background(), "use nope")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	assert.Equal(t, "web", ws.Active(), "failed switch keeps the previous cluster")
}

// lifecycleProvider counts lifecycle calls for verb tests.
type lifecycleProvider struct {
	nodes      []registry.Node
	mu         sync.Mutex
	started    [][]string
	stopped    [][]string
	terminated [][]string
}

func (p *lifecycleProvider) DescribeNodes(ctx context.Context) ([]registry.Node, error) {
	return p.nodes, nil
}

func (p *lifecycleProvider) Start(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = append(p.started, ids)
	return nil
}

func (p *lifecycleProvider) Stop(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, ids)
	return nil
}

func (p *lifecycleProvider) Terminate(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, ids)
	return nil
}

func lifecycleFixture(t *testing.T) (*fixture, *lifecycleProvider) {
	t.Helper()
	provider := &lifecycleProvider{
		nodes: []registry.Node{
			{ID: "i-000", Name: "worker0", State: registry.StateRunning},
			{ID: "i-001", Name: "worker1", State: registry.StateStopped},
		},
	}
	clusters := map[string]*config.Cluster{"fleet": {Name: "fleet"}}
	ws := dispatch.NewWorkspace(clusters, []string{"fleet"}, func(c *config.Cluster) registry.Provider {
		return provider
	})

	f := newFixture(t, ws)
	require.NoError(t, f.disp.Submit(context.Background(), "use fleet"))
	return f, provider
}

func TestStartVerb(t *testing.T) {
	f, provider := lifecycleFixture(t)

	require.NoError(t, f.disp.Submit(context.Background(), "start worker1"))
	require.Len(t, provider.started, 1)
	assert.Equal(t, []string{"i-001"}, provider.started[0])
}

func TestTerminateAsksForConfirmation(t *testing.T) {
	f, provider := lifecycleFixture(t)

	f.confirm = false
	require.NoError(t, f.disp.Submit(context.Background(), "terminate worker0"))
	assert.Empty(t, provider.terminated, "declined confirmation must not terminate")

	f.confirm = true
	require.NoError(t, f.disp.Submit(context.Background(), "terminate worker0"))
	require.Len(t, provider.terminated, 1)
	assert.Equal(t, []string{"i-000"}, provider.terminated[0])
}

func TestRefreshWithoutClusterFails(t *testing.T) {
	f := newFixture(t, nil)

	err := f.disp.Submit(context.Background(), "refresh")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestSubmitBlankLineIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	assert.NoError(t, f.disp.Submit(context.Background(), "   \n"))
}

func TestHelpListsEveryVerb(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.disp.Submit(context.Background(), "help"))

	out := f.drain()
	assert.Contains(t, out, "@<target> <command>")
	for _, usage := range []string{
		"show [target]",
		"use <cluster>",
		"save <name> [target]",
		"put <target> <localpath> [remotepath]",
		"get <target> <remotepath> [localpath]",
		"jobs",
		"help",
		"exit",
	} {
		assert.Contains(t, out, usage)
	}
}

func TestSaveVerbWritesClusterDefinition(t *testing.T) {
	t.Setenv("HERD_HOME", t.TempDir())
	f := newFixture(t, nil)
	f.swapWorkers(t)

	require.NoError(t, f.disp.Submit(context.Background(), "save prodworkers tags=env:prod"))

	dir, err := config.Dir()
	require.NoError(t, err)
	clusters, names, err := config.LoadClusters(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"prodworkers"}, names)
	require.Contains(t, clusters, "prodworkers")
	require.Len(t, clusters["prodworkers"].Nodes, 2)
	assert.Equal(t, "worker0", clusters["prodworkers"].Nodes[0].Name)
	assert.Equal(t, "worker2", clusters["prodworkers"].Nodes[1].Name)

	// The saved cluster is usable in the same shell, no reload needed.
	require.NoError(t, f.disp.Submit(context.Background(), "use prodworkers"))
	assert.Equal(t, 2, f.reg.Len())

	out := f.drain()
	assert.Contains(t, out, "saved cluster 'prodworkers' with 2 node(s)")
}

func TestSaveVerbUsage(t *testing.T) {
	f := newFixture(t, nil)
	err := f.disp.Submit(context.Background(), "save")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save <name> [target]")
}
