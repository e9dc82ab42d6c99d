// Package probe checks node reachability without opening sessions: ICMP
// pings for liveness, TCP dials for the SSH port.
package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	ping "github.com/prometheus-community/pro-bing"
	"github.com/rileyhilliard/herd/internal/console"
	"github.com/rileyhilliard/herd/internal/logger"
	"github.com/rileyhilliard/herd/internal/registry"
	"golang.org/x/sync/errgroup"
)

// Prober pings nodes and reports results on the console.
type Prober struct {
	cons *console.Console
	log  logger.Logger

	// Count is the number of ICMP echoes per node.
	Count int
	// Timeout bounds each node's probe.
	Timeout time.Duration
	// Privileged selects raw-socket ICMP; unprivileged UDP ping otherwise.
	Privileged bool
}

// NewProber creates a prober with 3 echoes and a 4 second timeout per node.
func NewProber(cons *console.Console, log logger.Logger) *Prober {
	if log == nil {
		log = logger.Noop()
	}
	return &Prober{cons: cons, log: log, Count: 3, Timeout: 4 * time.Second}
}

// Ping probes every node concurrently, tagging each result with the node
// name. Nodes with no reachable address are reported and skipped.
func (p *Prober) Ping(ctx context.Context, nodes []*registry.Node) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.pingOne(ctx, node)
			return nil
		})
	}
	return g.Wait()
}

func (p *Prober) pingOne(ctx context.Context, node *registry.Node) {
	addr := node.Addr()
	if addr == "" {
		p.cons.Write(console.Line{Node: node.Label(),
			Text: fmt.Sprintf("no address (state: %s)", node.State)})
		return
	}

	pinger, err := ping.NewPinger(addr)
	if err != nil {
		p.tcpFallback(node, addr)
		return
	}
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = p.Count
	pinger.Timeout = p.Timeout

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		close(done)
		p.log.Debug("[probe] icmp to %s failed: %v", node.Label(), err)
		p.tcpFallback(node, addr)
		return
	}
	close(done)

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		p.cons.Write(console.Line{Node: node.Label(),
			Text: fmt.Sprintf("unreachable (%d packets lost)", stats.PacketsSent), Err: true})
		return
	}
	p.cons.Write(console.Line{Node: node.Label(),
		Text: fmt.Sprintf("%d/%d replies, rtt min/avg/max = %v/%v/%v",
			stats.PacketsRecv, stats.PacketsSent,
			stats.MinRtt.Round(time.Microsecond),
			stats.AvgRtt.Round(time.Microsecond),
			stats.MaxRtt.Round(time.Microsecond))})
}

// tcpFallback dials the node's SSH port when ICMP is unavailable, which is
// common without raw-socket privileges and on networks that drop echo.
func (p *Prober) tcpFallback(node *registry.Node, addr string) {
	port := node.Port
	if port == 0 {
		port = 22
	}
	target := net.JoinHostPort(addr, fmt.Sprintf("%d", port))

	start := time.Now()
	conn, err := net.DialTimeout("tcp", target, p.Timeout)
	if err != nil {
		p.cons.Write(console.Line{Node: node.Label(),
			Text: fmt.Sprintf("unreachable (tcp %s: %v)", target, err), Err: true})
		return
	}
	conn.Close()
	p.cons.Write(console.Line{Node: node.Label(),
		Text: fmt.Sprintf("tcp %s open (%v)", target, time.Since(start).Round(time.Microsecond))})
}
