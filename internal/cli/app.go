package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rileyhilliard/herd/internal/config"
	"github.com/rileyhilliard/herd/internal/console"
	"github.com/rileyhilliard/herd/internal/dispatch"
	"github.com/rileyhilliard/herd/internal/logger"
	"github.com/rileyhilliard/herd/internal/probe"
	"github.com/rileyhilliard/herd/internal/registry"
	"github.com/rileyhilliard/herd/internal/session"
	"github.com/rileyhilliard/herd/internal/transfer"
	"github.com/rileyhilliard/herd/pkg/sshutil"
)

// app is everything a running shell needs, wired once at startup.
type app struct {
	cfg        *config.Config
	reg        *registry.Registry
	cons       *console.Console
	pool       *session.Pool
	workspace  *dispatch.Workspace
	dispatcher *dispatch.Dispatcher
	log        logger.Logger
}

// buildApp loads config and cluster definitions and assembles the engine.
// cluster overrides the configured default cluster when non-empty.
func buildApp(ctx context.Context, configPath, cluster string) (*app, error) {
	log := logger.Default()

	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		configPath = filepath.Join(dir, config.ConfigFileName)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.StrictHostKeys != nil {
		sshutil.StrictHostKeyChecking = *cfg.StrictHostKeys
	}

	clusters, names, err := config.LoadClusters(dir)
	if err != nil {
		return nil, err
	}
	ws := dispatch.NewWorkspace(clusters, names, nil)

	cons := console.New(os.Stdout, console.ColorMode(colorMode(cfg)))
	reg := registry.New(log)

	poolCfg := session.DefaultPoolConfig()
	if cfg.DialAttempts > 0 {
		poolCfg.DialAttempts = cfg.DialAttempts
	}
	if cfg.DialBackoff > 0 {
		poolCfg.DialBackoff = cfg.DialBackoff
	}
	if cfg.LoginTimeout > 0 {
		poolCfg.LoginTimeout = cfg.LoginTimeout
	}
	if cfg.IdleTimeout > 0 {
		poolCfg.IdleTimeout = cfg.IdleTimeout
	}

	dialer := &session.SSHDialer{Keepalive: cfg.Keepalive}
	pool := session.NewPool(dialer, cons, log, poolCfg)

	bridge := session.NewBridge(os.Stdin, os.Stdout, cons, log)

	trans := transfer.New(cons, log, nil)
	trans.Progress = true

	disp := dispatch.New(dispatch.Deps{
		Registry:  reg,
		Pool:      pool,
		Console:   cons,
		Log:       log,
		Workspace: ws,
		Transfer:  trans,
		Prober:    probe.NewProber(cons, log),
		Attach:    bridge.Attach,
	})

	a := &app{
		cfg:        cfg,
		reg:        reg,
		cons:       cons,
		pool:       pool,
		workspace:  ws,
		dispatcher: disp,
		log:        log,
	}

	if cluster == "" {
		cluster = cfg.DefaultCluster
	}
	if cluster != "" {
		if err := ws.Use(ctx, cluster, reg); err != nil {
			a.close()
			return nil, err
		}
		cons.Notice("cluster '%s' active: %s", cluster, reg.Summary())
	}

	return a, nil
}

func (a *app) close() {
	a.pool.ReleaseAll()
	sshutil.CloseAgent()
	a.cons.Close()
}

func colorMode(cfg *config.Config) string {
	if noColorFlag {
		return string(console.ColorNever)
	}
	if cfg.Color != "" {
		return cfg.Color
	}
	return string(console.ColorAuto)
}
