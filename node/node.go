// Package node wires every collaborator component into a single
// running process, the way the teacher's node.Node owns and
// starts/stops its registered Services. This executor has no p2p
// networking or RPC surface to host, so Node here is a flat struct
// composing the HTTP server with each subsystem's background loops,
// started and stopped together.
package node

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/PlatformNetwork/term-executor/archive"
	"github.com/PlatformNetwork/term-executor/auth"
	"github.com/PlatformNetwork/term-executor/config"
	"github.com/PlatformNetwork/term-executor/engine"
	"github.com/PlatformNetwork/term-executor/eventbus"
	"github.com/PlatformNetwork/term-executor/httpapi"
	"github.com/PlatformNetwork/term-executor/log"
	"github.com/PlatformNetwork/term-executor/metrics"
	"github.com/PlatformNetwork/term-executor/nonce"
	"github.com/PlatformNetwork/term-executor/quorum"
	"github.com/PlatformNetwork/term-executor/session"
	"github.com/PlatformNetwork/term-executor/validator"
)

var logger = log.NewModuleLogger(log.ModuleNode)

// Node owns every subsystem for the lifetime of the process.
type Node struct {
	cfg config.Config

	nonces    *nonce.Store
	directory *validator.Directory
	consensus *quorum.Manager
	registry  *session.Registry
	bus       *eventbus.Bus
	metrics   *metrics.Registry
	loader    *archive.Loader
	engine    *engine.BatchEngine
	api       *httpapi.Server

	httpServer *http.Server
	cancel     context.CancelFunc
}

// New constructs every subsystem from cfg and an external validator
// Source (the blockchain RPC client spec.md section 1 places out of
// scope).
func New(cfg config.Config, source validator.Source) *Node {
	nonces := nonce.New(cfg.NonceTTL)
	directory := validator.New(source, cfg.MinValidatorStake)
	consensus := quorum.New(cfg.MaxPendingConsensus)
	registry := session.New()
	bus := eventbus.New()
	registry.OnExpire(bus.RemoveBatch)
	m := metrics.New()
	loader := archive.New(cfg.WorkspaceBase, cfg.MaxArchiveBytes)
	eng := engine.New(cfg, registry, bus, m)
	verifier := auth.New(directory, nonces)
	api := httpapi.New(cfg, verifier, directory, consensus, registry, loader, eng, bus, m)

	return &Node{
		cfg: cfg, nonces: nonces, directory: directory, consensus: consensus,
		registry: registry, bus: bus, metrics: m, loader: loader, engine: eng, api: api,
	}
}

// Start launches every background loop (validator refresh, nonce/
// consensus/session reapers) and the HTTP server, then returns.
func (n *Node) Start() error {
	n.cleanWorkspaceBase()

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	go n.directory.RefreshLoop(ctx, n.cfg.ValidatorRefresh)
	if err := n.directory.RefreshOnce(ctx); err != nil {
		logger.Warn("initial validator directory refresh failed, starting with empty set", "err", err)
	}

	stop := ctx.Done()
	go n.nonces.Reaper(stop, n.cfg.NonceReapPeriod)
	go n.consensus.Reaper(stop, n.cfg.ConsensusTTL, n.cfg.ConsensusReapPeriod)
	go n.registry.Reaper(stop, n.cfg.SessionTTL, n.cfg.SessionReapPeriod)

	n.httpServer = &http.Server{Addr: portAddr(n.cfg.Port), Handler: n.api.Handler()}
	go func() {
		logger.Info("http server listening", "addr", n.httpServer.Addr)
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server and every background loop.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.httpServer.Shutdown(ctx)
	}
	return nil
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// cleanWorkspaceBase wipes WORKSPACE_BASE on boot (spec.md section 6:
// no state is persisted across restarts, so any directories left over
// from a prior process are stale). Best-effort: a failure here is
// logged, never fatal to startup.
func (n *Node) cleanWorkspaceBase() {
	if n.cfg.WorkspaceBase == "" {
		return
	}
	if err := os.RemoveAll(n.cfg.WorkspaceBase); err != nil {
		logger.Warn("failed to clean stale workspace base", "path", n.cfg.WorkspaceBase, "err", err)
		return
	}
	if err := os.MkdirAll(n.cfg.WorkspaceBase, 0o755); err != nil {
		logger.Warn("failed to recreate workspace base", "path", n.cfg.WorkspaceBase, "err", err)
	}
}
