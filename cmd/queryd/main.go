// Command queryd is the orchestrator process for the QueryMT runtime: it
// owns the worker.Manager that spawns one sandboxed queryd-worker
// subprocess per session (spec.md §4.6), this node's mesh membership, the
// session/routing/relay actors that tie a spawned worker back to the rest
// of the cluster, and the OAuth callback listener. The ACP/UI-WebSocket
// transport that would drive these collaborators is out of scope per
// spec.md §1 ("treated as external collaborators, specified only at the
// interface level") — this binary assembles and runs them, ready for that
// transport to be wired in front.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/querymt/querymt/internal/acp"
	"github.com/querymt/querymt/internal/config"
	"github.com/querymt/querymt/internal/event"
	"github.com/querymt/querymt/internal/logging"
	"github.com/querymt/querymt/internal/mesh"
	"github.com/querymt/querymt/internal/oauth"
	"github.com/querymt/querymt/internal/registry"
	"github.com/querymt/querymt/internal/routing"
	"github.com/querymt/querymt/internal/storage"
	"github.com/querymt/querymt/internal/worker"
)

var (
	flagDataDir      string
	flagWorkerBinary string
	flagSocketDir    string
	flagNodeID       string
	flagListenAddr   string
	flagMeshPeer     string
	flagNeverGrant   []string
	flagAuthMethods  []string
)

func main() {
	root := &cobra.Command{
		Use:   "queryd",
		Short: "Orchestrator for the QueryMT agent runtime",
		RunE:  run,
	}
	root.Flags().StringVar(&flagDataDir, "data-dir", "", "directory for session metadata and per-worker storage")
	root.Flags().StringVar(&flagWorkerBinary, "worker-binary", "", "path to the queryd-worker executable")
	root.Flags().StringVar(&flagSocketDir, "socket-dir", "", "directory for supervisor-socket files")
	root.Flags().StringVar(&flagNodeID, "node-id", "", "this node's mesh identity (default: random ULID)")
	root.Flags().StringVar(&flagListenAddr, "listen-addr", "127.0.0.1:0", "this node's mesh gRPC listen address")
	root.Flags().StringVar(&flagMeshPeer, "mesh-peer", "", "mesh discovery endpoint (etcd cluster address); empty runs single-node")
	root.Flags().StringSliceVar(&flagNeverGrant, "never-grant", nil, "additional paths workers may never be granted access to")
	root.Flags().StringSliceVar(&flagAuthMethods, "auth-method", nil, "ACP auth methods this node requires (empty means no auth)")
	_ = root.MarkFlagRequired("data-dir")
	_ = root.MarkFlagRequired("worker-binary")
	_ = root.MarkFlagRequired("socket-dir")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logging.DefaultConfig())

	if !filepath.IsAbs(flagDataDir) {
		logging.Logger.Fatal().Str("data_dir", flagDataDir).Msg("--data-dir must be an absolute path")
	}
	if err := os.MkdirAll(flagSocketDir, 0o700); err != nil {
		logging.Logger.Fatal().Err(err).Msg("failed to create socket directory")
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		logging.Logger.Warn().Err(err).Msg("failed to ensure config directories")
	}

	nodeID := flagNodeID
	if nodeID == "" {
		nodeID = ulid.Make().String()
	}

	meta := storage.New(flagDataDir)

	bus := event.NewAgentBus()
	sessions := registry.New()
	route := routing.New(bus)
	relay := registry.NewEventRelayActor(bus, nodeID)

	manager := worker.NewManager(worker.Config{
		WorkerBinary: flagWorkerBinary,
		SocketDir:    flagSocketDir,
		MeshPeer:     flagMeshPeer,
		IssueToken:   worker.DefaultExtensionIssuer,
		NeverGrant:   defaultNeverGrantList(flagNeverGrant),
	})

	var node *mesh.Node
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if flagMeshPeer != "" {
		var err error
		node, err = mesh.NewNode(mesh.Config{
			NodeID:        nodeID,
			ListenAddr:    flagListenAddr,
			EtcdEndpoints: []string{flagMeshPeer},
			Bus:           bus,
			Registry:      sessions,
			Routing:       route,
			Relay:         relay,
		})
		if err != nil {
			logging.Logger.Error().Err(err).Msg("failed to start mesh node")
		} else {
			manager.SetMeshLookup(node.Lookup)
			if err := node.Join(ctx); err != nil {
				logging.Logger.Error().Err(err).Msg("failed to join mesh")
			}
		}
	}

	oauthListener := oauth.NewListener()

	sendAgent := acp.NewLocal(sessions, flagAuthMethods)
	sendAgent.SetSpawner(manager)
	sendAgent.SetSessionStore(meta, flagDataDir)

	logging.Logger.Info().
		Str("node_id", nodeID).
		Str("data_dir", flagDataDir).
		Str("socket_dir", flagSocketDir).
		Bool("mesh_enabled", flagMeshPeer != "").
		Msg("queryd orchestrator ready")

	// sendAgent is the handle an external ACP/UI-WebSocket transport
	// attaches to (spec.md §1); this process only assembles and runs the
	// collaborators it needs.

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.Logger.Info().Msg("shutting down")
	manager.DestroyAll()
	relay.Stop()
	route.Stop()
	if node != nil {
		_ = node.Close()
	}
	_ = oauthListener.Stop(context.Background())
	return nil
}

// defaultNeverGrantList returns the baseline secrets-protection deny list
// (the operator's SSH directory is never handed to a worker, regardless of
// mode) plus any operator-supplied additions.
func defaultNeverGrantList(extra []string) worker.NeverGrantList {
	list := worker.NeverGrantList{}
	if home, err := os.UserHomeDir(); err == nil {
		list = append(list, filepath.Join(home, ".ssh"))
	}
	list = append(list, extra...)
	return list
}
