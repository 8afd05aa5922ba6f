// Command queryd-worker is the sandboxed per-session worker process the
// queryd orchestrator spawns for every live session, per spec.md §4.6.
// It applies its sandbox profile, connects to the orchestrator's
// supervisor socket for capability negotiation, runs the session's
// fsm-driven actor, and advertises itself on the mesh so the orchestrator
// can attach a SessionActorRef::Remote to it.
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

	"github.com/querymt/querymt/internal/agent"
	"github.com/querymt/querymt/internal/app"
	"github.com/querymt/querymt/internal/config"
	"github.com/querymt/querymt/internal/delegation"
	"github.com/querymt/querymt/internal/event"
	"github.com/querymt/querymt/internal/fsm"
	"github.com/querymt/querymt/internal/logging"
	"github.com/querymt/querymt/internal/mesh"
	"github.com/querymt/querymt/internal/registry"
	"github.com/querymt/querymt/internal/routing"
	"github.com/querymt/querymt/internal/sandbox"
	"github.com/querymt/querymt/internal/sessionactor"
	"github.com/querymt/querymt/internal/storage"
	"github.com/querymt/querymt/internal/tool"
	"github.com/querymt/querymt/internal/worker"
	"github.com/querymt/querymt/pkg/types"
)

var (
	flagCWD              string
	flagMode             string
	flagSessionID        string
	flagDBPath           string
	flagMeshPeer         string
	flagSupervisorSocket string
)

func main() {
	root := &cobra.Command{
		Use:   "queryd-worker",
		Short: "Sandboxed per-session worker for the QueryMT runtime",
		RunE:  run,
	}
	root.Flags().StringVar(&flagCWD, "cwd", "", "absolute path of the session's workspace")
	root.Flags().StringVar(&flagMode, "mode", "build", "session permission mode: build|plan|review")
	root.Flags().StringVar(&flagSessionID, "session-id", "", "session id this worker hosts")
	root.Flags().StringVar(&flagDBPath, "db-path", "", "path to the session's SQLite-equivalent store")
	root.Flags().StringVar(&flagMeshPeer, "mesh-peer", "", "mesh discovery endpoint (etcd cluster address)")
	root.Flags().StringVar(&flagSupervisorSocket, "supervisor-socket", "", "path to the orchestrator's supervisor socket")
	_ = root.MarkFlagRequired("cwd")
	_ = root.MarkFlagRequired("session-id")
	_ = root.MarkFlagRequired("supervisor-socket")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(logging.DefaultConfig())

	if !filepath.IsAbs(flagCWD) {
		logging.Logger.Fatal().Str("cwd", flagCWD).Msg("--cwd must be an absolute path")
	}
	mode := types.AgentMode(flagMode)
	switch mode {
	case types.ModeBuild, types.ModePlan, types.ModeReview:
	default:
		logging.Logger.Fatal().Str("mode", flagMode).Msg("unknown --mode")
	}

	policy := sandbox.Policy{
		CWD:          flagCWD,
		ReadOnly:     mode != types.ModeBuild,
		AllowNetwork: true,
		DBPath:       flagDBPath,
	}
	profile := policy.Build()
	if err := profile.Apply(); err != nil {
		// This port's extension_darwin.go/extension_linux.go do not bind
		// the real OS sandbox primitive (see DESIGN.md); log and continue
		// rather than fail the worker over a documented gap.
		logging.Logger.Warn().Err(err).Msg("sandbox profile not enforced on this platform")
	}

	client, err := worker.DialSupervisor(flagSupervisorSocket)
	if err != nil {
		logging.Logger.Error().Err(err).Msg("failed to connect to supervisor socket")
		os.Exit(1)
	}
	defer client.Close()

	if profile.InitialWriteGrant() {
		reqID := ulid.Make().String()
		decision, f, err := client.Request(worker.CapabilityRequest{
			RequestID: reqID,
			Path:      flagCWD,
			Access:    worker.AccessWrite,
			Reason:    "initial write grant",
			ChildPID:  os.Getpid(),
			SessionID: flagSessionID,
		})
		if err != nil {
			logging.Logger.Error().Err(err).Msg("initial capability request failed")
			os.Exit(1)
		}
		if !decision.Granted {
			logging.Logger.Warn().Str("reason", decision.Reason).Msg("initial write grant denied")
		} else if f != nil {
			f.Close()
		}
	}

	cfg, err := config.Load(flagCWD)
	if err != nil {
		logging.Logger.Fatal().Err(err).Msg("failed to load config")
	}

	store := storage.New(flagDBPath)
	providers, provErrs := app.BuildProviders(context.Background(), cfg)
	for _, e := range provErrs {
		logging.Logger.Warn().Err(e).Msg("provider not available")
	}
	agents := agent.NewRegistry()
	tools := app.BuildTools(flagCWD, store, agents)
	bus := event.NewAgentBus()

	defaultProviderID, defaultModelID := app.SplitModel(cfg.Model)

	sessions := registry.New()

	sess := sessionactor.New(sessionactor.Options{
		SessionID:         flagSessionID,
		Store:             store,
		Providers:         providers,
		Tools:             tools,
		Bus:               bus,
		DefaultProviderID: defaultProviderID,
		DefaultModelID:    defaultModelID,
		ToolContext: &tool.Context{
			SessionID: flagSessionID,
			WorkDir:   flagCWD,
		},
	})
	sess.SetMode(mode)
	sessions.Put(flagSessionID, registry.NewLocal(sess))

	route := routing.New(bus)
	relay := registry.NewEventRelayActor(bus, flagSessionID)

	orchestrator := delegation.New(delegation.Config{
		Storage:           store,
		ProviderRegistry:  providers,
		ToolRegistry:      tools,
		AgentRegistry:     agents,
		Bus:               bus,
		WorkDir:           flagCWD,
		DefaultProviderID: defaultProviderID,
		DefaultModelID:    defaultModelID,
		Wake: func(parentSessionID string, waker fsm.EventWaker) {
			if parentSessionID != flagSessionID {
				return
			}
			if _, err := sess.Wake(context.Background(), waker); err != nil {
				logging.Logger.Warn().Err(err).Msg("failed to wake session on delegation event")
			}
		},
	})

	if delegateTool, ok := tools.Get("delegate"); ok {
		if dt, ok := delegateTool.(*tool.DelegateTool); ok {
			dt.SetDispatcher(orchestrator)
		}
	}
	sess.SetDelegateFunc(orchestrator.ClassifierFor(flagSessionID))

	var node *mesh.Node
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if flagMeshPeer != "" {
		node, err = mesh.NewNode(mesh.Config{
			NodeID:        flagSessionID,
			ListenAddr:    "127.0.0.1:0",
			EtcdEndpoints: []string{flagMeshPeer},
			Bus:           bus,
			Registry:      sessions,
			Routing:       route,
			Relay:         relay,
		})
		if err != nil {
			logging.Logger.Error().Err(err).Msg("failed to start mesh node")
		} else if err := node.Join(ctx); err != nil {
			logging.Logger.Error().Err(err).Msg("failed to join mesh")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.Logger.Info().Str("session_id", flagSessionID).Msg("shutting down")
	sess.Stop()
	relay.Stop()
	route.Stop()
	if node != nil {
		_ = node.Close()
	}
	return nil
}
