package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/querymt/querymt/internal/event"
	"github.com/querymt/querymt/internal/registry"
	"github.com/querymt/querymt/internal/routing"
)

// LookupTimeout bounds a single peer's GetNodeInfo/LookupSession round
// trip, per spec.md §5's "mesh lookups use 3s per peer."
const LookupTimeout = 3 * time.Second

type peerConn struct {
	addr string
	conn *grpc.ClientConn
}

// Node is one mesh participant: it advertises itself via Discovery, serves
// GetNodeInfo/LookupSession/SendEvent over gRPC to other nodes, dials
// peers as they're discovered, and wires peer lifecycle into the routing
// actor and the local event-relay actor. Grounded on
// kadirpekel-hector/pkg/transport/server.go's grpc.NewServer/net.Listen
// idiom.
type Node struct {
	nodeID     string
	listenAddr string

	discovery *Discovery
	bus       *event.AgentBus
	reg       *registry.Registry
	route     *routing.Actor
	relay     *registry.EventRelayActor

	server   *grpc.Server
	listener net.Listener

	mu    sync.Mutex
	peers map[string]*peerConn // nodeID -> conn
}

// Config wires a Node to the rest of a running orchestrator.
type Config struct {
	NodeID        string
	ListenAddr    string
	EtcdEndpoints []string
	Bus           *event.AgentBus
	Registry      *registry.Registry
	Routing       *routing.Actor
	Relay         *registry.EventRelayActor
}

// NewNode constructs a Node and starts its gRPC server, but does not yet
// register with etcd or begin watching peers; call Join for that.
func NewNode(cfg Config) (*Node, error) {
	disc, err := NewDiscovery(cfg.EtcdEndpoints, cfg.NodeID)
	if err != nil {
		return nil, err
	}

	n := &Node{
		nodeID:     cfg.NodeID,
		listenAddr: cfg.ListenAddr,
		discovery:  disc,
		bus:        cfg.Bus,
		reg:        cfg.Registry,
		route:      cfg.Routing,
		relay:      cfg.Relay,
		peers:      make(map[string]*peerConn),
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("mesh: listen %s: %w", cfg.ListenAddr, err)
	}
	n.listener = ln
	n.listenAddr = ln.Addr().String()

	n.server = grpc.NewServer()
	n.server.RegisterService(&serviceDesc, n)
	reflection.Register(n.server)

	go func() {
		_ = n.server.Serve(ln)
	}()

	return n, nil
}

// Join registers this node in etcd and starts watching for peers.
// Cancelling ctx stops both the registration keepalive and the peer watch.
func (n *Node) Join(ctx context.Context) error {
	if err := n.discovery.Register(ctx, n.listenAddr); err != nil {
		return err
	}
	events, err := n.discovery.Watch(ctx)
	if err != nil {
		return err
	}
	go n.watchPeers(ctx, events)
	return nil
}

func (n *Node) watchPeers(ctx context.Context, events <-chan PeerEvent) {
	for ev := range events {
		switch ev.Kind {
		case PeerJoined:
			n.attachPeer(ev.Node)
		case PeerLeft:
			n.detachPeer(ev.Node.NodeID)
		}
	}
}

func (n *Node) attachPeer(info NodeInfo) {
	conn, err := grpc.NewClient(info.ListenAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return
	}
	pc := &peerConn{addr: info.ListenAddr, conn: conn}

	n.mu.Lock()
	if old, ok := n.peers[info.NodeID]; ok {
		_ = old.conn.Close()
	}
	n.peers[info.NodeID] = pc
	n.mu.Unlock()

	if n.relay != nil {
		n.relay.AddSink(info.NodeID, &grpcSink{peerNodeID: info.NodeID, peer: pc})
	}
}

func (n *Node) detachPeer(nodeID string) {
	n.mu.Lock()
	pc, ok := n.peers[nodeID]
	delete(n.peers, nodeID)
	n.mu.Unlock()

	if ok {
		_ = pc.conn.Close()
	}
	if n.relay != nil {
		n.relay.RemoveSink(nodeID)
	}
	if n.route != nil {
		n.route.UnresolvePeer(nodeID)
	}
}

func (n *Node) peerConn(nodeID string) (*peerConn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pc, ok := n.peers[nodeID]
	return pc, ok
}

// Peers lists the node ids currently attached.
func (n *Node) Peers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

// Lookup implements worker.MeshLookup: it asks every attached peer, in
// turn, whether it owns sessionID, bounded by LookupTimeout per peer.
// Matches the orchestrator's polling step in spec.md §4.6, which retries
// this call on its own backoff schedule.
func (n *Node) Lookup(ctx context.Context, sessionID string) (string, bool) {
	for _, nodeID := range n.Peers() {
		pc, ok := n.peerConn(nodeID)
		if !ok {
			continue
		}
		req, err := structpb.NewStruct(map[string]any{"session_id": sessionID})
		if err != nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, LookupTimeout)
		resp, err := invoke(callCtx, pc.conn, "LookupSession", req)
		cancel()
		if err != nil {
			continue
		}
		found, _ := resp.AsMap()["found"].(bool)
		if found {
			n.reg.Put(sessionID, registry.NewRemote(sessionID, nodeID))
			n.route.SetSessionTarget(sessionID, nodeID)
			return sessionID, true
		}
	}
	return "", false
}

// --- rpcHandler implementation: these answer RPCs a peer sends us. ---

func (n *Node) GetNodeInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"node_id":     n.nodeID,
		"listen_addr": n.listenAddr,
	})
}

func (n *Node) LookupSession(reqCtx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID, _ := req.AsMap()["session_id"].(string)
	ref, err := n.reg.Get(sessionID)
	found := err == nil && ref.IsLocal()
	return structpb.NewStruct(map[string]any{"found": found})
}

func (n *Node) SendEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ev := structToEvent(req)
	n.bus.Publish(ev)
	return structpb.NewStruct(map[string]any{"ok": true})
}

// Close stops the gRPC server, closes peer connections, and leaves etcd.
func (n *Node) Close() error {
	n.server.GracefulStop()

	n.mu.Lock()
	for _, pc := range n.peers {
		_ = pc.conn.Close()
	}
	n.mu.Unlock()

	return n.discovery.Close()
}
