// Package mesh implements the peer-to-peer fabric described in spec.md
// §4.10: etcd-backed node discovery with lease-bound liveness, and a gRPC
// transport for remote session lookup and event relay. Grounded on
// go.etcd.io/etcd/client/v3 (full example repo kadirpekel-hector's
// dependency) for the keyspace and google.golang.org/grpc (shared by
// kadirpekel-hector, goadesign-goa-ai, teradata-labs-loom) for RPC.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix is the etcd keyspace root every node registers under and
// watches, per spec.md §4.10's `/querymt/nodes/<node-id>` layout.
const KeyPrefix = "/querymt/nodes/"

// LeaseTTLSeconds is the ephemeral registration lease; a node that stops
// renewing (crashes, network partition) disappears from the keyspace
// within this window.
const LeaseTTLSeconds = 15

// NodeInfo is the value stored at KeyPrefix+nodeID, advertising how to
// reach a peer's gRPC endpoint.
type NodeInfo struct {
	NodeID     string `json:"node_id"`
	ListenAddr string `json:"listen_addr"`
}

// PeerEventKind classifies a keyspace watch event.
type PeerEventKind int

const (
	PeerJoined PeerEventKind = iota
	PeerLeft
)

// PeerEvent is delivered on Discovery.Watch's channel as peers register or
// their lease expires.
type PeerEvent struct {
	Kind PeerEventKind
	Node NodeInfo
}

// Discovery owns this node's etcd lease and keyspace registration, and
// watches for other nodes joining or leaving.
type Discovery struct {
	client  *clientv3.Client
	nodeID  string
	leaseID clientv3.LeaseID
}

// NewDiscovery connects to the etcd cluster at endpoints.
func NewDiscovery(endpoints []string, nodeID string) (*Discovery, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("mesh: connect etcd: %w", err)
	}
	return &Discovery{client: client, nodeID: nodeID}, nil
}

// Register grants a lease, publishes this node's info under it, and keeps
// the lease alive in a background goroutine until ctx is canceled.
func (d *Discovery) Register(ctx context.Context, listenAddr string) error {
	lease, err := d.client.Grant(ctx, LeaseTTLSeconds)
	if err != nil {
		return fmt.Errorf("mesh: grant lease: %w", err)
	}
	d.leaseID = lease.ID

	info := NodeInfo{NodeID: d.nodeID, ListenAddr: listenAddr}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("mesh: marshal node info: %w", err)
	}

	if _, err := d.client.Put(ctx, KeyPrefix+d.nodeID, string(payload), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("mesh: register node: %w", err)
	}

	keepAlive, err := d.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("mesh: keepalive lease: %w", err)
	}
	go func() {
		for range keepAlive {
			// Drained to keep the lease alive; responses carry no state we need.
		}
	}()
	return nil
}

// Watch streams PeerJoined/PeerLeft events for every node under KeyPrefix,
// including a synthetic PeerJoined for each node already registered.
func (d *Discovery) Watch(ctx context.Context) (<-chan PeerEvent, error) {
	out := make(chan PeerEvent, 16)

	existing, err := d.client.Get(ctx, KeyPrefix, clientv3.WithPrefix())
	if err != nil {
		close(out)
		return nil, fmt.Errorf("mesh: list existing nodes: %w", err)
	}

	go func() {
		defer close(out)
		for _, kv := range existing.Kvs {
			if node, ok := decodeNodeInfo(kv.Key, kv.Value, d.nodeID); ok {
				out <- PeerEvent{Kind: PeerJoined, Node: node}
			}
		}

		watchChan := d.client.Watch(ctx, KeyPrefix, clientv3.WithPrefix(), clientv3.WithRev(existing.Header.Revision+1))
		for resp := range watchChan {
			for _, ev := range resp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					if node, ok := decodeNodeInfo(ev.Kv.Key, ev.Kv.Value, d.nodeID); ok {
						out <- PeerEvent{Kind: PeerJoined, Node: node}
					}
				case clientv3.EventTypeDelete:
					nodeID := strings.TrimPrefix(string(ev.Kv.Key), KeyPrefix)
					if nodeID != d.nodeID {
						out <- PeerEvent{Kind: PeerLeft, Node: NodeInfo{NodeID: nodeID}}
					}
				}
			}
		}
	}()

	return out, nil
}

func decodeNodeInfo(key, value []byte, selfID string) (NodeInfo, bool) {
	var info NodeInfo
	if err := json.Unmarshal(value, &info); err != nil {
		return NodeInfo{}, false
	}
	if info.NodeID == "" {
		info.NodeID = strings.TrimPrefix(string(key), KeyPrefix)
	}
	if info.NodeID == selfID {
		return NodeInfo{}, false
	}
	return info, true
}

// Close releases the lease and the etcd client connection.
func (d *Discovery) Close() error {
	if d.leaseID != 0 {
		_, _ = d.client.Revoke(context.Background(), d.leaseID)
	}
	return d.client.Close()
}
