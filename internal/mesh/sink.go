package mesh

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/querymt/querymt/internal/event"
)

// grpcSink relays locally-produced AgentEvents to one peer over gRPC,
// satisfying registry.RelaySink.
type grpcSink struct {
	peerNodeID string
	peer       *peerConn
}

func (s *grpcSink) Send(ev event.AgentEvent) error {
	req, err := eventToStruct(ev)
	if err != nil {
		return fmt.Errorf("mesh: encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = invoke(ctx, s.peer.conn, "SendEvent", req)
	return err
}

func eventToStruct(ev event.AgentEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"seq":            float64(ev.Seq),
		"timestamp":      float64(ev.Timestamp),
		"session_id":     ev.SessionID,
		"origin_session": ev.Origin.SessionID,
		"origin_peer":    ev.Origin.PeerLabel,
		"kind":           string(ev.Kind),
		"data":           fmt.Sprintf("%v", ev.Data),
	})
}

func structToEvent(s *structpb.Struct) event.AgentEvent {
	f := s.AsMap()
	get := func(k string) string {
		v, _ := f[k].(string)
		return v
	}
	var seq uint64
	if n, ok := f["seq"].(float64); ok {
		seq = uint64(n)
	}
	var ts int64
	if n, ok := f["timestamp"].(float64); ok {
		ts = int64(n)
	}
	return event.AgentEvent{
		Seq:       seq,
		Timestamp: ts,
		SessionID: get("session_id"),
		Origin:    event.Origin{SessionID: get("origin_session"), PeerLabel: get("origin_peer")},
		Kind:      event.AgentEventKind(get("kind")),
		Data:      get("data"),
	}
}
