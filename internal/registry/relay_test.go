package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymt/querymt/internal/event"
)

type recordingSink struct {
	mu   sync.Mutex
	recv []event.AgentEvent
}

func (s *recordingSink) Send(ev event.AgentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv = append(s.recv, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recv)
}

func TestEventRelayActor_ForwardsLocalEvents(t *testing.T) {
	bus := event.NewAgentBus()
	relay := NewEventRelayActor(bus, "node-a")
	defer relay.Stop()

	sink := &recordingSink{}
	relay.AddSink("peer-b", sink)

	bus.Publish(event.AgentEvent{SessionID: "sess1", Kind: event.KindSessionPrompted})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "node-a", sink.recv[0].Origin.PeerLabel)
}

func TestEventRelayActor_DropsForeignPeerEvents(t *testing.T) {
	bus := event.NewAgentBus()
	relay := NewEventRelayActor(bus, "node-a")
	defer relay.Stop()

	sink := &recordingSink{}
	relay.AddSink("peer-b", sink)

	bus.Publish(event.AgentEvent{
		SessionID: "sess1",
		Kind:      event.KindSessionPrompted,
		Origin:    event.Origin{PeerLabel: "node-c"},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}

func TestEventRelayActor_RemoveSink(t *testing.T) {
	bus := event.NewAgentBus()
	relay := NewEventRelayActor(bus, "node-a")
	defer relay.Stop()

	sink := &recordingSink{}
	relay.AddSink("peer-b", sink)
	relay.RemoveSink("peer-b")
	assert.Equal(t, 0, relay.SinkCount())

	bus.Publish(event.AgentEvent{SessionID: "sess1", Kind: event.KindSessionPrompted})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}
