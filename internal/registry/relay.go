package registry

import (
	"sync"

	"github.com/querymt/querymt/internal/event"
)

// RelaySink is whatever internal/mesh provides to ship an AgentEvent to a
// remote peer. Defined here, not imported from mesh, so this package has no
// dependency on the transport that happens to be carrying the event.
type RelaySink interface {
	Send(ev event.AgentEvent) error
}

// EventRelayActor owns a single AgentBus subscription and fans events out
// to every registered RelaySink, tagging each forwarded event with this
// node's peer label so a receiving node can tell the event didn't
// originate locally and refrain from relaying it again. Grounded on the
// teacher's internal/event.Bus subscriber-goroutine idiom, generalized
// from "one UI subscriber" to "N remote sinks with dynamic
// registration/unregistration."
type EventRelayActor struct {
	bus       *event.AgentBus
	peerLabel string

	mu    sync.RWMutex
	sinks map[string]RelaySink

	obs  *event.AgentObserver
	done chan struct{}
}

// NewEventRelayActor subscribes to bus and starts the relay goroutine.
// peerLabel identifies this node in the Origin of every event it relays.
func NewEventRelayActor(bus *event.AgentBus, peerLabel string) *EventRelayActor {
	a := &EventRelayActor{
		bus:       bus,
		peerLabel: peerLabel,
		sinks:     make(map[string]RelaySink),
		obs:       bus.Subscribe(0),
		done:      make(chan struct{}),
	}
	go a.run()
	return a
}

// AddSink registers a relay target under id, replacing any existing one.
func (a *EventRelayActor) AddSink(id string, sink RelaySink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks[id] = sink
}

// RemoveSink unregisters a relay target.
func (a *EventRelayActor) RemoveSink(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sinks, id)
}

// SinkCount reports how many relay targets are registered, for diagnostics.
func (a *EventRelayActor) SinkCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sinks)
}

func (a *EventRelayActor) run() {
	for {
		select {
		case v, ok := <-a.obs.C:
			if !ok {
				return
			}
			ev, ok := v.(event.AgentEvent)
			if !ok {
				// A Lagged marker or other non-event value; nothing to relay.
				continue
			}
			a.relay(ev)
		case <-a.done:
			return
		}
	}
}

// relay forwards ev to every sink, unless it already came from a remote
// peer (Origin.PeerLabel set and not us) — that case is a peer's own event
// arriving over mesh to be applied locally, not re-broadcast.
func (a *EventRelayActor) relay(ev event.AgentEvent) {
	if ev.Origin.PeerLabel != "" && ev.Origin.PeerLabel != a.peerLabel {
		return
	}
	ev.Origin = event.Origin{SessionID: ev.SessionID, PeerLabel: a.peerLabel}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, sink := range a.sinks {
		_ = sink.Send(ev)
	}
}

// Stop releases the bus subscription and exits the relay goroutine.
func (a *EventRelayActor) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	a.obs.Close()
}
