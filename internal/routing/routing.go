// Package routing owns the table that maps a session id or provider id to
// the peer that should handle it, when that peer isn't this node.
// Grounded on internal/sessionactor's mailbox idiom (one goroutine owns all
// mutable state; everything else is a message with a reply channel) and on
// haasonsaas-nexus's channel-mailbox pattern for command serialization.
package routing

import (
	"sync/atomic"

	"github.com/querymt/querymt/internal/event"
)

// Route is one resolved session-id-or-provider-id -> peer mapping.
type Route struct {
	Key       string
	PeerLabel string
}

// Table is an immutable snapshot of the routing policy, published via
// atomic.Pointer so readers never block on the actor's mailbox.
type Table struct {
	Sessions  map[string]string // sessionID -> peerLabel
	Providers map[string]string // providerID -> peerLabel
}

func emptyTable() *Table {
	return &Table{Sessions: map[string]string{}, Providers: map[string]string{}}
}

func (t *Table) clone() *Table {
	next := emptyTable()
	for k, v := range t.Sessions {
		next.Sessions[k] = v
	}
	for k, v := range t.Providers {
		next.Providers[k] = v
	}
	return next
}

type msgKind int

const (
	msgSetSession msgKind = iota
	msgSetProvider
	msgClearRoute
	msgListRoutes
	msgResolvePeer
	msgUnresolvePeer
)

type mailboxMsg struct {
	kind      msgKind
	key       string
	peerLabel string
	reply     chan mailboxReply
}

type mailboxReply struct {
	peerLabel string
	ok        bool
	routes    []Route
}

// Actor is the routing table's single writer. Snapshot loads the
// atomic.Pointer directly and never touches the mailbox; ResolvePeer and
// ListRoutes are served through the mailbox.
type Actor struct {
	mailbox chan mailboxMsg
	stopped chan struct{}
	current atomic.Pointer[Table]
	bus     *event.AgentBus
}

// New starts a routing actor with an empty table.
func New(bus *event.AgentBus) *Actor {
	a := &Actor{
		mailbox: make(chan mailboxMsg, 16),
		stopped: make(chan struct{}),
		bus:     bus,
	}
	a.current.Store(emptyTable())
	go a.run()
	return a
}

func (a *Actor) run() {
	for msg := range a.mailbox {
		switch msg.kind {
		case msgSetSession:
			next := a.current.Load().clone()
			next.Sessions[msg.key] = msg.peerLabel
			a.publish(next, msg.key, msg.peerLabel)
			msg.reply <- mailboxReply{}

		case msgSetProvider:
			next := a.current.Load().clone()
			next.Providers[msg.key] = msg.peerLabel
			a.publish(next, msg.key, msg.peerLabel)
			msg.reply <- mailboxReply{}

		case msgClearRoute:
			next := a.current.Load().clone()
			delete(next.Sessions, msg.key)
			delete(next.Providers, msg.key)
			a.publish(next, msg.key, "")
			msg.reply <- mailboxReply{}

		case msgUnresolvePeer:
			next := a.current.Load().clone()
			for k, v := range next.Sessions {
				if v == msg.peerLabel {
					delete(next.Sessions, k)
					a.bus.Publish(event.AgentEvent{SessionID: k, Kind: event.KindPeerUnresolved, Data: msg.peerLabel})
				}
			}
			for k, v := range next.Providers {
				if v == msg.peerLabel {
					delete(next.Providers, k)
				}
			}
			a.current.Store(next)
			msg.reply <- mailboxReply{}

		case msgListRoutes:
			t := a.current.Load()
			routes := make([]Route, 0, len(t.Sessions)+len(t.Providers))
			for k, v := range t.Sessions {
				routes = append(routes, Route{Key: k, PeerLabel: v})
			}
			for k, v := range t.Providers {
				routes = append(routes, Route{Key: k, PeerLabel: v})
			}
			msg.reply <- mailboxReply{routes: routes}

		case msgResolvePeer:
			t := a.current.Load()
			if peer, ok := t.Sessions[msg.key]; ok {
				msg.reply <- mailboxReply{peerLabel: peer, ok: true}
				continue
			}
			peer, ok := t.Providers[msg.key]
			msg.reply <- mailboxReply{peerLabel: peer, ok: ok}
		}
	}
	close(a.stopped)
}

func (a *Actor) publish(next *Table, key, peerLabel string) {
	a.current.Store(next)
	a.bus.Publish(event.AgentEvent{
		SessionID: key,
		Kind:      event.KindRouteChanged,
		Data:      Route{Key: key, PeerLabel: peerLabel},
	})
}

// SetSessionTarget routes a session id to a peer.
func (a *Actor) SetSessionTarget(sessionID, peerLabel string) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgSetSession, key: sessionID, peerLabel: peerLabel, reply: reply}
	<-reply
}

// SetProviderTarget routes a provider id to a peer (e.g. a provider only
// configured on that node).
func (a *Actor) SetProviderTarget(providerID, peerLabel string) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgSetProvider, key: providerID, reply: reply, peerLabel: peerLabel}
	<-reply
}

// ClearRoute removes any session or provider route under key.
func (a *Actor) ClearRoute(key string) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgClearRoute, key: key, reply: reply}
	<-reply
}

// UnresolvePeer drops every route pointing at peerLabel, e.g. once mesh
// observes the peer's lease expire.
func (a *Actor) UnresolvePeer(peerLabel string) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgUnresolvePeer, peerLabel: peerLabel, reply: reply}
	<-reply
}

// ListRoutes returns every currently resolved route.
func (a *Actor) ListRoutes() []Route {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgListRoutes, reply: reply}
	r := <-reply
	return r.routes
}

// ResolvePeer looks up the peer label for a session or provider id.
func (a *Actor) ResolvePeer(key string) (string, bool) {
	reply := make(chan mailboxReply, 1)
	a.mailbox <- mailboxMsg{kind: msgResolvePeer, key: key, reply: reply}
	r := <-reply
	return r.peerLabel, r.ok
}

// Snapshot returns the current table without going through the mailbox,
// for read-heavy hot paths (e.g. per-request routing decisions).
func (a *Actor) Snapshot() *Table {
	return a.current.Load()
}

// Stop drains the mailbox goroutine.
func (a *Actor) Stop() {
	close(a.mailbox)
	<-a.stopped
}
