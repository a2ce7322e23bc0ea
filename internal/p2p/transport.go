package p2p

import (
	"context"
)

// Transport is the thin contract the session drives: best-effort broadcast
// on the session topic plus peer-membership and observed-address events.
// The substrate must provide per-publisher FIFO; delivery may be
// at-least-once (the session dedups by content digest).
type Transport interface {
	// Start brings up the network stack, joins the session topic and, for
	// a dialing node, connects to the remote address.
	Start(ctx context.Context) error
	// Stop gracefully shuts down subscriptions and the host.
	Stop(ctx context.Context) error

	// Publish broadcasts one wire frame to all topic subscribers.
	Publish(ctx context.Context, data []byte) error

	// SelfID returns the local transport peer id.
	SelfID() string

	// OnMessage registers a handler for inbound frames from other peers.
	// Frames this node published are not delivered back.
	OnMessage(fn func(from string, data []byte))
	// OnPeerJoined registers a handler for peers subscribing to the topic.
	OnPeerJoined(fn func(id string))
	// OnPeerLeft registers a handler for peers leaving the topic.
	OnPeerLeft(fn func(id string))
	// OnAddrObserved registers a handler invoked once with the externally
	// reachable multiaddr of this node.
	OnAddrObserved(fn func(addr string))
}

// Config carries runtime options for the libp2p transport.
type Config struct {
	Listen []string // listen multiaddrs; empty means every interface, OS port
	Dial   string   // leader: empty; joiner: the leader's advertised multiaddr
	NAT    bool     // request a NAT port mapping and advertise the mapped addr
}
