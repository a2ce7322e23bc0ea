package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/sine-fdn/sinebench/internal/p2p/wire"
	"github.com/sine-fdn/sinebench/pkg/logger"
	"github.com/sine-fdn/sinebench/pkg/metrics"
)

// addrGrace is how long the address watcher waits for a publicly routable
// address (NAT mapping) before settling for the best local one.
const addrGrace = 5 * time.Second

const dialTimeout = 10 * time.Second

// NewTransport constructs the libp2p+gossipsub transport.
func NewTransport(cfg Config) Transport {
	return &libp2pTransport{cfg: cfg}
}

type libp2pTransport struct {
	cfg    Config
	host   p2phost.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	events *pubsub.TopicEventHandler
	cancel context.CancelFunc

	onMessage func(from string, data []byte)
	onJoined  func(id string)
	onLeft    func(id string)
	onAddr    func(addr string)
}

func (t *libp2pTransport) OnMessage(fn func(from string, data []byte)) { t.onMessage = fn }
func (t *libp2pTransport) OnPeerJoined(fn func(id string))             { t.onJoined = fn }
func (t *libp2pTransport) OnPeerLeft(fn func(id string))               { t.onLeft = fn }
func (t *libp2pTransport) OnAddrObserved(fn func(addr string))         { t.onAddr = fn }

func (t *libp2pTransport) SelfID() string {
	if t.host == nil {
		return ""
	}
	return t.host.ID().String()
}

func (t *libp2pTransport) Start(ctx context.Context) error {
	listen := t.cfg.Listen
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	var addrs []ma.Multiaddr
	for _, s := range listen {
		if strings.TrimSpace(s) == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("p2p: listen addr %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	opts := []libp2p.Option{libp2p.ListenAddrs(addrs...)}
	if t.cfg.NAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("p2p: host: %w", err)
	}
	t.host = h

	addrSub, err := h.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("p2p: address events: %w", err)
	}

	// Gossipsub signs every published message with the host key and
	// rejects unsigned or mis-signed ones by default.
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("p2p: gossipsub: %w", err)
	}
	t.ps = ps
	if t.topic, err = ps.Join(wire.Topic); err != nil {
		_ = h.Close()
		return fmt.Errorf("p2p: join topic: %w", err)
	}
	if t.sub, err = t.topic.Subscribe(); err != nil {
		_ = h.Close()
		return fmt.Errorf("p2p: subscribe: %w", err)
	}
	if t.events, err = t.topic.EventHandler(); err != nil {
		_ = h.Close()
		return fmt.Errorf("p2p: topic events: %w", err)
	}

	if t.cfg.Dial != "" {
		if err := dialOnce(ctx, h, t.cfg.Dial); err != nil {
			_ = h.Close()
			return fmt.Errorf("p2p: dial %s: %w", t.cfg.Dial, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.recvLoop(loopCtx)
	go t.peerLoop(loopCtx)
	go t.addrLoop(loopCtx, addrSub)

	logger.InfoJ("p2p_start", map[string]any{"self_id": h.ID().String(), "topic": wire.Topic})
	return nil
}

func (t *libp2pTransport) Stop(_ context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.events != nil {
		t.events.Cancel()
	}
	if t.sub != nil {
		t.sub.Cancel()
	}
	var err error
	if t.topic != nil {
		err = multierr.Append(err, t.topic.Close())
	}
	if t.host != nil {
		err = multierr.Append(err, t.host.Close())
	}
	return err
}

func (t *libp2pTransport) Publish(ctx context.Context, data []byte) error {
	if t.topic == nil {
		return errors.New("p2p: not started")
	}
	if err := t.topic.Publish(ctx, data); err != nil {
		metrics.Inc("p2p_messages_total", map[string]string{"direction": "tx", "result": "error"})
		return err
	}
	metrics.Inc("p2p_messages_total", map[string]string{"direction": "tx", "result": "ok"})
	return nil
}

func (t *libp2pTransport) recvLoop(ctx context.Context) {
	self := t.host.ID()
	for {
		m, err := t.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.GetFrom() == self {
			continue
		}
		metrics.Inc("p2p_messages_total", map[string]string{"direction": "rx", "result": "ok"})
		if t.onMessage != nil {
			t.onMessage(m.GetFrom().String(), m.Data)
		}
	}
}

func (t *libp2pTransport) peerLoop(ctx context.Context) {
	for {
		ev, err := t.events.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case pubsub.PeerJoin:
			metrics.Inc("p2p_peer_events_total", map[string]string{"type": "join"})
			if t.onJoined != nil {
				t.onJoined(ev.Peer.String())
			}
		case pubsub.PeerLeave:
			metrics.Inc("p2p_peer_events_total", map[string]string{"type": "leave"})
			if t.onLeft != nil {
				t.onLeft(ev.Peer.String())
			}
		}
	}
}

// addrLoop reports the node's reachable multiaddr exactly once: the first
// publicly routable address, or after addrGrace the best local one (see
// bestAddr).
func (t *libp2pTransport) addrLoop(ctx context.Context, sub event.Subscription) {
	defer sub.Close()
	grace := time.NewTimer(addrGrace)
	defer grace.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-grace.C:
			if a := bestAddr(t.host.Addrs(), false); a != nil {
				t.reportAddr(a)
				return
			}
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			upd := e.(event.EvtLocalAddressesUpdated)
			addrs := make([]ma.Multiaddr, 0, len(upd.Current))
			for _, c := range upd.Current {
				addrs = append(addrs, c.Address)
			}
			if a := bestAddr(addrs, true); a != nil {
				t.reportAddr(a)
				return
			}
		}
	}
}

func (t *libp2pTransport) reportAddr(a ma.Multiaddr) {
	full := a.String() + "/p2p/" + t.host.ID().String()
	logger.InfoJ("p2p_addr", map[string]any{"addr": full})
	if t.onAddr != nil {
		t.onAddr(full)
	}
}

// bestAddr picks a publicly routable address; when publicOnly is false it
// falls back to any non-loopback address and, failing that, to the first
// address, which may be loopback.
func bestAddr(addrs []ma.Multiaddr, publicOnly bool) ma.Multiaddr {
	for _, a := range addrs {
		if manet.IsPublicAddr(a) {
			return a
		}
	}
	if publicOnly {
		return nil
	}
	for _, a := range addrs {
		if !manet.IsIPLoopback(a) {
			return a
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return nil
}

// PeerIDFromAddr extracts the /p2p/ peer id from a dialable multiaddr.
func PeerIDFromAddr(addr string) (string, error) {
	maAddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(maAddr)
	if err != nil {
		return "", err
	}
	return info.ID.String(), nil
}

func dialOnce(ctx context.Context, h p2phost.Host, addr string) error {
	maAddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maAddr)
	if err != nil {
		return err
	}
	ctx2, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return h.Connect(ctx2, *info)
}
