package p2p

import (
	"context"
	"errors"
	"sync"
)

// Mesh is an in-process pub/sub substrate for tests: per-publisher FIFO,
// no global ordering, optional duplicate delivery to exercise the
// receiver-side dedup.
type Mesh struct {
	mu        sync.Mutex
	peers     map[string]*MemTransport
	Duplicate bool // deliver every frame twice
}

func NewMesh() *Mesh {
	return &Mesh{peers: make(map[string]*MemTransport)}
}

// NewTransport registers a named transport on the mesh. Start must be
// called before it sees any traffic.
func (m *Mesh) NewTransport(id string) *MemTransport {
	t := &MemTransport{mesh: m, id: id, inbox: make(chan delivery, 4096)}
	return t
}

type delivery struct {
	kind string // "msg" | "join" | "left" | "addr"
	from string
	data []byte
}

// MemTransport implements Transport over a Mesh.
type MemTransport struct {
	mesh    *Mesh
	id      string
	inbox   chan delivery
	started bool
	done    chan struct{}

	onMessage func(from string, data []byte)
	onJoined  func(id string)
	onLeft    func(id string)
	onAddr    func(addr string)
}

func (t *MemTransport) OnMessage(fn func(from string, data []byte)) { t.onMessage = fn }
func (t *MemTransport) OnPeerJoined(fn func(id string))             { t.onJoined = fn }
func (t *MemTransport) OnPeerLeft(fn func(id string))               { t.onLeft = fn }
func (t *MemTransport) OnAddrObserved(fn func(addr string))         { t.onAddr = fn }

func (t *MemTransport) SelfID() string { return t.id }

func (t *MemTransport) Start(_ context.Context) error {
	m := t.mesh
	m.mu.Lock()
	if _, dup := m.peers[t.id]; dup {
		m.mu.Unlock()
		return errors.New("p2p: duplicate mesh peer id " + t.id)
	}
	others := make([]*MemTransport, 0, len(m.peers))
	for _, p := range m.peers {
		others = append(others, p)
	}
	m.peers[t.id] = t
	m.mu.Unlock()

	t.started = true
	t.done = make(chan struct{})
	go t.pump()

	t.inbox <- delivery{kind: "addr", data: []byte("/memory/" + t.id)}
	for _, p := range others {
		p.inbox <- delivery{kind: "join", from: t.id}
		t.inbox <- delivery{kind: "join", from: p.id}
	}
	return nil
}

func (t *MemTransport) Stop(_ context.Context) error {
	if !t.started {
		return nil
	}
	t.started = false
	m := t.mesh
	m.mu.Lock()
	delete(m.peers, t.id)
	others := make([]*MemTransport, 0, len(m.peers))
	for _, p := range m.peers {
		others = append(others, p)
	}
	m.mu.Unlock()
	for _, p := range others {
		select {
		case p.inbox <- delivery{kind: "left", from: t.id}:
		case <-p.done:
		}
	}
	close(t.done)
	return nil
}

func (t *MemTransport) Publish(_ context.Context, data []byte) error {
	if !t.started {
		return errors.New("p2p: not started")
	}
	m := t.mesh
	m.mu.Lock()
	receivers := make([]*MemTransport, 0, len(m.peers))
	for id, p := range m.peers {
		if id != t.id {
			receivers = append(receivers, p)
		}
	}
	dup := m.Duplicate
	m.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	for _, p := range receivers {
		d := delivery{kind: "msg", from: t.id, data: frame}
		select {
		case p.inbox <- d:
		case <-p.done:
			continue
		}
		if dup {
			select {
			case p.inbox <- d:
			case <-p.done:
			}
		}
	}
	return nil
}

// pump serializes all callbacks so joins, leaves and frames from this
// transport are observed in a single order, like a real receive loop.
func (t *MemTransport) pump() {
	for {
		select {
		case d := <-t.inbox:
			switch d.kind {
			case "msg":
				if t.onMessage != nil {
					t.onMessage(d.from, d.data)
				}
			case "join":
				if t.onJoined != nil {
					t.onJoined(d.from)
				}
			case "left":
				if t.onLeft != nil {
					t.onLeft(d.from)
				}
			case "addr":
				if t.onAddr != nil {
					t.onAddr(string(d.data))
				}
			}
		case <-t.done:
			return
		}
	}
}
