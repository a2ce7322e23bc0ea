package session

import (
	"bytes"
	"crypto/ed25519"
	"sort"

	"github.com/sine-fdn/sinebench/internal/frontend"
	"github.com/sine-fdn/sinebench/internal/identity"
	"github.com/sine-fdn/sinebench/internal/p2p/wire"
)

// member is one authenticated session participant.
type member struct {
	fp      identity.Fingerprint
	signPub ed25519.PublicKey
	encPub  [32]byte
	name    string
	peerID  string
}

func (m *member) sameKeys(signPub []byte, encPub [32]byte, peerID string) bool {
	return bytes.Equal(m.signPub, signPub) && m.encPub == encPub && m.peerID == peerID
}

// roster tracks participants by fingerprint and by transport peer id.
// Fingerprints and peer ids are both unique within a session.
type roster struct {
	byFp   map[identity.Fingerprint]*member
	byPeer map[string]*member
}

func newRoster() *roster {
	return &roster{
		byFp:   make(map[identity.Fingerprint]*member),
		byPeer: make(map[string]*member),
	}
}

func (r *roster) add(m *member) {
	r.byFp[m.fp] = m
	r.byPeer[m.peerID] = m
}

func (r *roster) removeByPeer(peerID string) *member {
	m := r.byPeer[peerID]
	if m == nil {
		return nil
	}
	delete(r.byPeer, peerID)
	delete(r.byFp, m.fp)
	return m
}

func (r *roster) size() int { return len(r.byFp) }

// sortedFps returns the fingerprints in ascending order; this is the fixed
// iteration order of every protocol phase.
func (r *roster) sortedFps() []identity.Fingerprint {
	fps := make([]identity.Fingerprint, 0, len(r.byFp))
	for fp := range r.byFp {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i].Less(fps[j]) })
	return fps
}

// entries renders the roster in canonical (fingerprint-ascending) order.
func (r *roster) entries() []wire.RosterEntry {
	fps := r.sortedFps()
	out := make([]wire.RosterEntry, 0, len(fps))
	for _, fp := range fps {
		m := r.byFp[fp]
		out = append(out, wire.RosterEntry{
			Fingerprint: m.fp,
			SignPub:     m.signPub,
			EncPub:      m.encPub,
			Name:        m.name,
			PeerID:      m.peerID,
		})
	}
	return out
}

// participants renders the roster for the frontend.
func (r *roster) participants() []frontend.Participant {
	fps := r.sortedFps()
	out := make([]frontend.Participant, 0, len(fps))
	for _, fp := range fps {
		out = append(out, frontend.Participant{
			Fingerprint: fp.String(),
			Name:        r.byFp[fp].name,
		})
	}
	return out
}
