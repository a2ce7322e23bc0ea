package wire

import (
	"crypto/sha256"
	"sort"

	"github.com/sine-fdn/sinebench/internal/envelope"
	"github.com/sine-fdn/sinebench/internal/identity"
	"github.com/sine-fdn/sinebench/internal/mpc"
)

// Hello announces a session identity. It is broadcast on subscribe and
// again whenever a new peer joins the topic; receivers treat it as
// idempotent. The signature binds the encryption key and display name to
// the signing key, so the whole record is attested.
type Hello struct {
	Fingerprint identity.Fingerprint
	SignPub     []byte // 32 bytes, ed25519
	EncPub      [32]byte
	Name        string
	Sig         []byte // 64 bytes over SignedBytes
}

// SignedBytes is the attested portion of the Hello record.
func (h *Hello) SignedBytes() []byte {
	b := make([]byte, 0, len(h.SignPub)+32+len(h.Name))
	b = append(b, h.SignPub...)
	b = append(b, h.EncPub[:]...)
	b = append(b, h.Name...)
	return b
}

func (h *Hello) tag() byte { return TagHello }

func (h *Hello) encodeBody(w *writer) {
	w.raw(h.Fingerprint[:])
	w.blob(h.SignPub)
	w.raw(h.EncPub[:])
	w.str(h.Name)
	w.blob(h.Sig)
}

func (h *Hello) decodeBody(r *reader) {
	copy(h.Fingerprint[:], r.take(identity.FingerprintSize))
	h.SignPub = r.blob()
	copy(h.EncPub[:], r.take(32))
	h.Name = r.str()
	h.Sig = r.blob()
}

// RosterEntry is one participant in the frozen roster.
type RosterEntry struct {
	Fingerprint identity.Fingerprint
	SignPub     []byte
	EncPub      [32]byte
	Name        string
	PeerID      string
}

func encodeEntry(w *writer, e *RosterEntry) {
	w.raw(e.Fingerprint[:])
	w.blob(e.SignPub)
	w.raw(e.EncPub[:])
	w.str(e.Name)
	w.str(e.PeerID)
}

func decodeEntry(r *reader) RosterEntry {
	var e RosterEntry
	copy(e.Fingerprint[:], r.take(identity.FingerprintSize))
	e.SignPub = r.blob()
	copy(e.EncPub[:], r.take(32))
	e.Name = r.str()
	e.PeerID = r.str()
	return e
}

// HashRoster computes SHA-256 over the canonical serialization of the
// entries, sorted by fingerprint. Participants with the same roster set
// agree on the hash regardless of insertion order.
func HashRoster(entries []RosterEntry) [32]byte {
	sorted := make([]RosterEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Fingerprint.Less(sorted[j].Fingerprint)
	})
	w := &writer{}
	w.u16(uint16(len(sorted)))
	for i := range sorted {
		encodeEntry(w, &sorted[i])
	}
	return sha256.Sum256(w.buf)
}

// StartVote freezes the roster. Leader only.
type StartVote struct {
	RosterHash [32]byte
	Entries    []RosterEntry
}

func (m *StartVote) tag() byte { return TagStartVote }

func (m *StartVote) encodeBody(w *writer) {
	w.raw(m.RosterHash[:])
	w.u16(uint16(len(m.Entries)))
	for i := range m.Entries {
		encodeEntry(w, &m.Entries[i])
	}
}

func (m *StartVote) decodeBody(r *reader) {
	copy(m.RosterHash[:], r.take(32))
	n := int(r.u16())
	for i := 0; i < n && r.err == nil; i++ {
		m.Entries = append(m.Entries, decodeEntry(r))
	}
}

// Ack confirms a StartVote with a matching roster hash.
type Ack struct {
	RosterHash [32]byte
}

func (m *Ack) tag() byte            { return TagAck }
func (m *Ack) encodeBody(w *writer) { w.raw(m.RosterHash[:]) }
func (m *Ack) decodeBody(r *reader) { copy(m.RosterHash[:], r.take(32)) }

// Nack rejects a StartVote.
type Nack struct {
	RosterHash [32]byte
	Reason     string
}

func (m *Nack) tag() byte { return TagNack }

func (m *Nack) encodeBody(w *writer) {
	w.raw(m.RosterHash[:])
	w.str(m.Reason)
}

func (m *Nack) decodeBody(r *reader) {
	copy(m.RosterHash[:], r.take(32))
	m.Reason = r.str()
}

// Share carries one sealed share for one key to one recipient.
type Share struct {
	Key string
	Env envelope.Envelope
}

func (m *Share) tag() byte { return TagShare }

func (m *Share) encodeBody(w *writer) {
	w.str(m.Key)
	w.raw(m.Env.Sender[:])
	w.raw(m.Env.Recipient[:])
	w.raw(m.Env.Nonce[:])
	w.blob(m.Env.Ciphertext)
	w.blob(m.Env.Signature)
}

func (m *Share) decodeBody(r *reader) {
	m.Key = r.str()
	copy(m.Env.Sender[:], r.take(identity.FingerprintSize))
	copy(m.Env.Recipient[:], r.take(identity.FingerprintSize))
	copy(m.Env.Nonce[:], r.take(len(m.Env.Nonce)))
	m.Env.Ciphertext = r.blob()
	m.Env.Signature = r.blob()
}

// SumEntry is one (key, partial sum) pair. Entries are encoded sorted by
// key so a Sum message has a single canonical serialization.
type SumEntry struct {
	Key   string
	Value mpc.Element
}

// Sum publishes a participant's partial sums, one entry per key.
type Sum struct {
	Partials []SumEntry
}

func (m *Sum) tag() byte { return TagSum }

func (m *Sum) encodeBody(w *writer) {
	sorted := make([]SumEntry, len(m.Partials))
	copy(sorted, m.Partials)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	w.u16(uint16(len(sorted)))
	for _, p := range sorted {
		w.str(p.Key)
		w.elem(p.Value)
	}
}

func (m *Sum) decodeBody(r *reader) {
	n := int(r.u16())
	for i := 0; i < n && r.err == nil; i++ {
		var p SumEntry
		p.Key = r.str()
		p.Value = r.elem()
		m.Partials = append(m.Partials, p)
	}
}

// Abort terminates the session for everyone. Reason is the stable
// machine-readable kind; Detail is for humans.
type Abort struct {
	Reason string
	Detail string
}

func (m *Abort) tag() byte { return TagAbort }

func (m *Abort) encodeBody(w *writer) {
	w.str(m.Reason)
	w.str(m.Detail)
}

func (m *Abort) decodeBody(r *reader) {
	m.Reason = r.str()
	m.Detail = r.str()
}
