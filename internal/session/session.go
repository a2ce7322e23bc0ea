package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"

	"github.com/sine-fdn/sinebench/internal/envelope"
	"github.com/sine-fdn/sinebench/internal/frontend"
	"github.com/sine-fdn/sinebench/internal/identity"
	"github.com/sine-fdn/sinebench/internal/mpc"
	"github.com/sine-fdn/sinebench/internal/p2p"
	"github.com/sine-fdn/sinebench/internal/p2p/wire"
	"github.com/sine-fdn/sinebench/pkg/bus"
	"github.com/sine-fdn/sinebench/pkg/logger"
	"github.com/sine-fdn/sinebench/pkg/metrics"
)

// State is the protocol phase of the local participant.
type State string

const (
	StateBootstrapping State = "bootstrapping"
	StateGathering     State = "gathering"
	StateConfirming    State = "confirming"
	StateSharing       State = "sharing"
	StateSumming       State = "summing"
	StateAveraging     State = "averaging"
	StateDone          State = "done"
)

const (
	defaultMinParticipants = 3
	defaultConfirmTimeout  = 5 * time.Minute
	defaultPhaseTimeout    = 2 * time.Minute
	defaultSessionTimeout  = 10 * time.Minute
)

// Config parameterizes one session run.
type Config struct {
	Leader bool
	Name   string
	// LeaderPeerID is the peer id a joiner dialed; StartVote from any
	// other publisher is rejected. Empty disables the check.
	LeaderPeerID string
	// Inputs maps each benchmark key to its encoded fixed-point value.
	Inputs map[string]mpc.Element

	MinParticipants int
	ConfirmTimeout  time.Duration
	PhaseTimeout    time.Duration
	SessionTimeout  time.Duration
	Clock           clock.Clock
	Rand            io.Reader
}

func (c Config) withDefaults() Config {
	if c.MinParticipants <= 0 {
		c.MinParticipants = defaultMinParticipants
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = defaultPhaseTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	return c
}

// Session drives the protocol: a single event loop consumes transport,
// frontend and timer events; exactly one event is processed to completion
// at a time, so there is no shared mutable state inside the core.
type Session struct {
	cfg Config
	kp  *identity.Keypair
	tr  p2p.Transport
	fe  frontend.Frontend

	events *bus.Bus
	state  State
	selfFp identity.Fingerprint
	keys   []string // agreed key set, ascending

	roster     *roster
	frozen     bool
	rosterHash [32]byte
	order      []identity.Fingerprint // frozen, ascending
	leaderFp   identity.Fingerprint

	acks    map[identity.Fingerprint][32]byte
	ackSent bool

	residual map[string]mpc.Element
	shares   map[identity.Fingerprint]map[string]mpc.Element
	sums     map[identity.Fingerprint]map[string]mpc.Element

	seen map[[32]byte]struct{}

	confirmTimer *clock.Timer
	phaseTimer   *clock.Timer
	results      map[string]string
}

// New assembles a session over the given transport and frontend.
func New(cfg Config, kp *identity.Keypair, tr p2p.Transport, fe frontend.Frontend) *Session {
	cfg = cfg.withDefaults()
	keys := make([]string, 0, len(cfg.Inputs))
	for k := range cfg.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Session{
		cfg:      cfg,
		kp:       kp,
		tr:       tr,
		fe:       fe,
		events:   bus.New(1024),
		state:    StateBootstrapping,
		selfFp:   kp.Fingerprint(),
		keys:     keys,
		roster:   newRoster(),
		acks:     make(map[identity.Fingerprint][32]byte),
		residual: make(map[string]mpc.Element),
		shares:   make(map[identity.Fingerprint]map[string]mpc.Element),
		sums:     make(map[identity.Fingerprint]map[string]mpc.Element),
		seen:     make(map[[32]byte]struct{}),
	}
}

// Run executes the session to completion and returns the per-key averages.
// On any abort the error is an *AbortError.
func (s *Session) Run(ctx context.Context) (map[string]string, error) {
	s.tr.OnMessage(func(from string, data []byte) {
		s.events.Publish(ctx, bus.Event{Kind: bus.KindMessage, Peer: from, Data: data})
	})
	s.tr.OnPeerJoined(func(id string) {
		s.events.Publish(ctx, bus.Event{Kind: bus.KindPeerJoined, Peer: id})
	})
	s.tr.OnPeerLeft(func(id string) {
		s.events.Publish(ctx, bus.Event{Kind: bus.KindPeerLeft, Peer: id})
	})
	s.tr.OnAddrObserved(func(addr string) {
		s.events.Publish(ctx, bus.Event{Kind: bus.KindAddrObserved, Addr: addr})
	})

	if err := s.tr.Start(ctx); err != nil {
		return nil, &AbortError{Reason: ReasonTransportFailure, Detail: err.Error()}
	}

	go s.pipeFrontend(ctx)

	s.roster.add(&member{
		fp:      s.selfFp,
		signPub: s.kp.SignPub,
		encPub:  s.kp.EncPub,
		name:    s.cfg.Name,
		peerID:  s.tr.SelfID(),
	})

	var aerr *AbortError
	if !s.cfg.Leader {
		// Joiners are gathered as soon as the topic is up; only the
		// leader waits for its external address first.
		aerr = s.enterGathering(ctx)
	}

	sessionTimer := s.cfg.Clock.Timer(s.cfg.SessionTimeout)
	defer sessionTimer.Stop()
	sub := s.events.Subscribe()

	for aerr == nil && s.state != StateDone {
		var confirmC, phaseC <-chan time.Time
		if s.confirmTimer != nil {
			confirmC = s.confirmTimer.C
		}
		if s.phaseTimer != nil {
			phaseC = s.phaseTimer.C
		}
		select {
		case <-ctx.Done():
			aerr = &AbortError{Reason: ReasonUserDeclined, Detail: "interrupted"}
		case <-sessionTimer.C:
			aerr = &AbortError{Reason: ReasonSessionTimeout, Detail: "session deadline expired"}
		case <-confirmC:
			aerr = &AbortError{Reason: ReasonConfirmTimeout, Detail: "confirmation deadline expired"}
		case <-phaseC:
			aerr = &AbortError{Reason: ReasonPhaseTimeout, Detail: "phase deadline expired in state " + string(s.state)}
		case ev := <-sub:
			aerr = s.handle(ctx, ev)
		}
	}

	if aerr != nil {
		s.abort(ctx, aerr)
		_ = s.tr.Stop(ctx)
		return nil, aerr
	}
	_ = s.tr.Stop(ctx)
	return s.results, nil
}

func (s *Session) pipeFrontend(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.fe.Events():
			switch ev.Kind {
			case frontend.EventEnter:
				s.events.Publish(ctx, bus.Event{Kind: bus.KindUserEnter})
			case frontend.EventAnswer:
				s.events.Publish(ctx, bus.Event{Kind: bus.KindUserConfirm, Yes: ev.Yes})
			}
		}
	}
}

// abort broadcasts the abort (for locally raised ones), surfaces it and
// counts it. SessionClosed is never broadcast: it means this node was left
// out of someone else's running session.
func (s *Session) abort(ctx context.Context, aerr *AbortError) {
	if !aerr.Remote && aerr.Reason != ReasonSessionClosed {
		_ = s.publish(ctx, &wire.Abort{Reason: aerr.Reason, Detail: aerr.Detail})
	}
	metrics.Inc("session_aborts_total", map[string]string{"reason": aerr.Reason})
	logger.ErrorJ("session_abort", map[string]any{
		"reason": aerr.Reason, "detail": aerr.Detail, "remote": aerr.Remote, "state": string(s.state),
	})
	s.fe.DisplayError(string(KindOf(aerr.Reason)), aerr.Error())
}

func (s *Session) publish(ctx context.Context, msg wire.Message) error {
	return s.tr.Publish(ctx, wire.Encode(msg))
}

func (s *Session) fail(reason, detail string) *AbortError {
	return &AbortError{Reason: reason, Detail: detail}
}

func (s *Session) setState(st State) {
	logger.InfoJ("session_state", map[string]any{"from": string(s.state), "to": string(st)})
	metrics.Inc("session_state_transitions_total", map[string]string{"to": string(st)})
	s.state = st
}

func (s *Session) hello() *wire.Hello {
	h := &wire.Hello{
		Fingerprint: s.selfFp,
		SignPub:     s.kp.SignPub,
		EncPub:      s.kp.EncPub,
		Name:        s.cfg.Name,
	}
	h.Sig = s.kp.Sign(h.SignedBytes())
	return h
}

func (s *Session) enterGathering(ctx context.Context) *AbortError {
	s.setState(StateGathering)
	if !s.cfg.Leader {
		s.fe.Notify("-- Participants --")
	}
	s.fe.DisplayParticipant(frontend.Participant{Fingerprint: s.selfFp.String(), Name: s.cfg.Name})
	if err := s.publish(ctx, s.hello()); err != nil {
		return s.fail(ReasonTransportFailure, err.Error())
	}
	return nil
}

// handle processes exactly one event; a non-nil return aborts the session.
func (s *Session) handle(ctx context.Context, ev bus.Event) *AbortError {
	switch ev.Kind {
	case bus.KindAddrObserved:
		if s.cfg.Leader && s.state == StateBootstrapping {
			s.fe.PromptLeaderStart(ev.Addr)
			return s.enterGathering(ctx)
		}
		return nil
	case bus.KindPeerJoined:
		// Re-announce so gossip propagation delays cannot hide us from a
		// late subscriber. Idempotent at every receiver.
		if !s.frozen {
			if err := s.publish(ctx, s.hello()); err != nil {
				return s.fail(ReasonTransportFailure, err.Error())
			}
		}
		return nil
	case bus.KindPeerLeft:
		return s.handlePeerLeft(ev.Peer)
	case bus.KindUserEnter:
		return s.handleUserEnter(ctx)
	case bus.KindUserConfirm:
		return s.handleUserConfirm(ctx, ev.Yes)
	case bus.KindMessage:
		return s.handleFrame(ctx, ev.Peer, ev.Data)
	}
	return nil
}

func (s *Session) handlePeerLeft(peerID string) *AbortError {
	m := s.roster.byPeer[peerID]
	if m == nil {
		return nil
	}
	if s.frozen {
		return s.fail(ReasonPeerDisconnected, m.fp.String()+" left the session")
	}
	s.roster.removeByPeer(peerID)
	logger.InfoJ("session_peer_left", map[string]any{"fp": m.fp.String(), "name": m.name})
	return nil
}

func (s *Session) handleUserEnter(ctx context.Context) *AbortError {
	if !s.cfg.Leader || s.state != StateGathering {
		return nil
	}
	if s.roster.size() < s.cfg.MinParticipants {
		s.fe.Notify(fmt.Sprintf(
			"Cannot start yet, at least %d participants are needed to keep inputs private.",
			s.cfg.MinParticipants))
		return nil
	}
	s.freeze(s.selfFp)
	s.fe.Notify("Starting benchmark with the current participants...")
	if err := s.publish(ctx, &wire.StartVote{RosterHash: s.rosterHash, Entries: s.roster.entries()}); err != nil {
		return s.fail(ReasonTransportFailure, err.Error())
	}
	s.setState(StateConfirming)
	s.confirmTimer = s.cfg.Clock.Timer(s.cfg.ConfirmTimeout)
	return nil
}

// freeze locks the roster and fixes the iteration order.
func (s *Session) freeze(leaderFp identity.Fingerprint) {
	s.frozen = true
	s.leaderFp = leaderFp
	s.order = s.roster.sortedFps()
	s.rosterHash = wire.HashRoster(s.roster.entries())
}

func (s *Session) handleUserConfirm(ctx context.Context, yes bool) *AbortError {
	if s.state != StateConfirming || s.cfg.Leader || s.ackSent {
		return nil
	}
	if !yes {
		_ = s.publish(ctx, &wire.Nack{RosterHash: s.rosterHash, Reason: ReasonUserDeclined})
		return s.fail(ReasonUserDeclined, "declined by local user")
	}
	if err := s.publish(ctx, &wire.Ack{RosterHash: s.rosterHash}); err != nil {
		return s.fail(ReasonTransportFailure, err.Error())
	}
	s.ackSent = true
	s.acks[s.selfFp] = s.rosterHash
	return s.maybeEnterSharing(ctx)
}

func (s *Session) handleFrame(ctx context.Context, from string, data []byte) *AbortError {
	// The digest covers the publisher too: identical bytes from two
	// different peers (e.g. two Acks over the same hash) are distinct
	// messages, only redelivery of the same publication is dropped.
	digest := blake3.Sum256(append([]byte(from+"\x00"), data...))
	if _, dup := s.seen[digest]; dup {
		metrics.Inc("session_dup_frames_total", nil)
		return nil
	}
	s.seen[digest] = struct{}{}

	msg, err := wire.Decode(data)
	if err != nil {
		metrics.Inc("session_bad_frames_total", nil)
		logger.ErrorJ("session_bad_frame", map[string]any{"from": from, "err": err.Error()})
		return nil
	}
	metrics.Inc("session_msgs_total", map[string]string{"type": fmt.Sprintf("%T", msg)})

	switch m := msg.(type) {
	case *wire.Hello:
		return s.handleHello(from, m)
	case *wire.StartVote:
		return s.handleStartVote(ctx, from, m)
	case *wire.Ack:
		return s.handleAck(ctx, from, m)
	case *wire.Nack:
		return s.handleNack(m)
	case *wire.Share:
		return s.handleShare(ctx, m)
	case *wire.Sum:
		return s.handleSum(from, m)
	case *wire.Abort:
		return &AbortError{Reason: m.Reason, Detail: m.Detail, Remote: true}
	}
	return nil
}

func (s *Session) handleHello(from string, h *wire.Hello) *AbortError {
	// Possession of the signing key is proven before anything else; an
	// unverifiable Hello is noise, not an identity claim.
	if len(h.SignPub) != 32 || !identity.Verify(h.SignPub, h.SignedBytes(), h.Sig) {
		logger.ErrorJ("session_hello_rejected", map[string]any{"from": from, "reason": "bad signature"})
		return nil
	}
	if existing := s.roster.byFp[h.Fingerprint]; existing != nil {
		if existing.sameKeys(h.SignPub, h.EncPub, from) {
			return nil // idempotent re-announce
		}
		return s.fail(ReasonEquivocatingPeer, "conflicting Hello for "+h.Fingerprint.String())
	}
	if h.Fingerprint != identity.FingerprintOf(h.SignPub) {
		logger.ErrorJ("session_hello_rejected", map[string]any{"from": from, "reason": "fingerprint mismatch"})
		return nil
	}
	if other := s.roster.byPeer[from]; other != nil {
		return s.fail(ReasonEquivocatingPeer, "second identity from peer "+from)
	}
	if s.frozen {
		// Late joiner: dropped, never answered. It aborts on its own when
		// it sees traffic for a session it is not part of.
		logger.InfoJ("session_late_hello", map[string]any{"from": from, "fp": h.Fingerprint.String()})
		return nil
	}
	if s.state != StateBootstrapping && s.state != StateGathering {
		return s.fail(ReasonUnexpectedMessage, "Hello in state "+string(s.state))
	}
	s.roster.add(&member{
		fp:      h.Fingerprint,
		signPub: h.SignPub,
		encPub:  h.EncPub,
		name:    h.Name,
		peerID:  from,
	})
	s.fe.DisplayParticipant(frontend.Participant{Fingerprint: h.Fingerprint.String(), Name: h.Name})
	return nil
}

func (s *Session) handleStartVote(ctx context.Context, from string, sv *wire.StartVote) *AbortError {
	if s.cfg.Leader {
		return s.fail(ReasonUnexpectedMessage, "StartVote from another participant")
	}
	if s.state != StateGathering {
		return s.fail(ReasonUnexpectedMessage, "StartVote in state "+string(s.state))
	}
	if s.cfg.LeaderPeerID != "" && from != s.cfg.LeaderPeerID {
		return s.fail(ReasonUnexpectedMessage, "StartVote from non-leader peer "+from)
	}
	leader := s.roster.byPeer[from]
	if leader == nil {
		return s.fail(ReasonUnexpectedMessage, "StartVote from unknown peer "+from)
	}
	inRoster := false
	for i := range sv.Entries {
		if sv.Entries[i].Fingerprint == s.selfFp {
			inRoster = true
			break
		}
	}
	if !inRoster {
		return s.fail(ReasonSessionClosed, "roster was frozen without us")
	}
	if len(sv.Entries) < s.cfg.MinParticipants {
		_ = s.publish(ctx, &wire.Nack{RosterHash: sv.RosterHash, Reason: ReasonRosterMismatch})
		return s.fail(ReasonRosterMismatch,
			fmt.Sprintf("roster of %d is below the minimum of %d", len(sv.Entries), s.cfg.MinParticipants))
	}
	ownHash := wire.HashRoster(s.roster.entries())
	if ownHash != sv.RosterHash {
		_ = s.publish(ctx, &wire.Nack{RosterHash: sv.RosterHash, Reason: ReasonRosterMismatch})
		return s.fail(ReasonRosterMismatch, "local roster disagrees with the leader's")
	}
	s.freeze(leader.fp)
	s.setState(StateConfirming)
	s.confirmTimer = s.cfg.Clock.Timer(s.cfg.ConfirmTimeout)
	s.fe.PromptJoinConfirm(s.roster.participants())
	// Acks from faster peers may already be queued up.
	return s.maybeEnterSharing(ctx)
}

func (s *Session) handleAck(ctx context.Context, from string, a *wire.Ack) *AbortError {
	m := s.roster.byPeer[from]
	if m == nil {
		logger.ErrorJ("session_ack_ignored", map[string]any{"from": from})
		return nil
	}
	switch s.state {
	case StateGathering, StateConfirming:
		// An Ack can outrun the leader's StartVote across publishers, so
		// it is recorded before the local roster freezes and validated at
		// the barrier.
	default:
		return s.fail(ReasonUnexpectedMessage, "Ack in state "+string(s.state))
	}
	if prev, ok := s.acks[m.fp]; ok {
		if prev == a.RosterHash {
			return nil // idempotent
		}
		return s.fail(ReasonRosterMismatch, "conflicting Ack from "+m.fp.String())
	}
	s.acks[m.fp] = a.RosterHash
	return s.maybeEnterSharing(ctx)
}

func (s *Session) handleNack(n *wire.Nack) *AbortError {
	reason := n.Reason
	if reason != ReasonUserDeclined && reason != ReasonRosterMismatch {
		reason = ReasonRosterMismatch
	}
	// The leader answers a Nack with a broadcast Abort; everyone else
	// treats the Nack itself as the abort and stays quiet to avoid a
	// storm of n-1 echoes.
	return &AbortError{Reason: reason, Detail: "rejected by a participant", Remote: !s.cfg.Leader}
}

// maybeEnterSharing fires once every non-leader member has acknowledged
// the frozen roster (and, for a joiner, its own user said yes).
func (s *Session) maybeEnterSharing(ctx context.Context) *AbortError {
	if s.state != StateConfirming {
		return nil
	}
	if !s.cfg.Leader && !s.ackSent {
		return nil
	}
	for _, fp := range s.order {
		if fp == s.leaderFp {
			continue
		}
		hash, ok := s.acks[fp]
		if !ok {
			return nil
		}
		if hash != s.rosterHash {
			return s.fail(ReasonRosterMismatch, "Ack hash mismatch from "+fp.String())
		}
	}
	return s.enterSharing(ctx)
}

func (s *Session) enterSharing(ctx context.Context) *AbortError {
	if s.confirmTimer != nil {
		s.confirmTimer.Stop()
		s.confirmTimer = nil
	}
	s.setState(StateSharing)
	s.phaseTimer = s.cfg.Clock.Timer(s.cfg.PhaseTimeout)

	n := len(s.order)
	recipients := make([]identity.Fingerprint, 0, n-1)
	for _, fp := range s.order {
		if fp != s.selfFp {
			recipients = append(recipients, fp)
		}
	}
	for _, key := range s.keys {
		res, split, err := mpc.Split(s.cfg.Inputs[key], n, s.cfg.Rand)
		if err != nil {
			return s.fail(ReasonInternal, "splitting failed: "+err.Error())
		}
		s.residual[key] = res
		for i, fp := range recipients {
			m := s.roster.byFp[fp]
			env, err := envelope.Seal(split[i][:], fp, m.encPub, s.kp, s.cfg.Rand)
			if err != nil {
				return s.fail(ReasonInternal, "sealing failed: "+err.Error())
			}
			if err := s.publish(ctx, &wire.Share{Key: key, Env: *env}); err != nil {
				return s.fail(ReasonTransportFailure, err.Error())
			}
		}
	}
	// Shares from faster peers may have been accepted while confirming.
	return s.maybeEnterSumming(ctx)
}

func (s *Session) handleShare(ctx context.Context, sh *wire.Share) *AbortError {
	if sh.Env.Recipient != s.selfFp {
		return nil // addressed to another participant; normal on a broadcast bus
	}
	// A joiner's window opens with its own Ack; the leader sends no Ack,
	// so its window opens with the StartVote it broadcast.
	acceptable := s.state == StateSharing || (s.state == StateConfirming && (s.ackSent || s.cfg.Leader))
	if !acceptable && s.state != StateSumming {
		return s.fail(ReasonUnexpectedMessage, "Share in state "+string(s.state))
	}
	m := s.roster.byFp[sh.Env.Sender]
	if m == nil {
		return s.fail(ReasonUnexpectedMessage, "Share from unknown sender")
	}
	if _, ok := s.cfg.Inputs[sh.Key]; !ok {
		return s.fail(ReasonKeyMismatch, fmt.Sprintf("share for unknown key %q from %s", sh.Key, m.fp))
	}
	if _, ok := s.shares[m.fp][sh.Key]; ok {
		// Redelivery of the same publication never gets here (the seen
		// digest drops it), so this is a second, distinct share for the
		// same (sender, key) pair.
		return s.fail(ReasonDuplicateShare, fmt.Sprintf("second share for key %q from %s", sh.Key, m.fp))
	}
	plain, err := envelope.Open(&sh.Env, s.kp, m.signPub)
	if err != nil {
		return s.fail(ReasonInvalidEnvelope, "share from "+m.fp.String())
	}
	share, err := mpc.FromBytes(plain)
	if err != nil {
		return s.fail(ReasonInvalidEnvelope, "share payload from "+m.fp.String())
	}
	if s.shares[m.fp] == nil {
		s.shares[m.fp] = make(map[string]mpc.Element, len(s.keys))
	}
	s.shares[m.fp][sh.Key] = share
	if s.state == StateSharing {
		return s.maybeEnterSumming(ctx)
	}
	return nil
}

func (s *Session) maybeEnterSumming(ctx context.Context) *AbortError {
	for _, fp := range s.order {
		if fp == s.selfFp {
			continue
		}
		if len(s.shares[fp]) != len(s.keys) {
			return nil
		}
	}
	return s.enterSumming(ctx)
}

func (s *Session) enterSumming(ctx context.Context) *AbortError {
	s.setState(StateSumming)
	if s.phaseTimer != nil {
		s.phaseTimer.Stop()
	}
	s.phaseTimer = s.cfg.Clock.Timer(s.cfg.PhaseTimeout)
	own := make(map[string]mpc.Element, len(s.keys))
	entries := make([]wire.SumEntry, 0, len(s.keys))
	for _, key := range s.keys {
		received := make([]mpc.Element, 0, len(s.order)-1)
		for _, fp := range s.order {
			if fp == s.selfFp {
				continue
			}
			received = append(received, s.shares[fp][key])
		}
		partial := mpc.PartialSum(s.residual[key], received)
		own[key] = partial
		entries = append(entries, wire.SumEntry{Key: key, Value: partial})
	}
	s.sums[s.selfFp] = own
	if err := s.publish(ctx, &wire.Sum{Partials: entries}); err != nil {
		return s.fail(ReasonTransportFailure, err.Error())
	}
	return s.maybeAverage()
}

func (s *Session) handleSum(from string, sm *wire.Sum) *AbortError {
	if s.state != StateSharing && s.state != StateSumming {
		return s.fail(ReasonUnexpectedMessage, "Sum in state "+string(s.state))
	}
	m := s.roster.byPeer[from]
	if m == nil {
		logger.ErrorJ("session_sum_ignored", map[string]any{"from": from})
		return nil
	}
	if _, ok := s.sums[m.fp]; ok {
		return s.fail(ReasonDuplicateSum, "second Sum from "+m.fp.String())
	}
	if len(sm.Partials) != len(s.keys) {
		return s.fail(ReasonKeyMismatch, "Sum key set differs from "+m.fp.String())
	}
	partials := make(map[string]mpc.Element, len(sm.Partials))
	for _, p := range sm.Partials {
		if _, ok := s.cfg.Inputs[p.Key]; !ok {
			return s.fail(ReasonKeyMismatch, fmt.Sprintf("Sum for unknown key %q from %s", p.Key, m.fp))
		}
		if _, dup := partials[p.Key]; dup {
			return s.fail(ReasonKeyMismatch, "repeated key in Sum from "+m.fp.String())
		}
		partials[p.Key] = p.Value
	}
	s.sums[m.fp] = partials
	if s.state == StateSumming {
		return s.maybeAverage()
	}
	return nil
}

func (s *Session) maybeAverage() *AbortError {
	if len(s.sums) != len(s.order) {
		return nil
	}
	s.setState(StateAveraging)
	n := len(s.order)
	results := make(map[string]string, len(s.keys))
	for _, key := range s.keys {
		partials := make([]mpc.Element, 0, n)
		for _, fp := range s.order {
			partials = append(partials, s.sums[fp][key])
		}
		avg, err := mpc.DecodeSum(mpc.Sum(partials), n)
		if err != nil {
			return s.fail(ReasonUnexpectedMessage, "averaging failed: "+err.Error())
		}
		results[key] = avg
	}
	s.results = results
	s.fe.DisplayResult(results)
	if s.phaseTimer != nil {
		s.phaseTimer.Stop()
		s.phaseTimer = nil
	}
	s.setState(StateDone)
	return nil
}
