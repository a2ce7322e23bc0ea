package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sine-fdn/sinebench/internal/envelope"
	"github.com/sine-fdn/sinebench/internal/frontend"
	"github.com/sine-fdn/sinebench/internal/identity"
	"github.com/sine-fdn/sinebench/internal/mpc"
	"github.com/sine-fdn/sinebench/internal/p2p"
	"github.com/sine-fdn/sinebench/internal/p2p/wire"
	"github.com/sine-fdn/sinebench/pkg/logger"
	"github.com/sine-fdn/sinebench/pkg/metrics"
)

func init() {
	logger.Quiet()
}

// scriptFE is a scripted frontend: it signals readiness once the expected
// roster is on screen and answers the confirmation prompt per script.
type scriptFE struct {
	events   chan frontend.UserEvent
	answer   bool
	silent   bool // never answer the confirm prompt
	expected int

	mu       sync.Mutex
	count    int
	ready    chan struct{}
	prompted chan struct{}
}

func newScriptFE(expected int, answer, silent bool) *scriptFE {
	return &scriptFE{
		events:   make(chan frontend.UserEvent, 8),
		answer:   answer,
		silent:   silent,
		expected: expected,
		ready:    make(chan struct{}),
		prompted: make(chan struct{}),
	}
}

func (f *scriptFE) Events() <-chan frontend.UserEvent { return f.events }

func (f *scriptFE) PromptLeaderStart(string) {}

func (f *scriptFE) PromptJoinConfirm([]frontend.Participant) {
	f.mu.Lock()
	select {
	case <-f.prompted:
	default:
		close(f.prompted)
	}
	f.mu.Unlock()
	if !f.silent {
		f.events <- frontend.UserEvent{Kind: frontend.EventAnswer, Yes: f.answer}
	}
}

func (f *scriptFE) DisplayParticipant(frontend.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.count == f.expected {
		close(f.ready)
	}
}

func (f *scriptFE) Notify(string)                   {}
func (f *scriptFE) DisplayResult(map[string]string) {}
func (f *scriptFE) DisplayError(string, string)     {}

func (f *scriptFE) pressEnter() {
	f.events <- frontend.UserEvent{Kind: frontend.EventEnter}
}

// recordTr records everything published through it.
type recordTr struct {
	p2p.Transport
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordTr) Publish(ctx context.Context, data []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, append([]byte(nil), data...))
	r.mu.Unlock()
	return r.Transport.Publish(ctx, data)
}

func (r *recordTr) published(t *testing.T) []wire.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]wire.Message, 0, len(r.frames))
	for _, f := range r.frames {
		m, err := wire.Decode(f)
		if err != nil {
			t.Fatalf("recorded frame does not decode: %v", err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

type testNode struct {
	fe   *scriptFE
	tr   *recordTr
	sess *Session

	res map[string]string
	err error
}

type trioOpts struct {
	inputs    []map[string]string
	answers   []bool // per node; index 0 is the leader (ignored)
	silent    []bool
	duplicate bool
	clock     clock.Clock
}

// startTrio launches one leader and len(inputs)-1 joiners over a fresh
// in-memory mesh and returns once all sessions have terminated.
func startTrio(t *testing.T, opts trioOpts) []*testNode {
	t.Helper()
	mesh := p2p.NewMesh()
	mesh.Duplicate = opts.duplicate
	n := len(opts.inputs)
	nodes := make([]*testNode, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		kp, err := identity.Generate(rand.Reader)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		encoded := make(map[string]mpc.Element, len(opts.inputs[i]))
		for k, v := range opts.inputs[i] {
			e, err := mpc.Encode(v)
			if err != nil {
				t.Fatalf("Encode(%q): %v", v, err)
			}
			encoded[k] = e
		}
		answer := true
		if opts.answers != nil {
			answer = opts.answers[i]
		}
		silent := false
		if opts.silent != nil {
			silent = opts.silent[i]
		}
		fe := newScriptFE(n, answer, silent)
		tr := &recordTr{Transport: mesh.NewTransport(fmt.Sprintf("peer%d", i))}
		cfg := Config{
			Leader: i == 0,
			Name:   fmt.Sprintf("node%d", i),
			Inputs: encoded,
			Clock:  opts.clock,
		}
		if i > 0 {
			cfg.LeaderPeerID = "peer0"
		}
		nodes[i] = &testNode{fe: fe, tr: tr, sess: New(cfg, kp, tr, fe)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, nd := range nodes {
		nd := nd
		wg.Add(1)
		go func() {
			defer wg.Done()
			nd.res, nd.err = nd.sess.Run(ctx)
		}()
	}

	// The leader closes the lobby only after every node has the full
	// roster on screen, like a human operator would.
	allReady := true
	for _, nd := range nodes {
		select {
		case <-nd.fe.ready:
		case <-ctx.Done():
			allReady = false
		}
	}
	if allReady {
		nodes[0].fe.pressEnter()
	}

	wg.Wait()
	return nodes
}

func abortReason(t *testing.T, err error) string {
	t.Helper()
	aerr, ok := err.(*AbortError)
	if !ok {
		t.Fatalf("want *AbortError, got %v", err)
	}
	return aerr.Reason
}

func assertNoneOfType(t *testing.T, nodes []*testNode, forbidden ...byte) {
	t.Helper()
	isForbidden := func(m wire.Message) bool {
		switch m.(type) {
		case *wire.Share:
			for _, f := range forbidden {
				if f == wire.TagShare {
					return true
				}
			}
		case *wire.Sum:
			for _, f := range forbidden {
				if f == wire.TagSum {
					return true
				}
			}
		}
		return false
	}
	for i, nd := range nodes {
		for _, m := range nd.tr.published(t) {
			if isForbidden(m) {
				t.Fatalf("node %d published forbidden message %T", i, m)
			}
		}
	}
}

func TestThreeParticipantsIntegerAverage(t *testing.T) {
	metrics.Reset()
	nodes := startTrio(t, trioOpts{inputs: []map[string]string{
		{"revenue": "100"},
		{"revenue": "200"},
		{"revenue": "300"},
	}})
	for i, nd := range nodes {
		if nd.err != nil {
			t.Fatalf("node %d: %v", i, nd.err)
		}
		if got := nd.res["revenue"]; got != "200" {
			t.Fatalf("node %d: revenue = %q, want 200", i, got)
		}
	}
	dump := metrics.DumpProm()
	if !strings.Contains(dump, `session_state_transitions_total{to="done"} 3`) {
		t.Fatalf("missing done transitions in %q", dump)
	}
}

func TestThreeParticipantsDecimalAverage(t *testing.T) {
	nodes := startTrio(t, trioOpts{inputs: []map[string]string{
		{"cost": "1234.56"},
		{"cost": "1000"},
		{"cost": "0"},
	}})
	for i, nd := range nodes {
		if nd.err != nil {
			t.Fatalf("node %d: %v", i, nd.err)
		}
		if got := nd.res["cost"]; got != "744.85" {
			t.Fatalf("node %d: cost = %q, want 744.85", i, got)
		}
	}
}

func TestNegativeValuesAverage(t *testing.T) {
	nodes := startTrio(t, trioOpts{inputs: []map[string]string{
		{"delta": "-10"},
		{"delta": "20"},
		{"delta": "-5"},
	}})
	for i, nd := range nodes {
		if nd.err != nil {
			t.Fatalf("node %d: %v", i, nd.err)
		}
		if got := nd.res["delta"]; got != "1.67" {
			t.Fatalf("node %d: delta = %q, want 1.67", i, got)
		}
	}
}

func TestMultipleKeysAndDuplicateDelivery(t *testing.T) {
	nodes := startTrio(t, trioOpts{
		inputs: []map[string]string{
			{"a": "1", "b": "4"},
			{"a": "2", "b": "5"},
			{"a": "3", "b": "6"},
		},
		duplicate: true, // every frame delivered twice; dedup must hold
	})
	for i, nd := range nodes {
		if nd.err != nil {
			t.Fatalf("node %d: %v", i, nd.err)
		}
		if nd.res["a"] != "2" || nd.res["b"] != "5" {
			t.Fatalf("node %d: got %v", i, nd.res)
		}
	}
}

func TestKeySetMismatchAbortsAll(t *testing.T) {
	nodes := startTrio(t, trioOpts{inputs: []map[string]string{
		{"a": "1", "b": "2"},
		{"a": "1", "b": "2"},
		{"a": "1", "c": "2"},
	}})
	for i, nd := range nodes {
		if nd.res != nil {
			t.Fatalf("node %d emitted a result despite key mismatch", i)
		}
		if got := abortReason(t, nd.err); got != ReasonKeyMismatch {
			t.Fatalf("node %d: reason %q, want KeyMismatch", i, got)
		}
	}
	assertNoneOfType(t, nodes, wire.TagSum)
}

func TestJoinerDeclineAbortsAll(t *testing.T) {
	nodes := startTrio(t, trioOpts{
		inputs: []map[string]string{
			{"v": "1"},
			{"v": "2"},
			{"v": "3"},
		},
		answers: []bool{true, true, false},
	})
	for i, nd := range nodes {
		if nd.res != nil {
			t.Fatalf("node %d emitted a result despite decline", i)
		}
		if got := abortReason(t, nd.err); got != ReasonUserDeclined {
			t.Fatalf("node %d: reason %q, want UserDeclined", i, got)
		}
	}
	assertNoneOfType(t, nodes, wire.TagShare, wire.TagSum)
}

func TestConfirmTimeoutAbortsAll(t *testing.T) {
	mock := clock.NewMock()
	mesh := p2p.NewMesh()
	inputs := []map[string]string{{"v": "1"}, {"v": "2"}, {"v": "3"}}
	nodes := make([]*testNode, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		kp, err := identity.Generate(rand.Reader)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		e, err := mpc.Encode(inputs[i]["v"])
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		fe := newScriptFE(3, true, i == 2) // node 2 never answers
		tr := &recordTr{Transport: mesh.NewTransport(fmt.Sprintf("peer%d", i))}
		cfg := Config{
			Leader: i == 0,
			Name:   fmt.Sprintf("node%d", i),
			Inputs: map[string]mpc.Element{"v": e},
			Clock:  mock,
		}
		if i > 0 {
			cfg.LeaderPeerID = "peer0"
		}
		nodes[i] = &testNode{fe: fe, tr: tr, sess: New(cfg, kp, tr, fe)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, nd := range nodes {
		nd := nd
		wg.Add(1)
		go func() {
			defer wg.Done()
			nd.res, nd.err = nd.sess.Run(ctx)
		}()
	}
	for _, nd := range nodes {
		select {
		case <-nd.fe.ready:
		case <-ctx.Done():
			t.Fatal("roster never completed")
		}
	}
	nodes[0].fe.pressEnter()
	// Both joiners must have been prompted before the clock jumps past
	// the confirmation deadline.
	for _, nd := range nodes[1:] {
		select {
		case <-nd.fe.prompted:
		case <-ctx.Done():
			t.Fatal("joiner never prompted")
		}
	}
	// Give the answering joiner's Ack time to settle, then expire the
	// confirmation phase on every participant at once.
	time.Sleep(100 * time.Millisecond)
	mock.Add(defaultConfirmTimeout + time.Second)
	wg.Wait()
	for i, nd := range nodes {
		if nd.res != nil {
			t.Fatalf("node %d emitted a result despite timeout", i)
		}
		if got := abortReason(t, nd.err); got != ReasonConfirmTimeout {
			t.Fatalf("node %d: reason %q, want ConfirmTimeout", i, got)
		}
	}
	assertNoneOfType(t, nodes, wire.TagShare, wire.TagSum)
}

func TestEquivocatingHelloAbortsHonestPeers(t *testing.T) {
	mesh := p2p.NewMesh()
	honest := make([]*testNode, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		kp, err := identity.Generate(rand.Reader)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		e, err := mpc.Encode("1")
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		fe := newScriptFE(3, true, false)
		tr := &recordTr{Transport: mesh.NewTransport(fmt.Sprintf("peer%d", i))}
		cfg := Config{
			Leader: i == 0,
			Name:   fmt.Sprintf("node%d", i),
			Inputs: map[string]mpc.Element{"v": e},
		}
		if i > 0 {
			cfg.LeaderPeerID = "peer0"
		}
		honest[i] = &testNode{fe: fe, tr: tr, sess: New(cfg, kp, tr, fe)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, nd := range honest {
		nd := nd
		wg.Add(1)
		go func() {
			defer wg.Done()
			nd.res, nd.err = nd.sess.Run(ctx)
		}()
	}

	kp, err := identity.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := identity.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	h1 := &wire.Hello{Fingerprint: kp.Fingerprint(), SignPub: kp.SignPub, EncPub: kp.EncPub, Name: "mallory"}
	h1.Sig = kp.Sign(h1.SignedBytes())
	attacker := mesh.NewTransport("mallory")
	// Like a real participant, the attacker re-announces to every peer that
	// joins after it, so honest nodes starting later still see its Hello.
	attacker.OnPeerJoined(func(string) { _ = attacker.Publish(ctx, wire.Encode(h1)) })
	if err := attacker.Start(ctx); err != nil {
		t.Fatalf("attacker start: %v", err)
	}
	defer attacker.Stop(ctx)
	if err := attacker.Publish(ctx, wire.Encode(h1)); err != nil {
		t.Fatalf("publish h1: %v", err)
	}

	// Wait until both honest nodes have the attacker on screen, then
	// equivocate: same fingerprint and signing key, different enc key.
	for _, nd := range honest {
		select {
		case <-nd.fe.ready:
		case <-ctx.Done():
			t.Fatal("roster never completed")
		}
	}
	h2 := &wire.Hello{Fingerprint: kp.Fingerprint(), SignPub: kp.SignPub, EncPub: other.EncPub, Name: "mallory"}
	h2.Sig = kp.Sign(h2.SignedBytes())
	if err := attacker.Publish(ctx, wire.Encode(h2)); err != nil {
		t.Fatalf("publish h2: %v", err)
	}

	wg.Wait()
	for i, nd := range honest {
		if nd.res != nil {
			t.Fatalf("node %d emitted a result despite equivocation", i)
		}
		if got := abortReason(t, nd.err); got != ReasonEquivocatingPeer {
			t.Fatalf("node %d: reason %q, want EquivocatingPeer", i, got)
		}
	}
}

// frozenSession builds a session with memberCount authenticated members
// (index 0 is the local one, the highest index is the leader) and a frozen
// roster, for driving the message handlers directly.
func frozenSession(t *testing.T, memberCount int) (*Session, []*identity.Keypair) {
	t.Helper()
	kps := make([]*identity.Keypair, memberCount)
	for i := range kps {
		kp, err := identity.Generate(rand.Reader)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		kps[i] = kp
	}
	e, err := mpc.Encode("1")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	mesh := p2p.NewMesh()
	s := New(
		Config{Name: "n0", Inputs: map[string]mpc.Element{"v": e}},
		kps[0],
		mesh.NewTransport("p0"),
		newScriptFE(memberCount, true, false),
	)
	for i, kp := range kps {
		s.roster.add(&member{
			fp:      kp.Fingerprint(),
			signPub: kp.SignPub,
			encPub:  kp.EncPub,
			name:    fmt.Sprintf("n%d", i),
			peerID:  fmt.Sprintf("p%d", i),
		})
	}
	s.freeze(kps[memberCount-1].Fingerprint())
	return s, kps
}

func sealShare(t *testing.T, s *Session, sender *identity.Keypair, key, value string) *wire.Share {
	t.Helper()
	e, err := mpc.Encode(value)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := envelope.Seal(e[:], s.selfFp, s.kp.EncPub, sender, rand.Reader)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return &wire.Share{Key: key, Env: *env}
}

func TestSecondDistinctShareAborts(t *testing.T) {
	s, kps := frozenSession(t, 3)
	s.state = StateSharing
	s.ackSent = true
	ctx := context.Background()
	if aerr := s.handleShare(ctx, sealShare(t, s, kps[1], "v", "2")); aerr != nil {
		t.Fatalf("first share: %v", aerr)
	}
	aerr := s.handleShare(ctx, sealShare(t, s, kps[1], "v", "3"))
	if aerr == nil || aerr.Reason != ReasonDuplicateShare {
		t.Fatalf("second distinct share: got %v, want DuplicateShare", aerr)
	}
}

func TestSecondDistinctSumAborts(t *testing.T) {
	s, _ := frozenSession(t, 3)
	s.state = StateSumming
	a, err := mpc.Encode("2")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := mpc.Encode("3")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if aerr := s.handleSum("p1", &wire.Sum{Partials: []wire.SumEntry{{Key: "v", Value: a}}}); aerr != nil {
		t.Fatalf("first sum: %v", aerr)
	}
	aerr := s.handleSum("p1", &wire.Sum{Partials: []wire.SumEntry{{Key: "v", Value: b}}})
	if aerr == nil || aerr.Reason != ReasonDuplicateSum {
		t.Fatalf("second distinct sum: got %v, want DuplicateSum", aerr)
	}
}

func TestConflictingAckHashAborts(t *testing.T) {
	// Four members so one Ack is still outstanding and the first valid
	// Ack cannot complete the barrier.
	s, _ := frozenSession(t, 4)
	s.state = StateConfirming
	s.ackSent = true
	s.acks[s.selfFp] = s.rosterHash
	ctx := context.Background()
	if aerr := s.handleAck(ctx, "p1", &wire.Ack{RosterHash: s.rosterHash}); aerr != nil {
		t.Fatalf("first ack: %v", aerr)
	}
	if aerr := s.handleAck(ctx, "p1", &wire.Ack{RosterHash: s.rosterHash}); aerr != nil {
		t.Fatalf("identical ack must be a no-op, got %v", aerr)
	}
	var other [32]byte
	other[0] = 0xff
	aerr := s.handleAck(ctx, "p1", &wire.Ack{RosterHash: other})
	if aerr == nil || aerr.Reason != ReasonRosterMismatch {
		t.Fatalf("conflicting ack: got %v, want RosterMismatch", aerr)
	}
}

func TestLeaderRefusesToStartBelowMinimum(t *testing.T) {
	mesh := p2p.NewMesh()
	kp, err := identity.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	e, err := mpc.Encode("1")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fe := newScriptFE(1, true, false)
	tr := &recordTr{Transport: mesh.NewTransport("peer0")}
	sess := New(Config{Leader: true, Name: "solo", Inputs: map[string]mpc.Element{"v": e}}, kp, tr, fe)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		_, runErr = sess.Run(ctx)
	}()
	<-fe.ready
	fe.pressEnter()
	// The Enter must be refused; no StartVote may be published. Cancel
	// shortly after to end the run.
	time.Sleep(200 * time.Millisecond)
	cancel()
	wg.Wait()
	if runErr == nil {
		t.Fatal("cancelled run returned no error")
	}
	for _, m := range tr.published(t) {
		if _, ok := m.(*wire.StartVote); ok {
			t.Fatal("StartVote published with fewer than 3 participants")
		}
	}
}
