// Package broadcast implements the broadcast abstractions of §4.4-adjacent
// §4.4.(bcast)/§3.1 family: best-effort broadcast and the lazy/eager,
// regular/uniform reliable broadcast variants, grounded on broadcast.py.
// Every variant is built directly over a links.Link (perfect point-to-point
// links) to one peer at a time, fanning out to the full membership.
package broadcast

import (
	"sync"

	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// Upper receives Deliver indications naming the original broadcaster.
type Upper interface {
	OnBroadcastDeliver(from types.Address, payload []byte)
}

// ---------------------------------------------------------------------
// §4.4 Best-effort broadcast — BasicBroadcast
// ---------------------------------------------------------------------

// BestEffort fans a Broadcast out to every member over perfect links, with
// no further guarantee: a crash mid-fan-out can leave some correct
// processes without delivery (§4.4.6).
type BestEffort struct {
	pl      links.Link
	upper   Upper
	proc    string
	members types.Membership
}

func NewBestEffort(pl links.Link, upper Upper, members types.Membership, proc string) *BestEffort {
	return &BestEffort{pl: pl, upper: upper, members: members, proc: proc}
}

func (b *BestEffort) Broadcast(payload []byte) {
	metrics.Default().BroadcastSent.WithLabelValues(b.proc, "best-effort").Inc()
	// Members() includes self; skip it here since self-delivery below
	// already covers it. Sending it over pl too would both waste a round
	// trip and, should pl ever loop a self-addressed send back to
	// OnDeliver, double-deliver this payload upward.
	for _, p := range b.members.Members() {
		if p == b.members.Self {
			continue
		}
		b.pl.Send(p, payload)
	}
	// self-delivery: a process is always a member of its own broadcast.
	b.upper.OnBroadcastDeliver(b.members.Self, payload)
}

func (b *BestEffort) OnDeliver(from types.Address, payload []byte) {
	b.upper.OnBroadcastDeliver(from, payload)
}

// ---------------------------------------------------------------------
// Reliable broadcast — shared gossip-relay message shape
// ---------------------------------------------------------------------

type relayMessage struct {
	Sender  types.Address
	Payload []byte
}

// ---------------------------------------------------------------------
// §4.4.(lazy) Lazy reliable broadcast
// ---------------------------------------------------------------------

// LazyReliable delivers eagerly on first receipt and does not relay on
// receipt: OnBroadcastDeliver never re-broadcasts. It follows broadcast.py's
// LazyReliableBroadcast structure without its retransmission-on-suspicion
// trigger; no failure detector is wired in at this layer, and re-broadcast
// of a sender's cached messages happens only when a caller invokes
// Retransmit.
type LazyReliable struct {
	beb   *BestEffort
	upper Upper
	proc  string
	self  types.Address

	mu        sync.Mutex
	delivered map[string]bool
	seen      map[string]relayMessage
}

func NewLazyReliable(beb *BestEffort, upper Upper, self types.Address, proc string) *LazyReliable {
	return &LazyReliable{
		beb: beb, upper: upper, proc: proc, self: self,
		delivered: make(map[string]bool),
		seen:      make(map[string]relayMessage),
	}
}

func (l *LazyReliable) Broadcast(payload []byte) {
	msg := relayMessage{Sender: l.self, Payload: payload}
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	l.beb.Broadcast(enc)
}

// Retransmit re-sends every message originally broadcast by sender that
// this process still has a copy of — call this when sender is suspected.
func (l *LazyReliable) Retransmit(sender types.Address) {
	l.mu.Lock()
	var toResend []relayMessage
	for _, msg := range l.seen {
		if msg.Sender == sender {
			toResend = append(toResend, msg)
		}
	}
	l.mu.Unlock()
	for _, msg := range toResend {
		enc, err := wire.Encode(msg)
		if err == nil {
			l.beb.Broadcast(enc)
		}
	}
}

func (l *LazyReliable) OnBroadcastDeliver(from types.Address, payload []byte) {
	var msg relayMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	h, err := wire.Hash(payload)
	if err != nil {
		return
	}
	l.mu.Lock()
	delivered := l.delivered[h]
	if !delivered {
		l.delivered[h] = true
		l.seen[h] = msg
	}
	l.mu.Unlock()
	if delivered {
		return
	}
	l.upper.OnBroadcastDeliver(msg.Sender, msg.Payload)
}

// ---------------------------------------------------------------------
// §4.4.(eager) Eager reliable broadcast
// ---------------------------------------------------------------------

// EagerReliable re-broadcasts every new message exactly once before
// delivering it, so every correct process relays for every other — the
// unconditional-relay construction behind the Reliable Broadcast theorem
// (§4.4.6's "eager" variant).
type EagerReliable struct {
	beb   *BestEffort
	upper Upper
	self  types.Address

	mu        sync.Mutex
	delivered map[string]bool
}

func NewEagerReliable(beb *BestEffort, upper Upper, self types.Address) *EagerReliable {
	return &EagerReliable{beb: beb, upper: upper, self: self, delivered: make(map[string]bool)}
}

func (e *EagerReliable) Broadcast(payload []byte) {
	msg := relayMessage{Sender: e.self, Payload: payload}
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	e.beb.Broadcast(enc)
}

func (e *EagerReliable) OnBroadcastDeliver(from types.Address, payload []byte) {
	var msg relayMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	h, err := wire.Hash(payload)
	if err != nil {
		return
	}
	e.mu.Lock()
	delivered := e.delivered[h]
	if !delivered {
		e.delivered[h] = true
	}
	e.mu.Unlock()
	if delivered {
		return
	}
	e.beb.Broadcast(payload) // relay before delivering (unconditional-relay)
	e.upper.OnBroadcastDeliver(msg.Sender, msg.Payload)
}

// ---------------------------------------------------------------------
// Uniform reliable broadcast — shared ack-counting core
// ---------------------------------------------------------------------

type ackState struct {
	msg    relayMessage
	acked  map[types.Address]bool
	passed bool // already handed upward
}

// uniformCore counts acks per message and exposes whether a quorum
// predicate (all-ack vs majority-ack) is satisfied.
type uniformCore struct {
	mu    sync.Mutex
	state map[string]*ackState
}

func newUniformCore() *uniformCore { return &uniformCore{state: make(map[string]*ackState)} }

func (c *uniformCore) ack(h string, from types.Address, msg relayMessage) *ackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[h]
	if !ok {
		st = &ackState{msg: msg, acked: make(map[types.Address]bool)}
		c.state[h] = st
	}
	st.acked[from] = true
	return st
}

// ---------------------------------------------------------------------
// §4.4.(uniform-all) All-ack uniform reliable broadcast
// ---------------------------------------------------------------------

// AllAckUniform withholds delivery until every member (not just a
// majority) has acked the message, tolerating crashes but not withholding
// delivery forever only under the assumption every correct process
// eventually acks (§4.4.(uniform)).
type AllAckUniform struct {
	beb     *BestEffort
	upper   Upper
	self    types.Address
	members types.Membership
	core    *uniformCore

	mu      sync.Mutex
	correct map[types.Address]bool
}

func NewAllAckUniform(beb *BestEffort, upper Upper, self types.Address, members types.Membership) *AllAckUniform {
	correct := make(map[types.Address]bool, members.N())
	for _, p := range members.Members() {
		correct[p] = true
	}
	return &AllAckUniform{beb: beb, upper: upper, self: self, members: members, core: newUniformCore(), correct: correct}
}

// OnCrash must be wired from the process's failure detector: an all-ack
// quorum otherwise waits on every member forever, so a member that
// crashes before acking would block delivery of every pending message.
// Shrinking correct can itself complete a quorum that was only waiting
// on the crashed member, so every undelivered message is re-checked.
func (a *AllAckUniform) OnCrash(p types.Address) {
	a.mu.Lock()
	delete(a.correct, p)
	a.mu.Unlock()

	a.core.mu.Lock()
	var ready []*ackState
	for _, st := range a.core.state {
		if !st.passed && a.quorumMet(st) {
			st.passed = true
			ready = append(ready, st)
		}
	}
	a.core.mu.Unlock()
	for _, st := range ready {
		a.upper.OnBroadcastDeliver(st.msg.Sender, st.msg.Payload)
	}
}

func (a *AllAckUniform) Broadcast(payload []byte) {
	msg := relayMessage{Sender: a.self, Payload: payload}
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	a.beb.Broadcast(enc)
}

func (a *AllAckUniform) OnBroadcastDeliver(from types.Address, payload []byte) {
	var msg relayMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	h, err := wire.Hash(payload)
	if err != nil {
		return
	}

	st := a.core.ack(h, from, msg)
	a.core.mu.Lock()
	if !st.acked[a.self] {
		st.acked[a.self] = true
		a.core.mu.Unlock()
		a.beb.Broadcast(payload) // relay once, also acking implicitly
	} else {
		a.core.mu.Unlock()
	}

	a.core.mu.Lock()
	ready := !st.passed && a.quorumMet(st)
	if ready {
		st.passed = true
	}
	a.core.mu.Unlock()
	if ready {
		a.upper.OnBroadcastDeliver(msg.Sender, msg.Payload)
	}
}

func (a *AllAckUniform) quorumMet(st *ackState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := range a.correct {
		if !st.acked[p] {
			return false
		}
	}
	return st.acked[a.self]
}

// ---------------------------------------------------------------------
// §4.4.(uniform-majority) Majority-ack uniform reliable broadcast
// ---------------------------------------------------------------------

// MajorityAckUniform is AllAckUniform with the quorum predicate relaxed to
// a majority, tolerating up to f < N/2 crashes (§4.4.(uniform)).
type MajorityAckUniform struct {
	beb     *BestEffort
	upper   Upper
	self    types.Address
	members types.Membership
	core    *uniformCore
}

func NewMajorityAckUniform(beb *BestEffort, upper Upper, self types.Address, members types.Membership) *MajorityAckUniform {
	return &MajorityAckUniform{beb: beb, upper: upper, self: self, members: members, core: newUniformCore()}
}

func (m *MajorityAckUniform) Broadcast(payload []byte) {
	msg := relayMessage{Sender: m.self, Payload: payload}
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	m.beb.Broadcast(enc)
}

func (m *MajorityAckUniform) OnBroadcastDeliver(from types.Address, payload []byte) {
	var msg relayMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	h, err := wire.Hash(payload)
	if err != nil {
		return
	}

	st := m.core.ack(h, from, msg)
	m.core.mu.Lock()
	if !st.acked[m.self] {
		st.acked[m.self] = true
		m.core.mu.Unlock()
		m.beb.Broadcast(payload)
	} else {
		m.core.mu.Unlock()
	}

	m.core.mu.Lock()
	count := len(st.acked)
	ready := !st.passed && count >= m.members.Majority()
	if ready {
		st.passed = true
	}
	m.core.mu.Unlock()
	if ready {
		m.upper.OnBroadcastDeliver(msg.Sender, msg.Payload)
	}
}
