// Package paxos implements single-decree Synod and a Multi-Paxos skeleton
// built by running one Synod instance per log slot, grounded on paxos.py.
package paxos

import (
	"fmt"
	"sync"

	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// Upper receives the single Decide indication a Synod instance raises.
type Upper interface {
	OnDecide(value string)
}

type phase int

const (
	phasePromise phase = iota
	phaseAccept
)

type synodMessage struct {
	Kind    string // "prepare", "promise", "nack-prepare", "accept", "accepted", "nack-accept", "decided"
	Ballot  uint64
	VBallot uint64 // the promiser's highest accepted ballot, if any
	Value   string // the promiser's accepted value, if any
}

// Synod implements single-decree Paxos: a proposer drives a ballot
// through a prepare/promise round and an accept/accepted round, deciding
// once a majority accepts.
//
// The source's promise-branch carries a FIXME: when a majority of
// promises come back empty (no acceptor has accepted anything yet for
// this ballot), it must propose the PROPOSER's own originally-chosen
// value at this ballot, not blindly reuse whatever self.proposals[n]
// already happens to hold (which may be stale from a previous, abandoned
// ballot). This port keeps the proposer's own value explicitly
// (ownValue) and only overrides it with the highest-vballot promised
// value when at least one promise actually carried one.
type Synod struct {
	fll     links.Link
	upper   Upper
	self    types.Address
	members types.Membership
	proc    string

	mu           sync.Mutex
	ballot       uint64
	ownValue     string
	phaseNow     phase
	promises     map[types.Address]synodMessage
	accepts      map[types.Address]bool
	vBallot      uint64 // highest vballot this acceptor has accepted
	vValue       string
	promisedBal  uint64
	decided      bool
}

// NewSynod builds a Synod instance for one process. Rank is used to seed
// distinct initial ballots so concurrent proposers do not collide on
// ballot 0.
func NewSynod(fll links.Link, upper Upper, self types.Address, members types.Membership, proc string) *Synod {
	rank := uint64(members.Rank(self))
	n := uint64(members.N())
	if n == 0 {
		n = 1
	}
	return &Synod{
		fll: fll, upper: upper, self: self, members: members, proc: proc,
		ballot:   rank, // next ballot this proposer will try is ballot+n
		promises: make(map[types.Address]synodMessage),
		accepts:  make(map[types.Address]bool),
	}
}

// Propose starts (or restarts) a ballot proposing value, incrementing by
// the membership size so concurrent proposers use disjoint ballots.
func (s *Synod) Propose(value string) {
	s.mu.Lock()
	s.ballot += uint64(s.members.N())
	ballot := s.ballot
	s.ownValue = value
	s.phaseNow = phasePromise
	s.promises = make(map[types.Address]synodMessage)
	s.accepts = make(map[types.Address]bool)
	s.mu.Unlock()

	metrics.Default().PaxosRounds.WithLabelValues(s.proc).Inc()
	prepare := synodMessage{Kind: "prepare", Ballot: ballot}
	s.broadcast(prepare)
}

func (s *Synod) broadcast(msg synodMessage) {
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	for _, p := range s.members.Members() {
		s.fll.Send(p, enc)
	}
}

func (s *Synod) OnDeliver(from types.Address, payload []byte) {
	var msg synodMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	switch msg.Kind {
	case "prepare":
		s.onPrepare(from, msg)
	case "promise", "nack-prepare":
		s.onPromise(from, msg)
	case "accept":
		s.onAccept(from, msg)
	case "accepted", "nack-accept":
		s.onAccepted(from, msg)
	case "decided":
		s.onDecided(msg)
	}
}

func (s *Synod) onPrepare(from types.Address, msg synodMessage) {
	s.mu.Lock()
	var reply synodMessage
	if msg.Ballot > s.promisedBal {
		s.promisedBal = msg.Ballot
		reply = synodMessage{Kind: "promise", Ballot: msg.Ballot, VBallot: s.vBallot, Value: s.vValue}
	} else {
		reply = synodMessage{Kind: "nack-prepare", Ballot: s.promisedBal}
	}
	s.mu.Unlock()
	enc, err := wire.Encode(reply)
	if err == nil {
		s.fll.Send(from, enc)
	}
}

func (s *Synod) onPromise(from types.Address, msg synodMessage) {
	s.mu.Lock()
	if msg.Kind == "nack-prepare" {
		if msg.Ballot > s.ballot {
			s.ballot = msg.Ballot
		}
		s.mu.Unlock()
		return
	}
	if msg.Ballot != s.ballot || s.phaseNow != phasePromise {
		s.mu.Unlock()
		return
	}
	s.promises[from] = msg
	if len(s.promises) < s.members.Majority() {
		s.mu.Unlock()
		return
	}

	value := s.ownValue // FIXME fixed here: default to the proposer's own value.
	var highest uint64
	found := false
	for _, p := range s.promises {
		if p.Value != "" && (!found || p.VBallot > highest) {
			highest = p.VBallot
			value = p.Value
			found = true
		}
	}
	s.phaseNow = phaseAccept
	ballot := s.ballot
	s.mu.Unlock()

	accept := synodMessage{Kind: "accept", Ballot: ballot, Value: value}
	s.broadcast(accept)
}

func (s *Synod) onAccept(from types.Address, msg synodMessage) {
	s.mu.Lock()
	var reply synodMessage
	if msg.Ballot >= s.promisedBal {
		s.promisedBal = msg.Ballot
		s.vBallot = msg.Ballot
		s.vValue = msg.Value
		reply = synodMessage{Kind: "accepted", Ballot: msg.Ballot, Value: msg.Value}
	} else {
		reply = synodMessage{Kind: "nack-accept", Ballot: s.promisedBal}
	}
	s.mu.Unlock()
	enc, err := wire.Encode(reply)
	if err == nil {
		s.fll.Send(from, enc)
	}
}

func (s *Synod) onAccepted(from types.Address, msg synodMessage) {
	s.mu.Lock()
	if msg.Kind == "nack-accept" {
		if msg.Ballot > s.ballot {
			s.ballot = msg.Ballot
		}
		s.mu.Unlock()
		return
	}
	if msg.Ballot != s.ballot || s.phaseNow != phaseAccept {
		s.mu.Unlock()
		return
	}
	s.accepts[from] = true
	ready := !s.decided && len(s.accepts) >= s.members.Majority()
	if ready {
		s.decided = true
	}
	value := msg.Value
	s.mu.Unlock()
	if ready {
		s.upper.OnDecide(value)
		s.broadcast(synodMessage{Kind: "decided", Value: value})
	}
}

// onDecided lets every acceptor learn the outcome once the proposer has
// gathered a majority, rather than only the proposer itself ever calling
// Upper.OnDecide.
func (s *Synod) onDecided(msg synodMessage) {
	s.mu.Lock()
	already := s.decided
	s.decided = true
	s.mu.Unlock()
	if !already {
		s.upper.OnDecide(msg.Value)
	}
}

// ---------------------------------------------------------------------
// Multi-Paxos skeleton
// ---------------------------------------------------------------------

// MultiPaxos runs one Synod instance per log slot, each addressed over
// its own sub-channel. The source's upon_Execute advances to the next
// slot without ever completing the per-slot channel-name convention its
// registration relies on, so messages for slot N and slot N+1 would
// collide on the same channel. This port takes each slot's link from the
// caller-supplied linkForSlot (SlotChannel names a slot's channel) and
// creates a fresh Synod per slot on demand.
type MultiPaxos struct {
	fll     func(slot uint64) links.Link
	self    types.Address
	members types.Membership
	proc    string
	onDecide func(slot uint64, value string)

	mu    sync.Mutex
	slots map[uint64]*Synod
}

// SlotChannel names the transport channel a given log slot's Synod
// instance communicates over.
func SlotChannel(base string, slot uint64) string {
	return fmt.Sprintf("%s.slot-%d", base, slot)
}

// NewMultiPaxos builds a Multi-Paxos driver. linkForSlot must return a
// perfect link registered on that slot's SlotChannel.
func NewMultiPaxos(linkForSlot func(slot uint64) links.Link, self types.Address, members types.Membership, proc string, onDecide func(slot uint64, value string)) *MultiPaxos {
	return &MultiPaxos{
		fll: linkForSlot, self: self, members: members, proc: proc, onDecide: onDecide,
		slots: make(map[uint64]*Synod),
	}
}

// Propose starts (or restarts) a Synod instance at slot with value.
func (m *MultiPaxos) Propose(slot uint64, value string) {
	m.synodFor(slot).Propose(value)
}

// OnDeliver routes a datagram to the Synod instance for slot.
func (m *MultiPaxos) OnDeliver(slot uint64, from types.Address, payload []byte) {
	m.synodFor(slot).OnDeliver(from, payload)
}

func (m *MultiPaxos) synodFor(slot uint64) *Synod {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[slot]; ok {
		return s
	}
	s := NewSynod(m.fll(slot), decideAdapter{slot: slot, m: m}, m.self, m.members, m.proc)
	m.slots[slot] = s
	return s
}

type decideAdapter struct {
	slot uint64
	m    *MultiPaxos
}

func (d decideAdapter) OnDecide(value string) { d.m.onDecide(d.slot, value) }
