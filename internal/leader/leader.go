// Package leader implements the leader election abstractions of §4.6:
// Monarchical leader election (over Perfect FD), Monarchical-Eventual
// leader election (over Eventually Perfect FD), and Elect-Lower-Epoch
// (over fair-loss links plus a stable store), grounded on leader.py.
package leader

import (
	"sync"
	"time"

	"github.com/coreset/rsdp/internal/fd"
	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/store"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// Upper receives Trust indications naming the current leader.
type Upper interface {
	OnTrust(leader types.Address)
}

// ---------------------------------------------------------------------
// §4.6.1 Monarchical leader election
// ---------------------------------------------------------------------

// Monarchical trusts the highest-ranked process it still believes correct,
// and assumes a Perfect FD underneath: once a process is suspected it is
// never un-suspected.
type Monarchical struct {
	upper   Upper
	self    types.Address
	proc    string
	members types.Membership

	mu      sync.Mutex
	suspect map[types.Address]bool
	leader  types.Address
}

// NewMonarchical starts with every process trusted and the highest-ranked
// one as leader, mirroring upon_Init.
func NewMonarchical(self types.Address, members types.Membership, upper Upper, proc string) *Monarchical {
	m := &Monarchical{
		upper: upper, self: self, proc: proc, members: members,
		suspect: make(map[types.Address]bool),
	}
	m.leader, _ = types.MaxAddress(members.Members())
	return m
}

// OnCrash must be wired from the underlying Perfect failure detector.
func (m *Monarchical) OnCrash(p types.Address) {
	m.mu.Lock()
	m.suspect[p] = true
	candidate := m.highestCorrect()
	changed := candidate != m.leader
	if changed {
		m.leader = candidate
	}
	m.mu.Unlock()
	if changed {
		metrics.Default().LeaderChanges.WithLabelValues(m.proc).Inc()
		m.upper.OnTrust(candidate)
	}
}

func (m *Monarchical) highestCorrect() types.Address {
	var correct []types.Address
	for _, p := range m.members.Members() {
		if !m.suspect[p] {
			correct = append(correct, p)
		}
	}
	best, ok := types.MaxAddress(correct)
	if !ok {
		return m.self
	}
	return best
}

// ---------------------------------------------------------------------
// §4.6.2 Monarchical-eventual leader election
// ---------------------------------------------------------------------

// MonarchicalEventual is Monarchical over an Eventually Perfect FD:
// suspicions can be retracted, so OnRestore must be wired too.
type MonarchicalEventual struct {
	upper   Upper
	self    types.Address
	proc    string
	members types.Membership

	mu      sync.Mutex
	suspect map[types.Address]bool
	leader  types.Address
}

func NewMonarchicalEventual(self types.Address, members types.Membership, upper Upper, proc string) *MonarchicalEventual {
	m := &MonarchicalEventual{
		upper: upper, self: self, proc: proc, members: members,
		suspect: make(map[types.Address]bool),
	}
	m.leader, _ = types.MaxAddress(members.Members())
	return m
}

func (m *MonarchicalEventual) OnCrash(p types.Address)   { m.recompute(p, true) }
func (m *MonarchicalEventual) OnRestore(p types.Address) { m.recompute(p, false) }

func (m *MonarchicalEventual) recompute(p types.Address, suspected bool) {
	m.mu.Lock()
	if suspected {
		m.suspect[p] = true
	} else {
		delete(m.suspect, p)
	}
	var correct []types.Address
	for _, q := range m.members.Members() {
		if !m.suspect[q] {
			correct = append(correct, q)
		}
	}
	candidate, ok := types.MaxAddress(correct)
	if !ok {
		candidate = m.self
	}
	changed := candidate != m.leader
	if changed {
		m.leader = candidate
	}
	m.mu.Unlock()
	if changed {
		metrics.Default().LeaderChanges.WithLabelValues(m.proc).Inc()
		m.upper.OnTrust(candidate)
	}
}

// ---------------------------------------------------------------------
// §4.6.3 Elect-lower-epoch
// ---------------------------------------------------------------------

type epochMessage struct {
	Kind  string // "nominate"
	Epoch uint64
	Proc  types.Address
}

// ElectLowerEpoch persists a monotonic epoch counter across crashes,
// incrementing it on every Recovery, and trusts the process with the
// lowest epoch it has heard nominated, breaking ties toward the highest
// address — grounded on leader.py's ElectLowerEpoch, which uses the
// epoch bump purely to outrank a previous, possibly-stale incarnation of
// itself, and select()'s max(min_p) tie-break.
type ElectLowerEpoch struct {
	fll     links.Link
	upper   Upper
	self    types.Address
	members types.Membership
	store   *store.Store
	sched   *sched.Scheduler

	mu     sync.Mutex
	epoch  uint64
	delay  time.Duration
	leader types.Address
	heard  map[types.Address]uint64
}

// NewElectLowerEpoch restores or initializes the persisted epoch counter,
// bumping it by one whenever a prior epoch was found (a Recovery), then
// starts pulsing its own nomination to every member every delay, with
// delay growing by DefaultDelay0 on each leader change per spec.
func NewElectLowerEpoch(self types.Address, members types.Membership, fll links.Link, upper Upper, st *store.Store, s *sched.Scheduler) (*ElectLowerEpoch, error) {
	e := &ElectLowerEpoch{
		fll: fll, upper: upper, self: self, members: members, store: st, sched: s,
		heard:  make(map[types.Address]uint64),
		leader: self,
		delay:  fd.DefaultDelay0,
	}
	if st.Exists() {
		var epoch uint64
		if err := st.Retrieve(&epoch); err != nil {
			return nil, err
		}
		e.epoch = epoch + 1
	} else {
		e.epoch = 0
	}
	if err := st.Store(e.epoch); err != nil {
		return nil, err
	}
	e.heard[self] = e.epoch
	e.broadcastNomination()
	s.PostAfter(e.delay, e.onTimeout)
	return e, nil
}

func (e *ElectLowerEpoch) broadcastNomination() {
	e.mu.Lock()
	msg := epochMessage{Kind: "nominate", Epoch: e.epoch, Proc: e.self}
	e.mu.Unlock()
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	for _, p := range e.members.Members() {
		e.fll.Send(p, enc)
	}
}

// onTimeout re-pulses this process's nomination every delay, per spec's
// "pulsing Heartbeat{epoch} to all members every delay."
func (e *ElectLowerEpoch) onTimeout() {
	e.broadcastNomination()
	e.mu.Lock()
	delay := e.delay
	e.mu.Unlock()
	e.sched.PostAfter(delay, e.onTimeout)
}

func (e *ElectLowerEpoch) OnDeliver(from types.Address, payload []byte) {
	var msg epochMessage
	if err := wire.Decode(payload, &msg); err != nil || msg.Kind != "nominate" {
		return
	}
	e.mu.Lock()
	e.heard[msg.Proc] = msg.Epoch
	candidate := e.lowest()
	changed := candidate != e.leader
	if changed {
		e.leader = candidate
		// delay only ever grows, on a leader change, mirroring
		// IncreasingTimeout's window growth in internal/fd.
		e.delay += fd.DefaultDelay0
	}
	e.mu.Unlock()
	if changed {
		e.upper.OnTrust(candidate)
	}
}

// lowest picks the process with the smallest epoch among everyone heard
// from so far, self included, breaking a tied epoch toward the largest
// address per spec.md's maximum-address tie-break.
func (e *ElectLowerEpoch) lowest() types.Address {
	best := e.self
	bestEpoch := e.epoch
	for p, ep := range e.heard {
		if ep < bestEpoch || (ep == bestEpoch && best.Less(p)) {
			best = p
			bestEpoch = ep
		}
	}
	return best
}
