package consensus

import (
	"sync"

	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/types"
)

// LeaderDriven composes EpochChange and a sequence of EpochConsensus
// instances into full consensus: it proposes through the current epoch's
// instance, and whenever EpochChange starts a new epoch it abandons the
// old instance (keeping its highest accepted state) and starts a fresh
// one, re-proposing if it is the new leader.
//
// The Python source's LeaderDrivenConsensus.upon_Init body is a bare
// `pass`, leaving the actual composition of epoch-change with
// epoch-consensus unimplemented even though §4.4.(leader-driven) spells
// out exactly this composition in prose. This port implements it.
type LeaderDriven struct {
	fll     links.Link
	self    types.Address
	members types.Membership
	proc    string
	upper   Upper

	mu       sync.Mutex
	decided  bool
	proposal string
	hasProp  bool
	current  *EpochConsensus
	tsWrite  uint64
	valWrite string
}

// NewLeaderDriven wires a LeaderDriven consensus instance. Callers must
// forward the matching EpochChange's OnStartEpoch calls into
// OnStartEpoch, and every datagram addressed to the epoch-consensus
// channel into OnDeliver.
func NewLeaderDriven(fll links.Link, self types.Address, members types.Membership, upper Upper, proc string) *LeaderDriven {
	return &LeaderDriven{fll: fll, self: self, members: members, upper: upper, proc: proc}
}

// Propose records value as this process's proposal; if an epoch-consensus
// instance is already running and this process leads it, it proposes
// immediately, otherwise the value is held until the next StartEpoch
// where this process leads.
func (l *LeaderDriven) Propose(value string) {
	l.mu.Lock()
	l.proposal = value
	l.hasProp = true
	cur := l.current
	l.mu.Unlock()
	if cur != nil && cur.isLeader {
		cur.Propose(value)
	}
}

// OnStartEpoch must be wired from this process's EpochChange instance.
func (l *LeaderDriven) OnStartEpoch(epoch uint64, leader types.Address) {
	l.mu.Lock()
	if l.current != nil {
		ts, val := l.current.Halt()
		if ts >= l.tsWrite {
			l.tsWrite, l.valWrite = ts, val
		}
	}
	isLeader := leader == l.self
	ts, val := l.tsWrite, l.valWrite
	ec := NewEpochConsensus(l.fll, l.self, l.members, epoch, isLeader, ts, val, l.onEpochDecide)
	l.current = ec
	proposal := l.proposal
	hasProp := l.hasProp
	l.mu.Unlock()

	if isLeader && hasProp {
		ec.Propose(proposal)
	}
}

// OnDeliver routes a datagram to whichever epoch-consensus instance is
// currently active.
func (l *LeaderDriven) OnDeliver(from types.Address, payload []byte) {
	l.mu.Lock()
	cur := l.current
	l.mu.Unlock()
	if cur != nil {
		cur.OnDeliver(from, payload)
	}
}

func (l *LeaderDriven) onEpochDecide(value string) {
	l.mu.Lock()
	if l.decided {
		l.mu.Unlock()
		return
	}
	l.decided = true
	l.mu.Unlock()
	metrics.Default().Decisions.WithLabelValues(l.proc, "leader-driven").Inc()
	l.upper.OnDecide(value)
}
