package consensus

import (
	"sync"

	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// ---------------------------------------------------------------------
// Hierarchical consensus — rank-ordered proposer sequence
// ---------------------------------------------------------------------

type hierFrame struct {
	Rank  int
	Value string
}

// Hierarchical runs the rank-ordered HierarchicalConsensus algorithm: the
// process of rank 0 proposes first; every other process waits its turn,
// overriding its own proposal with anything a lower-ranked process
// proposed first, then forwards to the next rank. Decision happens when
// the last rank's proposal circulates back.
//
// The source's HierarchicalConsensus.upon_Init initializes `self.delivered`
// as a plain boolean rather than the per-rank map the rest of the handler
// body indexes into — a type mismatch that would raise at the first
// lookup. This port gives delivered its real shape, a set of ranks
// already heard from, from the start.
type Hierarchical struct {
	beb     Broadcaster
	upper   Upper
	self    types.Address
	rank    int
	members types.Membership
	proc    string

	mu        sync.Mutex
	decided   bool
	proposal  string
	delivered map[int]bool // real shape: set of ranks heard from, not a bool
}

func NewHierarchical(beb Broadcaster, upper Upper, self types.Address, members types.Membership, proposal string, proc string) *Hierarchical {
	h := &Hierarchical{
		beb: beb, upper: upper, self: self, members: members, proc: proc,
		rank:      members.Rank(self),
		proposal:  proposal,
		delivered: make(map[int]bool),
	}
	if h.rank == 0 {
		h.broadcastAndAdvance()
	}
	return h
}

func (h *Hierarchical) broadcastAndAdvance() {
	enc, err := wire.Encode(hierFrame{Rank: h.rank, Value: h.proposal})
	if err != nil {
		return
	}
	h.beb.Broadcast(enc)
}

// OnBroadcastDeliver advances the rank-ordered chain: a process whose
// rank is one past the sender's adopts the sender's value and takes its
// own turn. The highest rank's proposal is the final decision — every
// process decides on it the moment it is delivered, including the
// highest-rank process itself (broadcast.BestEffort self-delivers), so
// decision does not depend on a further round past the last rank.
func (h *Hierarchical) OnBroadcastDeliver(from types.Address, payload []byte) {
	var frame hierFrame
	if err := wire.Decode(payload, &frame); err != nil {
		return
	}
	h.mu.Lock()
	if h.delivered[frame.Rank] {
		h.mu.Unlock()
		return
	}
	h.delivered[frame.Rank] = true
	isMyTurn := frame.Rank == h.rank-1
	isLastRank := frame.Rank == h.members.N()-1
	if isMyTurn {
		h.proposal = frame.Value
	}
	h.mu.Unlock()
	if isMyTurn && !isLastRank {
		h.broadcastAndAdvance()
	}
	if isLastRank {
		h.mu.Lock()
		h.proposal = frame.Value
		h.mu.Unlock()
		h.finishDecide()
	}
}

// OnCrash must be wired from the process's failure detector: the rank
// chain only advances on delivery from the immediately preceding rank, so
// a crash of that one rank before its broadcast arrives would otherwise
// stall every later rank forever. Round_up past it instead, taking this
// process's own turn with whatever proposal it currently holds.
func (h *Hierarchical) OnCrash(p types.Address) {
	crashedRank := h.members.Rank(p)
	h.mu.Lock()
	if h.decided || h.delivered[crashedRank] || crashedRank != h.rank-1 {
		h.mu.Unlock()
		return
	}
	h.delivered[crashedRank] = true
	h.mu.Unlock()
	h.broadcastAndAdvance()
}

func (h *Hierarchical) finishDecide() {
	h.mu.Lock()
	if h.decided {
		h.mu.Unlock()
		return
	}
	h.decided = true
	value := h.proposal
	h.mu.Unlock()
	metrics.Default().Decisions.WithLabelValues(h.proc, "hierarchical").Inc()
	h.upper.OnDecide(value)
}

// ---------------------------------------------------------------------
// Hierarchical uniform consensus
// ---------------------------------------------------------------------

type hierUniformFrame struct {
	Rank  int
	Value string
}

type hierAckFrame struct {
	Rank int
}

// HierarchicalUniform adds an acknowledgment round on top of Hierarchical
// so that a decision only happens once a majority of processes have
// acked the final proposal, giving uniform agreement instead of regular
// agreement.
//
// The source's HierarchicalUniformConsensus refers to `self.self.ackranks`
// in one place and `self.ackransk` in another — both typos for the same
// field, so the ack-rank bookkeeping silently operates on two different
// attributes (one of them nonexistent until first assigned, the other
// never read back). This port uses one correctly spelled field,
// ackRanks, throughout.
type HierarchicalUniform struct {
	beb      Broadcaster
	upper    Upper
	self     types.Address
	rank     int
	members  types.Membership
	proc     string

	mu        sync.Mutex
	decided   bool
	proposal  string
	delivered map[int]bool
	ackRanks  map[int]bool
}

func NewHierarchicalUniform(beb Broadcaster, upper Upper, self types.Address, members types.Membership, proposal string, proc string) *HierarchicalUniform {
	h := &HierarchicalUniform{
		beb: beb, upper: upper, self: self, members: members, proc: proc,
		rank:      members.Rank(self),
		proposal:  proposal,
		delivered: make(map[int]bool),
		ackRanks:  make(map[int]bool),
	}
	if h.rank == 0 {
		h.broadcastProposal()
	}
	return h
}

func (h *HierarchicalUniform) broadcastProposal() {
	enc, err := wire.Encode(hierUniformFrame{Rank: h.rank, Value: h.proposal})
	if err != nil {
		return
	}
	h.beb.Broadcast(enc)
}

func (h *HierarchicalUniform) OnBroadcastDeliver(from types.Address, payload []byte) {
	if frame, ok := decodeHierUniform(payload); ok {
		h.onProposal(frame)
		return
	}
	if ack, ok := decodeHierAck(payload); ok {
		h.onAck(ack)
	}
}

func decodeHierUniform(payload []byte) (hierUniformFrame, bool) {
	var frame hierUniformFrame
	if err := wire.Decode(payload, &frame); err != nil || frame.Value == "" {
		return frame, false
	}
	return frame, true
}

func decodeHierAck(payload []byte) (hierAckFrame, bool) {
	var ack struct {
		Kind string
		Rank int
	}
	if err := wire.Decode(payload, &ack); err != nil || ack.Kind != "ack" {
		return hierAckFrame{}, false
	}
	return hierAckFrame{Rank: ack.Rank}, true
}

func (h *HierarchicalUniform) onProposal(frame hierUniformFrame) {
	h.mu.Lock()
	if h.delivered[frame.Rank] {
		h.mu.Unlock()
		return
	}
	h.delivered[frame.Rank] = true
	isMyTurn := frame.Rank == h.rank-1
	isLast := frame.Rank == h.members.N()-1
	if isMyTurn || isLast {
		// Every process, not just the one whose turn it is, must adopt
		// the final rank's value: it is what everyone is about to ack
		// and decide on.
		h.proposal = frame.Value
	}
	h.mu.Unlock()

	if isMyTurn && !isLast {
		h.broadcastProposal()
	}
	if isLast {
		ack, err := wire.Encode(struct {
			Kind string
			Rank int
		}{Kind: "ack", Rank: h.rank})
		if err == nil {
			h.beb.Broadcast(ack)
		}
		h.onAck(hierAckFrame{Rank: h.rank})
	}
}

// OnCrash mirrors Hierarchical.OnCrash: without it, a crash of the
// immediately preceding rank before its proposal (or final-rank ack
// round) arrives would block this and every later rank's turn forever.
func (h *HierarchicalUniform) OnCrash(p types.Address) {
	crashedRank := h.members.Rank(p)
	h.mu.Lock()
	if h.decided || h.delivered[crashedRank] || crashedRank != h.rank-1 {
		h.mu.Unlock()
		return
	}
	h.delivered[crashedRank] = true
	h.mu.Unlock()
	h.broadcastProposal()
}

func (h *HierarchicalUniform) onAck(ack hierAckFrame) {
	h.mu.Lock()
	if h.ackRanks[ack.Rank] {
		h.mu.Unlock()
		return
	}
	h.ackRanks[ack.Rank] = true
	ready := !h.decided && len(h.ackRanks) >= h.members.Majority()
	if ready {
		h.decided = true
	}
	value := h.proposal
	h.mu.Unlock()
	if ready {
		metrics.Default().Decisions.WithLabelValues(h.proc, "hierarchical-uniform").Inc()
		h.upper.OnDecide(value)
	}
}
