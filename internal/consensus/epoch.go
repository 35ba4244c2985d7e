package consensus

import (
	"sync"

	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// ---------------------------------------------------------------------
// Leader-based epoch-change
// ---------------------------------------------------------------------

// EpochUpper receives StartEpoch indications naming the new (epoch,
// leader) pair a process should switch its epoch-consensus instance to.
type EpochUpper interface {
	OnStartEpoch(epoch uint64, leader types.Address)
}

type newEpochFrame struct {
	Epoch  uint64
	Leader types.Address
}

type nackFrame struct {
	Epoch uint64
}

// EpochChange raises a new (higher) epoch every time the wired leader
// detector names a new trusted leader, and the process is itself that
// leader; it also services Nack messages from peers still behind by
// bumping straight past the rejected epoch, grounded on epoch.py's
// LeaderBasedEpochChange.
type EpochChange struct {
	fll     links.Link
	upper   EpochUpper
	self    types.Address
	members types.Membership
	proc    string

	mu           sync.Mutex
	lastEpoch    uint64
	lastLeader   types.Address
	trustedRank  int
}

func NewEpochChange(fll links.Link, upper EpochUpper, self types.Address, members types.Membership, proc string) *EpochChange {
	e := &EpochChange{fll: fll, upper: upper, self: self, members: members, proc: proc}
	e.lastLeader, _ = types.MaxAddress(members.Members())
	return e
}

// OnTrust must be wired from this process's leader detector.
func (e *EpochChange) OnTrust(leader types.Address) {
	e.mu.Lock()
	e.lastLeader = leader
	isSelf := leader == e.self
	var epoch uint64
	if isSelf {
		e.lastEpoch++
		epoch = e.lastEpoch
	}
	e.mu.Unlock()

	if !isSelf {
		return
	}
	metrics.Default().LeaderChanges.WithLabelValues(e.proc).Inc()
	frame := newEpochFrame{Epoch: epoch, Leader: leader}
	enc, err := wire.Encode(frame)
	if err != nil {
		return
	}
	for _, p := range e.members.Members() {
		e.fll.Send(p, enc)
	}
	e.upper.OnStartEpoch(epoch, leader)
}

func (e *EpochChange) OnDeliver(from types.Address, payload []byte) {
	// Members() includes self, so OnTrust's own broadcast loops back here
	// when self is itself a member. OnTrust already applied the epoch
	// bump synchronously before sending; processing the looped-back copy
	// again would fail the frame.Epoch > e.lastEpoch check (both sides
	// now equal) and answer itself with a Nack, which would then bump
	// the epoch again and re-broadcast, forever.
	if from == e.self {
		return
	}
	var frame newEpochFrame
	if err := wire.Decode(payload, &frame); err == nil && frame.Leader.Host != "" {
		e.mu.Lock()
		accept := frame.Leader == e.lastLeader && frame.Epoch > e.lastEpoch
		if accept {
			e.lastEpoch = frame.Epoch
		}
		e.mu.Unlock()
		if accept {
			e.upper.OnStartEpoch(frame.Epoch, frame.Leader)
			return
		}
		nack, err := wire.Encode(nackFrame{Epoch: e.lastEpoch})
		if err == nil {
			e.fll.Send(from, nack)
		}
		return
	}
	var nack nackFrame
	if err := wire.Decode(payload, &nack); err == nil {
		e.mu.Lock()
		if nack.Epoch >= e.lastEpoch {
			e.lastEpoch = nack.Epoch + 1
		}
		epoch := e.lastEpoch
		leader := e.lastLeader
		e.mu.Unlock()
		if leader == e.self {
			frame := newEpochFrame{Epoch: epoch, Leader: leader}
			enc, err := wire.Encode(frame)
			if err == nil {
				for _, p := range e.members.Members() {
					e.fll.Send(p, enc)
				}
			}
		}
	}
}

// ---------------------------------------------------------------------
// Read/write epoch-consensus
// ---------------------------------------------------------------------

type ewMessage struct {
	Kind  string // "read", "state", "write", "accept", "decided"
	TS    uint64
	Value string
}

// EpochConsensus implements one instance of the read/write epoch-consensus
// abstraction used by leader-driven consensus (§4.4.(epoch-consensus)):
// the leader reads the state of a majority, writes the highest-timestamped
// value it sees (or its own proposal if none), and decides once a
// majority accepts — grounded on epoch.py's ReadWriteEpochConsensus.
type EpochConsensus struct {
	fll       links.Link
	self      types.Address
	members   types.Membership
	epoch     uint64
	isLeader  bool
	tsWrite   uint64
	valWrite  string
	proposal  string
	decideFn  func(string)

	mu       sync.Mutex
	halted   bool
	decided  bool
	states   map[types.Address]ewMessage
	accepts  map[types.Address]bool
}

// NewEpochConsensus builds one epoch-consensus instance. tsWrite/valWrite
// carry the highest accepted (timestamp, value) pair from the prior epoch
// (zero value if none yet); decideFn is invoked at most once.
func NewEpochConsensus(fll links.Link, self types.Address, members types.Membership, epoch uint64, isLeader bool, tsWrite uint64, valWrite string, decideFn func(string)) *EpochConsensus {
	return &EpochConsensus{
		fll: fll, self: self, members: members, epoch: epoch, isLeader: isLeader,
		tsWrite: tsWrite, valWrite: valWrite, decideFn: decideFn,
		states:  make(map[types.Address]ewMessage),
		accepts: make(map[types.Address]bool),
	}
}

// Propose is only meaningful on the leader instance: it starts the read
// phase for the given value.
func (e *EpochConsensus) Propose(value string) {
	e.mu.Lock()
	e.proposal = value
	e.mu.Unlock()
	read := ewMessage{Kind: "read"}
	enc, err := wire.Encode(read)
	if err != nil {
		return
	}
	// Members() includes self; the explicit OnDeliver call below already
	// covers self's own read, so skip it in the network loop rather than
	// processing the same read twice.
	for _, p := range e.members.Members() {
		if p == e.self {
			continue
		}
		e.fll.Send(p, enc)
	}
	e.OnDeliver(e.self, enc)
}

func (e *EpochConsensus) OnDeliver(from types.Address, payload []byte) {
	e.mu.Lock()
	halted := e.halted
	e.mu.Unlock()
	if halted {
		return
	}
	var msg ewMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	switch msg.Kind {
	case "read":
		state := ewMessage{Kind: "state", TS: e.tsWrite, Value: e.valWrite}
		enc, err := wire.Encode(state)
		if err == nil {
			e.fll.Send(from, enc)
		}
	case "state":
		e.mu.Lock()
		e.states[from] = msg
		ready := len(e.states) >= e.members.Majority()
		var write ewMessage
		if ready {
			best := e.bestState()
			value := e.proposal
			if best.Value != "" {
				value = best.Value
			}
			write = ewMessage{Kind: "write", Value: value}
		}
		e.mu.Unlock()
		if ready {
			enc, err := wire.Encode(write)
			if err == nil {
				for _, p := range e.members.Members() {
					e.fll.Send(p, enc)
				}
			}
		}
	case "write":
		e.mu.Lock()
		e.tsWrite = e.epoch
		e.valWrite = msg.Value
		e.mu.Unlock()
		accept := ewMessage{Kind: "accept"}
		enc, err := wire.Encode(accept)
		if err == nil {
			e.fll.Send(from, enc)
		}
	case "accept":
		e.mu.Lock()
		e.accepts[from] = true
		ready := !e.decided && len(e.accepts) >= e.members.Majority()
		var decideMsg ewMessage
		value := e.valWrite
		if ready {
			e.decided = true
			decideMsg = ewMessage{Kind: "decided", Value: value}
		}
		e.mu.Unlock()
		if ready {
			enc, err := wire.Encode(decideMsg)
			if err == nil {
				for _, p := range e.members.Members() {
					e.fll.Send(p, enc)
				}
			}
			e.decideFn(value)
		}
	case "decided":
		e.mu.Lock()
		already := e.decided
		e.decided = true
		e.mu.Unlock()
		if !already {
			e.decideFn(msg.Value)
		}
	}
}

// bestState must be called with mu held; it returns the highest-timestamp
// state reply seen so far.
func (e *EpochConsensus) bestState() ewMessage {
	var best ewMessage
	for _, s := range e.states {
		if s.TS >= best.TS {
			best = s
		}
	}
	return best
}

// Halt marks this instance as no longer authoritative and returns the
// highest (timestamp, value) pair it accepted, so a leader-driven consensus
// wrapper can read-repair the next epoch's instance with it rather than
// discarding a value some majority may already have accepted.
func (e *EpochConsensus) Halt() (tsWrite uint64, valWrite string) {
	e.mu.Lock()
	e.halted = true
	tsWrite, valWrite = e.tsWrite, e.valWrite
	e.mu.Unlock()
	return tsWrite, valWrite
}
