// Package order implements the ordering abstractions of §4.4's ordered-
// broadcast family built atop reliable broadcast: FIFO-order broadcast,
// no-waiting causal broadcast, and vector-clock causal broadcast,
// grounded on order.py.
package order

import (
	"sync"

	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// Broadcaster is the reliable-broadcast primitive every ordering layer
// sits on (broadcast.LazyReliable / EagerReliable / *Uniform all satisfy
// this shape).
type Broadcaster interface {
	Broadcast(payload []byte)
}

// Upper receives order-respecting Deliver indications.
type Upper interface {
	OnOrderedDeliver(from types.Address, payload []byte)
}

// ---------------------------------------------------------------------
// FIFO-order broadcast — BroadcastWithSequenceNumber
// ---------------------------------------------------------------------

type fifoFrame struct {
	Seq     uint64
	Payload []byte
}

// FIFO attaches a per-sender sequence number to every broadcast and
// withholds delivery of a sender's message until every earlier one from
// that same sender has already been delivered (§4.4's FIFO-order
// broadcast, Algorithm "BroadcastWithSequenceNumber").
type FIFO struct {
	rb    Broadcaster
	upper Upper

	mu      sync.Mutex
	seq     uint64
	next    map[types.Address]uint64
	pending map[types.Address]map[uint64][]byte
}

func NewFIFO(rb Broadcaster, upper Upper) *FIFO {
	return &FIFO{
		rb: rb, upper: upper,
		next:    make(map[types.Address]uint64),
		pending: make(map[types.Address]map[uint64][]byte),
	}
}

func (f *FIFO) Broadcast(payload []byte) {
	f.mu.Lock()
	seq := f.seq
	f.seq++
	f.mu.Unlock()
	enc, err := wire.Encode(fifoFrame{Seq: seq, Payload: payload})
	if err != nil {
		return
	}
	f.rb.Broadcast(enc)
}

func (f *FIFO) OnBroadcastDeliver(from types.Address, payload []byte) {
	var frame fifoFrame
	if err := wire.Decode(payload, &frame); err != nil {
		return
	}
	f.mu.Lock()
	buf, ok := f.pending[from]
	if !ok {
		buf = make(map[uint64][]byte)
		f.pending[from] = buf
	}
	buf[frame.Seq] = frame.Payload

	var ready [][]byte
	for {
		want := f.next[from]
		msg, ok := buf[want]
		if !ok {
			break
		}
		delete(buf, want)
		ready = append(ready, msg)
		f.next[from] = want + 1
	}
	f.mu.Unlock()

	for _, msg := range ready {
		f.upper.OnOrderedDeliver(from, msg)
	}
}

// ---------------------------------------------------------------------
// No-waiting causal broadcast
// ---------------------------------------------------------------------

type causalFrame struct {
	Sender  types.Address
	Past    []pastEntry
	Payload []byte
}

type pastEntry struct {
	Sender  types.Address
	Payload []byte
}

// NoWaitingCausal piggybacks the sender's entire causal history on every
// message and delivers any not-yet-seen past entries first, in the order
// carried, before the message itself — grounded on order.py's
// NoWaitingCausalBroadcast. The past log only ever grows; §4.4's no-
// waiting variant accepts unbounded growth in exchange for never blocking
// a delivery (garbage-collecting it is explicitly out of scope here, as
// it is in the source).
type NoWaitingCausal struct {
	rb    Broadcaster
	upper Upper
	self  types.Address

	mu        sync.Mutex
	past      []pastEntry
	delivered map[string]bool
}

func NewNoWaitingCausal(rb Broadcaster, upper Upper, self types.Address) *NoWaitingCausal {
	return &NoWaitingCausal{rb: rb, upper: upper, self: self, delivered: make(map[string]bool)}
}

func (c *NoWaitingCausal) Broadcast(payload []byte) {
	c.mu.Lock()
	frame := causalFrame{Sender: c.self, Past: append([]pastEntry(nil), c.past...), Payload: payload}
	c.mu.Unlock()
	enc, err := wire.Encode(frame)
	if err != nil {
		return
	}
	c.rb.Broadcast(enc)
}

func (c *NoWaitingCausal) OnBroadcastDeliver(from types.Address, payload []byte) {
	var frame causalFrame
	if err := wire.Decode(payload, &frame); err != nil {
		return
	}

	c.mu.Lock()
	var toDeliver []pastEntry
	for _, e := range frame.Past {
		h, err := wire.Hash(e)
		if err != nil {
			continue
		}
		if !c.delivered[h] {
			c.delivered[h] = true
			c.past = append(c.past, e)
			toDeliver = append(toDeliver, e)
		}
	}
	h, err := wire.Hash(pastEntry{Sender: frame.Sender, Payload: frame.Payload})
	deliverSelf := err == nil && !c.delivered[h]
	if deliverSelf {
		c.delivered[h] = true
		c.past = append(c.past, pastEntry{Sender: frame.Sender, Payload: frame.Payload})
	}
	c.mu.Unlock()

	for _, e := range toDeliver {
		c.upper.OnOrderedDeliver(e.Sender, e.Payload)
	}
	if deliverSelf {
		c.upper.OnOrderedDeliver(frame.Sender, frame.Payload)
	}
}

// ---------------------------------------------------------------------
// Vector-clock causal broadcast — WaitingCausalBroadcast
// ---------------------------------------------------------------------

type vcFrame struct {
	Sender  types.Address
	Clock   map[types.Address]uint64
	Payload []byte
}

// WaitingCausal withholds delivery of a message until the local vector
// clock shows every causal predecessor the message depends on has already
// been delivered, blocking (buffering) rather than eagerly delivering out
// of order — grounded on order.py's WaitingCausalBroadcast.
type WaitingCausal struct {
	rb      Broadcaster
	upper   Upper
	self    types.Address
	members types.Membership

	mu      sync.Mutex
	clock   map[types.Address]uint64
	pending []vcFrame
}

func NewWaitingCausal(rb Broadcaster, upper Upper, self types.Address, members types.Membership) *WaitingCausal {
	w := &WaitingCausal{rb: rb, upper: upper, self: self, members: members, clock: make(map[types.Address]uint64)}
	for _, p := range members.Members() {
		w.clock[p] = 0
	}
	w.clock[self] = 0
	return w
}

func (w *WaitingCausal) Broadcast(payload []byte) {
	w.mu.Lock()
	// The frame's clock entry for self must already show the new sequence
	// number, but the live clock itself must NOT be bumped here: this
	// process is a member of its own broadcast and will see this frame
	// come back through OnBroadcastDeliver, where drain's delivery step
	// does the one actual increment. Bumping the live clock here too would
	// double-count it, and deliverable() would then never match this
	// frame against the sender's own (already-advanced) clock entry.
	clock := cloneClock(w.clock)
	clock[w.self]++
	frame := vcFrame{Sender: w.self, Clock: clock, Payload: payload}
	w.mu.Unlock()
	enc, err := wire.Encode(frame)
	if err != nil {
		return
	}
	w.rb.Broadcast(enc)
}

func (w *WaitingCausal) OnBroadcastDeliver(from types.Address, payload []byte) {
	var frame vcFrame
	if err := wire.Decode(payload, &frame); err != nil {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, frame)
	ready := w.drain()
	w.mu.Unlock()

	for _, r := range ready {
		w.upper.OnOrderedDeliver(r.Sender, r.Payload)
	}
}

// drain must be called with mu held; it repeatedly scans pending for any
// message whose causal predecessors are all satisfied, delivering and
// removing them, until a fixed point is reached.
func (w *WaitingCausal) drain() []vcFrame {
	var delivered []vcFrame
	for {
		progressed := false
		for i := 0; i < len(w.pending); i++ {
			f := w.pending[i]
			if !w.deliverable(f) {
				continue
			}
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			w.clock[f.Sender]++
			delivered = append(delivered, f)
			progressed = true
			break
		}
		if !progressed {
			return delivered
		}
	}
}

// deliverable reports whether f's sender-local clock entry is exactly one
// more than what we've already delivered from that sender, and every
// other entry in f's clock is already satisfied locally.
func (w *WaitingCausal) deliverable(f vcFrame) bool {
	if f.Clock[f.Sender] != w.clock[f.Sender]+1 {
		return false
	}
	for p, v := range f.Clock {
		if p == f.Sender {
			continue
		}
		if v > w.clock[p] {
			return false
		}
	}
	return true
}

func cloneClock(c map[types.Address]uint64) map[types.Address]uint64 {
	out := make(map[types.Address]uint64, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
