// Package gossip implements the probabilistic broadcast family of §4.4's
// epidemic variants: eager probabilistic broadcast (push-only, fixed
// fanout and rounds) and lazy probabilistic broadcast (push a sample,
// pull the rest on a gap timer), grounded on broadcast.py's Eager/Lazy
// probabilistic broadcast sketches.
package gossip

import (
	"math/rand"
	"sync"
	"time"

	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// Upper receives Deliver indications naming the original broadcaster.
type Upper interface {
	OnGossipDeliver(from types.Address, payload []byte)
}

// ---------------------------------------------------------------------
// Eager probabilistic broadcast
// ---------------------------------------------------------------------

const (
	// DefaultRounds (R) bounds how many times a message is re-gossiped.
	DefaultRounds = 2
	// DefaultFanout (K) is the number of random peers gossiped to per round.
	DefaultFanout = 3
)

type gossipMessage struct {
	Sender  types.Address
	Payload []byte
	Round   int
}

// Eager floods a message to K random peers per round, for R rounds, with
// every recipient re-gossiping independently — eventual delivery is
// probabilistic, not guaranteed (§4.4's probabilistic-broadcast framing).
type Eager struct {
	pl      links.Link
	upper   Upper
	self    types.Address
	members types.Membership
	rounds  int
	fanout  int
	proc    string

	mu        sync.Mutex
	delivered map[string]bool
}

func NewEager(pl links.Link, upper Upper, self types.Address, members types.Membership, proc string) *Eager {
	return &Eager{
		pl: pl, upper: upper, self: self, members: members,
		rounds: DefaultRounds, fanout: DefaultFanout, proc: proc,
		delivered: make(map[string]bool),
	}
}

func (e *Eager) Broadcast(payload []byte) {
	// Members() includes self, so a small membership (N <= fanout) always
	// gossips back to the broadcaster too. Mark this message delivered
	// up front so that self-receipt through OnDeliver dedups against the
	// explicit call below instead of delivering the same payload twice;
	// relaying still proceeds independently of this, so epidemic spread
	// is unaffected.
	if h, err := wire.Hash(payload0(gossipMessage{Sender: e.self, Payload: payload})); err == nil {
		e.mu.Lock()
		e.delivered[h] = true
		e.mu.Unlock()
	}
	e.gossip(gossipMessage{Sender: e.self, Payload: payload, Round: 0})
	e.upper.OnGossipDeliver(e.self, payload)
}

func (e *Eager) gossip(msg gossipMessage) {
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	metrics.Default().BroadcastSent.WithLabelValues(e.proc, "gossip-eager").Inc()
	for _, p := range sample(e.members.Members(), e.fanout) {
		e.pl.Send(p, enc)
	}
}

func (e *Eager) OnDeliver(from types.Address, payload []byte) {
	var msg gossipMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	h, err := wire.Hash(payload0(msg))
	if err != nil {
		return
	}
	e.mu.Lock()
	delivered := e.delivered[h]
	if !delivered {
		e.delivered[h] = true
	}
	e.mu.Unlock()
	if !delivered {
		e.upper.OnGossipDeliver(msg.Sender, msg.Payload)
	}
	if msg.Round < e.rounds {
		e.gossip(gossipMessage{Sender: msg.Sender, Payload: msg.Payload, Round: msg.Round + 1})
	}
}

// payload0 hashes on (sender, payload) so retransmissions at different
// rounds of the same original message dedup to the same key.
func payload0(msg gossipMessage) gossipMessage {
	return gossipMessage{Sender: msg.Sender, Payload: msg.Payload}
}

func sample(from []types.Address, k int) []types.Address {
	if k >= len(from) {
		out := append([]types.Address(nil), from...)
		return out
	}
	idx := rand.Perm(len(from))[:k]
	out := make([]types.Address, 0, k)
	for _, i := range idx {
		out = append(out, from[i])
	}
	return out
}

// ---------------------------------------------------------------------
// Lazy probabilistic broadcast
// ---------------------------------------------------------------------

const (
	// DefaultAlpha (ALPHA) is the fraction of members pushed to directly.
	DefaultAlpha = 0.5
	// DefaultGap (DELTA) is how long a process waits for a missing message
	// to arrive by push before pulling it explicitly.
	DefaultGap = 5 * time.Second
)

// lazyFrame is the single tagged wire shape for Lazy's three message
// kinds. Gob decodes by field name across types, so a bare union of
// distinct structs risks one kind silently decoding as another; one
// struct with an explicit Kind discriminator avoids that (mirrors
// stubbornFrame in internal/links).
type lazyFrame struct {
	Kind    string // "push", "pull-request", "pull-reply"
	Sender  types.Address
	Seq     uint64
	Payload []byte
	Found   bool
}

// Lazy pushes every new message to a random ALPHA-fraction of the
// membership, and recovers anything it notices missing (a gap in a
// sender's sequence) by explicitly pulling it after DELTA, grounded on
// broadcast.py's LazyProbabilisticBroadcast two-phase (push, then
// pull-on-suspected-gap) design.
type Lazy struct {
	pl      links.Link
	upper   Upper
	sched   *sched.Scheduler
	self    types.Address
	members types.Membership
	alpha   float64
	gap     time.Duration
	proc    string

	mu      sync.Mutex
	nextSeq uint64
	store   map[types.Address]map[uint64][]byte
	highest map[types.Address]uint64
	pending map[types.Address]map[uint64]bool // gaps with a pull timer armed
}

func NewLazy(pl links.Link, upper Upper, s *sched.Scheduler, self types.Address, members types.Membership, proc string) *Lazy {
	return &Lazy{
		pl: pl, upper: upper, sched: s, self: self, members: members,
		alpha: DefaultAlpha, gap: DefaultGap, proc: proc,
		store:   make(map[types.Address]map[uint64][]byte),
		highest: make(map[types.Address]uint64),
		pending: make(map[types.Address]map[uint64]bool),
	}
}

func (l *Lazy) Broadcast(payload []byte) {
	l.mu.Lock()
	seq := l.nextSeq
	l.nextSeq++
	l.remember(l.self, seq, payload)
	l.mu.Unlock()

	msg := lazyFrame{Kind: "push", Sender: l.self, Seq: seq, Payload: payload}
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	k := int(float64(len(l.members.Members())) * l.alpha)
	if k < 1 {
		k = 1
	}
	metrics.Default().BroadcastSent.WithLabelValues(l.proc, "gossip-lazy").Inc()
	for _, p := range sample(l.members.Members(), k) {
		l.pl.Send(p, enc)
	}
	l.upper.OnGossipDeliver(l.self, payload)
}

// remember records payload as sender's message number seq and advances
// the contiguous-gap tracking, arming a pull timer for any hole it opens.
func (l *Lazy) remember(sender types.Address, seq uint64, payload []byte) {
	buf, ok := l.store[sender]
	if !ok {
		buf = make(map[uint64][]byte)
		l.store[sender] = buf
	}
	buf[seq] = payload
	if seq+1 > l.highest[sender] {
		for gap := l.highest[sender]; gap < seq; gap++ {
			if _, have := buf[gap]; !have {
				l.armPull(sender, gap)
			}
		}
		l.highest[sender] = seq + 1
	}
}

func (l *Lazy) armPull(sender types.Address, seq uint64) {
	set, ok := l.pending[sender]
	if !ok {
		set = make(map[uint64]bool)
		l.pending[sender] = set
	}
	if set[seq] {
		return
	}
	set[seq] = true
	l.sched.PostAfter(l.gap, func() { l.tryPull(sender, seq) })
}

func (l *Lazy) tryPull(sender types.Address, seq uint64) {
	l.mu.Lock()
	_, have := l.store[sender][seq]
	if have {
		delete(l.pending[sender], seq)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	req, err := wire.Encode(lazyFrame{Kind: "pull-request", Sender: sender, Seq: seq})
	if err != nil {
		return
	}
	for _, p := range l.members.Members() {
		l.pl.Send(p, req)
	}
}

func (l *Lazy) OnDeliver(from types.Address, payload []byte) {
	var frame lazyFrame
	if err := wire.Decode(payload, &frame); err != nil {
		return
	}
	switch frame.Kind {
	case "push":
		l.mu.Lock()
		_, already := l.store[frame.Sender][frame.Seq]
		if !already {
			l.remember(frame.Sender, frame.Seq, frame.Payload)
		}
		l.mu.Unlock()
		if !already {
			l.upper.OnGossipDeliver(frame.Sender, frame.Payload)
		}
	case "pull-request":
		l.mu.Lock()
		p, found := l.store[frame.Sender][frame.Seq]
		l.mu.Unlock()
		reply, err := wire.Encode(lazyFrame{Kind: "pull-reply", Sender: frame.Sender, Seq: frame.Seq, Payload: p, Found: found})
		if err == nil {
			l.pl.Send(from, reply)
		}
	case "pull-reply":
		if !frame.Found {
			return
		}
		l.mu.Lock()
		_, already := l.store[frame.Sender][frame.Seq]
		if !already {
			l.remember(frame.Sender, frame.Seq, frame.Payload)
		}
		l.mu.Unlock()
		if !already {
			l.upper.OnGossipDeliver(frame.Sender, frame.Payload)
		}
	}
}
