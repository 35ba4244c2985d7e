// Package links implements the point-to-point link hierarchy of §4.4:
// fair-loss → stubborn → perfect → {logged, FIFO} perfect links.
//
// Every layer speaks the same upward shape as the Python source's
// `trigger(self.upper, 'Deliver', q, m)`: a Deliverer interface with one
// method, OnDeliver(from, payload). Each layer owns exactly the child it is
// declared to `use` in §4.4, exactly as the teacher's Peer owns its
// Transport and Deliver (pkg/mcast/core/peer.go) — concrete struct fields,
// not reflection.
package links

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/store"
	"github.com/coreset/rsdp/internal/transport"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// Deliverer receives an upward Deliver indication, the one event every
// link layer and its users agree on.
type Deliverer interface {
	OnDeliver(from types.Address, payload []byte)
}

// DelivererFunc adapts a plain function to a Deliverer.
type DelivererFunc func(from types.Address, payload []byte)

func (f DelivererFunc) OnDeliver(from types.Address, payload []byte) { f(from, payload) }

// Link is the Send-side contract every layer of §4.4 exposes to its user.
type Link interface {
	Send(to types.Address, payload []byte)
}

// ---------------------------------------------------------------------
// §4.4.1 Fair-loss point-to-point links
// ---------------------------------------------------------------------

// FairLoss is the BasicLink of links.py: a thin registration over the
// shared transport. No retransmission, no dedup — exactly the FL1-FL3
// guarantees and nothing more.
type FairLoss struct {
	send  transport.Sender
	upper Deliverer
}

// NewFairLoss registers channel on tr and wires upper as the Deliver sink.
func NewFairLoss(channel string, tr transport.Datagram, upper Deliverer) *FairLoss {
	f := &FairLoss{upper: upper}
	f.send = tr.Register(channel, f)
	return f
}

func (f *FairLoss) Send(to types.Address, payload []byte) { f.send(payload, to) }

func (f *FairLoss) OnDatagram(from types.Address, payload []byte) {
	f.upper.OnDeliver(from, payload)
}

// ---------------------------------------------------------------------
// §4.4.2 Stubborn point-to-point links
// ---------------------------------------------------------------------

// stubbornDelta is the default retransmission period (10s per §4.4.2).
const stubbornDelta = 10 * time.Second

// RetransmitForever resends every (peer, message) pair it has ever sent,
// every DELTA, forever — no eviction. Leaks memory by construction; the
// spec accepts this because upper layers (perfect links) dedup (§4.4.2).
type RetransmitForever struct {
	fll   Link
	upper Deliverer
	sched *sched.Scheduler

	mu   sync.Mutex
	sent map[string]sentEntry
}

type sentEntry struct {
	peer    types.Address
	payload []byte
}

// NewRetransmitForever builds the RetransmitForever variant of stubborn
// links, arming its retransmit timer immediately (mirrors upon_Init).
func NewRetransmitForever(fll Link, upper Deliverer, s *sched.Scheduler) *RetransmitForever {
	r := &RetransmitForever{fll: fll, upper: upper, sched: s, sent: make(map[string]sentEntry)}
	s.PostAfter(stubbornDelta, r.onTimeout)
	return r
}

func (r *RetransmitForever) Send(to types.Address, payload []byte) {
	r.mu.Lock()
	r.sent[sentKey(to, payload)] = sentEntry{peer: to, payload: payload}
	r.mu.Unlock()
	r.fll.Send(to, payload)
}

func (r *RetransmitForever) onTimeout() {
	r.mu.Lock()
	entries := make([]sentEntry, 0, len(r.sent))
	for _, e := range r.sent {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		r.fll.Send(e.peer, e.payload)
	}
	r.sched.PostAfter(stubbornDelta, r.onTimeout)
}

func (r *RetransmitForever) OnDeliver(from types.Address, payload []byte) {
	r.upper.OnDeliver(from, payload)
}

func sentKey(peer types.Address, payload []byte) string {
	h := sha256.Sum256(payload)
	return peer.String() + "|" + hex.EncodeToString(h[:])
}

// stubbornFrame is the {typ, mid, data} wire shape used by
// RetransmitWithACK, mirroring links.py's dict-tagged messages.
type stubbornFrame struct {
	Typ  string // "data" or "ack"
	Mid  string
	Data []byte
}

// RetransmitWithACK tags each send with a fresh message id; the recipient
// delivers upward and acks, the sender evicts on ack and otherwise keeps
// retransmitting every DELTA (§4.4.2).
type RetransmitWithACK struct {
	fll   Link
	upper Deliverer
	sched *sched.Scheduler

	mu   sync.Mutex
	sent map[string]stubbornFrame // mid -> frame
	peer map[string]types.Address // mid -> destination
}

func NewRetransmitWithACK(fll Link, upper Deliverer, s *sched.Scheduler) *RetransmitWithACK {
	r := &RetransmitWithACK{
		fll: fll, upper: upper, sched: s,
		sent: make(map[string]stubbornFrame),
		peer: make(map[string]types.Address),
	}
	s.PostAfter(stubbornDelta, r.onTimeout)
	return r
}

func (r *RetransmitWithACK) Send(to types.Address, payload []byte) {
	mid := uuid.NewString()
	frame := stubbornFrame{Typ: "data", Mid: mid, Data: payload}
	r.mu.Lock()
	r.sent[mid] = frame
	r.peer[mid] = to
	r.mu.Unlock()
	r.sendFrame(to, frame)
}

func (r *RetransmitWithACK) sendFrame(to types.Address, frame stubbornFrame) {
	enc, err := wire.Encode(frame)
	if err != nil {
		return
	}
	r.fll.Send(to, enc)
}

func (r *RetransmitWithACK) onTimeout() {
	r.mu.Lock()
	type pending struct {
		to    types.Address
		frame stubbornFrame
	}
	all := make([]pending, 0, len(r.sent))
	for mid, frame := range r.sent {
		all = append(all, pending{to: r.peer[mid], frame: frame})
	}
	r.mu.Unlock()
	for _, p := range all {
		r.sendFrame(p.to, p.frame)
	}
	r.sched.PostAfter(stubbornDelta, r.onTimeout)
}

func (r *RetransmitWithACK) OnDeliver(from types.Address, payload []byte) {
	var frame stubbornFrame
	if err := wire.Decode(payload, &frame); err != nil {
		return
	}
	switch frame.Typ {
	case "data":
		r.upper.OnDeliver(from, frame.Data)
		ack, err := wire.Encode(stubbornFrame{Typ: "ack", Mid: frame.Mid})
		if err == nil {
			r.fll.Send(from, ack)
		}
	case "ack":
		r.mu.Lock()
		delete(r.sent, frame.Mid)
		delete(r.peer, frame.Mid)
		r.mu.Unlock()
	}
}

// ---------------------------------------------------------------------
// §4.4.3 Perfect point-to-point links — EliminateDuplicates
// ---------------------------------------------------------------------

// Perfect implements reliable, no-duplication, no-creation delivery over
// a stubborn link by keeping a monotonically growing set of seen content
// hashes.
type Perfect struct {
	sl    Link
	upper Deliverer
	proc  string // owning process, for metrics labeling

	mu        sync.Mutex
	delivered map[string]bool
}

// NewPerfect wires a Perfect link over sl, delivering new messages to
// upper and silently dropping anything already seen.
func NewPerfect(sl Link, upper Deliverer, proc string) *Perfect {
	return &Perfect{sl: sl, upper: upper, proc: proc, delivered: make(map[string]bool)}
}

func (p *Perfect) Send(to types.Address, payload []byte) { p.sl.Send(to, payload) }

func (p *Perfect) OnDeliver(from types.Address, payload []byte) {
	h, err := wire.Hash(payload)
	if err != nil {
		return
	}
	p.mu.Lock()
	seen := p.delivered[h]
	if !seen {
		p.delivered[h] = true
	}
	p.mu.Unlock()
	if seen {
		return
	}
	metrics.Default().LinkDelivered.WithLabelValues(p.proc).Inc()
	p.upper.OnDeliver(from, payload)
}

// ---------------------------------------------------------------------
// §4.4.4 Logged perfect links
// ---------------------------------------------------------------------

// LoggedPerfect is Perfect with its delivered set persisted after every
// insert, and restored via Recovery instead of Init when a prior run left
// a store behind (§4.4.4).
type LoggedPerfect struct {
	sl    Link
	upper Deliverer
	store *store.Store
	proc  string

	mu        sync.Mutex
	delivered map[string]bool
}

// NewLoggedPerfect restores delivered from st if present, else starts
// empty and persists that empty state (mirrors upon_Init/upon_Recovery).
func NewLoggedPerfect(sl Link, upper Deliverer, st *store.Store, proc string) (*LoggedPerfect, error) {
	l := &LoggedPerfect{sl: sl, upper: upper, store: st, proc: proc}
	if st.Exists() {
		var delivered map[string]bool
		if err := st.Retrieve(&delivered); err != nil {
			return nil, err
		}
		if delivered == nil {
			delivered = make(map[string]bool)
		}
		l.delivered = delivered
	} else {
		l.delivered = make(map[string]bool)
		if err := st.Store(l.delivered); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *LoggedPerfect) Send(to types.Address, payload []byte) { l.sl.Send(to, payload) }

func (l *LoggedPerfect) OnDeliver(from types.Address, payload []byte) {
	h, err := wire.Hash(payload)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delivered[h] {
		return
	}
	l.delivered[h] = true
	if err := l.store.Store(l.delivered); err != nil {
		// Stable-store IO errors are fatal to this module's safety
		// properties (§7); the caller is expected to treat a failing
		// logged-perfect-link as a crashed process rather than silently
		// lose the persisted delivered-set.
		panic(err)
	}
	metrics.Default().LinkDelivered.WithLabelValues(l.proc).Inc()
	l.upper.OnDeliver(from, payload)
}

// ---------------------------------------------------------------------
// §4.4.5 FIFO perfect links
// ---------------------------------------------------------------------

type fifoFrame struct {
	Seq     uint64
	Payload []byte
}

// FIFO buffers out-of-order deliveries per sender and surfaces only
// contiguous prefixes, in order (Ex2.3 / SequenceNumber in links.py).
type FIFO struct {
	pl    Link
	upper Deliverer

	mu      sync.Mutex
	seq     uint64
	next    map[types.Address]uint64
	pending map[types.Address]map[uint64][]byte
}

func NewFIFO(pl Link, upper Deliverer) *FIFO {
	return &FIFO{
		pl: pl, upper: upper,
		next:    make(map[types.Address]uint64),
		pending: make(map[types.Address]map[uint64][]byte),
	}
}

func (f *FIFO) Send(to types.Address, payload []byte) {
	f.mu.Lock()
	seq := f.seq
	f.seq++
	f.mu.Unlock()
	enc, err := wire.Encode(fifoFrame{Seq: seq, Payload: payload})
	if err != nil {
		return
	}
	f.pl.Send(to, enc)
}

func (f *FIFO) OnDeliver(from types.Address, payload []byte) {
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
		f.upper.OnDeliver(from, msg)
	}
}
