// Package register implements the shared read/write register family of
// §4.4.(registers): read-one-write-all regular, majority-voting regular,
// one-writer-one-reader atomic (ONRRtoOOAR, over a (1, N) regular
// register), and one-writer-many-reader atomic (OOARtoONAR), grounded on
// register.py.
package register

import (
	"sync"

	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// Upper receives the WriteAck / ReadReturn indications a register raises.
type Upper interface {
	OnWriteAck()
	OnReadReturn(value string)
}

type rrMessage struct {
	Kind  string // "write", "ack", "read", "read-value"
	TS    uint64
	Value string
}

// ---------------------------------------------------------------------
// Read-one-write-all regular register
// ---------------------------------------------------------------------

// ReadOneWriteAll is the simplest (1, N) regular register: a write fans
// out to every process and completes once every correct process has
// acked; a read is purely local.
//
// The source's upon_Init builds the `correct` set by `self.correct =
// self.members + <something>` using `+` where a set union (`|`) was
// meant, which on Python sets raises a TypeError immediately; it also
// omits `self` from the initial membership, so the writer itself is
// never counted as correct. This port seeds correct as a map-backed set
// holding self and the full membership, so there is no union operator to
// typo in the first place.
type ReadOneWriteAll struct {
	fll     links.Link
	upper   Upper
	self    types.Address
	members types.Membership

	mu      sync.Mutex
	ts      uint64
	val     string
	correct map[types.Address]bool
	acked   map[types.Address]bool
	writing bool
}

func NewReadOneWriteAll(fll links.Link, upper Upper, self types.Address, members types.Membership) *ReadOneWriteAll {
	correct := make(map[types.Address]bool)
	correct[self] = true
	for _, p := range members.Members() {
		correct[p] = true
	}
	return &ReadOneWriteAll{fll: fll, upper: upper, self: self, members: members, correct: correct}
}

// Crash must be wired from a failure detector; it removes p from the
// correct set, matching the source's intended (but mistyped) semantics.
func (r *ReadOneWriteAll) Crash(p types.Address) {
	r.mu.Lock()
	delete(r.correct, p)
	r.mu.Unlock()
}

func (r *ReadOneWriteAll) Write(value string) {
	r.mu.Lock()
	r.ts++
	ts := r.ts
	r.val = value
	r.writing = true
	r.acked = make(map[types.Address]bool)
	r.mu.Unlock()

	msg := rrMessage{Kind: "write", TS: ts, Value: value}
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	for _, p := range r.members.Members() {
		r.fll.Send(p, enc)
	}
	r.onAck(r.self)
}

// Read returns this process's local value with no timestamp. Kept for
// callers that do not need monotonic-read tracking; ONRRtoOOAR uses
// ReadTS instead so it can cache the highest timestamp ever observed.
func (r *ReadOneWriteAll) Read() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.val
}

// ReadTS returns this process's local (timestamp, value) pair.
func (r *ReadOneWriteAll) ReadTS() (uint64, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ts, r.val
}

func (r *ReadOneWriteAll) OnDeliver(from types.Address, payload []byte) {
	var msg rrMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	switch msg.Kind {
	case "write":
		r.mu.Lock()
		r.ts = msg.TS
		r.val = msg.Value
		r.mu.Unlock()
		ack, err := wire.Encode(rrMessage{Kind: "ack"})
		if err == nil {
			r.fll.Send(from, ack)
		}
	case "ack":
		r.onAck(from)
	}
}

func (r *ReadOneWriteAll) onAck(from types.Address) {
	r.mu.Lock()
	if !r.writing {
		r.mu.Unlock()
		return
	}
	if r.acked == nil {
		r.acked = make(map[types.Address]bool)
	}
	r.acked[from] = true
	done := true
	for p := range r.correct {
		if !r.acked[p] {
			done = false
			break
		}
	}
	if done {
		r.writing = false
	}
	r.mu.Unlock()
	if done {
		r.upper.OnWriteAck()
	}
}

// ---------------------------------------------------------------------
// Majority-voting regular register
// ---------------------------------------------------------------------

// MajorityVoting is the (1, N) regular register that tolerates up to a
// minority of crashes by requiring only a majority to ack a write, and
// resolving reads by a read/read-value round that returns the highest-
// timestamped value a majority reports.
//
// The source's upon_Write handler broadcasts `self.val` — whatever the
// register's local value happened to be before this write was applied —
// instead of `v`, the value just supplied to upon_Write. Every write
// through that path re-broadcasts the PREVIOUS value, one write behind.
// This port broadcasts the just-arrived value.
type MajorityVoting struct {
	fll     links.Link
	upper   Upper
	self    types.Address
	members types.Membership

	mu         sync.Mutex
	ts         uint64
	val        string
	writing    bool
	writeAcks  map[types.Address]bool
	reading    bool
	readID     uint64
	readAcks   map[types.Address]rrMessage
	curReadID  uint64
}

func NewMajorityVoting(fll links.Link, upper Upper, self types.Address, members types.Membership) *MajorityVoting {
	return &MajorityVoting{fll: fll, upper: upper, self: self, members: members}
}

func (m *MajorityVoting) Write(v string) {
	m.mu.Lock()
	m.ts++
	ts := m.ts
	m.val = v // fix: store the just-arrived value, not leave the prior one in place.
	m.writing = true
	m.writeAcks = make(map[types.Address]bool)
	m.mu.Unlock()

	msg := rrMessage{Kind: "write", TS: ts, Value: v} // fix: broadcast v, the new value, not the stale self.val.
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	for _, p := range m.members.Members() {
		m.fll.Send(p, enc)
	}
	m.onWriteAck(m.self)
}

func (m *MajorityVoting) Read() {
	m.mu.Lock()
	m.curReadID++
	m.reading = true
	m.readAcks = make(map[types.Address]rrMessage)
	m.mu.Unlock()

	msg := rrMessage{Kind: "read"}
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	for _, p := range m.members.Members() {
		m.fll.Send(p, enc)
	}
	m.onReadValue(m.self, m.localState())
}

func (m *MajorityVoting) localState() rrMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rrMessage{Kind: "read-value", TS: m.ts, Value: m.val}
}

func (m *MajorityVoting) OnDeliver(from types.Address, payload []byte) {
	var msg rrMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	switch msg.Kind {
	case "write":
		m.mu.Lock()
		if msg.TS > m.ts {
			m.ts = msg.TS
			m.val = msg.Value
		}
		m.mu.Unlock()
		ack, err := wire.Encode(rrMessage{Kind: "ack", TS: msg.TS})
		if err == nil {
			m.fll.Send(from, ack)
		}
	case "ack":
		m.onWriteAck(from)
	case "read":
		state := m.localState()
		enc, err := wire.Encode(state)
		if err == nil {
			m.fll.Send(from, enc)
		}
	case "read-value":
		m.onReadValue(from, msg)
	}
}

func (m *MajorityVoting) onWriteAck(from types.Address) {
	m.mu.Lock()
	if !m.writing {
		m.mu.Unlock()
		return
	}
	m.writeAcks[from] = true
	done := len(m.writeAcks) >= m.members.Majority()
	if done {
		m.writing = false
	}
	m.mu.Unlock()
	if done {
		m.upper.OnWriteAck()
	}
}

func (m *MajorityVoting) onReadValue(from types.Address, msg rrMessage) {
	m.mu.Lock()
	if !m.reading {
		m.mu.Unlock()
		return
	}
	m.readAcks[from] = msg
	if len(m.readAcks) < m.members.Majority() {
		m.mu.Unlock()
		return
	}
	m.reading = false
	var best rrMessage
	found := false
	for _, r := range m.readAcks {
		if !found || r.TS > best.TS {
			best = r
			found = true
		}
	}
	m.mu.Unlock()
	m.upper.OnReadReturn(best.Value)
}

// ---------------------------------------------------------------------
// ONRR -> (1,1) atomic register
// ---------------------------------------------------------------------

// ONRRtoOOAR lifts a (1, N) regular register into a (1, 1) atomic
// register by serializing writes through the single writer and caching
// the highest-timestamped (ts, val) pair this reader has ever observed —
// grounded on register.py's OneNRegularToOneOneAtomicRegister, whose
// upon_ReadReturn caches (ts, val) and always returns the cached val,
// rather than whatever the underlying regular register happens to hold
// locally at the moment of a given read. Without that cache, two reads
// in immediate succession could otherwise observe the inner register mid
// propagation and see an older value on the second read than the first,
// which a (1,1) atomic register must never allow.
type ONRRtoOOAR struct {
	inner interface {
		Write(string)
		ReadTS() (uint64, string)
	}

	mu       sync.Mutex
	cachedTS uint64
	cached   string
	seen     bool
}

func NewONRRtoOOAR(inner interface {
	Write(string)
	ReadTS() (uint64, string)
}) *ONRRtoOOAR {
	return &ONRRtoOOAR{inner: inner}
}

func (o *ONRRtoOOAR) Write(v string) { o.inner.Write(v) }

func (o *ONRRtoOOAR) Read() string {
	ts, val := o.inner.ReadTS()
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.seen || ts >= o.cachedTS {
		o.seen = true
		o.cachedTS = ts
		o.cached = val
	}
	return o.cached
}

// ---------------------------------------------------------------------
// OOAR -> (1,N) atomic register
// ---------------------------------------------------------------------

// OOARtoONAR is a (1, N) atomic register (many readers) built directly
// over links rather than over inner (1, 1) atomic register instances: the
// writer sends each write to every member, every reader broadcasts a read
// request that every member answers with its latest timestamped value,
// and the reader returns the highest-timestamp reply from a majority —
// completing the source's `...`-elided readlist
// fan-out with an explicit majority-quorum read round.
type OOARtoONAR struct {
	fll     links.Link
	upper   Upper
	self    types.Address
	members types.Membership

	mu       sync.Mutex
	ts       uint64
	val      string
	reading  bool
	readAcks map[types.Address]rrMessage
}

func NewOOARtoONAR(fll links.Link, upper Upper, self types.Address, members types.Membership) *OOARtoONAR {
	return &OOARtoONAR{fll: fll, upper: upper, self: self, members: members}
}

// WriterWrite is called only on the single designated writer process.
func (o *OOARtoONAR) WriterWrite(v string) {
	o.mu.Lock()
	o.ts++
	o.val = v
	ts := o.ts
	o.mu.Unlock()
	msg := rrMessage{Kind: "write", TS: ts, Value: v}
	enc, err := wire.Encode(msg)
	if err != nil {
		return
	}
	for _, p := range o.members.Members() {
		o.fll.Send(p, enc)
	}
}

func (o *OOARtoONAR) Read() {
	o.mu.Lock()
	o.reading = true
	o.readAcks = make(map[types.Address]rrMessage)
	o.mu.Unlock()

	req, err := wire.Encode(rrMessage{Kind: "read"})
	if err != nil {
		return
	}
	for _, p := range o.members.Members() {
		o.fll.Send(p, req)
	}
	o.onReadValue(o.self, o.localState())
}

func (o *OOARtoONAR) localState() rrMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return rrMessage{Kind: "read-value", TS: o.ts, Value: o.val}
}

func (o *OOARtoONAR) OnDeliver(from types.Address, payload []byte) {
	var msg rrMessage
	if err := wire.Decode(payload, &msg); err != nil {
		return
	}
	switch msg.Kind {
	case "write":
		o.mu.Lock()
		if msg.TS > o.ts {
			o.ts = msg.TS
			o.val = msg.Value
		}
		o.mu.Unlock()
	case "read":
		state := o.localState()
		enc, err := wire.Encode(state)
		if err == nil {
			o.fll.Send(from, enc)
		}
	case "read-value":
		o.onReadValue(from, msg)
	}
}

func (o *OOARtoONAR) onReadValue(from types.Address, msg rrMessage) {
	o.mu.Lock()
	if !o.reading {
		o.mu.Unlock()
		return
	}
	o.readAcks[from] = msg
	if len(o.readAcks) < o.members.Majority() {
		o.mu.Unlock()
		return
	}
	o.reading = false
	var best rrMessage
	found := false
	for _, r := range o.readAcks {
		if !found || r.TS > best.TS {
			best = r
			found = true
		}
	}
	if best.TS > o.ts {
		o.ts = best.TS
		o.val = best.Value
	}
	o.mu.Unlock()
	o.upper.OnReadReturn(best.Value)
}
