// Package fd implements the failure detectors of §4.5: Perfect Failure
// Detection (ExcludeOnTimeout) and Eventually Perfect Failure Detection
// (IncreasingTimeout), both running directly over fair-loss links with
// their own heartbeat request/reply exchange, per fd.py in
// original_source/.
package fd

import (
	"sync"
	"time"

	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/metrics"
	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// Upper receives Crash and Restore indications.
type Upper interface {
	OnCrash(p types.Address)
	OnRestore(p types.Address)
}

type heartbeat struct {
	Kind string // "request" or "reply"
}

// ---------------------------------------------------------------------
// §4.5.1 Perfect failure detection — ExcludeOnTimeout
// ---------------------------------------------------------------------

// DefaultTimeout is the heartbeat period of ExcludeOnTimeout (§4.5.1).
const DefaultTimeout = 10 * time.Second

// Perfect assumes a synchronous system: once a peer misses one heartbeat
// window it is declared crashed, permanently (no Restore is ever raised).
type Perfect struct {
	fll     links.Link
	upper   Upper
	sched   *sched.Scheduler
	proc    string
	timeout time.Duration

	mu       sync.Mutex
	alive    map[types.Address]bool
	detected map[types.Address]bool
	members  []types.Address
}

// NewPerfect wires a Perfect failure detector over fll, covering members,
// and arms its first heartbeat round immediately.
func NewPerfect(fll links.Link, upper Upper, s *sched.Scheduler, members []types.Address, proc string) *Perfect {
	p := &Perfect{
		fll: fll, upper: upper, sched: s, proc: proc, timeout: DefaultTimeout,
		alive:    make(map[types.Address]bool),
		detected: make(map[types.Address]bool),
		members:  append([]types.Address(nil), members...),
	}
	for _, m := range members {
		p.alive[m] = true
	}
	s.PostAfter(p.timeout, p.onTimeout)
	return p
}

func (p *Perfect) OnDeliver(from types.Address, payload []byte) {
	var hb heartbeat
	if err := wire.Decode(payload, &hb); err != nil {
		return
	}
	switch hb.Kind {
	case "request":
		reply, err := wire.Encode(heartbeat{Kind: "reply"})
		if err == nil {
			p.fll.Send(from, reply)
		}
	case "reply":
		p.mu.Lock()
		p.alive[from] = true
		p.mu.Unlock()
	}
}

func (p *Perfect) onTimeout() {
	p.mu.Lock()
	var crashed []types.Address
	for _, m := range p.members {
		if !p.alive[m] && !p.detected[m] {
			p.detected[m] = true
			crashed = append(crashed, m)
		}
		p.alive[m] = false
	}
	p.mu.Unlock()

	req, err := wire.Encode(heartbeat{Kind: "request"})
	if err == nil {
		for _, m := range p.members {
			p.fll.Send(m, req)
		}
	}
	for _, m := range crashed {
		metrics.Default().CrashesDetected.WithLabelValues(p.proc).Inc()
		p.upper.OnCrash(m)
	}
	p.sched.PostAfter(p.timeout, p.onTimeout)
}

// ---------------------------------------------------------------------
// §4.5.2 Eventually perfect failure detection — IncreasingTimeout
// ---------------------------------------------------------------------

// DefaultDelay0 is the initial heartbeat period of IncreasingTimeout
// (§4.5.2); it only ever grows, never shrinks.
const DefaultDelay0 = 3 * time.Second

// EventuallyPerfect suspects eagerly on a missed heartbeat window but
// retracts the suspicion the moment a late reply arrives, growing the
// window so the same peer is not repeatedly wrongly suspected.
type EventuallyPerfect struct {
	fll     links.Link
	upper   Upper
	sched   *sched.Scheduler
	proc    string
	delay   time.Duration

	mu        sync.Mutex
	alive     map[types.Address]bool
	suspected map[types.Address]bool
	members   []types.Address
}

func NewEventuallyPerfect(fll links.Link, upper Upper, s *sched.Scheduler, members []types.Address, proc string) *EventuallyPerfect {
	e := &EventuallyPerfect{
		fll: fll, upper: upper, sched: s, proc: proc, delay: DefaultDelay0,
		alive:     make(map[types.Address]bool),
		suspected: make(map[types.Address]bool),
		members:   append([]types.Address(nil), members...),
	}
	for _, m := range members {
		e.alive[m] = true
	}
	s.PostAfter(e.delay, e.onTimeout)
	return e
}

func (e *EventuallyPerfect) OnDeliver(from types.Address, payload []byte) {
	var hb heartbeat
	if err := wire.Decode(payload, &hb); err != nil {
		return
	}
	switch hb.Kind {
	case "request":
		reply, err := wire.Encode(heartbeat{Kind: "reply"})
		if err == nil {
			e.fll.Send(from, reply)
		}
	case "reply":
		e.mu.Lock()
		wasSuspected := e.suspected[from]
		if wasSuspected {
			// Grow the timeout: this peer was wrongly suspected, so the
			// current window is too aggressive (§4.5.2).
			e.delay += DefaultDelay0
			delete(e.suspected, from)
		}
		e.alive[from] = true
		e.mu.Unlock()
		if wasSuspected {
			e.upper.OnRestore(from)
		}
	}
}

func (e *EventuallyPerfect) onTimeout() {
	e.mu.Lock()
	var newlySuspected []types.Address
	for _, m := range e.members {
		if !e.alive[m] && !e.suspected[m] {
			e.suspected[m] = true
			newlySuspected = append(newlySuspected, m)
		}
		e.alive[m] = false
	}
	e.mu.Unlock()

	req, err := wire.Encode(heartbeat{Kind: "request"})
	if err == nil {
		for _, m := range e.members {
			e.fll.Send(m, req)
		}
	}
	for _, m := range newlySuspected {
		metrics.Default().CrashesDetected.WithLabelValues(e.proc).Inc()
		e.upper.OnCrash(m)
	}
	e.sched.PostAfter(e.delay, e.onTimeout)
}
