// Package stack builds one process's full module stack: it is the typed
// half of §4.1's interface registry, the part the Python source leaves to
// reflection (`implements`/`uses` decorators resolved at class-construction
// time by basic.py). Go has no equivalent reflection-driven attribute
// injection, so this package does by hand, with concrete constructors
// calling concrete constructors, what the source does by annotation —
// grounded on how pkg/mcast/core/peer.go's NewPeer wires a Transport, a
// Deliver, and an Invoker together explicitly rather than through a
// container.
package stack

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/coreset/rsdp/internal/broadcast"
	"github.com/coreset/rsdp/internal/consensus"
	"github.com/coreset/rsdp/internal/fd"
	"github.com/coreset/rsdp/internal/leader"
	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/logging"
	"github.com/coreset/rsdp/internal/paxos"
	"github.com/coreset/rsdp/internal/register"
	"github.com/coreset/rsdp/internal/registry"
	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/store"
	"github.com/coreset/rsdp/internal/transport"
	"github.com/coreset/rsdp/internal/types"
)

// Interface names recognized by the registry (§4.1's catalogue of
// abstract module interfaces).
const (
	IfaceStubbornLinks  = "StubbornLinks"
	IfacePerfectLinks    = "PerfectLinks"
	IfaceFailureDetector = "FailureDetector"
	IfaceLeaderDetector  = "LeaderDetector"
	IfaceBroadcast       = "Broadcast"
	IfaceConsensus       = "Consensus"

	ImplRetransmitForever = "retransmit-forever"
	ImplRetransmitWithACK = "retransmit-ack"

	ImplPerfect   = "plain"
	ImplLogged    = "logged"
	ImplFIFO      = "fifo"

	ImplFDPerfect            = "perfect"
	ImplFDEventuallyPerfect  = "eventually-perfect"

	ImplLeaderMonarchical          = "monarchical"
	ImplLeaderMonarchicalEventual  = "monarchical-eventual"
	ImplLeaderElectLowerEpoch      = "elect-lower-epoch"

	ImplBroadcastBestEffort     = "best-effort"
	ImplBroadcastLazyReliable   = "lazy-reliable"
	ImplBroadcastEagerReliable  = "eager-reliable"
	ImplBroadcastAllAckUniform  = "all-ack-uniform"
	ImplBroadcastMajorityUniform = "majority-ack-uniform"

	ImplConsensusFlooding            = "flooding"
	ImplConsensusFloodingUniform     = "flooding-uniform"
	ImplConsensusHierarchical        = "hierarchical"
	ImplConsensusHierarchicalUniform = "hierarchical-uniform"
	ImplConsensusLeaderDriven        = "leader-driven"
)

// NewRegistry returns a registry pre-populated with every candidate
// implementation this stack knows how to build, per §4.1.
func NewRegistry() *registry.Registry {
	r := registry.New()
	r.Register(IfaceStubbornLinks, ImplRetransmitForever)
	r.Register(IfaceStubbornLinks, ImplRetransmitWithACK)
	r.Register(IfacePerfectLinks, ImplPerfect)
	r.Register(IfacePerfectLinks, ImplLogged)
	r.Register(IfacePerfectLinks, ImplFIFO)
	r.Register(IfaceFailureDetector, ImplFDPerfect)
	r.Register(IfaceFailureDetector, ImplFDEventuallyPerfect)
	r.Register(IfaceLeaderDetector, ImplLeaderMonarchical)
	r.Register(IfaceLeaderDetector, ImplLeaderMonarchicalEventual)
	r.Register(IfaceLeaderDetector, ImplLeaderElectLowerEpoch)
	r.Register(IfaceBroadcast, ImplBroadcastBestEffort)
	r.Register(IfaceBroadcast, ImplBroadcastLazyReliable)
	r.Register(IfaceBroadcast, ImplBroadcastEagerReliable)
	r.Register(IfaceBroadcast, ImplBroadcastAllAckUniform)
	r.Register(IfaceBroadcast, ImplBroadcastMajorityUniform)
	r.Register(IfaceConsensus, ImplConsensusFlooding)
	r.Register(IfaceConsensus, ImplConsensusFloodingUniform)
	r.Register(IfaceConsensus, ImplConsensusHierarchical)
	r.Register(IfaceConsensus, ImplConsensusHierarchicalUniform)
	r.Register(IfaceConsensus, ImplConsensusLeaderDriven)
	return r
}

// Config selects, per interface, which concrete implementation a Process
// should build — the run-time equivalent of the source's single
// hardcoded ifconf.py mapping, generalized to a per-run choice.
type Config struct {
	Self       types.Address
	Members    types.Membership
	StoreDir   string
	StubbornLinks  string
	PerfectLinks   string
	FailureDetector string
	LeaderDetector  string
	Broadcast       string
	Consensus       string
	Proposal        string
}

// Process is one wired node: links, failure detector, leader detector,
// broadcast, consensus and a Synod instance, built according to Config
// and connected exactly once. Build leaves the RWR and MVR fields nil.
type Process struct {
	Log       logging.Logger
	Sched     *sched.Scheduler
	Transport *transport.UDP

	FairLoss    *links.FairLoss
	Stubborn    links.Link
	Perfect     links.Link

	FD     interface{}
	Leader interface{}
	BEB    *broadcast.BestEffort
	Bcast  interface{ Broadcast([]byte) }
	Cons   interface{ Propose(string) }

	Synod       *paxos.Synod
	EpochChange *consensus.EpochChange
	RWR         *register.ReadOneWriteAll
	MVR         *register.MajorityVoting
}

// deliverBridge adapts a plain function to links.Deliverer without
// pulling every layer into one giant switch.
type deliverBridge func(from types.Address, payload []byte)

func (d deliverBridge) OnDeliver(from types.Address, payload []byte) { d(from, payload) }

// Build constructs a Process per cfg, consulting reg to validate every
// chosen implementation name is an actual registered candidate before
// wiring it — an unresolved or invalid choice is a fatal, stack-
// construction-time error per §7.
func Build(cfg Config, reg *registry.Registry, log logging.Logger, consensusUpper consensus.Upper) (*Process, error) {
	if err := bindAll(cfg, reg); err != nil {
		return nil, err
	}

	s := sched.New()
	tr, err := transport.NewUDP(cfg.Self, s, log)
	if err != nil {
		return nil, err
	}

	p := &Process{Log: log, Sched: s, Transport: tr}

	// §4.4 link hierarchy: fair-loss -> stubborn -> perfect. Each layer's
	// upward Deliver closes over p and reads the next field lazily, so
	// the fields below must all be assigned before any datagram can
	// arrive; that holds because no peer addresses this process until
	// its own Build has returned, mirroring §5's "every layer's Init
	// completes before the first Receive" ordering.
	fll := links.NewFairLoss("fll", tr, deliverBridge(func(from types.Address, payload []byte) {
		p.Stubborn.(links.Deliverer).OnDeliver(from, payload)
	}))
	p.FairLoss = fll

	var sl links.Link
	var slDeliverer links.Deliverer
	switch cfg.StubbornLinks {
	case ImplRetransmitWithACK:
		r := links.NewRetransmitWithACK(fll, deliverBridge(func(from types.Address, payload []byte) {
			p.Perfect.(links.Deliverer).OnDeliver(from, payload)
		}), s)
		sl, slDeliverer = r, r
	default:
		r := links.NewRetransmitForever(fll, deliverBridge(func(from types.Address, payload []byte) {
			p.Perfect.(links.Deliverer).OnDeliver(from, payload)
		}), s)
		sl, slDeliverer = r, r
	}
	p.Stubborn = wrapLink{send: sl.Send, deliver: slDeliverer}

	plUpper := deliverBridge(func(from types.Address, payload []byte) {
		// Perfect links carry the best-effort broadcast built over them
		// below; the other modules that need point-to-point delivery
		// register their own channel on the transport.
		if p.BEB != nil {
			p.BEB.OnDeliver(from, payload)
		}
	})

	var pl links.Link
	switch cfg.PerfectLinks {
	case ImplLogged:
		st, err := store.New(cfg.StoreDir, "logged-links")
		if err != nil {
			return nil, err
		}
		lp, err := links.NewLoggedPerfect(sl, plUpper, st, cfg.Self.String())
		if err != nil {
			return nil, err
		}
		pl = lp
	case ImplFIFO:
		var fifo *links.FIFO
		base := links.NewPerfect(sl, deliverBridge(func(from types.Address, payload []byte) {
			fifo.OnDeliver(from, payload)
		}), cfg.Self.String())
		fifo = links.NewFIFO(base, plUpper)
		pl = wrapLink{send: fifo.Send, deliver: base}
	default:
		pl = links.NewPerfect(sl, plUpper, cfg.Self.String())
	}
	p.Perfect = pl

	// §4.5 failure detection, over fair-loss links directly, on its own
	// channel: fll's one upward Deliver already goes to p.Stubborn.
	fdFll := links.NewFairLoss("fd", tr, deliverBridge(func(from types.Address, payload []byte) {
		p.FD.(links.Deliverer).OnDeliver(from, payload)
	}))
	switch cfg.FailureDetector {
	case ImplFDEventuallyPerfect:
		p.FD = fd.NewEventuallyPerfect(fdFll, fdUpperFor(p), s, cfg.Members.Members(), cfg.Self.String())
	default:
		p.FD = fd.NewPerfect(fdFll, fdUpperFor(p), s, cfg.Members.Members(), cfg.Self.String())
	}

	// §4.6 leader election, wired over the chosen failure detector.
	switch cfg.LeaderDetector {
	case ImplLeaderMonarchicalEventual:
		p.Leader = leader.NewMonarchicalEventual(cfg.Self, cfg.Members, leaderUpperFor(p), cfg.Self.String())
	case ImplLeaderElectLowerEpoch:
		st, err := store.New(cfg.StoreDir, "elect-epoch")
		if err != nil {
			return nil, err
		}
		// Its own channel, same reasoning as Synod/LeaderDriven/EpochChange
		// below: fll's one upward Deliver already goes to p.Stubborn.
		elFll := links.NewFairLoss("elect-lower-epoch", tr, deliverBridge(func(from types.Address, payload []byte) {
			p.Leader.(*leader.ElectLowerEpoch).OnDeliver(from, payload)
		}))
		el, err := leader.NewElectLowerEpoch(cfg.Self, cfg.Members, elFll, leaderUpperFor(p), st, s)
		if err != nil {
			return nil, err
		}
		p.Leader = el
	default:
		p.Leader = leader.NewMonarchical(cfg.Self, cfg.Members, leaderUpperFor(p), cfg.Self.String())
	}

	// §4.4 broadcast family, built over perfect links.
	beb := broadcast.NewBestEffort(pl, bebUpperFor(p), cfg.Members, cfg.Self.String())
	p.BEB = beb
	switch cfg.Broadcast {
	case ImplBroadcastLazyReliable:
		p.Bcast = broadcast.NewLazyReliable(beb, broadcastUpperFor(p), cfg.Self, cfg.Self.String())
	case ImplBroadcastEagerReliable:
		p.Bcast = broadcast.NewEagerReliable(beb, broadcastUpperFor(p), cfg.Self)
	case ImplBroadcastAllAckUniform:
		p.Bcast = broadcast.NewAllAckUniform(beb, broadcastUpperFor(p), cfg.Self, cfg.Members)
	case ImplBroadcastMajorityUniform:
		p.Bcast = broadcast.NewMajorityAckUniform(beb, broadcastUpperFor(p), cfg.Self, cfg.Members)
	default:
		p.Bcast = beb
	}

	// §4.4 consensus family, built over the chosen broadcast primitive.
	switch cfg.Consensus {
	case ImplConsensusFloodingUniform:
		fu := consensus.NewFloodingUniform(consensusBroadcasterFor(p), consensusUpper, cfg.Self, cfg.Members, cfg.Proposal, cfg.Self.String())
		p.Cons = proposeAdapter{start: func(string) { /* flooding starts immediately at construction */ }, inner: fu}
	case ImplConsensusHierarchical:
		h := consensus.NewHierarchical(consensusBroadcasterFor(p), consensusUpper, cfg.Self, cfg.Members, cfg.Proposal, cfg.Self.String())
		p.Cons = proposeAdapter{start: func(string) {}, inner: h}
	case ImplConsensusHierarchicalUniform:
		h := consensus.NewHierarchicalUniform(consensusBroadcasterFor(p), consensusUpper, cfg.Self, cfg.Members, cfg.Proposal, cfg.Self.String())
		p.Cons = proposeAdapter{start: func(string) {}, inner: h}
	case ImplConsensusLeaderDriven:
		// LeaderDriven and the EpochChange instance that drives it each need
		// their own point-to-point channel on the shared transport: a
		// FairLoss instance forwards inbound datagrams to exactly one
		// Deliverer, so the three of fll/stubborn's channel, Synod's, and
		// this pair cannot share "fll" without one silently swallowing the
		// others' traffic.
		ldFll := links.NewFairLoss("leader-driven", tr, deliverBridge(func(from types.Address, payload []byte) {
			p.Cons.(*consensus.LeaderDriven).OnDeliver(from, payload)
		}))
		ld := consensus.NewLeaderDriven(ldFll, cfg.Self, cfg.Members, consensusUpper, cfg.Self.String())
		p.Cons = ld

		ecFll := links.NewFairLoss("epoch-change", tr, deliverBridge(func(from types.Address, payload []byte) {
			p.EpochChange.OnDeliver(from, payload)
		}))
		p.EpochChange = consensus.NewEpochChange(ecFll, ld, cfg.Self, cfg.Members, cfg.Self.String())
	default:
		f := consensus.NewFlooding(consensusBroadcasterFor(p), consensusUpper, cfg.Self, cfg.Members, cfg.Proposal, cfg.Self.String())
		p.Cons = proposeAdapter{start: func(string) {}, inner: f}
	}

	// §4.7/§4.8 Paxos is built directly rather than through the interface
	// registry, since the book treats it as an alternative consensus
	// realization, not a single per-process slot. Build does not construct
	// the §4.10 registers: Process.RWR and Process.MVR stay nil.
	// Synod gets its own channel for the same reason
	// LeaderDriven/EpochChange do above: it needs its own inbound Deliver
	// path rather than sharing fll's, which already goes to p.Stubborn.
	synodFll := links.NewFairLoss("synod", tr, deliverBridge(func(from types.Address, payload []byte) {
		p.Synod.OnDeliver(from, payload)
	}))
	p.Synod = paxos.NewSynod(synodFll, consensusUpper, cfg.Self, cfg.Members, cfg.Self.String())

	return p, nil
}

// bindAll validates every non-empty Config selection against reg,
// collecting every invalid choice rather than stopping at the first, so
// a caller fixing a bad stack config sees every mistake in one pass.
func bindAll(cfg Config, reg *registry.Registry) error {
	bindings := map[string]string{
		IfaceStubbornLinks:  cfg.StubbornLinks,
		IfacePerfectLinks:   cfg.PerfectLinks,
		IfaceFailureDetector: cfg.FailureDetector,
		IfaceLeaderDetector:  cfg.LeaderDetector,
		IfaceBroadcast:       cfg.Broadcast,
		IfaceConsensus:       cfg.Consensus,
	}
	var result *multierror.Error
	for iface, impl := range bindings {
		if impl == "" {
			continue
		}
		if err := reg.Bind(iface, impl); err != nil {
			result = multierror.Append(result, fmt.Errorf("stack: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// wrapLink adapts a (Send func, Deliverer) pair into a links.Link, used
// where a layer's own Link method set does not directly expose the
// wrapper's Send (e.g. FIFO perfect links send through FIFO, which wraps
// Perfect's Send, while inbound traffic enters at the Perfect link beneath
// it).
type wrapLink struct {
	send    func(to types.Address, payload []byte)
	deliver links.Deliverer
}

func (w wrapLink) Send(to types.Address, payload []byte) { w.send(to, payload) }
func (w wrapLink) OnDeliver(from types.Address, payload []byte) {
	w.deliver.OnDeliver(from, payload)
}

// proposeAdapter gives the single-shot consensus constructions (which
// decide on the value passed to their constructor) a Propose method so
// callers can treat every consensus family uniformly; calling it after
// construction is a no-op since the proposal was already made.
type proposeAdapter struct {
	start func(string)
	inner interface{}
}

func (p proposeAdapter) Propose(v string) { p.start(v) }

// OnBroadcastDeliver and OnCrash forward to the wrapped instance, so the
// broadcast and failure-detector proxies reach it through p.Cons.
func (p proposeAdapter) OnBroadcastDeliver(from types.Address, payload []byte) {
	if d, ok := p.inner.(interface{ OnBroadcastDeliver(types.Address, []byte) }); ok {
		d.OnBroadcastDeliver(from, payload)
	}
}

func (p proposeAdapter) OnCrash(addr types.Address) {
	if c, ok := p.inner.(interface{ OnCrash(types.Address) }); ok {
		c.OnCrash(addr)
	}
}

func fdUpperFor(p *Process) fd.Upper { return fdUpper{p} }

type fdUpper struct{ p *Process }

func (f fdUpper) OnCrash(addr types.Address) {
	if l, ok := f.p.Leader.(interface{ OnCrash(types.Address) }); ok {
		l.OnCrash(addr)
	}
	if b, ok := f.p.Bcast.(interface{ OnCrash(types.Address) }); ok {
		b.OnCrash(addr)
	}
	if c, ok := f.p.Cons.(interface{ OnCrash(types.Address) }); ok {
		c.OnCrash(addr)
	}
}
func (f fdUpper) OnRestore(addr types.Address) {
	if l, ok := f.p.Leader.(interface{ OnRestore(types.Address) }); ok {
		l.OnRestore(addr)
	}
}

func leaderUpperFor(p *Process) leader.Upper { return leaderUpper{p} }

type leaderUpper struct{ p *Process }

func (l leaderUpper) OnTrust(addr types.Address) {
	if l.p.EpochChange != nil {
		l.p.EpochChange.OnTrust(addr)
	}
}

func broadcastUpperFor(p *Process) broadcast.Upper { return broadcastUpper{p} }

type broadcastUpper struct{ p *Process }

func (b broadcastUpper) OnBroadcastDeliver(from types.Address, payload []byte) {
	if c, ok := b.p.Cons.(interface{ OnBroadcastDeliver(types.Address, []byte) }); ok {
		c.OnBroadcastDeliver(from, payload)
	}
}

func bebUpperFor(p *Process) broadcast.Upper { return bebUpper{p} }

type bebUpper struct{ p *Process }

// OnBroadcastDeliver feeds an inbound best-effort delivery to whichever
// reliable or uniform broadcast layer wraps this process's BestEffort
// instance. Without this indirection beb's upper would have to be fixed
// at construction time, before the wrapping layer (which itself takes
// beb as a constructor argument) exists; routing through p.Bcast at
// call time, once Build has finished wiring every layer, breaks that
// ordering cycle. When no such layer is configured (bare best-effort
// broadcast), deliveries go straight to consensus instead.
func (u bebUpper) OnBroadcastDeliver(from types.Address, payload []byte) {
	if _, bare := u.p.Bcast.(*broadcast.BestEffort); bare || u.p.Bcast == nil {
		broadcastUpperFor(u.p).OnBroadcastDeliver(from, payload)
		return
	}
	if w, ok := u.p.Bcast.(interface{ OnBroadcastDeliver(types.Address, []byte) }); ok {
		w.OnBroadcastDeliver(from, payload)
	}
}

func consensusBroadcasterFor(p *Process) consensus.Broadcaster {
	return consensusBroadcaster{p}
}

type consensusBroadcaster struct{ p *Process }

func (c consensusBroadcaster) Broadcast(payload []byte) { c.p.Bcast.Broadcast(payload) }
