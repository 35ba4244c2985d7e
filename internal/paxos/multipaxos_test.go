package paxos_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coreset/rsdp/internal/links"
	"github.com/coreset/rsdp/internal/paxos"
	"github.com/coreset/rsdp/internal/types"
)

// mpDeliverer is the subset of *paxos.MultiPaxos a slot-routing fabric
// needs to hand off an inbound datagram.
type mpDeliverer interface {
	OnDeliver(slot uint64, from types.Address, payload []byte)
}

// mpFabric routes a Send on a given slot straight to the addressed
// peer's MultiPaxos.OnDeliver for that same slot, modeling one perfect
// link per slot without a socket.
type mpFabric struct {
	mu    sync.Mutex
	nodes map[types.Address]mpDeliverer
}

func (f *mpFabric) linkForSlot(self types.Address) func(slot uint64) links.Link {
	return func(slot uint64) links.Link {
		return paxosLink{f: f, self: self, slot: slot}
	}
}

type paxosLink struct {
	f    *mpFabric
	self types.Address
	slot uint64
}

func (l paxosLink) Send(to types.Address, payload []byte) {
	l.f.mu.Lock()
	target := l.f.nodes[to]
	l.f.mu.Unlock()
	if target != nil {
		target.OnDeliver(l.slot, l.self, payload)
	}
}

type slotDecisions struct {
	mu  sync.Mutex
	got map[uint64][]string
}

func newSlotDecisions() *slotDecisions { return &slotDecisions{got: make(map[uint64][]string)} }

func (d *slotDecisions) record(slot uint64, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got[slot] = append(d.got[slot], value)
}

func TestMultiPaxosDecidesEachSlotIndependently(t *testing.T) {
	defer goleak.VerifyNone(t)

	all := addrs(3)
	f := &mpFabric{nodes: make(map[types.Address]mpDeliverer)}
	var insts []*paxos.MultiPaxos
	var cols []*slotDecisions

	for _, self := range all {
		members := types.NewMembership(self, all)
		col := newSlotDecisions()
		cols = append(cols, col)
		mp := paxos.NewMultiPaxos(f.linkForSlot(self), self, members, self.String(), col.record)
		f.nodes[self] = mp
		insts = append(insts, mp)
	}

	// Two independent slots, each proposed on a different process, must
	// decide on their own value without interfering with each other.
	// The fabric's per-slot links keep each slot's Synod traffic apart.
	insts[0].Propose(0, "first-slot-value")
	insts[1].Propose(1, "second-slot-value")

	for i, col := range cols {
		require.Lenf(t, col.got[0], 1, "process %d slot 0 never decided", i)
		require.Lenf(t, col.got[1], 1, "process %d slot 1 never decided", i)
		assert.Equal(t, "first-slot-value", col.got[0][0])
		assert.Equal(t, "second-slot-value", col.got[1][0])
	}
}

func TestSlotChannelNamesAreDistinctPerSlot(t *testing.T) {
	a := paxos.SlotChannel("paxos", 0)
	b := paxos.SlotChannel("paxos", 1)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "paxos.slot-0", a)
	assert.Equal(t, "paxos.slot-1", b)
}
