package gossip_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coreset/rsdp/internal/gossip"
	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/types"
)

type pointDeliverer interface {
	OnDeliver(from types.Address, payload []byte)
}

// fanout is a synchronous point-to-point test double: Send hands the
// payload straight to the named recipient's OnDeliver, modeling a
// fair-loss link that never drops or reorders.
type fanout struct {
	mu    sync.Mutex
	self  types.Address
	nodes map[types.Address]pointDeliverer
}

func newFanout(self types.Address) *fanout {
	return &fanout{self: self, nodes: make(map[types.Address]pointDeliverer)}
}

func (f *fanout) register(addr types.Address, d pointDeliverer) {
	f.mu.Lock()
	f.nodes[addr] = d
	f.mu.Unlock()
}

func (f *fanout) Send(to types.Address, payload []byte) {
	f.mu.Lock()
	d, ok := f.nodes[to]
	f.mu.Unlock()
	if ok {
		d.OnDeliver(f.self, payload)
	}
}

type gossipCollector struct {
	mu  sync.Mutex
	got []string
}

func (g *gossipCollector) OnGossipDeliver(from types.Address, payload []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.got = append(g.got, string(payload))
}

func addrs(n int) []types.Address {
	out := make([]types.Address, n)
	for i := 0; i < n; i++ {
		out[i] = types.Address{Host: "10.0.0.8", Port: 4000 + i}
	}
	return out
}

// With exactly DefaultFanout (3) members, sample(members, 3) always
// returns the full membership, so Eager's flood is deterministic rather
// than depending on rand.Perm's draw.
func TestEagerFloodsAllMembersExactlyOnceWhenMembershipFitsTheFanout(t *testing.T) {
	defer goleak.VerifyNone(t)

	all := addrs(gossip.DefaultFanout)
	links := make([]*fanout, len(all))
	for i, self := range all {
		links[i] = newFanout(self)
	}

	var cols []*gossipCollector
	var insts []*gossip.Eager
	for i, self := range all {
		members := types.NewMembership(self, all)
		col := &gossipCollector{}
		cols = append(cols, col)
		insts = append(insts, gossip.NewEager(links[i], col, self, members, self.String()))
	}
	for i := range all {
		for j, addr := range all {
			links[i].register(addr, insts[j])
		}
	}

	insts[0].Broadcast([]byte("epidemic"))

	for i, col := range cols {
		require.Lenf(t, col.got, 1, "process %d", i)
		assert.Equal(t, "epidemic", col.got[0])
	}
}

// Broadcast always delivers to the broadcaster itself immediately,
// regardless of which random ALPHA-fraction of the membership the
// direct push happens to land on.
func TestLazyBroadcastDeliversToTheBroadcasterItself(t *testing.T) {
	defer goleak.VerifyNone(t)

	self, peer := addrs(2)[0], addrs(2)[1]
	members := types.NewMembership(self, []types.Address{self, peer})

	s := sched.New()
	defer s.Stop()

	pl := newFanout(self)
	col := &gossipCollector{}
	l := gossip.NewLazy(pl, col, s, self, members, self.String())

	l.Broadcast([]byte("lazy-push"))

	require.Len(t, col.got, 1)
	assert.Equal(t, "lazy-push", col.got[0])
}

