package leader_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coreset/rsdp/internal/leader"
	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/store"
	"github.com/coreset/rsdp/internal/types"
)

type trustSpy struct {
	mu      sync.Mutex
	trusted []types.Address
}

func (t *trustSpy) OnTrust(p types.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trusted = append(t.trusted, p)
}

func addrs(n int) []types.Address {
	out := make([]types.Address, n)
	for i := 0; i < n; i++ {
		out[i] = types.Address{Host: "10.0.0.4", Port: 5000 + i}
	}
	return out
}

func TestMonarchicalTrustsHighestRankedCorrectProcess(t *testing.T) {
	defer goleak.VerifyNone(t)

	all := addrs(3) // sorted by (host, port): index 2 has the highest rank
	self := all[0]
	members := types.NewMembership(self, all)
	sp := &trustSpy{}
	m := leader.NewMonarchical(self, members, sp, "p0")

	m.OnCrash(all[2])
	require.Len(t, sp.trusted, 1)
	assert.Equal(t, all[1], sp.trusted[0])
}

func TestMonarchicalEventualRevokesTrustOnRestore(t *testing.T) {
	defer goleak.VerifyNone(t)

	all := addrs(3)
	self := all[0]
	members := types.NewMembership(self, all)
	sp := &trustSpy{}
	m := leader.NewMonarchicalEventual(self, members, sp, "p0")

	m.OnCrash(all[2])
	require.Len(t, sp.trusted, 1)
	assert.Equal(t, all[1], sp.trusted[0])

	// Unlike Monarchical, a restored process must be trusted again once it
	// out-ranks everything else believed correct.
	m.OnRestore(all[2])
	require.Len(t, sp.trusted, 2)
	assert.Equal(t, all[2], sp.trusted[1])
}

type epochDeliverer interface {
	OnDeliver(from types.Address, payload []byte)
}

// epochFabric queues every Send onto a FIFO rather than delivering it
// immediately: ElectLowerEpoch broadcasts its nomination from inside its
// own constructor, before any other instance has registered, so delivery
// must be deferred and replayed with Drain once both ends exist.
type epochFabric struct {
	mu    sync.Mutex
	queue []epochEnvelope
	nodes map[types.Address]epochDeliverer
}

type epochEnvelope struct {
	to, from types.Address
	payload  []byte
}

func newEpochFabric() *epochFabric {
	return &epochFabric{nodes: make(map[types.Address]epochDeliverer)}
}

func (f *epochFabric) linkFor(self types.Address) *epochFabricLink {
	return &epochFabricLink{f: f, self: self}
}

func (f *epochFabric) register(addr types.Address, d epochDeliverer) {
	f.mu.Lock()
	f.nodes[addr] = d
	f.mu.Unlock()
}

func (f *epochFabric) drain() {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			return
		}
		env := f.queue[0]
		f.queue = f.queue[1:]
		target := f.nodes[env.to]
		f.mu.Unlock()
		if target != nil {
			target.OnDeliver(env.from, env.payload)
		}
	}
}

type epochFabricLink struct {
	f    *epochFabric
	self types.Address
}

func (l *epochFabricLink) Send(to types.Address, payload []byte) {
	l.f.mu.Lock()
	l.f.queue = append(l.f.queue, epochEnvelope{to: to, from: l.self, payload: payload})
	l.f.mu.Unlock()
}

// TestElectLowerEpochOutranksAPriorIncarnationAfterRestart pins the
// persisted epoch-bump semantics: a process that restarts over the same
// store directory must nominate itself at a strictly higher epoch than
// before. Lower epochs win, so after the restart the peer that never
// restarted (still at epoch 0) outranks the restarted process, even though
// the restarted process's higher address would win an epoch tie.
func TestElectLowerEpochOutranksAPriorIncarnationAfterRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	all := addrs(2)
	lo, hi := all[0], all[1] // hi has the higher address, winning epoch-0 ties
	f := newEpochFabric()

	membersLo := types.NewMembership(lo, all)
	membersHi := types.NewMembership(hi, all)

	s := sched.New()
	defer s.Stop()

	stLo, err := store.New(dir, "elect-lo")
	require.NoError(t, err)
	spLo := &trustSpy{}
	eLo, err := leader.NewElectLowerEpoch(lo, membersLo, f.linkFor(lo), spLo, stLo, s)
	require.NoError(t, err)
	f.register(lo, eLo)

	stHi, err := store.New(dir, "elect-hi")
	require.NoError(t, err)
	spHi := &trustSpy{}
	eHi, err := leader.NewElectLowerEpoch(hi, membersHi, f.linkFor(hi), spHi, stHi, s)
	require.NoError(t, err)
	f.register(hi, eHi)

	f.drain()

	// Both nominated at epoch 0; hi has the higher address, so the
	// spec's maximum-address tie-break makes lo's instance trust hi.
	require.NotEmpty(t, spLo.trusted)
	assert.Equal(t, hi, spLo.trusted[len(spLo.trusted)-1])

	// hi "restarts": a fresh instance over the same store directory must
	// persist and nominate at epoch 1, now strictly worse than lo's
	// still-epoch-0 nomination, so lo switches to trusting itself instead
	// of the freshly-restarted (and otherwise still address-winning) hi.
	stHiAgain, err := store.New(dir, "elect-hi")
	require.NoError(t, err)
	eHiB, err := leader.NewElectLowerEpoch(hi, membersHi, f.linkFor(hi), spHi, stHiAgain, s)
	require.NoError(t, err)
	f.register(hi, eHiB)

	f.drain()

	require.NotEmpty(t, spLo.trusted)
	assert.Equal(t, lo, spLo.trusted[len(spLo.trusted)-1])
}
