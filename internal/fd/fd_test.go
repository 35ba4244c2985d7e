package fd

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

type discardLink struct{}

func (discardLink) Send(types.Address, []byte) {}

type upperSpy struct {
	mu       sync.Mutex
	crashed  []types.Address
	restored []types.Address
}

func (u *upperSpy) OnCrash(p types.Address) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.crashed = append(u.crashed, p)
}

func (u *upperSpy) OnRestore(p types.Address) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.restored = append(u.restored, p)
}

func addrs(n int) []types.Address {
	out := make([]types.Address, n)
	for i := 0; i < n; i++ {
		out[i] = types.Address{Host: "10.0.0.9", Port: 9000 + i}
	}
	return out
}

// TestPerfectDetectsOnceAndNeverRevokes drives the Perfect detector's
// timeout handler directly (rather than waiting on its real 10s period)
// so the timeout logic is exercised deterministically: a peer that never
// replies to a heartbeat request is declared crashed exactly once, and a
// late reply arriving afterward does not un-suspect it, matching
// ExcludeOnTimeout's permanent-suspicion semantics.
func TestPerfectDetectsOnceAndNeverRevokes(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := sched.New()
	defer s.Stop()

	members := addrs(2)
	up := &upperSpy{}
	p := NewPerfect(discardLink{}, up, s, members, "p0")

	p.onTimeout() // first round: nobody has replied yet, nothing crashed
	assert.Empty(t, up.crashed)

	p.onTimeout() // second round: still no reply, both now missed a window
	require.Len(t, up.crashed, len(members))

	// A reply arriving after the crash verdict must not undo it: Perfect
	// never raises OnRestore at all.
	p.OnDeliver(members[0], mustEncode(heartbeat{Kind: "reply"}))
	p.onTimeout()
	assert.Empty(t, up.restored)
}

// TestEventuallyPerfectRetractsSuspicionOnLateReply pins the revocable
// suspicion semantics of IncreasingTimeout: a peer suspected after a
// missed window is un-suspected the moment its reply arrives, and the
// detector's window grows so the same peer is not immediately suspected
// again on the next round.
func TestEventuallyPerfectRetractsSuspicionOnLateReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := sched.New()
	defer s.Stop()

	members := addrs(1)
	up := &upperSpy{}
	e := NewEventuallyPerfect(discardLink{}, up, s, members, "p0")
	before := e.delay

	e.onTimeout() // first round: still marked alive from construction, no suspicion yet
	assert.Empty(t, up.crashed)
	e.onTimeout() // second round: missed the whole window, now suspected
	require.Len(t, up.crashed, 1)
	assert.Equal(t, members[0], up.crashed[0])

	e.OnDeliver(members[0], mustEncode(heartbeat{Kind: "reply"}))
	require.Len(t, up.restored, 1)
	assert.Equal(t, members[0], up.restored[0])
	assert.Greater(t, e.delay, before)
}

func mustEncode(hb heartbeat) []byte {
	enc, err := wire.Encode(hb)
	if err != nil {
		panic(err)
	}
	return enc
}
