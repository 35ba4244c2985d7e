package gossip

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

// capturingLink records every outbound send instead of delivering it,
// so a test can inspect exactly what a pull recovery sent without
// needing a second live Lazy instance on the other end.
type capturingLink struct {
	mu   sync.Mutex
	sent []struct {
		to      types.Address
		payload []byte
	}
}

func (c *capturingLink) Send(to types.Address, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, struct {
		to      types.Address
		payload []byte
	}{to, payload})
}

type gossipCollectorInternal struct {
	got []string
}

func (g *gossipCollectorInternal) OnGossipDeliver(from types.Address, payload []byte) {
	g.got = append(g.got, string(payload))
}

// A push for seq 1 arriving before seq 0 opens a gap; tryPull (invoked
// directly here instead of through the real DefaultGap timer) must ask
// every member for the missing seq, and a pull-reply carrying it must
// then deliver it upward exactly once.
func TestLazyPullRecoversAGapAfterATimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	self := types.Address{Host: "10.0.0.10", Port: 5000}
	sender := types.Address{Host: "10.0.0.10", Port: 5001}
	members := types.NewMembership(self, []types.Address{self, sender})

	s := sched.New()
	defer s.Stop()

	link := &capturingLink{}
	col := &gossipCollectorInternal{}
	l := NewLazy(link, col, s, self, members, self.String())

	push1, err := wire.Encode(lazyFrame{Kind: "push", Sender: sender, Seq: 1, Payload: []byte("second")})
	require.NoError(t, err)
	l.OnDeliver(sender, push1)

	// seq 1 delivers immediately since nothing else is pending ahead of
	// it in this buffer-less push path; seq 0's absence is what opens
	// the gap that arms a pull.
	require.Len(t, col.got, 1)
	assert.Equal(t, "second", col.got[0])

	l.mu.Lock()
	_, armed := l.pending[sender][0]
	l.mu.Unlock()
	require.True(t, armed, "missing seq 0 must have armed a pull")

	l.tryPull(sender, 0)

	link.mu.Lock()
	require.Len(t, link.sent, len(members.Members()))
	var req lazyFrame
	require.NoError(t, wire.Decode(link.sent[0].payload, &req))
	link.mu.Unlock()
	assert.Equal(t, "pull-request", req.Kind)
	assert.Equal(t, sender, req.Sender)
	assert.EqualValues(t, 0, req.Seq)

	reply, err := wire.Encode(lazyFrame{Kind: "pull-reply", Sender: sender, Seq: 0, Payload: []byte("first"), Found: true})
	require.NoError(t, err)
	l.OnDeliver(sender, reply)

	require.Len(t, col.got, 2)
	assert.Equal(t, "first", col.got[1])
}

// A duplicate delivery of the same (sender, seq) push, as a retransmit
// over an unreliable link might produce, must not deliver upward twice.
func TestLazyOnDeliverDedupesARepeatedPush(t *testing.T) {
	defer goleak.VerifyNone(t)

	self := types.Address{Host: "10.0.0.11", Port: 6000}
	sender := types.Address{Host: "10.0.0.11", Port: 6001}
	members := types.NewMembership(self, []types.Address{self, sender})

	s := sched.New()
	defer s.Stop()

	link := &capturingLink{}
	col := &gossipCollectorInternal{}
	l := NewLazy(link, col, s, self, members, self.String())

	push, err := wire.Encode(lazyFrame{Kind: "push", Sender: sender, Seq: 0, Payload: []byte("once")})
	require.NoError(t, err)
	l.OnDeliver(sender, push)
	l.OnDeliver(sender, push)

	require.Len(t, col.got, 1)
	assert.Equal(t, "once", col.got[0])
}
