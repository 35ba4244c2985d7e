package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast([]byte) {}

type fifoCollector struct {
	got []string
}

func (f *fifoCollector) OnOrderedDeliver(from types.Address, payload []byte) {
	f.got = append(f.got, string(payload))
}

func TestFIFOWithholdsOutOfOrderArrivalsPerSender(t *testing.T) {
	defer goleak.VerifyNone(t)

	col := &fifoCollector{}
	f := NewFIFO(noopBroadcaster{}, col)
	sender := types.Address{Host: "10.0.0.7", Port: 1000}

	encode := func(seq uint64, payload string) []byte {
		enc, err := wire.Encode(fifoFrame{Seq: seq, Payload: []byte(payload)})
		require.NoError(t, err)
		return enc
	}

	// Seq 1 arrives before seq 0: it must be withheld until 0 shows up.
	f.OnBroadcastDeliver(sender, encode(1, "b"))
	assert.Empty(t, col.got)

	f.OnBroadcastDeliver(sender, encode(0, "a"))
	require.Len(t, col.got, 2)
	assert.Equal(t, []string{"a", "b"}, col.got)
}
