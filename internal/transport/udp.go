// Package transport implements the datagram transport adapter of §4.2: an
// unreliable-datagram endpoint shared by every link leaf in a process's
// stack, demultiplexing inbound datagrams by channel name and injecting
// random delay on both send and receive to model network asynchrony.
//
// Grounded on pkg/mcast/core/transport.go's ReliableTransport: a named
// struct wrapping the concrete socket, a registration map from channel name
// to handler, a background poll goroutine, and Close() tearing both down.
// The teacher layers its own reliable transport (relt) over a socket; this
// package instead IS the raw fair-loss socket §4.4.1 sits on top of, since
// relt cannot be fetched (see DESIGN.md) and the spec calls for exactly this
// abstraction directly.
package transport

import (
	"net"
	"sync"
	"time"

	"math/rand"

	"github.com/coreset/rsdp/internal/logging"
	"github.com/coreset/rsdp/internal/sched"
	"github.com/coreset/rsdp/internal/types"
	"github.com/coreset/rsdp/internal/wire"
)

// DefaultDelayMax is the default upper bound for the uniform random delay
// applied to every send and every delivery (§4.2).
const DefaultDelayMax = 2 * time.Second

// Handler receives datagrams demultiplexed to its registered channel.
type Handler interface {
	OnDatagram(from types.Address, payload []byte)
}

// Sender pushes an encoded payload to a peer over the channel it was
// returned for.
type Sender func(payload []byte, peer types.Address)

// Datagram is the abstract "unreliable datagram endpoint" collaborator that
// §1 carves out of the core's scope; UDP implements it directly.
type Datagram interface {
	Register(channel string, h Handler) Sender
	LocalAddr() types.Address
	Close() error
}

// UDP is a Datagram backed by a real net.UDPConn.
type UDP struct {
	conn     *net.UDPConn
	self     types.Address
	delayMax time.Duration
	log      logging.Logger
	sched    *sched.Scheduler

	mu       sync.RWMutex
	handlers map[string]Handler

	closed chan struct{}
	once   sync.Once
}

// NewUDP opens a UDP socket bound to self and starts its receive loop.
// The scheduler passed in is the process-wide cooperative loop; all
// deliveries are posted onto it rather than invoked from the network
// goroutine, preserving the single-threaded handler guarantee of §5.
func NewUDP(self types.Address, s *sched.Scheduler, log logging.Logger) (*UDP, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(self.Host), Port: self.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	u := &UDP{
		conn:     conn,
		self:     self,
		delayMax: DefaultDelayMax,
		log:      log,
		sched:    s,
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}
	go u.recvLoop()
	return u, nil
}

func (u *UDP) LocalAddr() types.Address { return u.self }

// Register binds a channel name to a handler and returns a function peers
// can use to send to that channel. Channel names must be unique per
// process (§5's "each link leaf owns its sub-channel name exclusively").
func (u *UDP) Register(channel string, h Handler) Sender {
	u.mu.Lock()
	u.handlers[channel] = h
	u.mu.Unlock()

	return func(payload []byte, peer types.Address) {
		data, err := wire.EncodeEnvelope(channel, payload)
		if err != nil {
			u.log.Errorf("transport: failed encoding envelope for %s: %v", channel, err)
			return
		}
		delay := randDuration(u.delayMax)
		u.sched.PostAfter(delay, func() {
			to := &net.UDPAddr{IP: net.ParseIP(peer.Host), Port: peer.Port}
			if _, err := u.conn.WriteTo(data, to); err != nil {
				u.log.Warnf("transport: send to %s failed: %v", peer, err)
			}
		})
	}
}

func (u *UDP) recvLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.closed:
				return
			default:
				u.log.Warnf("transport: read error: %v", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		peer := types.Address{Host: from.IP.String(), Port: from.Port}
		u.dispatch(data, peer)
	}
}

func (u *UDP) dispatch(data []byte, from types.Address) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		u.log.Warnf("transport: bad datagram from %s, dropping: %v", from, err)
		return
	}

	u.mu.RLock()
	h, ok := u.handlers[env.Channel]
	u.mu.RUnlock()
	if !ok {
		u.log.Warnf("transport: unknown channel %q from %s, dropping", env.Channel, from)
		return
	}

	delay := randDuration(u.delayMax)
	u.sched.PostAfter(delay, func() {
		h.OnDatagram(from, env.Payload)
	})
}

func (u *UDP) Close() error {
	var err error
	u.once.Do(func() {
		close(u.closed)
		err = u.conn.Close()
	})
	return err
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
