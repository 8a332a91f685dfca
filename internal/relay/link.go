package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/clock"
)

// Peer is one sibling as seen over the relay radio.
type Peer struct {
	Addr         *net.UDPAddr
	NodeNum      uint16
	LastBeaconAt time.Time
	UplinkOK     bool
	RSSIDbm      int8
}

// Key returns the map key for the peer.
func (p *Peer) Key() string { return p.Addr.String() }

// Link owns the UDP socket to sibling nodes: fixed port, static addresses,
// no discovery. Delivery latency is independent of the primary radio.
type Link struct {
	log         *zap.Logger
	clk         clock.Clock
	nodeNum     uint16
	staleWindow time.Duration

	conn      *net.UDPConn
	siblings  []*net.UDPAddr
	onCapsule func(Capsule, *net.UDPAddr)
	onForward func(ForwardRequest, *net.UDPAddr)

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewLink binds the relay socket. Sibling addresses are resolved up front;
// an unresolvable sibling is a configuration error.
func NewLink(log *zap.Logger, clk clock.Clock, nodeNum uint16, port int, siblingAddrs []string, staleWindow time.Duration) (*Link, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("binding relay socket: %w", err)
	}

	siblings := make([]*net.UDPAddr, 0, len(siblingAddrs))
	for _, s := range siblingAddrs {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("resolving sibling %q: %w", s, err)
		}
		siblings = append(siblings, addr)
	}

	return &Link{
		log:         log,
		clk:         clk,
		nodeNum:     nodeNum,
		staleWindow: staleWindow,
		conn:        conn,
		siblings:    siblings,
		peers:       make(map[string]*Peer),
	}, nil
}

// LocalAddr returns the bound socket address.
func (l *Link) LocalAddr() string { return l.conn.LocalAddr().String() }

// OnCapsule registers the inbound capsule handler. Must be set before Start.
// Handlers run on the read loop and must only enqueue or set flags.
func (l *Link) OnCapsule(fn func(Capsule, *net.UDPAddr)) { l.onCapsule = fn }

// OnForwardRequest registers the inbound forward-request handler.
func (l *Link) OnForwardRequest(fn func(ForwardRequest, *net.UDPAddr)) { l.onForward = fn }

// Start runs the read loop until ctx is cancelled.
func (l *Link) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay socket read: %w", err)
		}

		rec, err := ParseRecord(buf[:n])
		if err != nil {
			l.log.Debug("dropping malformed relay record",
				zap.String("from", addr.String()),
				zap.Error(err),
			)
			continue
		}

		switch r := rec.(type) {
		case Beacon:
			l.noteBeacon(r, addr)
		case Capsule:
			if l.onCapsule != nil {
				l.onCapsule(r, addr)
			}
		case ForwardRequest:
			if l.onForward != nil {
				l.onForward(r, addr)
			}
		}
	}
}

func (l *Link) noteBeacon(b Beacon, addr *net.UDPAddr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := addr.String()
	p, ok := l.peers[key]
	if !ok {
		p = &Peer{Addr: addr}
		l.peers[key] = p
	}
	p.NodeNum = b.NodeNum
	p.LastBeaconAt = l.clk.Now()
	p.UplinkOK = b.UplinkOK
	p.RSSIDbm = b.RSSIDbm
}

// SendBeacon announces this node's state to every configured sibling.
func (l *Link) SendBeacon(uplinkOK bool, rssiDbm int) {
	b := Beacon{NodeNum: l.nodeNum, UplinkOK: uplinkOK, RSSIDbm: clampRSSI(rssiDbm)}
	payload := b.Marshal()
	for _, addr := range l.siblings {
		if _, err := l.conn.WriteToUDP(payload, addr); err != nil {
			l.log.Debug("beacon send failed", zap.String("to", addr.String()), zap.Error(err))
		}
	}
}

// SendForwardRequest sends the one-time "start relaying" handshake.
func (l *Link) SendForwardRequest(peerKey string) error {
	addr, err := net.ResolveUDPAddr("udp", peerKey)
	if err != nil {
		return err
	}
	_, err = l.conn.WriteToUDP(ForwardRequest{FromNode: l.nodeNum}.Marshal(), addr)
	return err
}

// SendCapsule sends one capsule snapshot to a peer, fire-and-forget.
func (l *Link) SendCapsule(peerKey string, c Capsule) error {
	addr, err := net.ResolveUDPAddr("udp", peerKey)
	if err != nil {
		return err
	}
	_, err = l.conn.WriteToUDP(c.Marshal(), addr)
	return err
}

// BestPeer returns the freshest viable relay: beacon within the stale
// window and uplinkOk announced.
func (l *Link) BestPeer(now time.Time) (*Peer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var best *Peer
	for _, p := range l.peers {
		if now.Sub(p.LastBeaconAt) >= l.staleWindow || !p.UplinkOK {
			continue
		}
		if best == nil || p.LastBeaconAt.After(best.LastBeaconAt) {
			best = p
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// FreshOK reports whether the given peer is still a viable relay.
func (l *Link) FreshOK(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.peers[key]
	if !ok {
		return false
	}
	return now.Sub(p.LastBeaconAt) < l.staleWindow && p.UplinkOK
}

func clampRSSI(v int) int8 {
	if v < -127 {
		return -127
	}
	if v > 127 {
		return 127
	}
	return int8(v)
}
