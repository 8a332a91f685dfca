package relay

import (
	"time"

	"go.uber.org/zap"
)

// Mode is the current telemetry path.
type Mode int

const (
	// ModeDirect publishes through the primary uplink.
	ModeDirect Mode = iota
	// ModeRelayed sends capsules through a sibling node.
	ModeRelayed
	// ModeStranded has no usable path; telemetry is spooled locally.
	ModeStranded
)

// String returns the mode name as published in telemetry.
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "DIRECT"
	case ModeRelayed:
		return "RELAYED"
	case ModeStranded:
		return "STRANDED"
	}
	return "UNKNOWN"
}

// PeerSource is the view of the relay link the controller needs.
type PeerSource interface {
	BestPeer(now time.Time) (*Peer, bool)
	FreshOK(key string, now time.Time) bool
}

// Controller debounces uplink state into DIRECT/RELAYED/STRANDED with
// asymmetric hysteresis: failing over is quicker than recovering, so a
// marginal uplink cannot flap the mode.
type Controller struct {
	log           *zap.Logger
	peers         PeerSource
	failoverDelay time.Duration
	recoverDelay  time.Duration

	mode      Mode
	sinceAt   time.Time
	downSince time.Time
	upSince   time.Time
	chosen    string

	// onRelayStart sends the one-time handshake when a relay is chosen.
	onRelayStart func(peerKey string)
}

// NewController creates the failover controller in DIRECT mode.
func NewController(log *zap.Logger, peers PeerSource, failoverDelay, recoverDelay time.Duration, onRelayStart func(peerKey string)) *Controller {
	return &Controller{
		log:           log,
		peers:         peers,
		failoverDelay: failoverDelay,
		recoverDelay:  recoverDelay,
		mode:          ModeDirect,
		onRelayStart:  onRelayStart,
	}
}

// Tick advances the mode machine. Dwell timers measure from when the
// opposing condition began holding continuously, not from the last
// transition.
func (c *Controller) Tick(now time.Time, uplinkEffective bool) {
	if uplinkEffective {
		c.downSince = time.Time{}
		if c.upSince.IsZero() {
			c.upSince = now
		}
	} else {
		c.upSince = time.Time{}
		if c.downSince.IsZero() {
			c.downSince = now
		}
	}

	switch c.mode {
	case ModeDirect:
		if uplinkEffective || now.Sub(c.downSince) < c.failoverDelay {
			return
		}
		// Failover only lands on a viable sibling at this instant.
		p, ok := c.peers.BestPeer(now)
		if !ok {
			c.transition(ModeStranded, now)
			return
		}
		c.chosen = p.Key()
		c.transition(ModeRelayed, now)
		if c.onRelayStart != nil {
			c.onRelayStart(c.chosen)
		}

	case ModeRelayed:
		if uplinkEffective && now.Sub(c.upSince) >= c.recoverDelay {
			c.chosen = ""
			c.transition(ModeDirect, now)
			return
		}
		// The chosen sibling going stale strands us immediately.
		if !c.peers.FreshOK(c.chosen, now) {
			c.chosen = ""
			c.transition(ModeStranded, now)
		}

	case ModeStranded:
		if uplinkEffective && now.Sub(c.upSince) >= c.recoverDelay {
			c.transition(ModeDirect, now)
			return
		}
		// Back to RELAYED immediately once any sibling is viable again.
		if p, ok := c.peers.BestPeer(now); ok {
			c.chosen = p.Key()
			c.transition(ModeRelayed, now)
			if c.onRelayStart != nil {
				c.onRelayStart(c.chosen)
			}
		}
	}
}

func (c *Controller) transition(to Mode, now time.Time) {
	c.log.Info("failover mode change",
		zap.String("from", c.mode.String()),
		zap.String("to", to.String()),
		zap.String("peer", c.chosen),
	)
	c.mode = to
	c.sinceAt = now
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode { return c.mode }

// Since returns when the current mode was entered.
func (c *Controller) Since() time.Time { return c.sinceAt }

// ChosenPeer returns the relay peer key while RELAYED, else "".
func (c *Controller) ChosenPeer() string { return c.chosen }
