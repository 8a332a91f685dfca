package wearable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/clock"
)

// State is a snapshot of the wearable session flags.
type State struct {
	Connected       bool
	HRReady         bool
	PMDControlReady bool
	PMDDataReady    bool
	ECGStreaming    bool
}

// Client maintains the wearable session: discovery and reconnects are
// throttled, the heart-rate stream always comes first, and the vendor ECG
// stream is gated behind the PMD control handshake. Network state never
// touches this component; the node decides when ECG streaming is wanted.
type Client struct {
	log     *zap.Logger
	backend Backend
	clk     clock.Clock

	namePrefix        string
	scanTimeout       time.Duration
	reconnectInterval time.Duration
	handshakeTimeout  time.Duration

	// onRR and onEcg run on the BLE callback context.
	onRR  func(ms float64)
	onEcg func(pkt []byte)

	mu              sync.Mutex
	connected       bool
	hrReady         bool
	pmdControlReady bool
	pmdDataReady    bool
	ecgOn           bool
	ecgWant         bool
	toggling        bool
	startRejected   bool
	startCmd        []byte
	lastSample      HeartSample
	lastSampleAt    time.Time
	lastAttempt     time.Time
	connecting      bool

	ctrlResp chan []byte
}

// NewClient creates the wearable client. onRR receives every RR interval
// in ms; onEcg receives every raw ECG data notification.
func NewClient(log *zap.Logger, backend Backend, clk clock.Clock,
	namePrefix string, scanTimeout, reconnectInterval, handshakeTimeout time.Duration,
	onRR func(ms float64), onEcg func(pkt []byte)) *Client {
	return &Client{
		log:               log,
		backend:           backend,
		clk:               clk,
		namePrefix:        namePrefix,
		scanTimeout:       scanTimeout,
		reconnectInterval: reconnectInterval,
		handshakeTimeout:  handshakeTimeout,
		onRR:              onRR,
		onEcg:             onEcg,
		ctrlResp:          make(chan []byte, 4),
	}
}

// Tick starts a discovery attempt when disconnected, no more often than
// the reconnect interval. The attempt itself runs off-loop; the blocking
// scan and handshake waits are confined to (re)connection.
func (c *Client) Tick(now time.Time) {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return
	}
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.reconnectInterval {
		c.mu.Unlock()
		return
	}
	c.lastAttempt = now
	c.connecting = true
	c.mu.Unlock()

	go func() {
		c.connect()
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()
}

// connect runs one full discovery + handshake cycle.
func (c *Client) connect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.scanTimeout+10*time.Second)
	defer cancel()

	addr, err := c.backend.Scan(ctx, c.namePrefix, c.scanTimeout)
	if err != nil {
		c.log.Debug("wearable scan found nothing", zap.Error(err))
		return
	}
	if err := c.backend.Connect(ctx, addr); err != nil {
		c.log.Warn("wearable connect failed", zap.String("address", addr), zap.Error(err))
		return
	}
	c.backend.OnDisconnect(c.handleDisconnect)

	// Larger notifications keep one ECG frame per packet; best effort.
	if err := c.backend.NegotiateMTU(232); err != nil {
		c.log.Debug("mtu negotiation failed", zap.Error(err))
	}

	if err := c.backend.Subscribe(HeartRateMeasurementUUID, c.handleHeartRate); err != nil {
		c.log.Warn("heart rate subscribe failed", zap.Error(err))
		_ = c.backend.Disconnect()
		return
	}
	c.mu.Lock()
	c.connected = true
	c.hrReady = true
	c.mu.Unlock()
	c.log.Info("wearable connected", zap.String("address", addr))

	// The ECG stream is optional: any failure below leaves HR working.
	if c.backend.HasService(PMDServiceUUID) {
		c.setupPMD()
	}

	c.mu.Lock()
	want := c.ecgWant && c.startCmd != nil
	c.mu.Unlock()
	if want {
		c.startStream()
	}
}

// setupPMD enables the vendor control/data characteristics and caches the
// start command built from the device-reported settings.
func (c *Client) setupPMD() {
	if err := c.backend.Subscribe(PMDControlUUID, c.handleControl); err != nil {
		c.log.Warn("pmd control subscribe failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.pmdControlReady = true
	c.mu.Unlock()

	if err := c.backend.Subscribe(PMDDataUUID, c.handleEcgData); err != nil {
		c.log.Warn("pmd data subscribe failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.pmdDataReady = true
	c.mu.Unlock()

	resp, err := c.controlRequest(pmdGetSettingsCommand())
	if err != nil {
		c.log.Warn("pmd settings request failed", zap.Error(err))
		return
	}
	cmd, err := pmdStartCommand(resp)
	if err != nil {
		c.log.Warn("pmd settings rejected", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.startCmd = cmd
	c.mu.Unlock()
}

// controlRequest writes one command and waits (bounded) for its response.
func (c *Client) controlRequest(cmd []byte) ([]byte, error) {
	// Drop stale responses from a previous exchange.
	for {
		select {
		case <-c.ctrlResp:
			continue
		default:
		}
		break
	}

	if err := c.backend.Write(PMDControlUUID, cmd); err != nil {
		return nil, fmt.Errorf("control write: %w", err)
	}
	select {
	case resp := <-c.ctrlResp:
		return resp, nil
	case <-time.After(c.handshakeTimeout):
		return nil, fmt.Errorf("control response timeout")
	}
}

// SetEcgStreaming records the desired streaming state and applies it
// asynchronously when it differs from the current one. Idempotent and
// independent of connection lifetime.
func (c *Client) SetEcgStreaming(enable bool) {
	c.mu.Lock()
	c.ecgWant = enable
	if !c.connected || c.toggling || c.ecgOn == enable ||
		(enable && (c.startCmd == nil || c.startRejected)) {
		c.mu.Unlock()
		return
	}
	c.toggling = true
	c.mu.Unlock()

	go func() {
		if enable {
			c.startStream()
		} else {
			c.stopStream()
		}
		c.mu.Lock()
		c.toggling = false
		c.mu.Unlock()
	}()
}

func (c *Client) startStream() {
	c.mu.Lock()
	cmd := c.startCmd
	c.mu.Unlock()
	if cmd == nil {
		return
	}

	resp, err := c.controlRequest(cmd)
	if err != nil {
		// Transport trouble; worth retrying on a later toggle.
		c.log.Warn("ecg start failed", zap.Error(err))
		return
	}
	if err := pmdValidateResponse(resp, pmdOpStart); err != nil {
		// The device refused the command outright. Latch until the next
		// reconnect: re-sending the same rejected request every toggle
		// only burns the control channel.
		c.mu.Lock()
		c.startRejected = true
		c.mu.Unlock()
		c.log.Warn("ecg start rejected", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.ecgOn = true
	c.mu.Unlock()
	c.log.Info("ecg streaming started")
}

func (c *Client) stopStream() {
	if _, err := c.controlRequest(pmdStopCommand()); err != nil {
		c.log.Debug("ecg stop ack missing", zap.Error(err))
	}
	c.mu.Lock()
	c.ecgOn = false
	c.mu.Unlock()
	c.log.Info("ecg streaming stopped")
}

// handleHeartRate parses one HR notification and stores the latest sample.
func (c *Client) handleHeartRate(data []byte) {
	s, err := ParseHeartRate(data)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.lastSample = s
	c.lastSampleAt = c.clk.Now()
	c.mu.Unlock()
	if c.onRR != nil {
		for _, rr := range s.RRIntervalsMs {
			c.onRR(rr)
		}
	}
}

// handleEcgData forwards one raw data notification to the producer path.
func (c *Client) handleEcgData(data []byte) {
	if c.onEcg != nil {
		c.onEcg(data)
	}
}

// handleControl buffers one control-point response for a waiting request.
func (c *Client) handleControl(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.ctrlResp <- cp:
	default:
	}
}

// handleDisconnect clears every ready flag; the next Tick re-discovers.
func (c *Client) handleDisconnect() {
	c.mu.Lock()
	c.connected = false
	c.hrReady = false
	c.pmdControlReady = false
	c.pmdDataReady = false
	c.ecgOn = false
	c.startRejected = false
	c.startCmd = nil
	c.mu.Unlock()
	c.log.Warn("wearable link lost")
}

// Snapshot returns the current session flags.
func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Connected:       c.connected,
		HRReady:         c.hrReady,
		PMDControlReady: c.pmdControlReady,
		PMDDataReady:    c.pmdDataReady,
		ECGStreaming:    c.ecgOn,
	}
}

// Latest returns the most recent heart sample, if any arrived yet.
func (c *Client) Latest() (HeartSample, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSampleAt.IsZero() {
		return HeartSample{}, time.Time{}, false
	}
	return c.lastSample, c.lastSampleAt, true
}
