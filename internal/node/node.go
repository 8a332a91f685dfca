// Package node wires all subsystems and runs the cooperative tick loop.
//
// One goroutine owns all mode and timer decisions; radio callbacks only
// enqueue. Blocking work (Wi-Fi association, BLE connect, MQTT connect)
// runs inside the subsystems, off the loop.
package node

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ioannis-ag/IoT-emergency/internal/clock"
	"github.com/ioannis-ag/IoT-emergency/internal/config"
	"github.com/ioannis-ag/IoT-emergency/internal/ecg"
	"github.com/ioannis-ag/IoT-emergency/internal/relay"
	"github.com/ioannis-ag/IoT-emergency/internal/spool"
	"github.com/ioannis-ag/IoT-emergency/internal/telemetry"
	"github.com/ioannis-ag/IoT-emergency/internal/uplink"
	"github.com/ioannis-ag/IoT-emergency/internal/wearable"
)

// Plausibility band for RR intervals, shared by the notification path and
// the detector.
const (
	minRRMs = 250
	maxRRMs = 2000
)

// hrStaleAfter bounds how long the last heart rate sample stays reportable.
const hrStaleAfter = 5 * time.Second

// Node is the assembled field node.
type Node struct {
	log *zap.Logger
	cfg *config.Config
	clk clock.Clock

	uplink    *uplink.Manager
	link      *relay.Link
	failover  *relay.Controller
	wear      *wearable.Client
	queue     *ecg.Queue
	bundler   *ecg.Bundler
	detector  *ecg.Detector
	history   *ecg.History
	publisher *telemetry.Publisher
	envSource telemetry.EnvironmentSource
	spooler   *spool.Spool

	started    time.Time
	nextBeacon time.Time
	nextFlush  time.Time
	nextDrain  time.Time
	rrDropped  atomic.Uint64

	capsuleIn  chan relay.Capsule
	forwardReq chan *net.UDPAddr
}

// New builds the node with production backends.
func New(cfg *config.Config, log *zap.Logger) (*Node, error) {
	clk := clock.System{}

	n := &Node{
		log:        log,
		cfg:        cfg,
		clk:        clk,
		capsuleIn:  make(chan relay.Capsule, 8),
		forwardReq: make(chan *net.UDPAddr, 4),
	}

	n.queue = ecg.NewQueue(cfg.ECG.QueueCapacity)
	n.bundler = ecg.NewBundler(n.queue, cfg.ECG.BundleBudget)
	n.history = ecg.NewHistory(cfg.ECG.HistorySize, cfg.ECG.MinHRVSamples)
	n.detector = ecg.NewDetector(ecg.DefaultDetectorConfig(cfg.ECG.SampleRateHz), n.history)

	sess := uplink.NewMQTTSession(cfg, log)
	assoc := uplink.NewNMAssociator(log, cfg.Uplink.Interface)
	n.uplink = uplink.NewManager(log, assoc, sess, cfg.Uplink.Credentials,
		cfg.Uplink.AttemptWindow, cfg.Uplink.SessionRetry)

	siblings := make([]string, 0, len(cfg.Relay.Peers))
	for _, p := range cfg.Relay.Peers {
		siblings = append(siblings, p.Addr)
	}
	link, err := relay.NewLink(log, clk, cfg.Identity.NodeNum, cfg.Relay.Port, siblings, cfg.Relay.StaleWindow)
	if err != nil {
		return nil, err
	}
	n.link = link
	link.OnCapsule(func(c relay.Capsule, _ *net.UDPAddr) {
		select {
		case n.capsuleIn <- c:
		default:
		}
	})
	link.OnForwardRequest(func(_ relay.ForwardRequest, from *net.UDPAddr) {
		select {
		case n.forwardReq <- from:
		default:
		}
	})

	n.failover = relay.NewController(log, link, cfg.Relay.FailoverDelay, cfg.Relay.RecoverDelay,
		func(peerKey string) {
			if err := link.SendForwardRequest(peerKey); err != nil {
				log.Warn("forward request send failed", zap.String("peer", peerKey), zap.Error(err))
			}
		})

	backend, err := wearable.NewBlueZBackend()
	if err != nil {
		return nil, err
	}
	n.wear = wearable.NewClient(log, backend, clk,
		cfg.Wearable.NamePrefix, cfg.Wearable.ScanTimeout,
		cfg.Wearable.ReconnectInterval, cfg.Wearable.HandshakeTimeout,
		n.onRR, n.queue.Push)

	sp, err := spool.Open(cfg.Spool.Path)
	if err != nil {
		return nil, err
	}
	n.spooler = sp

	if cfg.Telemetry.SimulateEnvironment {
		n.envSource = telemetry.NewSimulatedEnvironment()
	}

	n.publisher = telemetry.NewPublisher(log,
		telemetry.Topics{Namespace: cfg.MQTT.Namespace},
		cfg.Identity, cfg.Relay.Peers,
		sess, link, sp, telemetry.GopsutilCollector{},
		cfg.Telemetry.BiomedicalInterval,
		cfg.Telemetry.EnvironmentInterval,
		cfg.Telemetry.HealthInterval,
	)
	return n, nil
}

// onRR runs on the BLE callback context: filter and store, nothing else.
func (n *Node) onRR(ms float64) {
	if ms < minRRMs || ms > maxRRMs {
		n.rrDropped.Add(1)
		return
	}
	n.history.Add(ms)
}

// Run starts the relay read loop and the tick loop, blocking until ctx is
// cancelled or the socket fails.
func (n *Node) Run(ctx context.Context) error {
	n.started = n.clk.Now()
	n.log.Info("field node starting",
		zap.String("node_id", n.cfg.Identity.NodeID),
		zap.String("relay_addr", n.link.LocalAddr()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.link.Start(ctx) })
	g.Go(func() error { return n.loop(ctx) })
	err := g.Wait()

	n.uplink.Session().Close()
	if cerr := n.spooler.Close(); cerr != nil {
		n.log.Warn("closing spool", zap.Error(cerr))
	}
	return err
}

func (n *Node) loop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.tick(n.clk.Now())
		}
	}
}

// tick is one pass of the cooperative loop. Everything here must return
// quickly; latency on this path delays failover decisions.
func (n *Node) tick(now time.Time) {
	n.uplink.Tick(now)
	n.failover.Tick(now, n.uplink.Effective())
	mode := n.failover.Mode()

	if !now.Before(n.nextBeacon) {
		n.nextBeacon = now.Add(n.cfg.Relay.BeaconInterval)
		n.link.SendBeacon(n.uplink.Effective(), n.uplink.SignalDbm())
	}

	n.wear.Tick(now)
	state := n.wear.Snapshot()
	// Raw ECG only flows while the uplink can carry it; the capsule path
	// has no room for waveforms.
	n.wear.SetEcgStreaming(mode == relay.ModeDirect && state.PMDDataReady)

	n.drainRelayInbox(now, mode)

	if mode == relay.ModeDirect && !now.Before(n.nextFlush) {
		n.nextFlush = now.Add(n.cfg.ECG.FlushInterval)
		n.flushEcg(now)
	}

	snap := n.snapshot(now, mode, state)
	n.publisher.Tick(now, snap)

	if mode == relay.ModeDirect && n.uplink.Effective() && !now.Before(n.nextDrain) {
		n.nextDrain = now.Add(n.cfg.Spool.DrainInterval)
		n.publisher.DrainSpool(n.cfg.Spool.DrainBatch)
	}
}

// drainRelayInbox services capsules and forward requests queued by the
// read loop since the last tick.
func (n *Node) drainRelayInbox(now time.Time, mode relay.Mode) {
	for {
		select {
		case c := <-n.capsuleIn:
			if n.uplink.Effective() {
				n.publisher.PublishForwarded(now, c)
			} else {
				n.log.Debug("dropping capsule, no uplink", zap.Uint16("source", c.SourceNode))
			}
		case from := <-n.forwardReq:
			// Pull variant: a sibling asks for our state while we have no
			// direct path of our own.
			if mode != relay.ModeDirect {
				snap := n.snapshot(now, mode, n.wear.Snapshot())
				c := n.publisher.BuildCapsule(snap)
				if err := n.link.SendCapsule(from.String(), c); err != nil {
					n.log.Debug("capsule reply failed", zap.String("to", from.String()), zap.Error(err))
				}
			}
		default:
			return
		}
	}
}

// flushEcg drains one bundle: feed the beat detector, then ship the raw
// packets.
func (n *Node) flushEcg(now time.Time) {
	captureMs := uint32(now.Sub(n.started).Milliseconds())
	bundle := n.bundler.Next(captureMs)
	if bundle == nil {
		return
	}
	for _, pkt := range bundle.Packets {
		samples, err := ecg.DecodeFrame(pkt)
		if err != nil {
			n.log.Debug("skipping undecodable ecg frame", zap.Error(err))
			continue
		}
		n.detector.ProcessAll(samples)
	}
	if err := n.publisher.PublishEcgBundle(bundle.Encode()); err != nil {
		n.log.Warn("ecg bundle publish failed", zap.Error(err))
	}
}

func (n *Node) snapshot(now time.Time, mode relay.Mode, state wearable.State) telemetry.Snapshot {
	snap := telemetry.Snapshot{
		Mode:            mode,
		PeerKey:         n.failover.ChosenPeer(),
		UplinkReal:      n.uplink.Associated(),
		UplinkEffective: n.uplink.Effective(),
		RadioRSSIDbm:    n.uplink.SignalDbm(),
		WearableOK:      state.Connected && state.HRReady,
		ECGOn:           state.ECGStreaming,
		ECGPacketsTotal: n.queue.Pushed(),
		ECGDropTotal:    n.queue.Dropped(),
	}

	if hr, at, ok := n.wear.Latest(); ok && now.Sub(at) < hrStaleAfter {
		snap.HRBpm = hr.BPM
		snap.HRValid = true
	}
	snap.LastRRMs = n.detector.LastRRMs()

	if stats, ok := n.history.Stats(); ok {
		snap.SDNNMs = stats.SDNNMs
		snap.RMSSDMs = stats.RMSSDMs
		snap.HRVOK = true
	}

	if n.envSource != nil {
		snap.Env = n.envSource.Sample()
		snap.EnvOK = true
	}
	return snap
}
