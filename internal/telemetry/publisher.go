package telemetry

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/config"
	"github.com/ioannis-ag/IoT-emergency/internal/relay"
	"github.com/ioannis-ag/IoT-emergency/internal/spool"
)

// UplinkSink publishes one message on the primary uplink.
type UplinkSink interface {
	Publish(topic string, payload []byte) error
}

// CapsuleSender pushes one capsule to the chosen relay peer.
type CapsuleSender interface {
	SendCapsule(peerKey string, c relay.Capsule) error
}

// Spooler stores messages while stranded and replays them oldest-first.
// Entries are deleted only after a successful publish.
type Spooler interface {
	Store(topic string, payload []byte) error
	Fetch(n int) ([]spool.Entry, error)
	Delete(ids []uint) error
}

// Snapshot is the node state the publisher renders into messages. Built
// fresh on every tick by the node loop.
type Snapshot struct {
	Mode    relay.Mode
	PeerKey string

	UplinkReal      bool
	UplinkEffective bool
	RadioRSSIDbm    int

	WearableOK bool
	ECGOn      bool
	HRBpm      int
	HRValid    bool
	LastRRMs   float64
	SDNNMs     float64
	RMSSDMs    float64
	HRVOK      bool

	Env   EnvSample
	EnvOK bool

	ECGPacketsTotal uint64
	ECGDropTotal    uint64
}

// Publisher owns the three report timers and routes each due message over
// the path the current mode allows: full JSON on the uplink in DIRECT,
// one capsule per biomedical period in RELAYED, the local spool in
// STRANDED.
type Publisher struct {
	log      *zap.Logger
	topics   Topics
	id       config.Identity
	peers    map[uint16]config.RelayPeer
	uplink   UplinkSink
	capsules CapsuleSender
	spooler  Spooler
	hosts    HostCollector

	bioEvery    time.Duration
	envEvery    time.Duration
	healthEvery time.Duration
	nextBio     time.Time
	nextEnv     time.Time
	nextHealth  time.Time

	seq uint32
}

// NewPublisher wires the publisher. peers maps relay node numbers to
// their configured identity for forwarded-capsule attribution.
func NewPublisher(
	log *zap.Logger,
	topics Topics,
	id config.Identity,
	peers []config.RelayPeer,
	uplink UplinkSink,
	capsules CapsuleSender,
	spooler Spooler,
	hosts HostCollector,
	bioEvery, envEvery, healthEvery time.Duration,
) *Publisher {
	byNum := make(map[uint16]config.RelayPeer, len(peers))
	for _, p := range peers {
		byNum[p.NodeNum] = p
	}
	return &Publisher{
		log:         log,
		topics:      topics,
		id:          id,
		peers:       byNum,
		uplink:      uplink,
		capsules:    capsules,
		spooler:     spooler,
		hosts:       hosts,
		bioEvery:    bioEvery,
		envEvery:    envEvery,
		healthEvery: healthEvery,
	}
}

// Tick emits whatever reports are due at now. The three timers run
// independently so a stalled sensor never starves the others.
func (p *Publisher) Tick(now time.Time, snap Snapshot) {
	if now.Before(p.nextBio) && now.Before(p.nextEnv) && now.Before(p.nextHealth) {
		return
	}

	if !now.Before(p.nextBio) {
		p.nextBio = now.Add(p.bioEvery)
		p.emitBiomedical(now, snap)
	}
	if !now.Before(p.nextEnv) {
		p.nextEnv = now.Add(p.envEvery)
		p.emitEnvironment(now, snap)
	}
	if !now.Before(p.nextHealth) {
		p.nextHealth = now.Add(p.healthEvery)
		p.emitHealth(now, snap)
	}
}

func (p *Publisher) origin(now time.Time, snap Snapshot) Origin {
	return Origin{
		TeamID:       p.id.TeamID,
		FFID:         p.id.WearerID,
		NodeID:       p.id.NodeID,
		OriginNodeID: p.id.NodeID,
		Via:          "wifi",
		Failover:     snap.Mode != relay.ModeDirect,
		ObservedAt:   now.UTC().Format(time.RFC3339),
	}
}

func (p *Publisher) emitBiomedical(now time.Time, snap Snapshot) {
	// RELAYED substitutes one capsule for the full JSON report, keyed to
	// the biomedical cadence because heart data is the urgent payload.
	if snap.Mode == relay.ModeRelayed {
		p.sendCapsule(snap)
		return
	}

	msg := Biomedical{Origin: p.origin(now, snap), WearableOK: snap.WearableOK, Source: "ble"}
	if snap.HRValid {
		bpm := snap.HRBpm
		msg.HRBpm = &bpm
	}
	if snap.LastRRMs > 0 {
		rr := snap.LastRRMs
		msg.RRMs = &rr
	}
	if snap.HRVOK {
		sdnn, rmssd := snap.SDNNMs, snap.RMSSDMs
		msg.SDNNMs = &sdnn
		msg.RMSSDMs = &rmssd
	}
	p.route(snap.Mode, p.topics.Biomedical(p.id.TeamID, p.id.WearerID), msg)
}

func (p *Publisher) emitEnvironment(now time.Time, snap Snapshot) {
	if snap.Mode == relay.ModeRelayed || !snap.EnvOK {
		return
	}
	msg := Environment{
		Origin:       p.origin(now, snap),
		TempC:        snap.Env.TempC,
		HumidityPct:  snap.Env.HumidityPct,
		GasRawADC:    snap.Env.GasRawADC,
		GasDigital:   snap.Env.GasDigital,
		COPpm:        snap.Env.COPpm,
		RadioRSSIDbm: snap.RadioRSSIDbm,
		Source:       snap.Env.Source,
	}
	p.route(snap.Mode, p.topics.Environment(p.id.TeamID, p.id.WearerID), msg)
}

func (p *Publisher) emitHealth(now time.Time, snap Snapshot) {
	if snap.Mode == relay.ModeRelayed {
		return
	}
	stats := p.hosts.Collect()
	msg := GatewayHealth{
		NodeID:          p.id.NodeID,
		Failover:        snap.Mode != relay.ModeDirect,
		FailoverMode:    snap.Mode.String(),
		ObservedAt:      now.UTC().Format(time.RFC3339),
		UplinkReal:      snap.UplinkReal,
		UplinkEffective: snap.UplinkEffective,
		BLEOK:           snap.WearableOK,
		ECGOn:           snap.ECGOn,
		ECGPacketsTotal: snap.ECGPacketsTotal,
		ECGDropTotal:    snap.ECGDropTotal,
		RadioRSSIDbm:    snap.RadioRSSIDbm,
		UptimeSec:       stats.UptimeSec,
		Load1:           stats.Load1,
		MemUsedPct:      stats.MemUsedPct,
	}
	p.route(snap.Mode, p.topics.Gateway(p.id.NodeID), msg)
}

// route delivers one JSON message over the path the mode allows.
func (p *Publisher) route(mode relay.Mode, topic string, msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("marshaling telemetry", zap.String("topic", topic), zap.Error(err))
		return
	}

	switch mode {
	case relay.ModeDirect:
		if err := p.uplink.Publish(topic, payload); err != nil {
			p.log.Warn("uplink publish failed", zap.String("topic", topic), zap.Error(err))
		}
	case relay.ModeStranded:
		if err := p.spooler.Store(topic, payload); err != nil {
			p.log.Error("spooling message failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (p *Publisher) sendCapsule(snap Snapshot) {
	if snap.PeerKey == "" {
		return
	}
	c := p.BuildCapsule(snap)
	if err := p.capsules.SendCapsule(snap.PeerKey, c); err != nil {
		p.log.Warn("capsule send failed", zap.String("peer", snap.PeerKey), zap.Error(err))
	}
}

// BuildCapsule compresses the snapshot into the fixed relay record.
// Every capsule gets a fresh sequence number, pushed or pulled.
func (p *Publisher) BuildCapsule(snap Snapshot) relay.Capsule {
	p.seq++
	c := relay.Capsule{
		SourceNode: p.id.NodeNum,
		Seq:        p.seq,
		GasRaw:     clampU16(snap.Env.GasRawADC),
		TempCx10:   relay.TempUnknown,
		RSSIDbm:    clampI8(snap.RadioRSSIDbm),
		UplinkOK:   snap.UplinkReal,
		BLEOK:      snap.WearableOK,
		ECGOn:      snap.ECGOn,
	}
	if snap.HRValid {
		c.BPM = clampU8(snap.HRBpm)
	}
	if snap.HRVOK {
		c.RMSSDMs = clampU16(int(snap.RMSSDMs + 0.5))
		c.SDNNMs = clampU16(int(snap.SDNNMs + 0.5))
	}
	if snap.EnvOK && snap.Env.TempC != nil {
		c.TempCx10 = clampTempCx10(*snap.Env.TempC)
	}
	return c
}

// PublishForwarded expands a sibling's capsule into JSON published under
// the origin node's identity. Called by the node loop only while our own
// uplink is effective.
func (p *Publisher) PublishForwarded(now time.Time, c relay.Capsule) {
	peer, ok := p.peers[c.SourceNode]
	if !ok {
		p.log.Warn("capsule from unknown node", zap.Uint16("sourceNode", c.SourceNode))
		return
	}

	origin := Origin{
		TeamID:          peer.TeamID,
		FFID:            peer.WearerID,
		NodeID:          p.id.NodeID,
		OriginNodeID:    peerNodeID(peer),
		Via:             "relay",
		Failover:        true,
		ForwardHopCount: 1,
		ObservedAt:      now.UTC().Format(time.RFC3339),
	}

	bio := Biomedical{Origin: origin, WearableOK: c.BLEOK, Source: "relay-capsule"}
	if c.BPM > 0 {
		bpm := int(c.BPM)
		bio.HRBpm = &bpm
	}
	if c.SDNNMs > 0 || c.RMSSDMs > 0 {
		sdnn, rmssd := float64(c.SDNNMs), float64(c.RMSSDMs)
		bio.SDNNMs = &sdnn
		bio.RMSSDMs = &rmssd
	}
	p.publishJSON(p.topics.Biomedical(peer.TeamID, peer.WearerID), bio)

	env := Environment{
		Origin:       origin,
		GasRawADC:    int(c.GasRaw),
		RadioRSSIDbm: int(c.RSSIDbm),
		Source:       "relay-capsule",
	}
	if c.TempCx10 != relay.TempUnknown {
		t := float64(c.TempCx10) / 10.0
		env.TempC = &t
	}
	p.publishJSON(p.topics.Environment(peer.TeamID, peer.WearerID), env)
}

// PublishEcgBundle ships one encoded bundle on the raw stream.
func (p *Publisher) PublishEcgBundle(payload []byte) error {
	return p.uplink.Publish(p.topics.RawECG(p.id.TeamID, p.id.WearerID), payload)
}

// DrainSpool replays up to batch stored messages, returning how many were
// sent. Only successfully published entries are deleted; a publish
// failure stops the batch so order is preserved and the remainder is
// retried on the next drain interval.
func (p *Publisher) DrainSpool(batch int) int {
	entries, err := p.spooler.Fetch(batch)
	if err != nil {
		p.log.Error("reading spool", zap.Error(err))
		return 0
	}

	var done []uint
	for _, e := range entries {
		if err := p.uplink.Publish(e.Topic, e.Payload); err != nil {
			p.log.Warn("replaying spooled message failed", zap.String("topic", e.Topic), zap.Error(err))
			break
		}
		done = append(done, e.ID)
	}
	if len(done) == 0 {
		return 0
	}
	if err := p.spooler.Delete(done); err != nil {
		p.log.Error("pruning spool", zap.Error(err))
	}
	p.log.Info("spool drained", zap.Int("sent", len(done)))
	return len(done)
}

func (p *Publisher) publishJSON(topic string, msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("marshaling forwarded message", zap.Error(err))
		return
	}
	if err := p.uplink.Publish(topic, payload); err != nil {
		p.log.Warn("forwarded publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func peerNodeID(p config.RelayPeer) string {
	if p.TeamID != "" && p.WearerID != "" {
		return p.TeamID + "-" + p.WearerID
	}
	return p.Addr
}

func clampU8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampU16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}

func clampI8(v int) int8 {
	if v < -128 {
		return -128
	}
	if v > 127 {
		return 127
	}
	return int8(v)
}

func clampTempCx10(t float64) int16 {
	v := int(t * 10)
	if v < -32767 {
		v = -32767
	}
	if v > 32767 {
		v = 32767
	}
	return int16(v)
}
