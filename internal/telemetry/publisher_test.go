package telemetry

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/clock"
	"github.com/ioannis-ag/IoT-emergency/internal/config"
	"github.com/ioannis-ag/IoT-emergency/internal/relay"
	"github.com/ioannis-ag/IoT-emergency/internal/spool"
)

type published struct {
	topic   string
	payload []byte
}

type fakeSink struct {
	msgs []published
	// failAt makes publish calls from that 1-based index on return errors.
	failAt int
	calls  int
}

func (f *fakeSink) Publish(topic string, payload []byte) error {
	f.calls++
	if f.failAt != 0 && f.calls >= f.failAt {
		return fmt.Errorf("publish refused")
	}
	f.msgs = append(f.msgs, published{topic, payload})
	return nil
}

type fakeCapsules struct {
	peerKeys []string
	capsules []relay.Capsule
}

func (f *fakeCapsules) SendCapsule(peerKey string, c relay.Capsule) error {
	f.peerKeys = append(f.peerKeys, peerKey)
	f.capsules = append(f.capsules, c)
	return nil
}

type fakeSpooler struct {
	nextID  uint
	entries []spool.Entry
}

func (f *fakeSpooler) Store(topic string, payload []byte) error {
	f.nextID++
	f.entries = append(f.entries, spool.Entry{ID: f.nextID, Topic: topic, Payload: payload})
	return nil
}

func (f *fakeSpooler) Fetch(n int) ([]spool.Entry, error) {
	if n > len(f.entries) {
		n = len(f.entries)
	}
	out := make([]spool.Entry, n)
	copy(out, f.entries[:n])
	return out, nil
}

func (f *fakeSpooler) Delete(ids []uint) error {
	del := make(map[uint]bool, len(ids))
	for _, id := range ids {
		del[id] = true
	}
	kept := f.entries[:0]
	for _, e := range f.entries {
		if !del[e.ID] {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

type fakeHosts struct{}

func (fakeHosts) Collect() HostStats {
	return HostStats{UptimeSec: 3600, Load1: 0.5, MemUsedPct: 40}
}

func testIdentity() config.Identity {
	return config.Identity{TeamID: "Team_A", WearerID: "FF_A", NodeID: "node-1", NodeNum: 1}
}

func testPeers() []config.RelayPeer {
	return []config.RelayPeer{
		{Addr: "192.0.2.20:47900", NodeNum: 2, TeamID: "Team_A", WearerID: "FF_B"},
	}
}

func newTestPublisher(sink *fakeSink, caps *fakeCapsules, sp *fakeSpooler) *Publisher {
	return NewPublisher(zap.NewNop(),
		Topics{Namespace: "ngsi"},
		testIdentity(), testPeers(),
		sink, caps, sp, fakeHosts{},
		time.Second, 2*time.Second, 5*time.Second)
}

func directSnapshot() Snapshot {
	temp := 25.5
	return Snapshot{
		Mode:            relay.ModeDirect,
		UplinkReal:      true,
		UplinkEffective: true,
		RadioRSSIDbm:    -58,
		WearableOK:      true,
		ECGOn:           true,
		HRBpm:           88,
		HRValid:         true,
		LastRRMs:        700,
		SDNNMs:          35.5,
		RMSSDMs:         28.1,
		HRVOK:           true,
		Env:             EnvSample{TempC: &temp, GasRawADC: 500, Source: "sensor"},
		EnvOK:           true,
	}
}

func TestPublisherDirectPublishesAllTopics(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	p := newTestPublisher(sink, &fakeCapsules{}, &fakeSpooler{})

	p.Tick(clk.Now(), directSnapshot())

	topics := make(map[string]bool)
	for _, m := range sink.msgs {
		topics[m.topic] = true
	}
	require.True(t, topics["ngsi/Biomedical/Team_A/FF_A"])
	require.True(t, topics["ngsi/Environment/Team_A/FF_A"])
	require.True(t, topics["ngsi/Gateway/node-1"])
}

func TestPublisherTimersRunIndependently(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	p := newTestPublisher(sink, &fakeCapsules{}, &fakeSpooler{})

	// 10 seconds at one tick per 100 ms: 10 biomedical, 5 environment,
	// 2 health.
	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		p.Tick(clk.Now(), directSnapshot())
		clk.Advance(100 * time.Millisecond)
	}
	for _, m := range sink.msgs {
		counts[m.topic]++
	}
	require.Equal(t, 10, counts["ngsi/Biomedical/Team_A/FF_A"])
	require.Equal(t, 5, counts["ngsi/Environment/Team_A/FF_A"])
	require.Equal(t, 2, counts["ngsi/Gateway/node-1"])
}

func TestPublisherBiomedicalFields(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	p := newTestPublisher(sink, &fakeCapsules{}, &fakeSpooler{})

	p.Tick(clk.Now(), directSnapshot())

	var bio map[string]interface{}
	for _, m := range sink.msgs {
		if m.topic == "ngsi/Biomedical/Team_A/FF_A" {
			require.NoError(t, json.Unmarshal(m.payload, &bio))
		}
	}
	require.NotNil(t, bio)
	require.Equal(t, "Team_A", bio["teamId"])
	require.Equal(t, "FF_A", bio["ffId"])
	require.Equal(t, "node-1", bio["originNodeId"])
	require.Equal(t, "wifi", bio["via"])
	require.Equal(t, false, bio["failover"])
	require.Equal(t, "ble", bio["source"])
	require.Equal(t, float64(88), bio["hrBpm"])
	require.Equal(t, true, bio["wearableOk"])
	require.InDelta(t, 35.5, bio["sdnnMs"], 0.001)
}

func TestPublisherEnvironmentFields(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	p := newTestPublisher(sink, &fakeCapsules{}, &fakeSpooler{})

	p.Tick(clk.Now(), directSnapshot())

	var env map[string]interface{}
	for _, m := range sink.msgs {
		if m.topic == "ngsi/Environment/Team_A/FF_A" {
			require.NoError(t, json.Unmarshal(m.payload, &env))
		}
	}
	require.NotNil(t, env)
	require.Equal(t, float64(-58), env["radioRssiDbm"])
	require.Equal(t, "sensor", env["source"])
	require.Equal(t, false, env["failover"])
	require.InDelta(t, 25.5, env["tempC"], 0.001)
}

func TestPublisherHealthFields(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	p := newTestPublisher(sink, &fakeCapsules{}, &fakeSpooler{})

	p.Tick(clk.Now(), directSnapshot())

	var health map[string]interface{}
	for _, m := range sink.msgs {
		if m.topic == "ngsi/Gateway/node-1" {
			require.NoError(t, json.Unmarshal(m.payload, &health))
		}
	}
	require.NotNil(t, health)
	require.Equal(t, false, health["failover"])
	require.Equal(t, "DIRECT", health["failoverMode"])
	require.Equal(t, float64(3600), health["uptimeSec"])
}

func TestPublisherNullsUnavailableMetrics(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	p := newTestPublisher(sink, &fakeCapsules{}, &fakeSpooler{})

	snap := directSnapshot()
	snap.HRValid = false
	snap.HRVOK = false
	snap.LastRRMs = 0
	snap.WearableOK = false
	p.Tick(clk.Now(), snap)

	var bio map[string]interface{}
	for _, m := range sink.msgs {
		if m.topic == "ngsi/Biomedical/Team_A/FF_A" {
			require.NoError(t, json.Unmarshal(m.payload, &bio))
		}
	}
	require.Contains(t, bio, "hrBpm")
	require.Nil(t, bio["hrBpm"])
	require.Nil(t, bio["sdnnMs"])
	require.Nil(t, bio["rmssdMs"])
	require.Equal(t, false, bio["wearableOk"])
}

func TestPublisherRelayedSendsCapsuleOnly(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	caps := &fakeCapsules{}
	sp := &fakeSpooler{}
	p := newTestPublisher(sink, caps, sp)

	snap := directSnapshot()
	snap.Mode = relay.ModeRelayed
	snap.PeerKey = "192.0.2.20:47900"
	snap.UplinkReal = false
	snap.UplinkEffective = false

	for i := 0; i < 100; i++ {
		p.Tick(clk.Now(), snap)
		clk.Advance(100 * time.Millisecond)
	}

	require.Empty(t, sink.msgs)
	require.Empty(t, sp.entries)
	require.Len(t, caps.capsules, 10)
	require.Equal(t, "192.0.2.20:47900", caps.peerKeys[0])

	c := caps.capsules[0]
	require.Equal(t, uint16(1), c.SourceNode)
	require.Equal(t, uint8(88), c.BPM)
	require.Equal(t, uint16(36), c.SDNNMs)
	require.Equal(t, uint16(28), c.RMSSDMs)
	require.Equal(t, int16(255), c.TempCx10)
	require.True(t, c.BLEOK)
	require.True(t, c.ECGOn)
	require.False(t, c.UplinkOK)

	// Sequence numbers advance per capsule.
	require.Equal(t, uint32(1), caps.capsules[0].Seq)
	require.Equal(t, uint32(2), caps.capsules[1].Seq)
}

func TestBuildCapsuleAdvancesSequence(t *testing.T) {
	p := newTestPublisher(&fakeSink{}, &fakeCapsules{}, &fakeSpooler{})

	// Pulled capsules must not reuse a pushed capsule's sequence number.
	a := p.BuildCapsule(directSnapshot())
	b := p.BuildCapsule(directSnapshot())
	require.Equal(t, a.Seq+1, b.Seq)
}

func TestPublisherStrandedSpools(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	sp := &fakeSpooler{}
	p := newTestPublisher(sink, &fakeCapsules{}, sp)

	snap := directSnapshot()
	snap.Mode = relay.ModeStranded
	snap.UplinkReal = false
	snap.UplinkEffective = false
	p.Tick(clk.Now(), snap)

	require.Empty(t, sink.msgs)
	require.NotEmpty(t, sp.entries)

	// Recovery replays the stored messages onto the uplink and prunes them.
	n := p.DrainSpool(100)
	require.Equal(t, n, len(sink.msgs))
	require.NotZero(t, n)
	require.Empty(t, sp.entries)
}

func TestPublisherDrainKeepsUndeliveredOnFailure(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	sp := &fakeSpooler{}
	p := newTestPublisher(sink, &fakeCapsules{}, sp)

	snap := directSnapshot()
	snap.Mode = relay.ModeStranded
	p.Tick(clk.Now(), snap)
	require.Len(t, sp.entries, 3)

	// Second publish fails: only the first entry may be pruned, the rest
	// must stay queued for the next drain.
	sink.failAt = 2
	n := p.DrainSpool(10)
	require.Equal(t, 1, n)
	require.Len(t, sp.entries, 2)

	sink.failAt = 0
	n = p.DrainSpool(10)
	require.Equal(t, 2, n)
	require.Empty(t, sp.entries)
}

func TestPublisherForwardedCapsuleAttribution(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	p := newTestPublisher(sink, &fakeCapsules{}, &fakeSpooler{})

	c := relay.Capsule{
		SourceNode: 2,
		Seq:        5,
		BPM:        95,
		SDNNMs:     40,
		RMSSDMs:    30,
		GasRaw:     610,
		TempCx10:   312,
		RSSIDbm:    -70,
		BLEOK:      true,
	}
	p.PublishForwarded(clk.Now(), c)

	require.Len(t, sink.msgs, 2)

	var bio map[string]interface{}
	require.NoError(t, json.Unmarshal(sink.msgs[0].payload, &bio))
	require.Equal(t, "ngsi/Biomedical/Team_A/FF_B", sink.msgs[0].topic)
	require.Equal(t, "Team_A", bio["teamId"])
	require.Equal(t, "FF_B", bio["ffId"])
	require.Equal(t, "node-1", bio["nodeId"])
	require.Equal(t, "relay", bio["via"])
	require.Equal(t, true, bio["failover"])
	require.Equal(t, "relay-capsule", bio["source"])
	require.Equal(t, float64(1), bio["forwardHopCount"])
	require.Equal(t, float64(95), bio["hrBpm"])

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(sink.msgs[1].payload, &env))
	require.Equal(t, "ngsi/Environment/Team_A/FF_B", sink.msgs[1].topic)
	require.Equal(t, float64(610), env["gasRawADC"])
	require.Equal(t, float64(-70), env["radioRssiDbm"])
	require.InDelta(t, 31.2, env["tempC"], 0.001)
}

func TestPublisherForwardedUnknownNodeDropped(t *testing.T) {
	clk := clock.NewFake()
	sink := &fakeSink{}
	p := newTestPublisher(sink, &fakeCapsules{}, &fakeSpooler{})

	p.PublishForwarded(clk.Now(), relay.Capsule{SourceNode: 99})
	require.Empty(t, sink.msgs)
}
