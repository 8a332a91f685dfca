package uplink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/clock"
	"github.com/ioannis-ag/IoT-emergency/internal/config"
)

type fakeAssoc struct {
	associated bool
	attempts   []string
}

func (f *fakeAssoc) Associate(cred config.Credential) error {
	f.attempts = append(f.attempts, cred.SSID)
	return nil
}
func (f *fakeAssoc) Associated() bool { return f.associated }
func (f *fakeAssoc) SignalDbm() int   { return -60 }

type fakeSession struct {
	connected bool
	connects  int
	published []string
}

func (f *fakeSession) Connect()        { f.connects++ }
func (f *fakeSession) Connected() bool { return f.connected }
func (f *fakeSession) Publish(topic string, _ []byte) error {
	f.published = append(f.published, topic)
	return nil
}
func (f *fakeSession) Close() {}

func testCreds() []config.Credential {
	return []config.Credential{
		{SSID: "truck-ap"},
		{SSID: "station-ap"},
		{SSID: "mesh-ap"},
	}
}

func TestManagerCyclesCredentials(t *testing.T) {
	clk := clock.NewFake()
	assoc := &fakeAssoc{}
	m := NewManager(zap.NewNop(), assoc, &fakeSession{}, testCreds(), 8*time.Second, 5*time.Second)

	// 30 seconds of failed association: one attempt per 8-second window,
	// cycling the list in order.
	for i := 0; i < 300; i++ {
		m.Tick(clk.Now())
		clk.Advance(100 * time.Millisecond)
	}

	require.Equal(t, []string{"truck-ap", "station-ap", "mesh-ap", "truck-ap"}, assoc.attempts)
	require.Equal(t, uint64(4), m.Attempts())
}

func TestManagerHoldsAttemptInsideWindow(t *testing.T) {
	clk := clock.NewFake()
	assoc := &fakeAssoc{}
	m := NewManager(zap.NewNop(), assoc, &fakeSession{}, testCreds(), 8*time.Second, 5*time.Second)

	m.Tick(clk.Now())
	clk.Advance(time.Second)
	m.Tick(clk.Now())
	clk.Advance(time.Second)
	m.Tick(clk.Now())

	require.Len(t, assoc.attempts, 1)
	require.Equal(t, 0, m.CredentialIndex())
}

func TestManagerConnectsSessionOnceAssociated(t *testing.T) {
	clk := clock.NewFake()
	assoc := &fakeAssoc{associated: true}
	sess := &fakeSession{}
	m := NewManager(zap.NewNop(), assoc, sess, testCreds(), 8*time.Second, 5*time.Second)

	m.Tick(clk.Now())
	require.Equal(t, 1, sess.connects)
	require.False(t, m.Effective())

	// Retry throttled to the session retry interval.
	clk.Advance(time.Second)
	m.Tick(clk.Now())
	require.Equal(t, 1, sess.connects)

	clk.Advance(5 * time.Second)
	m.Tick(clk.Now())
	require.Equal(t, 2, sess.connects)

	sess.connected = true
	m.Tick(clk.Now())
	require.True(t, m.Effective())
	require.Empty(t, assoc.attempts)
}

func TestManagerEffectiveNeedsBothLayers(t *testing.T) {
	clk := clock.NewFake()
	assoc := &fakeAssoc{}
	sess := &fakeSession{connected: true}
	m := NewManager(zap.NewNop(), assoc, sess, testCreds(), 8*time.Second, 5*time.Second)

	// Session up but link down: a dead radio with a cached socket is not an
	// uplink.
	m.Tick(clk.Now())
	require.False(t, m.Effective())

	assoc.associated = true
	require.True(t, m.Effective())
}

func TestManagerNoCredentialsIsInert(t *testing.T) {
	clk := clock.NewFake()
	assoc := &fakeAssoc{}
	m := NewManager(zap.NewNop(), assoc, &fakeSession{}, nil, 8*time.Second, 5*time.Second)

	for i := 0; i < 10; i++ {
		m.Tick(clk.Now())
		clk.Advance(time.Second)
	}
	require.Empty(t, assoc.attempts)
	require.Zero(t, m.Attempts())
}
