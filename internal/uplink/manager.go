// Package uplink owns the primary network path: Wi-Fi association with a
// cycling credential list plus the MQTT session on top of it.
package uplink

import (
	"time"

	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/config"
)

// Associator abstracts the Wi-Fi supplicant. Associate begins an attempt
// and must not block; Associated reflects the current link state.
type Associator interface {
	Associate(cred config.Credential) error
	Associated() bool
	SignalDbm() int
}

// Session abstracts the broker session riding on the associated link.
type Session interface {
	Connect()
	Connected() bool
	Publish(topic string, payload []byte) error
	Close()
}

// Manager advances the association/session state machine. All failures are
// non-fatal; they only suppress Effective().
type Manager struct {
	log   *zap.Logger
	assoc Associator
	sess  Session

	creds         []config.Credential
	attemptWindow time.Duration
	sessionRetry  time.Duration

	credIndex      int
	attemptAt      time.Time // zero when no association attempt in flight
	sessionAttempt time.Time
	attempts       uint64
}

// NewManager creates the uplink manager.
func NewManager(log *zap.Logger, assoc Associator, sess Session, creds []config.Credential, attemptWindow, sessionRetry time.Duration) *Manager {
	return &Manager{
		log:           log,
		assoc:         assoc,
		sess:          sess,
		creds:         creds,
		attemptWindow: attemptWindow,
		sessionRetry:  sessionRetry,
	}
}

// Tick advances the state machine. Never blocks: association attempts run
// in the backend, session connects are fired asynchronously.
func (m *Manager) Tick(now time.Time) {
	if m.assoc.Associated() {
		// Attempt resolved; session connect runs on its own retry interval.
		m.attemptAt = time.Time{}
		if m.sess.Connected() {
			return
		}
		if m.sessionAttempt.IsZero() || now.Sub(m.sessionAttempt) >= m.sessionRetry {
			m.sessionAttempt = now
			m.sess.Connect()
		}
		return
	}

	if len(m.creds) == 0 {
		return
	}

	if !m.attemptAt.IsZero() {
		if now.Sub(m.attemptAt) < m.attemptWindow {
			// In-flight and inside its window: re-issuing could abort a
			// nearly-successful attempt.
			return
		}
		// Window expired unresolved: advance to the next credential.
		m.credIndex = (m.credIndex + 1) % len(m.creds)
	}

	cred := m.creds[m.credIndex]
	m.attemptAt = now
	m.attempts++
	m.log.Debug("starting association attempt",
		zap.Int("credential_index", m.credIndex),
		zap.String("ssid", cred.SSID),
	)
	if err := m.assoc.Associate(cred); err != nil {
		m.log.Warn("association attempt failed to start", zap.Error(err))
	}
}

// Effective reports whether the primary path can carry telemetry right now.
func (m *Manager) Effective() bool {
	return m.assoc.Associated() && m.sess.Connected()
}

// Associated reports raw link state, independent of the session.
func (m *Manager) Associated() bool { return m.assoc.Associated() }

// SignalDbm returns the current link signal strength.
func (m *Manager) SignalDbm() int { return m.assoc.SignalDbm() }

// CredentialIndex returns the index of the credential currently in use.
func (m *Manager) CredentialIndex() int { return m.credIndex }

// Attempts returns the total number of association attempts started.
func (m *Manager) Attempts() uint64 { return m.attempts }

// Session returns the broker session for publishing.
func (m *Manager) Session() Session { return m.sess }
