package uplink

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ioannis-ag/IoT-emergency/internal/config"
)

// NMAssociator drives the Wi-Fi interface through nmcli. Associate spawns
// the connect command in the background; Associated polls the kernel
// operstate with a short cache so the tick loop never execs per call.
type NMAssociator struct {
	log   *zap.Logger
	iface string

	mu         sync.Mutex
	attempting bool
	signal     int
	lastPoll   time.Time
	lastState  bool
}

// NewNMAssociator creates the nmcli-backed associator for iface.
func NewNMAssociator(log *zap.Logger, iface string) *NMAssociator {
	return &NMAssociator{log: log, iface: iface, signal: -127}
}

// Associate begins a connection attempt with one credential. Only one
// attempt runs at a time; the Manager's window pacing makes overlap rare,
// this guard makes it impossible.
func (a *NMAssociator) Associate(cred config.Credential) error {
	a.mu.Lock()
	if a.attempting {
		a.mu.Unlock()
		return fmt.Errorf("association attempt already running")
	}
	a.attempting = true
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.attempting = false
			a.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		args := []string{"dev", "wifi", "connect", cred.SSID, "ifname", a.iface}
		if cred.PSK != "" {
			args = append(args, "password", cred.PSK)
		}
		out, err := exec.CommandContext(ctx, "nmcli", args...).CombinedOutput()
		if err != nil {
			a.log.Debug("nmcli connect failed",
				zap.String("ssid", cred.SSID),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Associated reports whether the interface carries an associated link.
func (a *NMAssociator) Associated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if time.Since(a.lastPoll) < time.Second {
		return a.lastState
	}
	a.lastPoll = time.Now()

	state, err := os.ReadFile("/sys/class/net/" + a.iface + "/operstate")
	if err != nil {
		a.lastState = false
		return false
	}
	a.lastState = strings.TrimSpace(string(state)) == "up"
	if a.lastState {
		a.signal = a.readSignal()
	}
	return a.lastState
}

// SignalDbm returns the last observed link signal strength.
func (a *NMAssociator) SignalDbm() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signal
}

// readSignal parses "signal: -54 dBm" out of `iw dev <iface> link`.
// Called with a.mu held, at most once per poll interval.
func (a *NMAssociator) readSignal() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "iw", "dev", a.iface, "link").Output()
	if err != nil {
		return a.signal
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "signal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if v, err := strconv.Atoi(fields[1]); err == nil {
			return v
		}
	}
	return a.signal
}
