package wearable

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// BlueZBackend implements Backend over the host Bluetooth adapter.
// Everything above it is backend-agnostic; this file is the only place
// that touches the BLE stack.
type BlueZBackend struct {
	adapter *bluetooth.Adapter

	mu        sync.Mutex
	scanned   map[string]bluetooth.Address
	device    bluetooth.Device
	haveDev   bool
	services  map[string]bool
	chars     map[string]bluetooth.DeviceCharacteristic
	onDisconn func()
}

// NewBlueZBackend enables the default adapter.
func NewBlueZBackend() (*BlueZBackend, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enabling bluetooth adapter: %w", err)
	}
	b := &BlueZBackend{
		adapter:  adapter,
		scanned:  make(map[string]bluetooth.Address),
		services: make(map[string]bool),
		chars:    make(map[string]bluetooth.DeviceCharacteristic),
	}
	adapter.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
		if connected {
			return
		}
		b.mu.Lock()
		fn := b.onDisconn
		b.haveDev = false
		b.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return b, nil
}

// Scan runs a bounded scan and returns the first advertiser whose local
// name matches prefix.
func (b *BlueZBackend) Scan(ctx context.Context, namePrefix string, timeout time.Duration) (string, error) {
	found := make(chan bluetooth.ScanResult, 1)

	timer := time.AfterFunc(timeout, func() {
		_ = b.adapter.StopScan()
	})
	defer timer.Stop()

	go func() {
		<-ctx.Done()
		_ = b.adapter.StopScan()
	}()

	err := b.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !strings.HasPrefix(result.LocalName(), namePrefix) {
			return
		}
		select {
		case found <- result:
		default:
		}
		_ = adapter.StopScan()
	})
	if err != nil {
		return "", fmt.Errorf("scan: %w", err)
	}

	select {
	case result := <-found:
		addr := result.Address.String()
		b.mu.Lock()
		b.scanned[addr] = result.Address
		b.mu.Unlock()
		return addr, nil
	default:
		return "", fmt.Errorf("no peripheral matching %q within %s", namePrefix, timeout)
	}
}

// Connect dials a previously scanned address and discovers all services
// and characteristics.
func (b *BlueZBackend) Connect(ctx context.Context, address string) error {
	b.mu.Lock()
	addr, ok := b.scanned[address]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("address %s was not scanned", address)
	}

	dev, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(10 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", address, err)
	}

	services, err := dev.DiscoverServices(nil)
	if err != nil {
		_ = dev.Disconnect()
		return fmt.Errorf("service discovery: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.device = dev
	b.haveDev = true
	b.services = make(map[string]bool)
	b.chars = make(map[string]bluetooth.DeviceCharacteristic)
	for _, svc := range services {
		b.services[strings.ToLower(svc.UUID().String())] = true
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for _, ch := range chars {
			b.chars[strings.ToLower(ch.UUID().String())] = ch
		}
	}
	return nil
}

// NegotiateMTU is a no-op here: BlueZ negotiates the ATT MTU on its own
// during connection.
func (b *BlueZBackend) NegotiateMTU(mtu uint16) error { return nil }

// HasService reports whether the connected peripheral exposes uuid.
func (b *BlueZBackend) HasService(uuid string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.services[strings.ToLower(uuid)]
}

// Subscribe enables notifications on a characteristic.
func (b *BlueZBackend) Subscribe(charUUID string, fn NotifyFunc) error {
	ch, err := b.char(charUUID)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(func(buf []byte) { fn(buf) })
}

// Write writes a command to a characteristic.
func (b *BlueZBackend) Write(charUUID string, data []byte) error {
	ch, err := b.char(charUUID)
	if err != nil {
		return err
	}
	_, err = ch.WriteWithoutResponse(data)
	return err
}

// Disconnect tears the link down.
func (b *BlueZBackend) Disconnect() error {
	b.mu.Lock()
	have := b.haveDev
	dev := b.device
	b.haveDev = false
	b.mu.Unlock()
	if !have {
		return nil
	}
	return dev.Disconnect()
}

// OnDisconnect registers the link-loss callback.
func (b *BlueZBackend) OnDisconnect(fn func()) {
	b.mu.Lock()
	b.onDisconn = fn
	b.mu.Unlock()
}

func (b *BlueZBackend) char(uuid string) (bluetooth.DeviceCharacteristic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.chars[strings.ToLower(uuid)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not discovered", uuid)
	}
	return ch, nil
}
