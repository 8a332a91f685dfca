// Package wearable owns the BLE session to the body-worn heart/ECG sensor:
// throttled discovery, the standard heart-rate stream and the vendor-gated
// raw ECG stream.
package wearable

import (
	"context"
	"time"
)

// GATT identifiers. The vendor stream is the Polar Measurement Data (PMD)
// service: a request/response control characteristic gating a notified
// data characteristic.
const (
	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"

	PMDServiceUUID = "fb005c80-02e7-f387-1cad-8acd2d8df0c8"
	PMDControlUUID = "fb005c81-02e7-f387-1cad-8acd2d8df0c8"
	PMDDataUUID    = "fb005c82-02e7-f387-1cad-8acd2d8df0c8"
)

// NotifyFunc receives one characteristic notification. It runs on the BLE
// stack's callback context: enqueue or set a flag, nothing else.
type NotifyFunc func(data []byte)

// Backend abstracts the BLE central stack for testability. A session uses
// it strictly in order: Scan, Connect, NegotiateMTU, Subscribe/Write.
type Backend interface {
	// Scan looks for an advertising peripheral whose name matches prefix;
	// the first match stops the scan. Bounded by timeout.
	Scan(ctx context.Context, namePrefix string, timeout time.Duration) (address string, err error)
	Connect(ctx context.Context, address string) error
	// NegotiateMTU asks for a larger notification size; best effort.
	NegotiateMTU(mtu uint16) error
	// HasService reports whether the connected peripheral exposes uuid.
	HasService(uuid string) bool
	Subscribe(charUUID string, fn NotifyFunc) error
	Write(charUUID string, data []byte) error
	Disconnect() error
	// OnDisconnect registers a link-loss callback.
	OnDisconnect(fn func())
}
