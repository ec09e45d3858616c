// Package ble provides the transport used by sensorsync nodes to find each
// other and move bytes over Bluetooth Low Energy. It exposes scanning,
// advertising, connecting and characteristic I/O behind a small set of
// interfaces so the exchange engine can run against real hardware or an
// in-memory fake.
package ble

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Default GATT contract shared by all sensorsync nodes.
const (
	ServiceUUID          = "12345678-1234-1234-1234-123456789abc"
	ExchangeCharUUID     = "87654321-4321-4321-4321-cba987654321"
	ChatServiceUUID      = "0000feed-0000-1000-8000-00805f9b34fb"
	ChatCharUUID         = "0000beef-0000-1000-8000-00805f9b34fb"
	DefaultLocalName     = "P2PNode"
	DefaultMTU           = 185
	DefaultReadBufferLen = 512
)

// Transport error taxonomy. Implementations wrap the underlying platform
// error together with one of these so callers can use errors.Is.
var (
	ErrPermissionDenied = errors.New("ble: permission denied")
	ErrConnection       = errors.New("ble: connection failed")
	ErrRead             = errors.New("ble: read failed")
	ErrWrite            = errors.New("ble: write failed")
	ErrBusy             = errors.New("ble: radio busy")
	ErrUnsupported      = errors.New("ble: not supported on this platform")
)

// Sighting is a single advertisement received while scanning.
type Sighting struct {
	ID   string // platform-assigned identifier (MAC or CoreBluetooth UUID)
	Name string
	RSSI int
	Seen time.Time
}

// ScanFilter narrows which advertisements are reported. The zero value
// reports everything.
type ScanFilter struct {
	ServiceUUID string
	NamePrefix  string
}

// Characteristic represents a BLE GATT characteristic on a remote peer.
type Characteristic interface {
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Write sends data without response. There is no implicit retry.
	Write(data []byte) error
	// Subscribe enables notifications. Each notification is delivered as one
	// element on the returned subscription.
	Subscribe() (*Subscription, error)
}

// Connection represents an active BLE connection to a peer.
type Connection interface {
	// ID returns the peer identifier the connection was opened for.
	ID() string
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect tears the connection down. Remote teardown is best effort.
	Disconnect() error
	// Done is closed when the connection drops or is disconnected.
	Done() <-chan struct{}
}

// HostedCharacteristic is a characteristic served by the local GATT server.
type HostedCharacteristic struct {
	UUID string
	// OnWrite is invoked with a copy of every value a remote central writes.
	OnWrite func(data []byte)
}

// HostedService is a GATT service served while advertising.
type HostedService struct {
	UUID            string
	Characteristics []HostedCharacteristic
}

// AdvertiseOptions describes how this node presents itself to peers.
type AdvertiseOptions struct {
	LocalName string
	Services  []HostedService
}

// Adapter abstracts the BLE hardware adapter.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan starts scanning and streams sightings until ctx is cancelled.
	// Only one scan may be active at a time; a concurrent call fails with ErrBusy.
	Scan(ctx context.Context, filter ScanFilter) (<-chan Sighting, error)
	// Advertise registers the hosted services and starts advertising.
	// Calling it again with identical options is a no-op; different options
	// restart advertising cleanly.
	Advertise(opts AdvertiseOptions) error
	// StopAdvertising stops advertising. It is safe to call when idle.
	StopAdvertising() error
	// Publish replaces the value served by a hosted characteristic and
	// notifies subscribed centrals.
	Publish(charUUID string, value []byte) error
	// Connect establishes a connection to the peer with the given identifier.
	Connect(ctx context.Context, id string) (Connection, error)
}

// PermissionChecker verifies the runtime permissions needed before any
// Adapter call. A denial is recoverable: the caller may ask again later.
type PermissionChecker interface {
	CheckPermissions(ctx context.Context) error
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context) error

func (f PermissionFunc) CheckPermissions(ctx context.Context) error { return f(ctx) }

// Granted is a PermissionChecker for platforms without runtime prompts.
var Granted PermissionChecker = PermissionFunc(func(context.Context) error { return nil })

// Key is a stable identity for the options, used to make Advertise
// idempotent. Write callbacks are not part of the identity.
func (o AdvertiseOptions) Key() string {
	parts := []string{o.LocalName}
	for _, svc := range o.Services {
		chars := make([]string, 0, len(svc.Characteristics))
		for _, c := range svc.Characteristics {
			chars = append(chars, strings.ToLower(c.UUID))
		}
		sort.Strings(chars)
		parts = append(parts, strings.ToLower(svc.UUID)+"["+strings.Join(chars, ",")+"]")
	}
	return strings.Join(parts, "|")
}
