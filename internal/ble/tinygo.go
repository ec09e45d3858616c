package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. Peer identifiers are the
// platform address strings: MAC addresses on Linux, CoreBluetooth UUIDs on
// macOS.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	scanning atomic.Bool

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection

	// advMu serializes advertising and GATT server changes.
	advMu       sync.Mutex
	adv         *bluetooth.Advertisement
	advertising bool
	advKey      string
	registered  map[string]bool
	hosted      map[string]*bluetooth.Characteristic
}

// NewTinyGoAdapter creates a BLE adapter on the platform default radio.
func NewTinyGoAdapter(logger *slog.Logger) *TinyGoAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		logger:      logger,
		connections: make(map[string]*tinyGoConnection),
		registered:  make(map[string]bool),
		hosted:      make(map[string]*bluetooth.Characteristic),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo/bluetooth reports peripheral disconnects through the
	// adapter-level handler; route them to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			a.logger.Info("[BLE] peer dropped", "id", id)
			conn.markDone()
		}
	})
	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, filter ScanFilter) (<-chan Sighting, error) {
	var svc bluetooth.UUID
	hasSvc := filter.ServiceUUID != ""
	if hasSvc {
		uuid, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		svc = uuid
	}

	if !a.scanning.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: scan already active", ErrBusy)
	}

	out := make(chan Sighting, 64)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	go func() {
		defer a.scanning.Store(false)
		defer close(out)
		defer close(done)

		err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if ctx.Err() != nil {
				// Cancellation raced the start of the scan.
				_ = adapter.StopScan()
				return
			}
			if hasSvc && !result.HasServiceUUID(svc) {
				return
			}
			name := result.LocalName()
			if filter.NamePrefix != "" && !strings.HasPrefix(name, filter.NamePrefix) {
				return
			}
			s := Sighting{
				ID:   result.Address.String(),
				Name: name,
				RSSI: int(result.RSSI),
				Seen: time.Now(),
			}
			select {
			case out <- s:
			default:
				a.logger.Debug("[BLE] sighting dropped, consumer busy", "id", s.ID)
			}
		})
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("[BLE] scan ended with error", "error", err)
		}
	}()

	return out, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks with its own timeout. Wrap it so
	// ctx cancellation returns immediately.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect may still succeed later; drop it if so.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnection, id, result.err)
		}
		conn := &tinyGoConnection{
			id:     id,
			device: result.device,
			done:   make(chan struct{}),
		}
		conn.onDisconnect = func() {
			a.mu.Lock()
			if a.connections[id] == conn {
				delete(a.connections, id)
			}
			a.mu.Unlock()
		}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	id           string
	device       bluetooth.Device
	done         chan struct{}
	doneOnce     sync.Once
	onDisconnect func()
}

func (c *tinyGoConnection) ID() string { return c.id }

func (c *tinyGoConnection) Done() <-chan struct{} { return c.done }

func (c *tinyGoConnection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("%w: discover services: %w", ErrConnection, err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("%w: service %s not found", ErrConnection, serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("%w: discover characteristics: %w", ErrConnection, err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("%w: characteristic %s not found", ErrConnection, charUUID)
	}

	return &tinyGoCharacteristic{conn: c, char: chars[0]}, nil
}

// Disconnect always succeeds locally; the remote teardown error is logged
// by the caller if it cares.
func (c *tinyGoConnection) Disconnect() error {
	err := c.device.Disconnect()
	c.markDone()
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
	if err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", c.id, err)
	}
	return nil
}

type tinyGoCharacteristic struct {
	conn *tinyGoConnection
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	select {
	case <-c.conn.done:
		return nil, fmt.Errorf("%w: %s: not connected", ErrRead, c.conn.id)
	default:
	}
	buf := make([]byte, DefaultReadBufferLen)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, c.conn.id, err)
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	select {
	case <-c.conn.done:
		return fmt.Errorf("%w: %s: not connected", ErrWrite, c.conn.id)
	default:
	}
	if _, err := c.char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, c.conn.id, err)
	}
	return nil
}

func (c *tinyGoCharacteristic) Subscribe() (*Subscription, error) {
	n := newNotifier(32)
	if err := c.char.EnableNotifications(func(buf []byte) {
		n.deliver(buf)
	}); err != nil {
		return nil, fmt.Errorf("ble: enable notifications: %w", err)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-c.conn.done:
		case <-stop:
		}
		n.close()
	}()

	return NewSubscription(n.ch, func() {
		_ = c.char.EnableNotifications(nil)
		close(stop)
	}), nil
}
