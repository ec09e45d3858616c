// Package bletest provides an in-memory ble.Adapter for tests. Remote peers
// are scripted: tests decide what each scan reports, what each
// characteristic returns, and when reads, writes or connects fail.
package bletest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/sensorsync/internal/ble"
)

// Characteristic is a scripted remote characteristic.
type Characteristic struct {
	mu       sync.Mutex
	value    []byte
	readErr  error
	writeErr error
	maxWrite int
	writes   [][]byte
	reads    int
	subs     []chan []byte
}

// SetValue sets what the next Read returns.
func (c *Characteristic) SetValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
}

// FailReads makes every Read fail with err (nil clears it).
func (c *Characteristic) FailReads(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
}

// FailWrites makes every Write fail with err (nil clears it).
func (c *Characteristic) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// LimitWrites makes a Write longer than n bytes fail, as a link with an
// ATT payload of n bytes would (0 clears it).
func (c *Characteristic) LimitWrites(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxWrite = n
}

// Writes returns a copy of every value written so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Reads returns how many reads have been attempted.
func (c *Characteristic) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// Notify delivers data to every active subscriber.
func (c *Characteristic) Notify(data []byte) {
	c.mu.Lock()
	subs := append([]chan []byte(nil), c.subs...)
	c.mu.Unlock()
	for _, ch := range subs {
		ch <- append([]byte(nil), data...)
	}
}

// Peer is a scripted remote device.
type Peer struct {
	ID   string
	Name string
	RSSI int

	mu       sync.Mutex
	services map[string]map[string]*Characteristic
}

// NewPeer creates a peer with no characteristics.
func NewPeer(id, name string, rssi int) *Peer {
	return &Peer{ID: id, Name: name, RSSI: rssi, services: make(map[string]map[string]*Characteristic)}
}

// Characteristic returns (creating if needed) the characteristic with the
// given UUIDs.
func (p *Peer) Characteristic(serviceUUID, charUUID string) *Characteristic {
	p.mu.Lock()
	defer p.mu.Unlock()
	chars, ok := p.services[serviceUUID]
	if !ok {
		chars = make(map[string]*Characteristic)
		p.services[serviceUUID] = chars
	}
	c, ok := chars[charUUID]
	if !ok {
		c = &Characteristic{}
		chars[charUUID] = c
	}
	return c
}

func (p *Peer) lookup(serviceUUID, charUUID string) (*Characteristic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.services[serviceUUID][charUUID]
	return c, ok
}

func (p *Peer) hasService(serviceUUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.services[serviceUUID]
	return ok
}

// Sighting returns the advertisement a scan reports for this peer.
func (p *Peer) Sighting() ble.Sighting {
	return ble.Sighting{ID: p.ID, Name: p.Name, RSSI: p.RSSI, Seen: time.Now()}
}

// Adapter is an in-memory ble.Adapter.
type Adapter struct {
	mu          sync.Mutex
	enabled     bool
	enableErr   error
	peers       map[string]*Peer
	visible     []string
	connectErr  map[string]error
	connects    map[string]int
	conns       map[string]*Connection
	scanning    bool
	scans       int
	advertising bool
	advKey      string
	advStarts   int
	advOpts     ble.AdvertiseOptions
	published   map[string][]byte
}

// NewAdapter creates an adapter that knows about the given peers. All of
// them are reported by every scan until Hide is called.
func NewAdapter(peers ...*Peer) *Adapter {
	a := &Adapter{
		peers:      make(map[string]*Peer),
		connectErr: make(map[string]error),
		connects:   make(map[string]int),
		conns:      make(map[string]*Connection),
		published:  make(map[string][]byte),
	}
	for _, p := range peers {
		a.AddPeer(p)
	}
	return a
}

// AddPeer makes p reachable and visible to scans.
func (a *Adapter) AddPeer(p *Peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.peers[p.ID]; !ok {
		a.visible = append(a.visible, p.ID)
	}
	a.peers[p.ID] = p
}

// Hide stops scans from reporting the peer. It stays connectable.
func (a *Adapter) Hide(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, v := range a.visible {
		if v == id {
			a.visible = append(a.visible[:i], a.visible[i+1:]...)
			return
		}
	}
}

// Enabled reports whether Enable succeeded.
func (a *Adapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// FailEnable makes Enable return err.
func (a *Adapter) FailEnable(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableErr = err
}

// FailConnect makes Connect to id fail with err (nil clears it).
func (a *Adapter) FailConnect(id string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.connectErr, id)
		return
	}
	a.connectErr[id] = err
}

// ConnectCalls returns how many times Connect was called for id.
func (a *Adapter) ConnectCalls(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects[id]
}

// Connection returns the most recent connection to id.
func (a *Adapter) Connection(id string) *Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[id]
}

// Scans returns how many scans have been started.
func (a *Adapter) Scans() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

// Scanning reports whether a scan is active.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// Advertising reports whether advertising is active and how many times it
// was (re)started.
func (a *Adapter) Advertising() (bool, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising, a.advStarts
}

// Published returns the value last published for charUUID.
func (a *Adapter) Published(charUUID string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published[charUUID]
}

// SimulateWrite behaves as if a remote central wrote data to a hosted
// characteristic.
func (a *Adapter) SimulateWrite(charUUID string, data []byte) error {
	a.mu.Lock()
	opts := a.advOpts
	adv := a.advertising
	a.mu.Unlock()
	if !adv {
		return fmt.Errorf("bletest: not advertising")
	}
	for _, svc := range opts.Services {
		for _, c := range svc.Characteristics {
			if c.UUID == charUUID && c.OnWrite != nil {
				c.OnWrite(append([]byte(nil), data...))
				return nil
			}
		}
	}
	return fmt.Errorf("bletest: characteristic %s not hosted", charUUID)
}

func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enableErr != nil {
		return a.enableErr
	}
	a.enabled = true
	return nil
}

func (a *Adapter) Scan(ctx context.Context, filter ble.ScanFilter) (<-chan ble.Sighting, error) {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: scan already active", ble.ErrBusy)
	}
	a.scanning = true
	a.scans++
	var sightings []ble.Sighting
	for _, id := range a.visible {
		p := a.peers[id]
		if !strings.HasPrefix(p.Name, filter.NamePrefix) {
			continue
		}
		if filter.ServiceUUID != "" && !p.hasService(filter.ServiceUUID) {
			continue
		}
		sightings = append(sightings, p.Sighting())
	}
	a.mu.Unlock()

	out := make(chan ble.Sighting, len(sightings))
	for _, s := range sightings {
		out <- s
	}
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
		close(out)
	}()
	return out, nil
}

func (a *Adapter) Advertise(opts ble.AdvertiseOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := opts.Key()
	if a.advertising && a.advKey == key {
		return nil
	}
	a.advertising = true
	a.advKey = key
	a.advOpts = opts
	a.advStarts++
	return nil
}

func (a *Adapter) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertising = false
	a.advKey = ""
	return nil
}

func (a *Adapter) Publish(charUUID string, value []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.published[charUUID] = append([]byte(nil), value...)
	return nil
}

func (a *Adapter) Connect(ctx context.Context, id string) (ble.Connection, error) {
	a.mu.Lock()
	a.connects[id]++
	err := a.connectErr[id]
	p, ok := a.peers[id]
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ble.ErrConnection, id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ble.ErrConnection, id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s: unreachable", ble.ErrConnection, id)
	}

	conn := &Connection{peer: p, done: make(chan struct{})}
	a.mu.Lock()
	a.conns[id] = conn
	a.mu.Unlock()
	return conn, nil
}

// Compile-time check that Adapter implements ble.Adapter.
var _ ble.Adapter = (*Adapter)(nil)

// Connection is an in-memory ble.Connection.
type Connection struct {
	peer *Peer

	mu           sync.Mutex
	done         chan struct{}
	disconnected bool
}

func (c *Connection) ID() string { return c.peer.ID }

func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	char, ok := c.peer.lookup(serviceUUID, charUUID)
	if !ok {
		return nil, fmt.Errorf("%w: characteristic %s not found", ble.ErrConnection, charUUID)
	}
	return &characteristic{conn: c, char: char}, nil
}

func (c *Connection) Disconnect() error {
	c.SimulateDisconnect()
	return nil
}

// Disconnected reports whether the connection was torn down.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// SimulateDisconnect drops the connection as if the peer went away.
func (c *Connection) SimulateDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		c.disconnected = true
		close(c.done)
	}
}

type characteristic struct {
	conn *Connection
	char *Characteristic
}

func (c *characteristic) Read() ([]byte, error) {
	if c.conn.Disconnected() {
		return nil, fmt.Errorf("%w: %s: not connected", ble.ErrRead, c.conn.ID())
	}
	c.char.mu.Lock()
	defer c.char.mu.Unlock()
	c.char.reads++
	if c.char.readErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ble.ErrRead, c.conn.ID(), c.char.readErr)
	}
	return append([]byte(nil), c.char.value...), nil
}

func (c *characteristic) Write(data []byte) error {
	if c.conn.Disconnected() {
		return fmt.Errorf("%w: %s: not connected", ble.ErrWrite, c.conn.ID())
	}
	c.char.mu.Lock()
	defer c.char.mu.Unlock()
	if c.char.writeErr != nil {
		return fmt.Errorf("%w: %s: %w", ble.ErrWrite, c.conn.ID(), c.char.writeErr)
	}
	if c.char.maxWrite > 0 && len(data) > c.char.maxWrite {
		return fmt.Errorf("%w: %s: %d bytes exceeds %d", ble.ErrWrite, c.conn.ID(), len(data), c.char.maxWrite)
	}
	c.char.writes = append(c.char.writes, append([]byte(nil), data...))
	return nil
}

func (c *characteristic) Subscribe() (*ble.Subscription, error) {
	in := make(chan []byte, 16)
	out := make(chan []byte, 16)
	c.char.mu.Lock()
	c.char.subs = append(c.char.subs, in)
	c.char.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case data := <-in:
				out <- data
			case <-stop:
				return
			case <-c.conn.done:
				return
			}
		}
	}()

	return ble.NewSubscription(out, func() {
		c.char.mu.Lock()
		for i, ch := range c.char.subs {
			if ch == in {
				c.char.subs = append(c.char.subs[:i], c.char.subs[i+1:]...)
				break
			}
		}
		c.char.mu.Unlock()
		close(stop)
	}), nil
}
