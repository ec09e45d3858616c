// Package peer tracks the BLE peers this node has seen and their
// connection status.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/sensorsync/internal/ble"
)

// Status is a peer's connection status.
type Status string

const (
	StatusDiscovered   Status = "discovered"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// ErrStateInconsistency is returned when a status transition is not allowed.
var ErrStateInconsistency = errors.New("peer: invalid status transition")

// ErrUnknownPeer is returned for operations on a peer that was never seen.
var ErrUnknownPeer = errors.New("peer: unknown peer")

var transitions = map[Status][]Status{
	StatusDiscovered:   {StatusConnecting, StatusDisconnected},
	StatusConnecting:   {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusDisconnected},
	StatusDisconnected: {StatusConnecting},
}

// CanTransition reports whether a peer may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Device is one peer as seen by this node.
type Device struct {
	ID       string
	Name     string
	RSSI     int
	LastSeen time.Time
	Status   Status
	// LastDataExchange is zero until the first successful exchange.
	LastDataExchange time.Time
}

// DefaultAllowList holds the name fragments of devices joined automatically.
var DefaultAllowList = []string{"Sensor", "ESP32", "BLE", "Arduino", "P2PNode"}

// Registry holds every peer seen since start, in first-seen order. Peers are
// only removed through Remove. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	order   []string
	devices map[string]*Device
	allow   []string
	logger  *slog.Logger
}

// NewRegistry creates a registry that auto-connects to peers whose name
// contains one of allow, case-insensitively. A nil allow uses
// DefaultAllowList.
func NewRegistry(allow []string, logger *slog.Logger) *Registry {
	if allow == nil {
		allow = DefaultAllowList
	}
	if logger == nil {
		logger = slog.Default()
	}
	lower := make([]string, 0, len(allow))
	for _, a := range allow {
		if a = strings.TrimSpace(a); a != "" {
			lower = append(lower, strings.ToLower(a))
		}
	}
	return &Registry{
		devices: make(map[string]*Device),
		allow:   lower,
		logger:  logger,
	}
}

// Upsert records a sighting. A new peer is inserted as discovered; a known
// one keeps its status and position and gets the sighting's name, RSSI and
// time. An empty name does not erase a known one.
func (r *Registry) Upsert(s ble.Sighting) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[s.ID]
	if !ok {
		d = &Device{ID: s.ID, Status: StatusDiscovered}
		r.devices[s.ID] = d
		r.order = append(r.order, s.ID)
	}
	if s.Name != "" {
		d.Name = s.Name
	}
	d.RSSI = s.RSSI
	d.LastSeen = s.Seen
	return *d
}

// SetStatus moves a peer to status. An invalid transition leaves the peer
// unchanged, is logged, and returns ErrStateInconsistency.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	if !CanTransition(d.Status, status) {
		r.logger.Warn("[PEER] rejected status transition", "peer", id, "from", d.Status, "to", status)
		return fmt.Errorf("%w: %s %s -> %s", ErrStateInconsistency, id, d.Status, status)
	}
	if d.Status != status {
		r.logger.Debug("[PEER] status", "peer", id, "from", d.Status, "to", status)
		d.Status = status
	}
	return nil
}

// ShouldAutoConnect reports whether d names an allow-listed device class and
// is neither connected nor connecting.
func (r *Registry) ShouldAutoConnect(d Device) bool {
	if d.Status == StatusConnected || d.Status == StatusConnecting {
		return false
	}
	name := strings.ToLower(d.Name)
	if name == "" {
		return false
	}
	for _, a := range r.allow {
		if strings.Contains(name, a) {
			return true
		}
	}
	return false
}

// ListVisible returns every known peer in first-seen order.
func (r *Registry) ListVisible() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devices[id])
	}
	return out
}

// Connected returns the connected peers in first-seen order.
func (r *Registry) Connected() []Device {
	var out []Device
	for _, d := range r.ListVisible() {
		if d.Status == StatusConnected {
			out = append(out, d)
		}
	}
	return out
}

// Get returns the peer with the given id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// MarkExchanged records a successful data exchange with the peer.
func (r *Registry) MarkExchanged(id string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	d.LastDataExchange = t
	return nil
}

// Remove forgets a peer. It reports whether the peer was known.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; !ok {
		return false
	}
	delete(r.devices, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}
