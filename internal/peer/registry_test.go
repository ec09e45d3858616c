package peer

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/chaz8081/sensorsync/internal/ble"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sighting(id, name string, rssi int) ble.Sighting {
	return ble.Sighting{ID: id, Name: name, RSSI: rssi, Seen: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestUpsertInsertsDiscovered(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	d := r.Upsert(sighting("AA:BB", "SensorNode-ESP32", -60))

	if d.Status != StatusDiscovered {
		t.Errorf("Status = %q, want %q", d.Status, StatusDiscovered)
	}
	if d.RSSI != -60 || d.Name != "SensorNode-ESP32" {
		t.Errorf("Upsert() = %+v", d)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	r.Upsert(sighting("A", "one", -40))
	r.Upsert(sighting("B", "two", -50))
	before := r.ListVisible()

	r.Upsert(sighting("A", "one", -40))
	r.Upsert(sighting("A", "one", -40))

	if after := r.ListVisible(); !reflect.DeepEqual(before, after) {
		t.Errorf("ListVisible() changed:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	r.Upsert(sighting("A", "one", -40))
	r.Upsert(sighting("B", "two", -50))
	if err := r.SetStatus("A", StatusConnecting); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	later := sighting("A", "", -70)
	later.Seen = later.Seen.Add(time.Minute)
	r.Upsert(later)

	got := r.ListVisible()
	if got[0].ID != "A" || got[1].ID != "B" {
		t.Fatalf("order = %s,%s; want A,B", got[0].ID, got[1].ID)
	}
	if got[0].RSSI != -70 || !got[0].LastSeen.Equal(later.Seen) {
		t.Errorf("A not refreshed: %+v", got[0])
	}
	if got[0].Name != "one" {
		t.Errorf("Name = %q, want previous name kept", got[0].Name)
	}
	if got[0].Status != StatusConnecting {
		t.Errorf("Status = %q, want connecting preserved", got[0].Status)
	}
}

func TestSetStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDiscovered, StatusConnecting, true},
		{StatusDiscovered, StatusDisconnected, true},
		{StatusDiscovered, StatusConnected, false},
		{StatusConnecting, StatusConnected, true},
		{StatusConnecting, StatusDisconnected, true},
		{StatusConnected, StatusDisconnected, true},
		{StatusConnected, StatusConnecting, false},
		{StatusConnected, StatusDiscovered, false},
		{StatusDisconnected, StatusConnecting, true},
		{StatusDisconnected, StatusConnected, false},
		{StatusConnected, StatusConnected, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestSetStatusRejectsConnectedToConnecting(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	r.Upsert(sighting("A", "Sensor", -40))
	for _, s := range []Status{StatusConnecting, StatusConnected} {
		if err := r.SetStatus("A", s); err != nil {
			t.Fatalf("SetStatus(%s) error = %v", s, err)
		}
	}

	err := r.SetStatus("A", StatusConnecting)
	if !errors.Is(err, ErrStateInconsistency) {
		t.Fatalf("SetStatus() error = %v, want ErrStateInconsistency", err)
	}
	if d, _ := r.Get("A"); d.Status != StatusConnected {
		t.Errorf("Status = %q, want connected kept", d.Status)
	}
}

func TestSetStatusUnknownPeer(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	if err := r.SetStatus("nope", StatusConnecting); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("SetStatus() error = %v, want ErrUnknownPeer", err)
	}
}

func TestShouldAutoConnect(t *testing.T) {
	r := NewRegistry([]string{"Sensor", "ESP32", "BLE", "Arduino"}, quietLogger())
	tests := []struct {
		name string
		dev  Device
		want bool
	}{
		{"allow-listed discovered", Device{Name: "SensorNode-ESP32", Status: StatusDiscovered}, true},
		{"case insensitive", Device{Name: "my-esp32-board", Status: StatusDiscovered}, true},
		{"disconnected may reconnect", Device{Name: "Arduino Nano", Status: StatusDisconnected}, true},
		{"not listed", Device{Name: "Headphones", Status: StatusDiscovered}, false},
		{"no name", Device{Status: StatusDiscovered}, false},
		{"already connected", Device{Name: "Sensor", Status: StatusConnected}, false},
		{"already connecting", Device{Name: "Sensor", Status: StatusConnecting}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.ShouldAutoConnect(tt.dev); got != tt.want {
				t.Errorf("ShouldAutoConnect(%+v) = %v, want %v", tt.dev, got, tt.want)
			}
		})
	}
}

func TestConnectedMarkExchangedRemove(t *testing.T) {
	r := NewRegistry(nil, quietLogger())
	r.Upsert(sighting("A", "Sensor-A", -40))
	r.Upsert(sighting("B", "Sensor-B", -40))
	_ = r.SetStatus("B", StatusConnecting)
	_ = r.SetStatus("B", StatusConnected)

	if got := r.Connected(); len(got) != 1 || got[0].ID != "B" {
		t.Fatalf("Connected() = %+v, want [B]", got)
	}

	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := r.MarkExchanged("B", at); err != nil {
		t.Fatalf("MarkExchanged() error = %v", err)
	}
	if d, _ := r.Get("B"); !d.LastDataExchange.Equal(at) {
		t.Errorf("LastDataExchange = %v, want %v", d.LastDataExchange, at)
	}

	if !r.Remove("A") {
		t.Error("Remove(A) = false, want true")
	}
	if r.Remove("A") {
		t.Error("second Remove(A) = true, want false")
	}
	if got := r.ListVisible(); len(got) != 1 || got[0].ID != "B" {
		t.Errorf("ListVisible() = %+v, want [B]", got)
	}
}
