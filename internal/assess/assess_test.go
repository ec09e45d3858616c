package assess

import (
	"math"
	"testing"

	"github.com/chaz8081/sensorsync/internal/record"
)

var origin = record.Position{Lat: 55.75, Lng: 37.61}

func at(lat, lng float64) *record.Position {
	return &record.Position{Lat: lat, Lng: lng}
}

func sensor(id string, temp, hum float64, pos *record.Position) record.Record {
	return record.Record{
		DeviceID:    id,
		Temperature: record.Float(temp),
		Humidity:    record.Float(hum),
		Position:    pos,
	}
}

func TestDistance(t *testing.T) {
	if d := Distance(origin, origin); d != 0 {
		t.Errorf("Distance(same) = %v, want 0", d)
	}
	// One degree of latitude on a 6378137 m sphere.
	want := 2 * math.Pi * earthRadius / 360
	got := Distance(record.Position{Lat: 0, Lng: 0}, record.Position{Lat: 1, Lng: 0})
	if math.Abs(got-want) > 1 {
		t.Errorf("Distance(1° lat) = %v, want %v", got, want)
	}
}

func TestSectorOf(t *testing.T) {
	tests := []struct {
		name     string
		dLat     float64
		dLng     float64
		expected Sector
	}{
		{"north", 1, 0, North},
		{"north east", 1, 1, NorthEast},
		{"east", 0, 1, East},
		{"south east", -1, 1, SouthEast},
		{"south", -1, 0, South},
		{"south west", -1, -1, SouthWest},
		{"west", 0, -1, West},
		{"north west", 1, -1, NorthWest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to := record.Position{Lat: origin.Lat + tt.dLat, Lng: origin.Lng + tt.dLng}
			if got := SectorOf(origin, to); got != tt.expected {
				t.Errorf("SectorOf() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		rec      record.Record
		distance float64
		expected int
	}{
		{"calm and far", sensor("a", 20, 50, nil), 1000, 1},
		{"hot and near", sensor("a", 41, 50, nil), 50, 5},
		{"humid mid range", sensor("a", 20, 90, nil), 200, 3},
		{"worst case", sensor("a", 45, 95, nil), 10, 6},
		{"thresholds are exclusive", sensor("a", 40, 85, nil), 100, 2},
		{"missing measurements", record.Record{DeviceID: "a"}, 600, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.rec, tt.distance); got != tt.expected {
				t.Errorf("Score() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestEvaluateEmpty(t *testing.T) {
	a := Evaluate(nil, origin)
	if a.ThreatPercent != 0 || a.SafeSector != North || a.Scored != 0 {
		t.Errorf("Evaluate(nil) = %+v", a)
	}
	if len(a.SectorScores) != len(Sectors) {
		t.Errorf("SectorScores has %d sectors, want %d", len(a.SectorScores), len(Sectors))
	}
}

func TestEvaluateSkipsRecordsWithoutPosition(t *testing.T) {
	a := Evaluate([]record.Record{sensor("a", 50, 90, nil)}, origin)
	if a.Scored != 0 || a.ThreatPercent != 0 {
		t.Errorf("Evaluate() = %+v, want nothing scored", a)
	}
}

func TestEvaluateThreatAndSafeSector(t *testing.T) {
	records := []record.Record{
		// Hot, humid and right next to the user, to the north.
		sensor("n", 45, 90, at(origin.Lat+0.0001, origin.Lng)),
		// Calm and far away to the east.
		sensor("e", 20, 40, at(origin.Lat, origin.Lng+1)),
	}
	a := Evaluate(records, origin)

	if a.Scored != 2 {
		t.Fatalf("Scored = %d, want 2", a.Scored)
	}
	if a.SectorScores[North] != 6 || a.SectorScores[East] != 1 {
		t.Errorf("SectorScores = %v", a.SectorScores)
	}
	// (6 + 1) / 12 = 58.3 %
	if a.ThreatPercent != 58 {
		t.Errorf("ThreatPercent = %d, want 58", a.ThreatPercent)
	}
	// Six sectors tie at zero; the last of them in compass order wins.
	if a.SafeSector != NorthWest {
		t.Errorf("SafeSector = %s, want NW", a.SafeSector)
	}
}

func TestEvaluateAllSectorsScored(t *testing.T) {
	var records []record.Record
	for i, s := range Sectors {
		h := s.Heading() * math.Pi / 180
		pos := at(origin.Lat+math.Cos(h), origin.Lng+math.Sin(h))
		temp := 20.0
		if s != SouthWest {
			temp = 45
		}
		records = append(records, sensor(string(rune('a'+i)), temp, 50, pos))
	}
	a := Evaluate(records, origin)
	if a.SafeSector != SouthWest {
		t.Errorf("SafeSector = %s, want SW; scores %v", a.SafeSector, a.SectorScores)
	}
	if a.ThreatPercent > 100 {
		t.Errorf("ThreatPercent = %d, capped at 100", a.ThreatPercent)
	}
}
