// Package assess turns the merged sensor records into a threat view around
// a user position: an overall threat percentage and the compass sector with
// the lowest accumulated score.
package assess

import (
	"math"

	"github.com/chaz8081/sensorsync/internal/record"
)

// Sector is one of the eight compass sectors.
type Sector string

const (
	North     Sector = "N"
	NorthEast Sector = "NE"
	East      Sector = "E"
	SouthEast Sector = "SE"
	South     Sector = "S"
	SouthWest Sector = "SW"
	West      Sector = "W"
	NorthWest Sector = "NW"
)

// Sectors lists the compass sectors in the order used to break ties.
var Sectors = []Sector{North, NorthEast, East, SouthEast, South, SouthWest, West, NorthWest}

// Heading returns the sector's bearing in degrees, clockwise from north,
// in the range (-180, 180].
func (s Sector) Heading() float64 {
	switch s {
	case NorthEast:
		return 45
	case East:
		return 90
	case SouthEast:
		return 135
	case South:
		return 180
	case SouthWest:
		return -135
	case West:
		return -90
	case NorthWest:
		return -45
	default:
		return 0
	}
}

const (
	earthRadius = 6378137.0 // metres

	hotTemperature = 40.0
	wetHumidity    = 85.0
	nearDistance   = 100.0
	midDistance    = 500.0

	maxScore = 6
)

// Assessment is the threat view for one user position.
type Assessment struct {
	ThreatPercent int
	SafeSector    Sector
	SectorScores  map[Sector]int
	// Scored is the number of records that carried a position.
	Scored int
}

// Evaluate scores every record that has a position relative to user.
// Each record scores 2 when hotter than 40 °C, 1 when more humid than 85 %,
// and 3, 2 or 1 when closer than 100 m, closer than 500 m or further away.
// With no positioned records the threat is zero and the safe sector is
// north.
func Evaluate(records []record.Record, user record.Position) Assessment {
	a := Assessment{
		SafeSector:   North,
		SectorScores: make(map[Sector]int, len(Sectors)),
	}
	for _, s := range Sectors {
		a.SectorScores[s] = 0
	}

	total := 0
	for _, r := range records {
		if r.Position == nil {
			continue
		}
		score := Score(r, Distance(user, *r.Position))
		total += score
		a.SectorScores[SectorOf(user, *r.Position)] += score
		a.Scored++
	}
	if a.Scored == 0 {
		return a
	}

	pct := int(math.Round(float64(total) / float64(a.Scored*maxScore) * 100))
	a.ThreatPercent = min(pct, 100)

	safest := Sectors[0]
	for _, s := range Sectors[1:] {
		if a.SectorScores[s] <= a.SectorScores[safest] {
			safest = s
		}
	}
	a.SafeSector = safest
	return a
}

// Score rates a single record at the given distance in metres.
func Score(r record.Record, distance float64) int {
	score := 0
	if r.Temperature != nil && *r.Temperature > hotTemperature {
		score += 2
	}
	if r.Humidity != nil && *r.Humidity > wetHumidity {
		score++
	}
	switch {
	case distance < nearDistance:
		score += 3
	case distance < midDistance:
		score += 2
	default:
		score++
	}
	return score
}

// Distance returns the great-circle distance between a and b in metres.
func Distance(a, b record.Position) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}

// SectorOf returns the compass sector of to as seen from from, using the
// planar angle between the coordinate deltas.
func SectorOf(from, to record.Position) Sector {
	angle := math.Atan2(to.Lat-from.Lat, to.Lng-from.Lng) * 180 / math.Pi
	switch {
	case angle >= -22.5 && angle < 22.5:
		return East
	case angle >= 22.5 && angle < 67.5:
		return NorthEast
	case angle >= 67.5 && angle < 112.5:
		return North
	case angle >= 112.5 && angle < 157.5:
		return NorthWest
	case angle >= 157.5 || angle < -157.5:
		return West
	case angle >= -157.5 && angle < -112.5:
		return SouthWest
	case angle >= -112.5 && angle < -67.5:
		return South
	default:
		return SouthEast
	}
}
