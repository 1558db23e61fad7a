package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// pointNorth returns a point the given number of meters due north of the
// origin. For a pure latitude displacement the haversine distance is
// exactly radius * dLat, so these fixtures hit exact distances.
func pointNorth(meters float64) Point {
	return Point{Lat: meters / earthRadiusMeters * 180 / math.Pi, Lng: 0}
}

func TestDistance(t *testing.T) {
	origin := Point{}

	assert.InDelta(t, 0, Distance(origin, origin), 0.001)
	assert.InDelta(t, 100, Distance(origin, pointNorth(100)), 0.01)

	// symmetric
	a, b := Point{Lat: 48.8566, Lng: 2.3522}, Point{Lat: 51.5074, Lng: -0.1278}
	assert.InDelta(t, Distance(a, b), Distance(b, a), 0.001)

	// Paris -> London is roughly 344 km
	assert.InDelta(t, 344000, Distance(a, b), 2000)
}

func TestPolicyAdmit(t *testing.T) {
	fence := Fence{RadiusMeters: 60, AccuracyMeters: 50}
	pol := DefaultPolicy()

	tests := []struct {
		name     string
		fix      Fix
		admitted bool
		reason   Reason
	}{
		{
			name:     "inside radius",
			fix:      Fix{Point: pointNorth(40), AccuracyMeters: 10},
			admitted: true,
			reason:   ReasonOK,
		},
		{
			name:     "boundary: 109m within radius+max(accuracies)=110",
			fix:      Fix{Point: pointNorth(109), AccuracyMeters: 10},
			admitted: true,
			reason:   ReasonOK,
		},
		{
			name:   "boundary: 111m exceeds tolerance",
			fix:    Fix{Point: pointNorth(111), AccuracyMeters: 10},
			reason: ReasonOutOfRange,
		},
		{
			name:     "student accuracy widens the ring when larger",
			fix:      Fix{Point: pointNorth(130), AccuracyMeters: 80},
			admitted: true,
			reason:   ReasonOK,
		},
		{
			name:   "implausibly coarse accuracy rejected even in range",
			fix:    Fix{Point: pointNorth(20), AccuracyMeters: 350},
			reason: ReasonAccuracyCoarse,
		},
		{
			name:   "near-zero distance with poor accuracy is suspect",
			fix:    Fix{Point: pointNorth(2), AccuracyMeters: 45},
			reason: ReasonSpoofSuspected,
		},
		{
			name:     "near-zero distance with good accuracy is fine",
			fix:      Fix{Point: pointNorth(2), AccuracyMeters: 8},
			admitted: true,
			reason:   ReasonOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := pol.Admit(tt.fix, fence)
			assert.Equal(t, tt.admitted, d.Admitted)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestPolicyAdmitReportsDistances(t *testing.T) {
	fence := Fence{RadiusMeters: 60, AccuracyMeters: 50}
	d := DefaultPolicy().Admit(Fix{Point: pointNorth(150), AccuracyMeters: 10}, fence)

	assert.False(t, d.Admitted)
	assert.InDelta(t, 150, d.DistanceMeters, 0.1)
	assert.InDelta(t, 110, d.AllowedMeters, 0.001)
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	var pol Policy
	d := pol.Admit(Fix{Point: pointNorth(10), AccuracyMeters: 400}, Fence{RadiusMeters: 60})
	assert.Equal(t, ReasonAccuracyCoarse, d.Reason)
}
