package geo

import "math"

const earthRadiusMeters = 6371000

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fix is a device location sample with its reported accuracy.
type Fix struct {
	Point
	AccuracyMeters float64 `json:"accuracy_m"`
}

// Fence is the acceptance region anchored at the lecturer's position.
// AccuracyMeters is the accuracy of the anchor fix itself, recorded when
// the session location was locked.
type Fence struct {
	Point
	RadiusMeters   float64 `json:"radius_m"`
	AccuracyMeters float64 `json:"accuracy_m"`
}

// Distance returns the great-circle (haversine) distance between two
// points in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Reason explains a rejection in machine-readable form.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonOutOfRange     Reason = "out_of_range"
	ReasonAccuracyCoarse Reason = "accuracy_too_coarse"
	ReasonSpoofSuspected Reason = "spoof_suspected"
)

// Decision is the outcome of an admission check, carrying the computed
// numbers so callers can render a precise message.
type Decision struct {
	Admitted       bool
	Reason         Reason
	DistanceMeters float64
	AllowedMeters  float64
}

// Policy holds the admission thresholds. Zero values are replaced by
// defaults so a zero Policy behaves sensibly.
type Policy struct {
	// MaxAccuracyMeters rejects fixes coarser than this outright;
	// such readings come from network/IP geolocation, not device GPS.
	MaxAccuracyMeters float64
	// SpoofDistanceMeters and SpoofAccuracyMeters together flag a
	// near-zero distance reported with poor accuracy: a reading that
	// close is only trustworthy when accuracy is good.
	SpoofDistanceMeters float64
	SpoofAccuracyMeters float64
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAccuracyMeters:   300,
		SpoofDistanceMeters: 5,
		SpoofAccuracyMeters: 30,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAccuracyMeters <= 0 {
		p.MaxAccuracyMeters = d.MaxAccuracyMeters
	}
	if p.SpoofDistanceMeters <= 0 {
		p.SpoofDistanceMeters = d.SpoofDistanceMeters
	}
	if p.SpoofAccuracyMeters <= 0 {
		p.SpoofAccuracyMeters = d.SpoofAccuracyMeters
	}
	return p
}

// Admit decides whether a student fix falls inside the fence. The
// tolerance is fence radius plus the larger of the two reported
// accuracies, so a noisy fix on either side widens the ring rather than
// penalising the student.
func (p Policy) Admit(fix Fix, fence Fence) Decision {
	p = p.withDefaults()

	dist := Distance(fix.Point, fence.Point)
	allowed := fence.RadiusMeters + math.Max(fix.AccuracyMeters, fence.AccuracyMeters)
	d := Decision{DistanceMeters: dist, AllowedMeters: allowed}

	if fix.AccuracyMeters > p.MaxAccuracyMeters {
		d.Reason = ReasonAccuracyCoarse
		return d
	}
	if dist < p.SpoofDistanceMeters && fix.AccuracyMeters > p.SpoofAccuracyMeters {
		d.Reason = ReasonSpoofSuspected
		return d
	}
	if dist > allowed {
		d.Reason = ReasonOutOfRange
		return d
	}
	d.Admitted = true
	d.Reason = ReasonOK
	return d
}
