package geofence

import (
	"errors"
	"fmt"
	"math"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// The engine is a pure geometric evaluator: given a point and a geofence it
// returns membership and signed distance to the boundary. It holds no mutable
// state and is safe for concurrent use from any number of goroutines.

const earthRadiusMeters = 6371000.0

var (
	ErrInvalidGeofence = errors.New("invalid geofence definition")
)

// DefaultAccuracyThresholdMeters is the fix accuracy above which evaluations
// are tagged low confidence so the violation detector can apply stricter
// debouncing.
const DefaultAccuracyThresholdMeters = 100.0

type Engine struct {
	// AccuracyThresholdMeters above which a fix is tagged low confidence.
	AccuracyThresholdMeters float64
}

func NewEngine(accuracyThresholdMeters float64) *Engine {
	if accuracyThresholdMeters <= 0 {
		accuracyThresholdMeters = DefaultAccuracyThresholdMeters
	}
	return &Engine{AccuracyThresholdMeters: accuracyThresholdMeters}
}

// Evaluate tests a point against a geofence. DistanceToBoundaryMeters is
// positive inside the fence and negative outside. accuracyMeters is the
// horizontal accuracy of the fix and only affects the LowConfidence tag.
func (e *Engine) Evaluate(
	point datamodel.Point,
	accuracyMeters float64,
	fence datamodel.Geofence) (datamodel.Evaluation, error) {

	var eval datamodel.Evaluation
	var err error

	switch fence.Shape.Kind {
	case datamodel.ShapeCircle:
		eval, err = evaluateCircle(point, fence.Shape)
	case datamodel.ShapePolygon:
		eval, err = evaluatePolygon(point, fence.Shape)
	default:
		return datamodel.Evaluation{}, fmt.Errorf("%w: unknown shape kind %q", ErrInvalidGeofence, fence.Shape.Kind)
	}
	if err != nil {
		return datamodel.Evaluation{}, err
	}

	eval.LowConfidence = accuracyMeters > e.AccuracyThresholdMeters
	return eval, nil
}

func evaluateCircle(point datamodel.Point, shape datamodel.Shape) (datamodel.Evaluation, error) {
	if shape.RadiusMeters <= 0 {
		return datamodel.Evaluation{}, fmt.Errorf("%w: circle radius must be positive", ErrInvalidGeofence)
	}
	dist := Haversine(point, shape.Center)
	return datamodel.Evaluation{
		Inside:                   dist <= shape.RadiusMeters,
		DistanceToBoundaryMeters: shape.RadiusMeters - dist,
	}, nil
}

func evaluatePolygon(point datamodel.Point, shape datamodel.Shape) (datamodel.Evaluation, error) {
	if len(shape.Vertices) < 3 {
		return datamodel.Evaluation{}, fmt.Errorf("%w: polygon needs at least 3 vertices, got %d", ErrInvalidGeofence, len(shape.Vertices))
	}

	// Project the ring onto a local planar approximation centered on the
	// point. The equirectangular error is negligible at site scale.
	ring := make([][2]float64, len(shape.Vertices))
	for i, v := range shape.Vertices {
		ring[i] = project(point, v)
	}
	origin := [2]float64{0, 0}

	inside := rayCast(origin, ring)
	minDist := math.MaxFloat64
	for i := range ring {
		j := (i + 1) % len(ring)
		d := pointToSegmentDistance(origin, ring[i], ring[j])
		if d < minDist {
			minDist = d
		}
	}

	if !inside {
		minDist = -minDist
	}
	return datamodel.Evaluation{
		Inside:                   inside,
		DistanceToBoundaryMeters: minDist,
	}, nil
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(a datamodel.Point, b datamodel.Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// project maps a vertex into meters on a plane tangent at the reference
// point (equirectangular approximation).
func project(ref datamodel.Point, p datamodel.Point) [2]float64 {
	latRad := ref.Latitude * math.Pi / 180
	x := (p.Longitude - ref.Longitude) * math.Pi / 180 * earthRadiusMeters * math.Cos(latRad)
	y := (p.Latitude - ref.Latitude) * math.Pi / 180 * earthRadiusMeters
	return [2]float64{x, y}
}

// rayCast tests point-in-polygon with an even-odd crossing count.
func rayCast(p [2]float64, ring [][2]float64) bool {
	inside := false
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := ring[i], ring[j]
		intersects := (vi[1] > p[1]) != (vj[1] > p[1]) &&
			p[0] < (vj[0]-vi[0])*(p[1]-vi[1])/(vj[1]-vi[1])+vi[0]
		if intersects {
			inside = !inside
		}
	}
	return inside
}

// pointToSegmentDistance returns the minimum distance from p to segment ab.
func pointToSegmentDistance(p [2]float64, a [2]float64, b [2]float64) float64 {
	abx := b[0] - a[0]
	aby := b[1] - a[1]
	apx := p[0] - a[0]
	apy := p[1] - a[1]

	lenSq := abx*abx + aby*aby
	if lenSq == 0 {
		return math.Hypot(apx, apy)
	}
	t := (apx*abx + apy*aby) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	cx := a[0] + t*abx
	cy := a[1] + t*aby
	return math.Hypot(p[0]-cx, p[1]-cy)
}
