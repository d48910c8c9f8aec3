package track

import (
	"math"
)

// GeometrySource resolves cached finish geometry by track id.
type GeometrySource interface {
	Get(trackID string) (*FinishGeometry, error)
}

// Verifier checks client finish claims against the finish chord.
type Verifier struct {
	geometries GeometrySource
	radius     float64
	tolerance  float64
}

func NewVerifier(geometries GeometrySource, playerRadius, tolerance float64) *Verifier {
	return &Verifier{
		geometries: geometries,
		radius:     playerRadius,
		tolerance:  tolerance,
	}
}

// Threshold is the largest chord distance that is still accepted.
func (v *Verifier) Threshold() float64 {
	return v.radius + v.tolerance
}

// Verify reports whether (x, y) lies close enough to the finish chord of
// trackID, along with the measured distance. Unknown tracks and non-finite
// claims are rejected with an infinite distance.
func (v *Verifier) Verify(trackID string, x, y float64) (bool, float64) {
	if !isFinite(x) || !isFinite(y) {
		return false, math.Inf(1)
	}
	geo, err := v.geometries.Get(trackID)
	if err != nil {
		return false, math.Inf(1)
	}
	d := DistanceToSegment(Point{X: x, Y: y}, geo.ChordA, geo.ChordB)
	return d <= v.Threshold(), d
}

// DistanceToSegment is the shortest distance from p to the segment ab.
func DistanceToSegment(p, a, b Point) float64 {
	ab := b.Sub(a)
	lenSq := ab.Dot(ab)
	if lenSq == 0 {
		return p.Dist(a)
	}
	t := p.Sub(a).Dot(ab) / lenSq
	t = math.Max(0, math.Min(1, t))
	return p.Dist(a.Add(ab.Scale(t)))
}
