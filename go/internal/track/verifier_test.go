package track

import (
	"math"
	"testing"
)

func TestDistanceToSegment(t *testing.T) {
	a, b := Point{X: 0, Y: 0}, Point{X: 10, Y: 0}
	tests := []struct {
		name string
		p    Point
		want float64
	}{
		{"on segment", Point{X: 5, Y: 0}, 0},
		{"above middle", Point{X: 5, Y: 3}, 3},
		{"past end clamps to b", Point{X: 13, Y: 4}, 5},
		{"before start clamps to a", Point{X: -3, Y: -4}, 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DistanceToSegment(tc.p, a, b); !approx(got, tc.want) {
				t.Errorf("DistanceToSegment = %v, want %v", got, tc.want)
			}
		})
	}

	if got := DistanceToSegment(Point{X: 3, Y: 4}, a, a); !approx(got, 5) {
		t.Errorf("degenerate segment distance = %v, want 5", got)
	}
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	return NewVerifier(NewGeometries(catalog), 12, 6)
}

func TestVerifierThreshold(t *testing.T) {
	v := newTestVerifier(t)

	// track-000 is a single 5000 unit straight; its chord spans x 290..510 at y 4800.
	tests := []struct {
		name     string
		x, y     float64
		accepted bool
		distance float64
	}{
		{"on the line", 400, 4800, true, 0},
		{"50 units short", 400, 4850, false, 50},
		{"just inside threshold", 400, 4817.9, true, 17.9},
		{"just beyond threshold", 400, 4818.5, false, 18.5},
		{"beside chord end", 520, 4800, true, 10},
		{"far beside chord end", 540, 4800, false, 30},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, d := v.Verify("track-000", tc.x, tc.y)
			if ok != tc.accepted {
				t.Errorf("accepted = %v, want %v (distance %v)", ok, tc.accepted, d)
			}
			if !approx(d, tc.distance) {
				t.Errorf("distance = %v, want %v", d, tc.distance)
			}
		})
	}
}

func TestVerifierRejectsUnknownAndNonFinite(t *testing.T) {
	v := newTestVerifier(t)

	cases := []struct {
		name  string
		track string
		x, y  float64
	}{
		{"unknown track", "track-999", 400, 4800},
		{"NaN x", "track-000", math.NaN(), 4800},
		{"infinite y", "track-000", 400, math.Inf(-1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, d := v.Verify(tc.track, tc.x, tc.y)
			if ok {
				t.Error("expected rejection")
			}
			if !math.IsInf(d, 1) {
				t.Errorf("distance = %v, want +Inf", d)
			}
		})
	}
}

func TestVerifierThresholdValue(t *testing.T) {
	v := newTestVerifier(t)
	if v.Threshold() != 18 {
		t.Errorf("Threshold = %v, want 18", v.Threshold())
	}
}
