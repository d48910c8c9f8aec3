package track

import (
	"errors"
	"math"
	"testing"
)

const eps = 1e-6

func approx(a, b float64) bool {
	return math.Abs(a-b) < eps
}

func assertPoint(t *testing.T, name string, got, want Point) {
	t.Helper()
	if !approx(got.X, want.X) || !approx(got.Y, want.Y) {
		t.Errorf("%s = (%.6f, %.6f), want (%.6f, %.6f)", name, got.X, got.Y, want.X, want.Y)
	}
}

func straight(id string, length float64) Definition {
	return Definition{
		ID:       id,
		WorldW:   800,
		WorldH:   10000,
		TrackW:   220,
		Segments: []Segment{{Kind: SegmentLine, Length: length}},
	}
}

func TestBuildFinishGeometryStraight(t *testing.T) {
	for _, length := range []float64{5000, 1234.5, 3} {
		geo, err := BuildFinishGeometry(straight("s", length))
		if err != nil {
			t.Fatalf("BuildFinishGeometry(L=%v): %v", length, err)
		}

		start := Point{X: 400, Y: 10000 - StartInset}
		assertPoint(t, "tangent", geo.Tangent, Point{X: 0, Y: -1})
		assertPoint(t, "finish", geo.FinishPoint, Point{X: start.X, Y: start.Y - length})

		if d := geo.FinishPoint.Dist(geo.Polyline[0]); !approx(d, length) {
			t.Errorf("L=%v: finish displaced by %v", length, d)
		}
		wantPoints := int(math.Ceil(length/LineStep)) + 1
		if len(geo.Polyline) != wantPoints {
			t.Errorf("L=%v: %d polyline points, want %d", length, len(geo.Polyline), wantPoints)
		}
	}
}

func TestBuildFinishGeometryChordAndBounds(t *testing.T) {
	geo, err := BuildFinishGeometry(straight("s", 5000))
	if err != nil {
		t.Fatal(err)
	}

	assertPoint(t, "chordA", geo.ChordA, Point{X: 510, Y: 4800})
	assertPoint(t, "chordB", geo.ChordB, Point{X: 290, Y: 4800})
	if geo.TrackWidth != 220 {
		t.Errorf("TrackWidth = %v, want 220", geo.TrackWidth)
	}
	want := Bounds{MinX: 0, MinY: 0, MaxX: 800, MaxY: 10000}
	if geo.Bounds != want {
		t.Errorf("Bounds = %+v, want %+v", geo.Bounds, want)
	}
}

func TestBuildFinishGeometryArcs(t *testing.T) {
	tests := []struct {
		name        string
		segments    []Segment
		wantFinish  Point
		wantTangent Point
	}{
		{
			name: "right quarter turn",
			segments: []Segment{
				{Kind: SegmentArc, Radius: 200, Angle: math.Pi / 2},
				{Kind: SegmentLine, Length: 50},
			},
			wantFinish:  Point{X: 650, Y: 9600},
			wantTangent: Point{X: 1, Y: 0},
		},
		{
			name: "left quarter turn",
			segments: []Segment{
				{Kind: SegmentArc, Radius: 100, Angle: -math.Pi / 2},
				{Kind: SegmentLine, Length: 50},
			},
			wantFinish:  Point{X: 250, Y: 9700},
			wantTangent: Point{X: -1, Y: 0},
		},
		{
			name: "s-bend returns to forward heading",
			segments: []Segment{
				{Kind: SegmentArc, Radius: 100, Angle: math.Pi / 2},
				{Kind: SegmentArc, Radius: 100, Angle: -math.Pi / 2},
				{Kind: SegmentLine, Length: 100},
			},
			wantFinish:  Point{X: 600, Y: 9500},
			wantTangent: Point{X: 0, Y: -1},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := Definition{ID: "arc", WorldW: 800, WorldH: 10000, TrackW: 100, Segments: tc.segments}
			geo, err := BuildFinishGeometry(def)
			if err != nil {
				t.Fatal(err)
			}
			assertPoint(t, "finish", geo.FinishPoint, tc.wantFinish)
			assertPoint(t, "tangent", geo.Tangent, tc.wantTangent)
		})
	}
}

func TestBuildFinishGeometryClampsLateral(t *testing.T) {
	def := Definition{
		ID:     "wide",
		WorldW: 800,
		WorldH: 10000,
		TrackW: 220,
		Segments: []Segment{
			{Kind: SegmentArc, Radius: 200, Angle: math.Pi / 2},
			{Kind: SegmentLine, Length: 300},
		},
	}
	geo, err := BuildFinishGeometry(def)
	if err != nil {
		t.Fatal(err)
	}

	for i, p := range geo.Polyline {
		if p.X < 110-eps || p.X > 690+eps {
			t.Fatalf("point %d x=%v outside drivable band", i, p.X)
		}
	}
	assertPoint(t, "finish", geo.FinishPoint, Point{X: 690, Y: 9600})
	assertPoint(t, "tangent", geo.Tangent, Point{X: 1, Y: 0})
}

func TestBuildFinishGeometryDefaults(t *testing.T) {
	geo, err := BuildFinishGeometry(Definition{
		ID:       "bare",
		Segments: []Segment{{Kind: SegmentLine, Length: 100}},
	})
	if err != nil {
		t.Fatal(err)
	}
	assertPoint(t, "finish", geo.FinishPoint, Point{X: DefaultWorldW / 2, Y: DefaultWorldH - StartInset - 100})
	if geo.TrackWidth != DefaultTrackW {
		t.Errorf("TrackWidth = %v, want %v", geo.TrackWidth, DefaultTrackW)
	}
}

func TestBuildFinishGeometryPivotInPlace(t *testing.T) {
	def := Definition{
		ID:     "pivot",
		WorldW: 800,
		WorldH: 10000,
		TrackW: 220,
		Segments: []Segment{
			{Kind: SegmentLine, Length: 100},
			{Kind: SegmentArc, Radius: 0, Angle: math.Pi / 2},
			{Kind: SegmentLine, Length: 100},
		},
	}
	geo, err := BuildFinishGeometry(def)
	if err != nil {
		t.Fatal(err)
	}
	assertPoint(t, "finish", geo.FinishPoint, Point{X: 500, Y: 9700})
	assertPoint(t, "tangent", geo.Tangent, Point{X: 1, Y: 0})
}

func TestBuildFinishGeometryRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"no segments", Definition{ID: "x"}},
		{"zero length", Definition{ID: "x", Segments: []Segment{{Kind: SegmentLine}}}},
		{"negative radius", Definition{ID: "x", Segments: []Segment{{Kind: SegmentArc, Radius: -1, Angle: 1}}}},
		{"zero angle", Definition{ID: "x", Segments: []Segment{{Kind: SegmentArc, Radius: 10}}}},
		{"unknown kind", Definition{ID: "x", Segments: []Segment{{Kind: "spiral", Length: 10}}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildFinishGeometry(tc.def)
			if !errors.Is(err, ErrInvalidSegment) {
				t.Errorf("err = %v, want ErrInvalidSegment", err)
			}
		})
	}
}

func TestGeometriesCache(t *testing.T) {
	catalog, err := NewCatalog(straight("a", 1000))
	if err != nil {
		t.Fatal(err)
	}
	geometries := NewGeometries(catalog)

	first, err := geometries.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	second, err := geometries.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected memoized geometry to be reused")
	}

	if _, err := geometries.Get("missing"); !IsUnknownTrack(err) {
		t.Errorf("Get(missing) err = %v, want ErrUnknownTrack", err)
	}
}
