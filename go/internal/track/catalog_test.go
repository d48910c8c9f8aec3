package track

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// builtinTrackIDs is every track shipped with the client.
var builtinTrackIDs = []string{
	"track-000",
	"track-0011", "track-0012", "track-0013", "track-0014",
	"track-002", "track-003", "track-004", "track-005", "track-006",
	"track-007", "track-008", "track-009", "track-010",
	"track-011", "track-012", "track-013", "track-014",
}

func TestDefaultCatalog(t *testing.T) {
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	if catalog.Len() != len(builtinTrackIDs) {
		t.Errorf("catalog has %d tracks, want %d", catalog.Len(), len(builtinTrackIDs))
	}

	def, ok := catalog.Get("track-000")
	if !ok {
		t.Fatal("track-000 missing from built-in catalog")
	}
	if len(def.Segments) != 1 || def.Segments[0].Kind != SegmentLine || def.Segments[0].Length != 5000 {
		t.Errorf("track-000 segments = %+v", def.Segments)
	}

	geometries := NewGeometries(catalog)
	verifier := NewVerifier(geometries, 12, 6)
	for _, id := range builtinTrackIDs {
		t.Run(id, func(t *testing.T) {
			d, ok := catalog.Get(id)
			if !ok {
				t.Fatalf("%s missing from built-in catalog", id)
			}
			if d.WorldH <= 0 || d.WorldW <= 0 || d.TrackW <= 0 {
				t.Errorf("dimensions not defaulted: %+v", d)
			}
			if d.Obstacles == nil {
				t.Error("nil obstacles")
			}
			geo, err := geometries.Get(id)
			if err != nil {
				t.Fatalf("geometry: %v", err)
			}
			if ok, dist := verifier.Verify(id, geo.FinishPoint.X, geo.FinishPoint.Y); !ok || dist > eps {
				t.Errorf("claim on finish point rejected: ok=%v dist=%v", ok, dist)
			}
		})
	}
}

func TestDefaultCatalogClientData(t *testing.T) {
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatal(err)
	}

	// zero-radius turns pivot in place
	def, _ := catalog.Get("track-009")
	var pivots int
	for _, seg := range def.Segments {
		if seg.Kind == SegmentArc && seg.Radius == 0 {
			pivots++
		}
	}
	if pivots != 2 {
		t.Errorf("track-009 pivots = %d, want 2", pivots)
	}

	def, _ = catalog.Get("track-008")
	if def.WallMode != "bounce" || def.WallBounce == nil || def.WallBounce.MaxPush != 1200 {
		t.Errorf("track-008 walls = %q %+v", def.WallMode, def.WallBounce)
	}
	if def.TrackW != 700 || def.WorldH != 11000 {
		t.Errorf("track-008 size = %v x %v", def.TrackW, def.WorldH)
	}

	def, _ = catalog.Get("track-013")
	if def.WorldW != 3000 || def.WorldH != DefaultWorldH {
		t.Errorf("track-013 world = %v x %v", def.WorldW, def.WorldH)
	}
}

func TestLoadCatalogSegmentForms(t *testing.T) {
	data := []byte(`
tracks:
  - id: t1
    segments:
      - straight 700
      - line 25.5
      - {type: right, r: 200, deg: 90}
      - {type: left, r: 100, deg: 45}
      - {type: arc, r: 100, a: -1.5}
      - {type: arc, r: 50, deg: 180}
      - {type: straight, len: 10}
    obstacles:
      - {type: kill, x: 320, y: 8400, r: 18}
`)
	catalog, err := LoadCatalog(data)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	def, ok := catalog.Get("t1")
	if !ok {
		t.Fatal("t1 missing")
	}

	want := []Segment{
		{Kind: SegmentLine, Length: 700},
		{Kind: SegmentLine, Length: 25.5},
		{Kind: SegmentArc, Radius: 200, Angle: math.Pi / 2},
		{Kind: SegmentArc, Radius: 100, Angle: -math.Pi / 4},
		{Kind: SegmentArc, Radius: 100, Angle: -1.5},
		{Kind: SegmentArc, Radius: 50, Angle: math.Pi},
		{Kind: SegmentLine, Length: 10},
	}
	if len(def.Segments) != len(want) {
		t.Fatalf("got %d segments, want %d", len(def.Segments), len(want))
	}
	for i, seg := range def.Segments {
		w := want[i]
		if seg.Kind != w.Kind || !approx(seg.Length, w.Length) || !approx(seg.Radius, w.Radius) || !approx(seg.Angle, w.Angle) {
			t.Errorf("segment %d = %+v, want %+v", i, seg, w)
		}
	}
	if def.WorldW != DefaultWorldW || def.WorldH != DefaultWorldH || def.TrackW != DefaultTrackW {
		t.Errorf("defaults not applied: %+v", def)
	}
	if len(def.Obstacles) != 1 || def.Obstacles[0]["type"] != "kill" {
		t.Errorf("obstacles = %+v", def.Obstacles)
	}
}

func TestLoadCatalogRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad shorthand", "tracks:\n  - id: t\n    segments: [zigzag 10]\n"},
		{"turn without deg", "tracks:\n  - id: t\n    segments: [{type: right, r: 10}]\n"},
		{"arc without angle", "tracks:\n  - id: t\n    segments: [{type: arc, r: 10}]\n"},
		{"unknown type", "tracks:\n  - id: t\n    segments: [{type: loop, r: 10}]\n"},
		{"zero length", "tracks:\n  - id: t\n    segments: [straight 0]\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(tc.yaml))
			if !errors.Is(err, ErrInvalidSegment) {
				t.Errorf("err = %v, want ErrInvalidSegment", err)
			}
		})
	}
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	if _, err := NewCatalog(straight("dup", 10), straight("dup", 20)); err == nil {
		t.Error("expected duplicate track id error")
	}
	if _, err := NewCatalog(Definition{Segments: []Segment{{Kind: SegmentLine, Length: 1}}}); err == nil {
		t.Error("expected missing id error")
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracks.yaml")
	if err := os.WriteFile(path, []byte("tracks:\n  - id: f1\n    segments: [straight 100]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	catalog, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("LoadCatalogFile: %v", err)
	}
	if _, ok := catalog.Get("f1"); !ok || catalog.Len() != 1 {
		t.Errorf("catalog = %+v", catalog.List())
	}

	if _, err := LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
