package track

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
)

// Resampling constants shared with the client renderer. Changing them moves
// the reconstructed finish line.
const (
	StartInset = 200.0        // distance of the start point from the bottom edge
	LineStep   = 10.0         // world units per line sample
	ArcStep    = math.Pi / 90 // radians per arc sample
)

// StartHeading is "forward": up the world, towards smaller y.
const StartHeading = -math.Pi / 2

const distinctEpsilon = 1e-9

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }
func (p Point) Scale(k float64) Point { return Point{p.X * k, p.Y * k} }
func (p Point) Dot(q Point) float64 { return p.X*q.X + p.Y*q.Y }
func (p Point) Len() float64 { return math.Hypot(p.X, p.Y) }
func (p Point) Dist(q Point) float64 { return p.Sub(q).Len() }
func (p Point) IsFinite() bool { return isFinite(p.X) && isFinite(p.Y) }

type Bounds struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// FinishGeometry is the reconstructed centerline of a track and the chord
// that marks its finish line.
type FinishGeometry struct {
	TrackID     string  `json:"trackId"`
	FinishPoint Point   `json:"finishPoint"`
	Tangent     Point   `json:"tangent"`
	TrackWidth  float64 `json:"trackWidth"`
	Bounds      Bounds  `json:"bounds"`
	ChordA      Point   `json:"chordA"`
	ChordB      Point   `json:"chordB"`
	Polyline    []Point `json:"polyline"`
}

// cursor walks the centerline.
type cursor struct {
	pos     Point
	heading float64
}

// BuildFinishGeometry walks the segments of a definition and derives the
// finish chord. It is a pure function of def.
func BuildFinishGeometry(def Definition) (FinishGeometry, error) {
	def = def.withDefaults()
	if err := def.Validate(); err != nil {
		return FinishGeometry{}, err
	}

	c := cursor{
		pos:     Point{X: def.WorldW / 2, Y: def.WorldH - StartInset},
		heading: StartHeading,
	}
	points := []Point{c.pos}

	for _, seg := range def.Segments {
		switch seg.Kind {
		case SegmentLine:
			points = c.line(points, seg.Length)
		case SegmentArc:
			points = c.arc(points, seg.Radius, seg.Angle)
		}
	}

	half := def.TrackW / 2
	lo, hi := half, def.WorldW-half
	for i := range points {
		points[i].X = clamp(points[i].X, lo, hi)
	}

	last := points[len(points)-1]
	prev, ok := previousDistinct(points)
	if !ok {
		return FinishGeometry{}, fmt.Errorf("track %s: %w: centerline collapses to a point", def.ID, ErrInvalidSegment)
	}

	dir := last.Sub(prev)
	tangent := dir.Scale(1 / dir.Len())
	normal := Point{X: -tangent.Y, Y: tangent.X}

	minY, maxY := last.Y, last.Y
	for _, p := range points {
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}

	return FinishGeometry{
		TrackID:     def.ID,
		FinishPoint: last,
		Tangent:     tangent,
		TrackWidth:  def.TrackW,
		Bounds: Bounds{
			MinX: 0,
			MinY: math.Min(0, minY-half),
			MaxX: def.WorldW,
			MaxY: math.Max(def.WorldH, maxY+half),
		},
		ChordA:   last.Add(normal.Scale(half)),
		ChordB:   last.Sub(normal.Scale(half)),
		Polyline: points,
	}, nil
}

func (c *cursor) line(points []Point, length float64) []Point {
	start := c.pos
	dir := Point{X: math.Cos(c.heading), Y: math.Sin(c.heading)}
	steps := int(math.Ceil(length / LineStep))
	for i := 1; i <= steps; i++ {
		d := math.Min(float64(i)*LineStep, length)
		c.pos = start.Add(dir.Scale(d))
		points = append(points, c.pos)
	}
	return points
}

func (c *cursor) arc(points []Point, radius, angle float64) []Point {
	side := 1.0
	if angle < 0 {
		side = -1
	}
	centerDir := c.heading + side*math.Pi/2
	center := c.pos.Add(Point{X: math.Cos(centerDir), Y: math.Sin(centerDir)}.Scale(radius))
	phi0 := math.Atan2(c.pos.Y-center.Y, c.pos.X-center.X)
	h0 := c.heading

	steps := int(math.Ceil(math.Abs(angle) / ArcStep))
	for i := 1; i <= steps; i++ {
		a := angle * float64(i) / float64(steps)
		phi := phi0 + a
		c.pos = Point{X: center.X + radius*math.Cos(phi), Y: center.Y + radius*math.Sin(phi)}
		c.heading = h0 + a
		points = append(points, c.pos)
	}
	return points
}

func previousDistinct(points []Point) (Point, bool) {
	last := points[len(points)-1]
	for i := len(points) - 2; i >= 0; i-- {
		if points[i].Dist(last) > distinctEpsilon {
			return points[i], true
		}
	}
	return Point{}, false
}

func clamp(v, lo, hi float64) float64 {
	if lo > hi {
		return (lo + hi) / 2
	}
	return math.Max(lo, math.Min(hi, v))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Geometries memoizes finish geometry per track id. Definitions are
// immutable, so entries are never invalidated.
type Geometries struct {
	catalog *Catalog

	mu    sync.Mutex
	cache map[string]*FinishGeometry
}

func NewGeometries(catalog *Catalog) *Geometries {
	return &Geometries{
		catalog: catalog,
		cache:   make(map[string]*FinishGeometry),
	}
}

// Get returns the cached geometry for trackID, building it on first use.
func (g *Geometries) Get(trackID string) (*FinishGeometry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if geo, ok := g.cache[trackID]; ok {
		return geo, nil
	}

	def, ok := g.catalog.Get(trackID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}

	geo, err := BuildFinishGeometry(def)
	if err != nil {
		return nil, fmt.Errorf("build geometry for %s: %w", trackID, err)
	}
	g.cache[trackID] = &geo

	log.Debug().
		Str("track_id", trackID).
		Int("points", len(geo.Polyline)).
		Float64("finish_x", geo.FinishPoint.X).
		Float64("finish_y", geo.FinishPoint.Y).
		Msg("finish geometry built")

	return &geo, nil
}

// Catalog returns the catalog the geometries are built from.
func (g *Geometries) Catalog() *Catalog {
	return g.catalog
}

// IsUnknownTrack reports whether err was caused by a missing track id.
func IsUnknownTrack(err error) bool {
	return errors.Is(err, ErrUnknownTrack)
}
