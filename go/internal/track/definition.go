package track

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownTrack   = errors.New("unknown track")
	ErrInvalidSegment = errors.New("invalid segment")
)

// SegmentKind is the geometric primitive of a track segment.
type SegmentKind string

const (
	SegmentLine SegmentKind = "line"
	SegmentArc  SegmentKind = "arc"
)

// Defaults applied to definitions that omit their world or track size.
const (
	DefaultWorldW = 800.0
	DefaultWorldH = 10000.0
	DefaultTrackW = 220.0
)

// Segment is one piece of a track centerline. Line segments use Length, arc
// segments use Radius and a signed Angle in radians (positive turns right,
// i.e. clockwise on screen). An arc of radius 0 turns in place.
type Segment struct {
	Kind   SegmentKind `json:"type"`
	Length float64     `json:"len,omitempty"`
	Radius float64     `json:"r,omitempty"`
	Angle  float64     `json:"a,omitempty"`
}

// Speed and Medals are client tuning data served as-is.
type Speed struct {
	Base         float64 `yaml:"base" json:"base"`
	Boost        float64 `yaml:"boost" json:"boost"`
	Min          float64 `yaml:"min" json:"min"`
	MaxForward   float64 `yaml:"maxForward" json:"maxForward"`
	MaxReverse   float64 `yaml:"maxReverse" json:"maxReverse"`
	AllowReverse bool    `yaml:"allowReverse" json:"allowReverse"`
	AllowStop    bool    `yaml:"allowStop" json:"allowStop"`
	AccelUp      float64 `yaml:"accelUp" json:"accelUp"`
	AccelDown    float64 `yaml:"accelDown" json:"accelDown"`
}

type Medals struct {
	Gold   float64 `yaml:"gold" json:"gold"`
	Silver float64 `yaml:"silver" json:"silver"`
	Bronze float64 `yaml:"bronze" json:"bronze"`
}

// WallBounce tunes how cars rebound off the track edge in "bounce" wall mode.
type WallBounce struct {
	Restitution float64 `yaml:"restitution" json:"restitution"`
	Friction    float64 `yaml:"friction" json:"friction"`
	MaxPush     float64 `yaml:"maxPush" json:"maxPush"`
	MinKick     float64 `yaml:"minKick" json:"minKick"`
}

// Obstacle is opaque render data; the server never simulates obstacles.
type Obstacle map[string]any

// Definition is the static description of a track.
type Definition struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	WorldW     float64     `yaml:"worldW" json:"worldW"`
	WorldH     float64     `yaml:"worldH" json:"worldH"`
	TrackW     float64     `yaml:"trackW" json:"trackW"`
	SpeedTest  bool        `yaml:"speedTest" json:"speedTest,omitempty"`
	Speed      *Speed      `yaml:"speed" json:"speed,omitempty"`
	Medals     *Medals     `yaml:"medals" json:"medals,omitempty"`
	WallMode   string      `yaml:"wallMode" json:"wallMode,omitempty"`
	WallBounce *WallBounce `yaml:"wallBounce" json:"wallBounce,omitempty"`
	Segments   []Segment   `yaml:"segments" json:"segments"`
	Obstacles  []Obstacle  `yaml:"obstacles" json:"obstacles"`
}

// withDefaults fills in missing world/track dimensions.
func (d Definition) withDefaults() Definition {
	if d.WorldW <= 0 {
		d.WorldW = DefaultWorldW
	}
	if d.WorldH <= 0 {
		d.WorldH = DefaultWorldH
	}
	if d.TrackW <= 0 {
		d.TrackW = DefaultTrackW
	}
	if d.Obstacles == nil {
		d.Obstacles = []Obstacle{}
	}
	return d
}

// Validate checks that the definition can be turned into geometry.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("track id is required")
	}
	if len(d.Segments) == 0 {
		return fmt.Errorf("track %s: %w: no segments", d.ID, ErrInvalidSegment)
	}
	if d.TrackW > d.WorldW {
		return fmt.Errorf("track %s: track width %v exceeds world width %v", d.ID, d.TrackW, d.WorldW)
	}
	for i, seg := range d.Segments {
		if err := seg.validate(); err != nil {
			return fmt.Errorf("track %s segment %d: %w", d.ID, i, err)
		}
	}
	return nil
}

func (s Segment) validate() error {
	switch s.Kind {
	case SegmentLine:
		if !(s.Length > 0) || math.IsInf(s.Length, 0) {
			return fmt.Errorf("%w: line length must be positive", ErrInvalidSegment)
		}
	case SegmentArc:
		if !(s.Radius >= 0) || math.IsInf(s.Radius, 0) {
			return fmt.Errorf("%w: arc radius must not be negative", ErrInvalidSegment)
		}
		if s.Angle == 0 || math.IsNaN(s.Angle) || math.IsInf(s.Angle, 0) {
			return fmt.Errorf("%w: arc angle must be non-zero", ErrInvalidSegment)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSegment, s.Kind)
	}
	return nil
}

// rawSegment is the mapping form of a segment in the catalog.
type rawSegment struct {
	Type string   `yaml:"type"`
	Len  float64  `yaml:"len"`
	R    float64  `yaml:"r"`
	Deg  *float64 `yaml:"deg"`
	A    *float64 `yaml:"a"`
}

// UnmarshalYAML accepts both the shorthand string form ("straight 700") and
// the mapping form ({type: right, r: 200, deg: 90}).
func (s *Segment) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return s.parseShorthand(node.Value)
	}

	var raw rawSegment
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch raw.Type {
	case "line", "straight":
		*s = Segment{Kind: SegmentLine, Length: raw.Len}
	case "right", "left":
		if raw.Deg == nil {
			return fmt.Errorf("%w: %s turn needs deg (line %d)", ErrInvalidSegment, raw.Type, node.Line)
		}
		angle := *raw.Deg * math.Pi / 180
		if raw.Type == "left" {
			angle = -angle
		}
		*s = Segment{Kind: SegmentArc, Radius: raw.R, Angle: angle}
	case "arc":
		var angle float64
		switch {
		case raw.A != nil:
			angle = *raw.A
		case raw.Deg != nil:
			angle = *raw.Deg * math.Pi / 180
		default:
			return fmt.Errorf("%w: arc needs a or deg (line %d)", ErrInvalidSegment, node.Line)
		}
		*s = Segment{Kind: SegmentArc, Radius: raw.R, Angle: angle}
	default:
		return fmt.Errorf("%w: unknown type %q (line %d)", ErrInvalidSegment, raw.Type, node.Line)
	}
	return nil
}

func (s *Segment) parseShorthand(v string) error {
	fields := strings.Fields(v)
	if len(fields) != 2 || (fields[0] != "straight" && fields[0] != "line") {
		return fmt.Errorf("%w: cannot parse %q", ErrInvalidSegment, v)
	}
	n, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("%w: bad length in %q: %v", ErrInvalidSegment, v, err)
	}
	*s = Segment{Kind: SegmentLine, Length: n}
	return nil
}
