package rangeslam

import (
	"math"

	"github.com/paulmach/orb"
)

// Echo is a single range-bearing return from a planar range sensor.
type Echo struct {
	Range     float64
	Bearing   float64
	Intensity float64
	Timestamp int64
}

// Point projects the echo into the sensor's Cartesian frame.
func (e Echo) Point() orb.Point {
	return orb.Point{e.Range * math.Cos(e.Bearing), e.Range * math.Sin(e.Bearing)}
}

const (
	// DefaultMatchThreshold is the default correspondence distance under
	// which a point counts toward ICP's reported match ratio.
	DefaultMatchThreshold = 0.1
	// DefaultDistThreshold is the default correspondence distance beyond
	// which a point is excluded from the ICP update entirely.
	DefaultDistThreshold = 1.0
)

// LaserScan is a set of range-sensor points captured at a single instant,
// together with the pose from which they were taken.
type LaserScan struct {
	points []orb.Point
	pose   Pose2D

	worldPoints []orb.Point
	bound       orb.Bound
	worldDirty  bool

	MatchThreshold float64
	DistThreshold  float64
}

// NewLaserScan builds a scan from raw echoes, projecting each into the
// sensor frame.
func NewLaserScan(echoes []Echo) *LaserScan {
	points := make([]orb.Point, len(echoes))
	for i, e := range echoes {
		points[i] = e.Point()
	}
	return &LaserScan{
		points:         points,
		worldDirty:     true,
		MatchThreshold: DefaultMatchThreshold,
		DistThreshold:  DefaultDistThreshold,
	}
}

// NewLaserScanWithPose builds a scan from raw echoes stamped with pose.
func NewLaserScanWithPose(echoes []Echo, pose Pose2D) *LaserScan {
	s := NewLaserScan(echoes)
	s.pose = pose
	return s
}

// Pose returns the pose this scan is stamped with.
func (s *LaserScan) Pose() Pose2D {
	return s.pose
}

// SetPose restamps the scan with a new pose, invalidating the world-frame
// cache.
func (s *LaserScan) SetPose(pose Pose2D) {
	s.pose = pose
	s.worldDirty = true
}

// Points returns the scan's points in the sensor frame.
func (s *LaserScan) Points() []orb.Point {
	return s.points
}

// PointsWorld lazily transforms the scan's points into the world frame and
// caches the result along with the scan's bounding box. The bounding box is
// deliberately seeded from the origin rather than the first point, matching
// the reference implementation's bias.
func (s *LaserScan) PointsWorld() []orb.Point {
	s.updateWorld()
	return s.worldPoints
}

// Bound returns the world-frame bounding box of the scan's points, seeded
// from the origin.
func (s *LaserScan) Bound() orb.Bound {
	s.updateWorld()
	return s.bound
}

func (s *LaserScan) updateWorld() {
	if !s.worldDirty {
		return
	}

	world := Transform(s.points, s.pose)

	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0, 0}}
	for _, p := range world {
		if p.X() > bound.Max.X() {
			bound.Max[0] = p.X()
		}
		if p.X() < bound.Min.X() {
			bound.Min[0] = p.X()
		}
		if p.Y() > bound.Max.Y() {
			bound.Max[1] = p.Y()
		}
		if p.Y() < bound.Min.Y() {
			bound.Min[1] = p.Y()
		}
	}

	s.worldPoints = world
	s.bound = bound
	s.worldDirty = false
}

// Transform rotates then translates points by pose. It is pure: it never
// touches a scan's cache.
func Transform(points []orb.Point, pose Pose2D) []orb.Point {
	out := make([]orb.Point, len(points))
	cos, sin := math.Cos(pose.Theta), math.Sin(pose.Theta)
	for i, p := range points {
		out[i] = orb.Point{
			cos*p.X() - sin*p.Y() + pose.X,
			sin*p.X() + cos*p.Y() + pose.Y,
		}
	}
	return out
}
