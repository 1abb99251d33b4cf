package rangeslam

import (
	"fmt"
	"math"
)

// Pose2D is a rigid planar transform: a translation (X, Y) followed by a
// rotation Theta, normalised to (-pi, pi].
type Pose2D struct {
	X, Y, Theta float64
}

// Identity2D is the zero transform.
func Identity2D() Pose2D {
	return Pose2D{}
}

// NewPose2D builds a Pose2D with Theta normalised into (-pi, pi].
func NewPose2D(x, y, theta float64) Pose2D {
	return Pose2D{X: x, Y: y, Theta: normalizeAngle(theta)}
}

func normalizeAngle(theta float64) float64 {
	for theta <= -math.Pi {
		theta += 2 * math.Pi
	}
	for theta > math.Pi {
		theta -= 2 * math.Pi
	}
	return theta
}

// Add composes this pose with b, interpreting b as expressed in this pose's
// own frame: the result is "move to this pose, then move by b".
func (p Pose2D) Add(b Pose2D) Pose2D {
	cos, sin := math.Cos(p.Theta), math.Sin(p.Theta)
	return NewPose2D(
		p.X+cos*b.X-sin*b.Y,
		p.Y+sin*b.X+cos*b.Y,
		p.Theta+b.Theta,
	)
}

// Inverse returns the pose that undoes p.
func (p Pose2D) Inverse() Pose2D {
	cos, sin := math.Cos(-p.Theta), math.Sin(-p.Theta)
	x, y := -p.X, -p.Y
	return NewPose2D(
		cos*x-sin*y,
		sin*x+cos*y,
		-p.Theta,
	)
}

// Sub returns the pose of this pose expressed relative to b, i.e.
// b.Add(p.Sub(b)) == p.
func (p Pose2D) Sub(b Pose2D) Pose2D {
	return b.Inverse().Add(p)
}

// Point returns the translation component.
func (p Pose2D) Point() (x, y float64) {
	return p.X, p.Y
}

func (p Pose2D) String() string {
	return fmt.Sprintf("x:%7.4f y:%7.4f theta:%7.4f", p.X, p.Y, p.Theta)
}
