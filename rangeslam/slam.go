package rangeslam

import (
	"log"
	"math"
)

const (
	// DefaultKeyscanThreshold is the distance below which an incoming
	// scan is relocalised against the closest keyscan rather than
	// admitted as a new one.
	DefaultKeyscanThreshold = 0.4
	// DefaultFactorThreshold is the radius within which a newly admitted
	// keyscan gets a loop-closure factor against an existing one.
	DefaultFactorThreshold = 0.9
)

// Slam is the SLAM front-end: it tracks the robot's current pose, decides
// when an incoming scan becomes a new keyscan versus a relocalisation
// against an existing one, and optionally feeds loop-closure constraints
// into a GraphBackend.
//
// Slam has no internal locking: it is single-threaded and synchronous by
// contract, driving one call to completion before the next begins.
// Callbacks run in the caller's own call stack.
type Slam struct {
	pose     Pose2D
	keyscans []*LaserScan

	keyscanThreshold float64
	factorThreshold  float64

	Backend GraphBackend

	OnPoseUpdate func(Pose2D)
	OnMapUpdate  func()
}

// NewSlam returns a Slam with default thresholds and no backend.
func NewSlam() *Slam {
	return &Slam{
		keyscanThreshold: DefaultKeyscanThreshold,
		factorThreshold:  DefaultFactorThreshold,
	}
}

// Pose returns the current pose estimate.
func (s *Slam) Pose() Pose2D {
	return s.pose
}

// Keyscans returns the accumulated keyscans. The slice index of a keyscan
// is its pose-graph node id.
func (s *Slam) Keyscans() []*LaserScan {
	return s.keyscans
}

// KeyscanThreshold returns the current keyscan-admission distance.
func (s *Slam) KeyscanThreshold() float64 {
	return s.keyscanThreshold
}

// FactorThreshold returns the current loop-closure radius.
func (s *Slam) FactorThreshold() float64 {
	return s.factorThreshold
}

// SetKeyscanThreshold sets the keyscan-admission distance, raising
// FactorThreshold if necessary to preserve FactorThreshold >= 2*KeyscanThreshold.
func (s *Slam) SetKeyscanThreshold(threshold float64) {
	s.keyscanThreshold = threshold
	if s.keyscanThreshold*2 > s.factorThreshold {
		s.factorThreshold = s.keyscanThreshold * 2
	}
}

// SetFactorThreshold sets the loop-closure radius, lowering
// KeyscanThreshold if necessary to preserve FactorThreshold >= 2*KeyscanThreshold.
func (s *Slam) SetFactorThreshold(threshold float64) {
	s.factorThreshold = threshold
	if s.keyscanThreshold*2 > s.factorThreshold {
		s.keyscanThreshold = s.factorThreshold / 2
	}
}

// EncoderToPose2D converts a pair of wheel-encoder increments and the
// tread (wheel separation) into the pose delta they imply, modelling the
// motion as a circular arc.
func EncoderToPose2D(left, right, tread float64) Pose2D {
	theta := (right - left) / tread
	theta2 := theta / 2.0
	arc := (right + left) / 2.0
	radius := arc / theta
	secant := 2 * math.Sin(theta2) * radius
	if theta == 0 {
		secant = arc
	}
	x := secant * math.Cos(theta2)
	y := secant * math.Sin(theta2)
	return NewPose2D(x, y, theta)
}

// UpdatePoseWithPose composes the current pose with an externally supplied
// delta, e.g. from a higher-level motion source. No callback fires.
func (s *Slam) UpdatePoseWithPose(delta Pose2D) {
	s.pose = s.pose.Add(delta)
}

// UpdatePoseWithEncoder integrates a wheel-encoder tick into the current
// pose and fires OnPoseUpdate.
func (s *Slam) UpdatePoseWithEncoder(left, right, tread float64) {
	s.pose = s.pose.Add(EncoderToPose2D(left, right, tread))
	s.firePoseUpdate()
}

// UpdatePoseWithLaserScan stamps scan with the current pose, then either
// relocalises the current pose against the closest existing keyscan or
// admits scan as a new keyscan, optionally wiring loop-closure constraints
// into Backend. No error ever propagates out of this method: all failure
// modes are logged and absorbed locally by the scan-matching calls it
// makes.
func (s *Slam) UpdatePoseWithLaserScan(scan *LaserScan) {
	scan.SetPose(s.pose)

	// The first scan fires both callbacks: admitting the very first
	// keyscan is itself a pose update (from "no estimate" to "(0,0,0)"),
	// not only a map update.
	if len(s.keyscans) == 0 {
		s.keyscans = append(s.keyscans, scan)
		if s.Backend != nil {
			s.Backend.AddPoseAnchor(0, s.pose, 1)
		}
		log.Printf("add key scan %d: %s", len(s.keyscans), s.pose)
		s.fireMapUpdate()
		s.firePoseUpdate()
		return
	}

	closest, minDist := s.closestKeyscan(scan)

	if minDist < s.keyscanThreshold {
		var ratio float64
		delta := closest.ICP(scan, &ratio)
		s.pose = closest.Pose().Add(delta)
	} else {
		s.admitKeyscan(scan)
	}
	s.firePoseUpdate()
}

func (s *Slam) closestKeyscan(scan *LaserScan) (*LaserScan, float64) {
	closest := s.keyscans[0]
	minDist := math.MaxFloat64
	for _, ks := range s.keyscans {
		dx := ks.Pose().X - scan.Pose().X
		dy := ks.Pose().Y - scan.Pose().Y
		posDist := math.Hypot(dx, dy)

		deltaTheta := math.Abs(ks.Pose().Theta - scan.Pose().Theta)
		deltaTheta = normalizeAngle(deltaTheta)
		deltaTheta *= s.keyscanThreshold / (3 * math.Pi / 4)

		dist := math.Hypot(posDist, deltaTheta)
		if dist < minDist {
			minDist = dist
			closest = ks
		}
	}
	return closest, minDist
}

func (s *Slam) admitKeyscan(scan *LaserScan) {
	newID := len(s.keyscans)

	if s.Backend != nil {
		constraintCount := 0
		for i, ks := range s.keyscans {
			dx := s.pose.X - ks.Pose().X
			dy := s.pose.Y - ks.Pose().Y
			if math.Hypot(dx, dy) >= s.factorThreshold {
				continue
			}
			constraintCount++
			var ratio float64
			delta := ks.ICP(scan, &ratio)
			s.Backend.AddRelativeConstraint(i, newID, delta, ratio)
			s.firePoseUpdate()
		}
		if constraintCount > 1 {
			if err := s.Backend.Optimize(); err != nil {
				log.Printf("slam: pose-graph optimisation failed: %v", err)
			}
		}

		newPose := s.pose
		for _, node := range s.Backend.Nodes() {
			switch {
			case node.ID < len(s.keyscans):
				s.keyscans[node.ID].SetPose(node.Pose)
			case node.ID == newID:
				newPose = node.Pose
			}
		}
		s.pose = newPose
		scan.SetPose(newPose)
	}

	s.keyscans = append(s.keyscans, scan)
	log.Printf("add key scan %d: %s", len(s.keyscans), s.pose)
	s.fireMapUpdate()
}

func (s *Slam) firePoseUpdate() {
	if s.OnPoseUpdate != nil {
		s.OnPoseUpdate(s.pose)
	}
}

func (s *Slam) fireMapUpdate() {
	if s.OnMapUpdate != nil {
		s.OnMapUpdate()
	}
}
