package rangeslam

import (
	"errors"
	"log"
	"math"

	"github.com/paulmach/orb"
)

// Errors logged (never returned) by ICP when it cannot make progress. They
// are exported so callers inspecting logs or writing their own collaborator
// can recognise the conditions by name.
var (
	// ErrDegenerateScan is logged when either scan has fewer than two
	// points; ICP returns the initial pose guess unchanged.
	ErrDegenerateScan = errors.New("rangeslam: scan has fewer than two points")
	// ErrEmptyTree is logged when the densified reference scan produced an
	// empty kd-tree; ICP returns the identity pose, distinguishable from
	// ErrNoCorrespondences by the returned pose rather than an error value.
	ErrEmptyTree = errors.New("rangeslam: kd-tree query against empty tree")
	// ErrNoCorrespondences is logged when every correspondence was masked
	// out by outlier rejection; ICP returns the initial pose guess.
	ErrNoCorrespondences = errors.New("rangeslam: no correspondences survived outlier rejection")
)

// Behavioural constants for the ICP matcher. Fixed, not user-tunable: the
// spec this module implements requires exact numeric parity, not a
// configurable search.
const (
	icpInsertNum        = 7
	icpMaxIterations    = 20
	icpTranslationGain  = 2.0
	icpRotationGain     = 1.0
	icpNearScaleCutoff  = 0.05
	icpMultiplicityCap  = 3
	icpTrimFraction     = 0.1
)

// ICP aligns other onto the receiver's sensor-frame points, returning the
// pose of other relative to the receiver. ratio, if non-nil, receives the
// fraction of correspondences within MatchThreshold on the final iteration;
// it is left untouched when the scans are degenerate (ErrDegenerateScan).
func (ref *LaserScan) ICP(other *LaserScan, ratio *float64) Pose2D {
	referencePose := other.pose.Sub(ref.pose)

	scanRef := ref.points
	scanOrigin := other.points

	if len(scanRef) < 2 || len(scanOrigin) < 2 {
		log.Printf("icp: %v", ErrDegenerateScan)
		return referencePose
	}

	densified := densify(scanRef, icpInsertNum)
	tree := NewKDTree2D(densified)

	pose := referencePose
	for iter := 0; iter < icpMaxIterations; iter++ {
		scan := Transform(scanOrigin, pose)

		near := make([]orb.Point, len(scan))
		copy(near, scan)
		mask := make([]bool, len(scan))
		traceBack := make([][]int, len(densified))

		matchCount := 0
		for i, p := range scan {
			idx, ok := tree.NearestIndex(p)
			if !ok {
				if ratio != nil {
					*ratio = 0.0
				}
				log.Printf("icp: %v", ErrEmptyTree)
				return Identity2D()
			}
			traceBack[idx] = append(traceBack[idx], i)
			closest := densified[idx]

			d := math.Hypot(p.X()-closest.X(), p.Y()-closest.Y())
			if d < ref.MatchThreshold {
				matchCount++
			}
			if d < ref.DistThreshold {
				near[i] = closest
				mask[i] = true
			} else {
				mask[i] = false
			}
		}
		if ratio != nil {
			*ratio = float64(matchCount) / float64(len(scan))
		}

		// Reject every point whose nearest index is shared by more than
		// icpMultiplicityCap points in total.
		for _, indices := range traceBack {
			if len(indices) > icpMultiplicityCap {
				for _, qi := range indices {
					mask[qi] = false
					near[qi] = scan[qi]
				}
			}
		}

		rejectFarthestTail(scan, near, mask)

		center := orb.Point{0, 0}
		count := 0
		for i, p := range scan {
			if mask[i] {
				center[0] += p.X()
				center[1] += p.Y()
				count++
			}
		}
		if count == 0 {
			if ratio != nil {
				*ratio = 0.0
			}
			log.Printf("icp: %v", ErrNoCorrespondences)
			return referencePose
		}
		center[0] /= float64(count)
		center[1] /= float64(count)

		var moveX, moveY, rot float64
		for i, p := range scan {
			if !mask[i] {
				continue
			}
			dx := near[i].X() - p.X()
			dy := near[i].Y() - p.Y()
			length := math.Hypot(dx, dy)
			if length > 0 {
				scale := length
				if length >= icpNearScaleCutoff {
					scale = math.Sqrt(length*20) / 20
				}
				dx = dx / length * scale
				dy = dy / length * scale
			}
			moveX += dx
			moveY += dy

			px, py := p.X()-center.X(), p.Y()-center.Y()
			qx, qy := near[i].X()-center.X(), near[i].Y()-center.Y()
			pn := math.Hypot(px, py)
			if pn < 2*epsilon {
				continue
			}
			rot += (px*qy - py*qx) / pn / math.Sqrt(pn)
		}
		moveX /= float64(count)
		moveY /= float64(count)
		rot /= float64(count)

		moveX *= icpTranslationGain
		moveY *= icpTranslationGain
		rot *= icpRotationGain

		poseDelta := NewPose2D(moveX, moveY, rot)
		poseDelta = pose.Inverse().Add(poseDelta).Add(pose)
		pose = pose.Add(poseDelta)
	}

	return pose
}

const epsilon = 2.220446049250313e-16

// densify inserts insertNum interpolated points between every consecutive
// pair of points in scan, except after the last point: those trailing
// insertNum slots (there is no successor to interpolate toward) are left
// at the zero value, which is a legitimate world-origin point for this
// algorithm's purposes, not uninitialised memory — the slice is allocated
// with make, which zero-fills explicitly.
func densify(scan []orb.Point, insertNum int) []orb.Point {
	out := make([]orb.Point, len(scan)*insertNum)
	for i := 0; i < len(scan)-1; i++ {
		for j := 0; j < insertNum; j++ {
			t := float64(j) / float64(insertNum)
			out[insertNum*i+j] = orb.Point{
				scan[i].X() + (scan[i+1].X()-scan[i].X())*t,
				scan[i].Y() + (scan[i+1].Y()-scan[i].Y())*t,
			}
		}
	}
	return out
}

// rejectFarthestTail masks out the len(scan)/10 - 1 farthest correspondences
// by residual distance. The insertion loop below keeps the farthest
// residuals in ascending order in maxIndex[1:]; maxIndex[0] only holds the
// last entry displaced or written below them, and the masking loop starts at
// index 1, so maxIndex[0] is never disabled. This off-by-one is preserved
// deliberately for behavioural parity with the reference implementation.
func rejectFarthestTail(scan, near []orb.Point, mask []bool) {
	n := len(scan) / 10
	if n == 0 {
		return
	}
	maxDistance := make([]float64, n)
	maxIndex := make([]int, n)

	for i := range scan {
		d := math.Hypot(scan[i].X()-near[i].X(), scan[i].Y()-near[i].Y())
		for j := 1; j < len(maxDistance); j++ {
			if d > maxDistance[j] {
				maxDistance[j-1] = maxDistance[j]
				maxIndex[j-1] = maxIndex[j]
				if j == len(maxDistance)-1 {
					maxDistance[j] = d
					maxIndex[j] = i
				}
			} else {
				maxDistance[j-1] = d
				maxIndex[j-1] = i
				break
			}
		}
	}

	for i := 1; i < len(maxIndex); i++ {
		mask[maxIndex[i]] = false
	}
}
