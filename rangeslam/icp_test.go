package rangeslam

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func lCornerPoints(n int) []orb.Point {
	points := make([]orb.Point, n)
	half := n / 2
	for i := 0; i < half; i++ {
		points[i] = orb.Point{float64(i) * 5.0 / float64(half), 0}
	}
	for i := half; i < n; i++ {
		points[i] = orb.Point{0, float64(i-half) * 5.0 / float64(n-half)}
	}
	return points
}

func scanFromPoints(points []orb.Point) *LaserScan {
	echoes := make([]Echo, len(points))
	for i, p := range points {
		echoes[i] = Echo{Range: math.Hypot(p.X(), p.Y()), Bearing: math.Atan2(p.Y(), p.X())}
	}
	return NewLaserScan(echoes)
}

// ---------------------------------------------------------------------------
// Degenerate scans
// ---------------------------------------------------------------------------

func TestICP_DegenerateScanReturnsInitialGuess(t *testing.T) {
	ref := NewLaserScanWithPose([]Echo{{Range: 1, Bearing: 0}}, Identity2D())
	other := NewLaserScanWithPose(lCornerPointsAsEchoes(10), NewPose2D(1, 2, 0.1))

	var ratio float64 = -1 // sentinel: must remain untouched
	got := ref.ICP(other, &ratio)

	want := other.Pose().Sub(ref.Pose())
	if !posesApproxEqual(got, want, 1e-9) {
		t.Fatalf("expected reference pose %v, got %v", want, got)
	}
	if ratio != -1 {
		t.Fatalf("expected ratio to be left untouched, got %v", ratio)
	}
}

func lCornerPointsAsEchoes(n int) []Echo {
	points := lCornerPoints(n)
	echoes := make([]Echo, len(points))
	for i, p := range points {
		echoes[i] = Echo{Range: math.Hypot(p.X(), p.Y()), Bearing: math.Atan2(p.Y(), p.X())}
	}
	return echoes
}

// ---------------------------------------------------------------------------
// Identity fixed point
// ---------------------------------------------------------------------------

func TestICP_IdentityIsAFixedPoint(t *testing.T) {
	points := lCornerPoints(100)
	ref := scanFromPoints(points)
	other := scanFromPoints(points)

	var ratio float64
	got := ref.ICP(other, &ratio)

	if math.Hypot(got.X, got.Y) > 1e-3 {
		t.Fatalf("expected translation norm < 1e-3, got %v", got)
	}
	if math.Abs(got.Theta) > 1e-3 {
		t.Fatalf("expected rotation < 1e-3, got %v", got.Theta)
	}
	if ratio < 0.99 {
		t.Fatalf("expected ratio ~= 1.0, got %v", ratio)
	}
}

// ---------------------------------------------------------------------------
// Convergence on a displaced L-corner scan
// ---------------------------------------------------------------------------

func TestICP_ConvergesOnDisplacedLCorner(t *testing.T) {
	points := lCornerPoints(100)
	ref := scanFromPoints(points)

	delta := NewPose2D(0.1, 0.05, 0.05)
	otherPoints := Transform(points, delta.Inverse())
	other := scanFromPoints(otherPoints)

	var ratio float64
	got := ref.ICP(other, &ratio)

	if math.Abs(got.X-delta.X) > 0.02 {
		t.Fatalf("x: got %v want ~%v", got.X, delta.X)
	}
	if math.Abs(got.Y-delta.Y) > 0.02 {
		t.Fatalf("y: got %v want ~%v", got.Y, delta.Y)
	}
	if math.Abs(got.Theta-delta.Theta) > 0.02 {
		t.Fatalf("theta: got %v want ~%v", got.Theta, delta.Theta)
	}
	if ratio <= 0.6 {
		t.Fatalf("expected ratio > 0.6, got %v", ratio)
	}
}

// ---------------------------------------------------------------------------
// densify / rejectFarthestTail helpers
// ---------------------------------------------------------------------------

func TestDensify_FillsInterpolatedPointsAndZerosTail(t *testing.T) {
	scan := []orb.Point{{0, 0}, {10, 0}, {20, 0}}
	out := densify(scan, 2)

	if len(out) != 6 {
		t.Fatalf("expected 6 points, got %d", len(out))
	}
	// Interpolated between point 0 and point 1.
	if out[0] != (orb.Point{0, 0}) || out[1] != (orb.Point{5, 0}) {
		t.Fatalf("unexpected interpolation: %v", out[:2])
	}
	// The trailing slots (no successor to point 2) are explicitly zeroed,
	// not left uninitialised.
	if out[4] != (orb.Point{0, 0}) || out[5] != (orb.Point{0, 0}) {
		t.Fatalf("expected zero-filled tail, got %v", out[4:])
	}
}

func TestRejectFarthestTail_SparesTheBoundaryElementOfTheWorstSet(t *testing.T) {
	scan := make([]orb.Point, 20)
	near := make([]orb.Point, 20)
	mask := make([]bool, 20)
	for i := range scan {
		scan[i] = orb.Point{float64(i), 0}
		near[i] = orb.Point{0, 0}
		mask[i] = true
	}
	// With residuals 0..19, the worst-2 set is {18,19}; the off-by-one
	// preserved from the reference implementation masks the single overall
	// farthest point (19) but spares the boundary element of that set (18).
	rejectFarthestTail(scan, near, mask)
	if mask[19] {
		t.Fatal("expected the single farthest point to be masked")
	}
	if !mask[18] {
		t.Fatal("expected the boundary element of the worst set to remain unmasked (preserved off-by-one)")
	}
}
