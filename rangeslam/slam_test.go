package rangeslam

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Threshold coupling
// ---------------------------------------------------------------------------

func TestSlam_DefaultThresholds(t *testing.T) {
	s := NewSlam()
	if s.KeyscanThreshold() != DefaultKeyscanThreshold {
		t.Fatalf("expected default keyscan threshold, got %v", s.KeyscanThreshold())
	}
	if s.FactorThreshold() != DefaultFactorThreshold {
		t.Fatalf("expected default factor threshold, got %v", s.FactorThreshold())
	}
}

func TestSlam_SetKeyscanThresholdRaisesFactorThreshold(t *testing.T) {
	s := NewSlam()
	s.SetKeyscanThreshold(1.0)
	if s.FactorThreshold() < 2*s.KeyscanThreshold() {
		t.Fatalf("invariant violated: factor=%v keyscan=%v", s.FactorThreshold(), s.KeyscanThreshold())
	}
	if s.KeyscanThreshold() != 1.0 {
		t.Fatalf("expected keyscan threshold to be set exactly, got %v", s.KeyscanThreshold())
	}
}

func TestSlam_SetFactorThresholdLowersKeyscanThreshold(t *testing.T) {
	s := NewSlam()
	s.SetFactorThreshold(0.2)
	if s.FactorThreshold() < 2*s.KeyscanThreshold() {
		t.Fatalf("invariant violated: factor=%v keyscan=%v", s.FactorThreshold(), s.KeyscanThreshold())
	}
	if s.FactorThreshold() != 0.2 {
		t.Fatalf("expected factor threshold to be set exactly, got %v", s.FactorThreshold())
	}
}

// ---------------------------------------------------------------------------
// EncoderToPose2D
// ---------------------------------------------------------------------------

func TestEncoderToPose2D_StraightLine(t *testing.T) {
	p := EncoderToPose2D(1, 1, 0.5)
	if math.Abs(p.X-1) > 1e-9 || math.Abs(p.Y) > 1e-9 || math.Abs(p.Theta) > 1e-9 {
		t.Fatalf("expected (1,0,0), got %v", p)
	}
}

func TestEncoderToPose2D_PureRotation(t *testing.T) {
	p := EncoderToPose2D(-1, 1, 2)
	if math.Abs(p.X) > 1e-9 || math.Abs(p.Y) > 1e-9 {
		t.Fatalf("expected zero translation for a symmetric spin, got (%v,%v)", p.X, p.Y)
	}
	if math.Abs(p.Theta-1) > 1e-9 {
		t.Fatalf("expected theta=1, got %v", p.Theta)
	}
}

func TestEncoderToPose2D_Arc(t *testing.T) {
	p := EncoderToPose2D(0.5, 1.5, 1.0)
	theta := 1.0
	theta2 := 0.5
	arc := 1.0
	radius := arc / theta
	secant := 2 * math.Sin(theta2) * radius
	wantX := secant * math.Cos(theta2)
	wantY := secant * math.Sin(theta2)
	if math.Abs(p.X-wantX) > 1e-9 || math.Abs(p.Y-wantY) > 1e-9 || math.Abs(p.Theta-theta) > 1e-9 {
		t.Fatalf("got %v, want (%v,%v,%v)", p, wantX, wantY, theta)
	}
}

// ---------------------------------------------------------------------------
// UpdatePoseWithPose / UpdatePoseWithEncoder callback contract
// ---------------------------------------------------------------------------

func TestSlam_UpdatePoseWithPoseFiresNoCallback(t *testing.T) {
	s := NewSlam()
	fired := false
	s.OnPoseUpdate = func(Pose2D) { fired = true }

	s.UpdatePoseWithPose(NewPose2D(1, 0, 0))

	if fired {
		t.Fatal("expected UpdatePoseWithPose not to fire OnPoseUpdate")
	}
	if math.Abs(s.Pose().X-1) > 1e-9 {
		t.Fatalf("expected pose.X=1, got %v", s.Pose().X)
	}
}

func TestSlam_UpdatePoseWithEncoderFiresCallback(t *testing.T) {
	s := NewSlam()
	var got Pose2D
	fired := false
	s.OnPoseUpdate = func(p Pose2D) { fired = true; got = p }

	s.UpdatePoseWithEncoder(1, 1, 0.5)

	if !fired {
		t.Fatal("expected OnPoseUpdate to fire")
	}
	if math.Abs(got.X-1) > 1e-9 {
		t.Fatalf("expected x=1, got %v", got.X)
	}
}

// ---------------------------------------------------------------------------
// Keyscan admission
// ---------------------------------------------------------------------------

func flatScan() *LaserScan {
	echoes := make([]Echo, 50)
	for i := range echoes {
		echoes[i] = Echo{Range: 1 + float64(i)*0.01, Bearing: float64(i) / 50 * math.Pi}
	}
	return NewLaserScan(echoes)
}

func TestSlam_FirstScanBecomesKeyscanAndFiresBothCallbacks(t *testing.T) {
	s := NewSlam()
	poseFired := false
	mapFired := false
	s.OnPoseUpdate = func(Pose2D) { poseFired = true }
	s.OnMapUpdate = func() { mapFired = true }

	s.UpdatePoseWithLaserScan(flatScan())

	if len(s.Keyscans()) != 1 {
		t.Fatalf("expected 1 keyscan, got %d", len(s.Keyscans()))
	}
	if !poseFired {
		t.Fatal("expected OnPoseUpdate to fire on the first scan")
	}
	if !mapFired {
		t.Fatal("expected OnMapUpdate on the first scan")
	}
}

func TestSlam_CloseScanRelocalisesInsteadOfAdmitting(t *testing.T) {
	s := NewSlam()
	s.UpdatePoseWithLaserScan(flatScan())

	// A second scan taken from essentially the same pose should relocalise
	// against the first keyscan, not become a second one.
	s.UpdatePoseWithPose(NewPose2D(0.01, 0, 0))
	s.UpdatePoseWithLaserScan(flatScan())

	if len(s.Keyscans()) != 1 {
		t.Fatalf("expected the close scan to relocalise, keeping 1 keyscan, got %d", len(s.Keyscans()))
	}
}

func TestSlam_FarScanIsAdmittedAsANewKeyscan(t *testing.T) {
	s := NewSlam()
	s.UpdatePoseWithLaserScan(flatScan())

	s.UpdatePoseWithPose(NewPose2D(10, 0, 0))
	s.UpdatePoseWithLaserScan(flatScan())

	if len(s.Keyscans()) != 2 {
		t.Fatalf("expected the distant scan to be admitted as a new keyscan, got %d keyscans", len(s.Keyscans()))
	}
}

func TestSlam_FarScanIsAdmittedEvenWithNoNearbyKeyscanForFactors(t *testing.T) {
	// Regression guard for the deliberate deviation from the literal
	// reference implementation: admission must not depend on finding at
	// least one loop-closure factor.
	s := NewSlam()
	s.Backend = NewDefaultGraph()
	s.UpdatePoseWithLaserScan(flatScan())

	// Move far enough that the new scan also falls outside FactorThreshold
	// of every existing keyscan, so zero relative constraints are found.
	s.UpdatePoseWithPose(NewPose2D(100, 0, 0))
	s.UpdatePoseWithLaserScan(flatScan())

	if len(s.Keyscans()) != 2 {
		t.Fatalf("expected the scan to be admitted despite zero loop-closure factors, got %d keyscans", len(s.Keyscans()))
	}
}
