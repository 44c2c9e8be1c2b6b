package pose

import (
	"math"
	"testing"
	"testing/quick"
	"time"
)

const eps = 1e-9

func mirrored(p *PoseResult) *PoseResult {
	m := *p
	for i := range m.Keypoints {
		m.Keypoints[i].X = 1 - m.Keypoints[i].X
	}
	return &m
}

func TestJointAngle(t *testing.T) {
	tests := []struct {
		name                 string
		joint, parent, child Keypoint
		want                 float64
	}{
		{"right angle", Keypoint{X: 0, Y: 0}, Keypoint{X: 1, Y: 0}, Keypoint{X: 0, Y: 1}, math.Pi / 2},
		{"straight", Keypoint{X: 0, Y: 0}, Keypoint{X: -1, Y: 0}, Keypoint{X: 1, Y: 0}, math.Pi},
		{"collinear same side", Keypoint{X: 0, Y: 0}, Keypoint{X: 1, Y: 1}, Keypoint{X: 2, Y: 2}, 0},
		{"zero-length parent ray", Keypoint{X: 0.5, Y: 0.5}, Keypoint{X: 0.5, Y: 0.5}, Keypoint{X: 1, Y: 0}, 0},
		{"zero-length child ray", Keypoint{X: 0.5, Y: 0.5}, Keypoint{X: 0, Y: 0}, Keypoint{X: 0.5, Y: 0.5}, 0},
		{"z ignored", Keypoint{X: 0, Y: 0, Z: 5}, Keypoint{X: 1, Y: 0, Z: -3}, Keypoint{X: 0, Y: 1}, math.Pi / 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JointAngle(tt.joint, tt.parent, tt.child)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("JointAngle() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Property: joint angles are always within [0, π]
func TestJointAngle_Bounded(t *testing.T) {
	unit := func(v uint16) float64 { return float64(v) / math.MaxUint16 }
	f := func(jx, jy, px, py, cx, cy uint16) bool {
		a := JointAngle(
			Keypoint{X: unit(jx), Y: unit(jy)},
			Keypoint{X: unit(px), Y: unit(py)},
			Keypoint{X: unit(cx), Y: unit(cy)},
		)
		return a >= 0 && a <= math.Pi
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Error(err)
	}
}

func TestNormalize_InvalidPose(t *testing.T) {
	n := NewNormalizer(0.3)

	if _, ok := n.Normalize(nil, false, true); ok {
		t.Error("nil pose should not normalize")
	}

	p := Standing(0)
	for i := 0; i < NumKeypoints-14; i++ {
		p.Keypoints[i].Visibility = 0.2
	}
	if p.VisibleCount(0.5) != 14 {
		t.Fatalf("fixture has %d visible keypoints, want 14", p.VisibleCount(0.5))
	}
	if _, ok := n.Normalize(p, false, true); ok {
		t.Error("pose with 14 visible keypoints should be invalid")
	}

	// Exactly 15 visible is valid
	p.Keypoints[0].Visibility = 0.9
	if _, ok := n.Normalize(p, false, true); !ok {
		t.Error("pose with 15 visible keypoints should be valid")
	}
}

func TestNormalize_Frame(t *testing.T) {
	n := NewNormalizer(0.3)
	got, ok := n.Normalize(Standing(0), false, false)
	if !ok {
		t.Fatal("standing pose should be valid")
	}

	if math.Abs(got.CenterX-0.5) > eps || math.Abs(got.CenterY-0.6) > eps {
		t.Errorf("center = (%v, %v), want (0.5, 0.6)", got.CenterX, got.CenterY)
	}
	if math.Abs(got.Scale-0.3) > eps {
		t.Errorf("scale = %v, want 0.3", got.Scale)
	}
	for i, c := range got.Confidence {
		if c != 0.9 {
			t.Errorf("confidence[%d] = %v, want 0.9", i, c)
		}
	}

	t.Logf("✅ angles: %v", got.Angles)
}

func TestNormalize_ZeroScaleFallsBackToOne(t *testing.T) {
	p := Standing(0)
	// Collapse shoulders onto hips
	p.Keypoints[LeftShoulder] = p.Keypoints[LeftHip]
	p.Keypoints[RightShoulder] = p.Keypoints[RightHip]

	got, ok := NewNormalizer(0).Normalize(p, false, false)
	if !ok {
		t.Fatal("pose should be valid")
	}
	if got.Scale != 1 {
		t.Errorf("scale = %v, want 1", got.Scale)
	}
}

// Property: mirroring preserves angle magnitudes
func TestNormalize_MirrorSymmetry(t *testing.T) {
	p := Standing(0)
	// Break left/right symmetry so the test is not trivially satisfied
	p.Keypoints[LeftWrist].X = 0.80
	p.Keypoints[LeftWrist].Y = 0.35
	p.Keypoints[RightKnee].X = 0.38

	a, _ := NewNormalizer(0).Normalize(p, false, false)
	b, _ := NewNormalizer(0).Normalize(p, true, false)
	c, _ := NewNormalizer(0).Normalize(mirrored(p), true, false)

	for i := range a.Angles {
		if math.Abs(a.Angles[i]-b.Angles[i]) > eps {
			t.Errorf("angle %d: plain %v vs mirrored %v", i, a.Angles[i], b.Angles[i])
		}
		if math.Abs(a.Angles[i]-c.Angles[i]) > eps {
			t.Errorf("angle %d: plain %v vs double-mirrored %v", i, a.Angles[i], c.Angles[i])
		}
	}
	if math.Abs(c.CenterX-a.CenterX) > eps {
		t.Errorf("double mirror center %v, want %v", c.CenterX, a.CenterX)
	}
}

func TestNormalize_IdempotentWithoutSmoothing(t *testing.T) {
	n := NewNormalizer(0.3)
	p := Standing(0)
	first, _ := n.Normalize(p, false, false)
	for i := 0; i < 10; i++ {
		got, _ := n.Normalize(p, false, false)
		if got != first {
			t.Fatalf("iteration %d: %+v != %+v", i, got, first)
		}
	}
}

func TestNormalize_SmoothingConvergence(t *testing.T) {
	n := NewNormalizer(0.3)

	bent := Standing(0)
	bent.Keypoints[LeftWrist] = Keypoint{X: 0.75, Y: 0.35, Visibility: 0.9}
	target, _ := NewNormalizer(0).Normalize(Standing(0), false, false)
	seed, _ := NewNormalizer(0).Normalize(bent, false, false)

	// First call seeds state and is returned unsmoothed
	got, _ := n.Normalize(bent, false, true)
	if got.Angles != seed.Angles {
		t.Fatalf("first smoothed call should be unsmoothed: %v vs %v", got.Angles, seed.Angles)
	}

	// Second call blends 0.3·prev + 0.7·new
	got, _ = n.Normalize(Standing(0), false, true)
	want := 0.3*seed.Angles[AngleLeftElbow] + 0.7*target.Angles[AngleLeftElbow]
	if math.Abs(got.Angles[AngleLeftElbow]-want) > eps {
		t.Errorf("blended elbow = %v, want %v", got.Angles[AngleLeftElbow], want)
	}

	for i := 0; i < 50; i++ {
		got, _ = n.Normalize(Standing(0), false, true)
	}
	for i := range got.Angles {
		if math.Abs(got.Angles[i]-target.Angles[i]) > 1e-6 {
			t.Errorf("angle %d did not converge: %v vs %v", i, got.Angles[i], target.Angles[i])
		}
	}

	// Reset makes the next call unsmoothed again
	n.ResetSmoothing()
	got, _ = n.Normalize(bent, false, true)
	if got.Angles != seed.Angles {
		t.Errorf("after reset expected unsmoothed angles")
	}
}

func TestBodyPartPartition(t *testing.T) {
	var np NormalizedPose
	for i := range np.Angles {
		np.Angles[i] = float64(i)
	}

	wantLen := map[BodyPart]int{Arms: 4, Legs: 4, Torso: 2}
	next := 0.0
	for _, part := range BodyParts {
		angles := np.PartAngles(part)
		if len(angles) != wantLen[part] {
			t.Errorf("%s: %d angles, want %d", part, len(angles), wantLen[part])
		}
		if len(np.PartConfidence(part)) != wantLen[part] {
			t.Errorf("%s: confidence length mismatch", part)
		}
		for _, a := range angles {
			if a != next {
				t.Errorf("%s: angle %v out of order, want %v", part, a, next)
			}
			next++
		}
	}
}

func TestCheckPosition(t *testing.T) {
	t.Run("standing passes", func(t *testing.T) {
		c := CheckPosition(Standing(0))
		if !c.Passed() {
			t.Errorf("standing should pass calibration: %+v", c)
		}
	})

	t.Run("nil fails", func(t *testing.T) {
		if CheckPosition(nil).Passed() {
			t.Error("nil pose should fail")
		}
	})

	t.Run("too far", func(t *testing.T) {
		p := Standing(0)
		for i := range p.Keypoints {
			p.Keypoints[i].X = 0.5 + (p.Keypoints[i].X-0.5)*0.2
			p.Keypoints[i].Y = 0.5 + (p.Keypoints[i].Y-0.5)*0.2
		}
		c := CheckPosition(p)
		if c.GoodDistance || c.Message != "too far away" {
			t.Errorf("expected too far, got %+v", c)
		}
	})

	t.Run("too close", func(t *testing.T) {
		p := Standing(0)
		p.Keypoints[0].Y = 0.0
		p.Keypoints[LeftAnkle].Y = 0.99
		c := CheckPosition(p)
		if c.GoodDistance || c.Message != "too close" {
			t.Errorf("expected too close, got %+v", c)
		}
	})

	t.Run("key joints occluded", func(t *testing.T) {
		p := Standing(0)
		for _, idx := range []int{LeftElbow, RightElbow, LeftKnee} {
			p.Keypoints[idx].Visibility = 0.55
		}
		c := CheckPosition(p)
		if c.JointsVisible {
			t.Errorf("5/8 key joints should fail: %+v", c)
		}
		if !c.BodyInFrame {
			t.Errorf("0.55 still counts as visible for body-in-frame")
		}
	})
}

func TestCalibrator_HoldAndReset(t *testing.T) {
	c := NewCalibrator(3 * time.Second)
	t0 := time.Unix(1000, 0)

	if _, ready := c.Update(Standing(0), t0); ready {
		t.Fatal("ready immediately")
	}
	if _, ready := c.Update(Standing(0), t0.Add(2*time.Second)); ready {
		t.Fatal("ready before hold elapsed")
	}
	if got := c.Remaining(t0.Add(2 * time.Second)); got != time.Second {
		t.Errorf("Remaining = %v, want 1s", got)
	}

	// A failing frame resets the countdown
	if _, ready := c.Update(nil, t0.Add(2500*time.Millisecond)); ready {
		t.Fatal("nil pose reported ready")
	}
	if _, ready := c.Update(Standing(0), t0.Add(3*time.Second)); ready {
		t.Fatal("countdown not reset by failure")
	}
	if _, ready := c.Update(Standing(0), t0.Add(6*time.Second)); !ready {
		t.Fatal("should be ready after 3s of passing checks")
	}

	t.Logf("✅ calibration countdown honored")
}
