package pose

// standingLayout is an upright, front-facing performer occupying the middle of
// the frame. Unlisted landmarks (face, hands, feet) sit near their parent joint.
var standingLayout = map[int][2]float64{
	0:             {0.50, 0.15},
	LeftShoulder:  {0.60, 0.30},
	RightShoulder: {0.40, 0.30},
	LeftElbow:     {0.65, 0.45},
	RightElbow:    {0.35, 0.45},
	LeftWrist:     {0.68, 0.60},
	RightWrist:    {0.32, 0.60},
	LeftHip:       {0.56, 0.60},
	RightHip:      {0.44, 0.60},
	LeftKnee:      {0.57, 0.75},
	RightKnee:     {0.43, 0.75},
	LeftAnkle:     {0.57, 0.90},
	RightAnkle:    {0.43, 0.90},
}

// Standing returns a fully visible upright pose stamped at ts.
//
// Used by the scripted detector backend and by tests that need a
// well-formed PoseResult.
func Standing(ts float64) *PoseResult {
	p := &PoseResult{TimestampMS: ts}
	for i := range p.Keypoints {
		xy, ok := standingLayout[i]
		if !ok {
			switch {
			case i < LeftShoulder:
				xy = [2]float64{0.48 + 0.004*float64(i), 0.12}
			case i <= 22:
				xy = standingLayout[LeftWrist+1-i%2]
				xy[1] += 0.03
			default:
				xy = standingLayout[LeftAnkle+1-i%2]
				xy[1] += 0.03
			}
		}
		p.Keypoints[i] = Keypoint{X: xy[0], Y: xy[1], Visibility: 0.9}
	}
	return p
}
