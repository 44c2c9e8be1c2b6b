package producer

// Drift thresholds against the audio master clock, in ms.
const (
	DriftSeekAheadMS = 100.0
	DriftStallMS     = -50.0
)

// SyncAction is what the media loop does on one cycle.
type SyncAction int

const (
	// SyncRead: read and emit the next frame.
	SyncRead SyncAction = iota
	// SyncSeek: video is behind audio, jump to the audio position.
	SyncSeek
	// SyncStall: video is ahead of audio, skip this cycle.
	SyncStall
)

func (a SyncAction) String() string {
	switch a {
	case SyncRead:
		return "read"
	case SyncSeek:
		return "seek"
	case SyncStall:
		return "stall"
	default:
		return "unknown"
	}
}

// SyncDecision applies the drift policy with audio as master:
// drift = audio - video; > +100ms seeks, < -50ms stalls, else reads.
func SyncDecision(videoMS, audioMS float64) SyncAction {
	drift := audioMS - videoMS
	switch {
	case drift > DriftSeekAheadMS:
		return SyncSeek
	case drift < DriftStallMS:
		return SyncStall
	default:
		return SyncRead
	}
}
