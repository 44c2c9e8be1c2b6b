// Package session accumulates scoring ticks over a performance and turns
// them into a graded report with weak-section analysis.
package session

import (
	"sort"
	"sync"

	"github.com/e7canasta/orion-mirror/internal/scoring"
)

// Weak-section detection parameters.
const (
	WeakThreshold      = 60
	MinSectionDuration = 500.0  // ms
	MergeTolerance     = 1000.0 // ms
	MaxWeakSections    = 5
)

// ScoreEntry is one scoring tick on the session timeline.
type ScoreEntry struct {
	TimestampMS float64                `json:"timestamp_ms"`
	Score       int                    `json:"score"`
	BodyParts   scoring.BodyPartScores `json:"body_parts"`
}

// WeakSection is a span of consistently low scores.
type WeakSection struct {
	StartMS float64 `json:"start_ms"`
	EndMS   float64 `json:"end_ms"`
	Score   int     `json:"score"`
}

// Result is the full analysis of a session.
type Result struct {
	OverallScore int                    `json:"overall_score"`
	AvgTimingMS  float64                `json:"avg_timing_ms"`
	BodyParts    scoring.BodyPartScores `json:"body_parts"`
	Timeline     []ScoreEntry           `json:"score_timeline"`
	WeakSections []WeakSection          `json:"weak_sections"`
	DurationMS   float64                `json:"duration_ms"`
	Grade        string                 `json:"grade"`
}

var gradeTable = []struct {
	min   int
	grade string
}{
	{95, "A+"}, {90, "A"}, {85, "A-"},
	{80, "B+"}, {75, "B"}, {70, "B-"},
	{65, "C+"}, {60, "C"}, {55, "C-"},
	{50, "D"},
}

// Grade converts an overall score into a letter grade.
func Grade(score int) string {
	for _, g := range gradeTable {
		if score >= g.min {
			return g.grade
		}
	}
	return "F"
}

// Tracker records score entries for one session.
//
// Thread-safety: all methods are safe for concurrent use. The orchestrator
// tick appends while control and health handlers read snapshots.
type Tracker struct {
	mu     sync.RWMutex
	scores []ScoreEntry
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// AddScore appends a tick observed at timestampMS.
func (t *Tracker) AddScore(timestampMS float64, r scoring.ScoreResult) {
	t.mu.Lock()
	t.scores = append(t.scores, ScoreEntry{
		TimestampMS: timestampMS,
		Score:       r.OverallScore,
		BodyParts:   r.BodyParts,
	})
	t.mu.Unlock()
}

// Len returns the number of recorded entries.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.scores)
}

// Last returns the most recent entry.
func (t *Tracker) Last() (ScoreEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.scores) == 0 {
		return ScoreEntry{}, false
	}
	return t.scores[len(t.scores)-1], true
}

// Reset clears the timeline for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.scores = nil
	t.mu.Unlock()
}

// Result computes the session analysis. An empty timeline yields a zeroed
// result graded F.
func (t *Tracker) Result() Result {
	t.mu.RLock()
	scores := make([]ScoreEntry, len(t.scores))
	copy(scores, t.scores)
	t.mu.RUnlock()

	return Analyze(scores)
}

// Analyze computes the session analysis over an ordered timeline.
func Analyze(scores []ScoreEntry) Result {
	if len(scores) == 0 {
		return Result{
			Timeline:     []ScoreEntry{},
			WeakSections: []WeakSection{},
			Grade:        "F",
		}
	}

	var sum, arms, legs, torso float64
	for _, s := range scores {
		sum += float64(s.Score)
		arms += float64(s.BodyParts.Arms)
		legs += float64(s.BodyParts.Legs)
		torso += float64(s.BodyParts.Torso)
	}
	n := float64(len(scores))

	var duration float64
	if len(scores) >= 2 {
		duration = scores[len(scores)-1].TimestampMS - scores[0].TimestampMS
	}

	overall := scoring.Round(sum / n)
	return Result{
		OverallScore: overall,
		BodyParts: scoring.BodyPartScores{
			Arms:  scoring.Round(arms / n),
			Legs:  scoring.Round(legs / n),
			Torso: scoring.Round(torso / n),
		},
		Timeline:     scores,
		WeakSections: FindWeakSections(scores),
		DurationMS:   duration,
		Grade:        Grade(overall),
	}
}

type candidate struct {
	start, end float64
	scores     []int
}

func (c *candidate) section() (WeakSection, bool) {
	if c.end-c.start < MinSectionDuration {
		return WeakSection{}, false
	}
	var sum float64
	for _, s := range c.scores {
		sum += float64(s)
	}
	return WeakSection{
		StartMS: c.start,
		EndMS:   c.end,
		Score:   scoring.Round(sum / float64(len(c.scores))),
	}, true
}

// FindWeakSections scans the timeline for spans scoring below WeakThreshold.
//
// Algorithm:
//  1. A sub-threshold entry extends the open candidate when its timestamp is
//     within MergeTolerance of the candidate's end, otherwise it closes the
//     candidate and opens a new one
//  2. An entry at or above threshold closes the open candidate
//  3. A closed candidate is kept only if end-start >= MinSectionDuration;
//     its score is the rounded mean of its member scores
//  4. Kept sections are sorted worst first (stable) and truncated to
//     MaxWeakSections
func FindWeakSections(scores []ScoreEntry) []WeakSection {
	sections := []WeakSection{}
	var cur *candidate

	closeCur := func() {
		if cur == nil {
			return
		}
		if s, ok := cur.section(); ok {
			sections = append(sections, s)
		}
		cur = nil
	}

	for _, e := range scores {
		if e.Score >= WeakThreshold {
			closeCur()
			continue
		}
		if cur != nil && e.TimestampMS-cur.end < MergeTolerance {
			cur.end = e.TimestampMS
			cur.scores = append(cur.scores, e.Score)
			continue
		}
		closeCur()
		cur = &candidate{start: e.TimestampMS, end: e.TimestampMS, scores: []int{e.Score}}
	}
	closeCur()

	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Score < sections[j].Score
	})
	if len(sections) > MaxWeakSections {
		sections = sections[:MaxWeakSections]
	}
	return sections
}
