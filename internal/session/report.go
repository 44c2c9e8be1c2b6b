package session

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/e7canasta/orion-mirror/internal/scoring"
)

// Report is the flat export record of a finished session.
type Report struct {
	OverallScore int                    `json:"overall_score"`
	Grade        string                 `json:"grade"`
	BodyParts    scoring.BodyPartScores `json:"body_parts"`
	WeakSections []WeakSection          `json:"weak_sections"`
	DurationMS   float64                `json:"duration_ms"`
}

// Export flattens the result into a Report.
func (r Result) Export() Report {
	weak := r.WeakSections
	if weak == nil {
		weak = []WeakSection{}
	}
	return Report{
		OverallScore: r.OverallScore,
		Grade:        r.Grade,
		BodyParts:    r.BodyParts,
		WeakSections: weak,
		DurationMS:   r.DurationMS,
	}
}

// Envelope carries a report with the session identity when it leaves the
// process (MQTT, Redis).
type Envelope struct {
	SessionID  string    `json:"session_id"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Report     Report    `json:"report"`
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteReport writes the report to path, creating parent directories.
func WriteReport(path string, r Report) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}
