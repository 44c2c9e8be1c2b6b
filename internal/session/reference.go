package session

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-mirror/internal/pose"
)

// ReferenceLookupWindow is the maximum distance (exclusive) of a nearest-match lookup.
const ReferenceLookupWindow = 100

// ReferenceIndex maps reference-media timestamps to pre-extracted poses.
//
// Timestamps are rounded to whole milliseconds on insert and lookup.
type ReferenceIndex struct {
	mu    sync.RWMutex
	poses map[int64]pose.NormalizedPose
}

// NewReferenceIndex returns an empty index.
func NewReferenceIndex() *ReferenceIndex {
	return &ReferenceIndex{poses: make(map[int64]pose.NormalizedPose)}
}

func roundMS(ts float64) int64 {
	return int64(math.RoundToEven(ts))
}

// Set replaces the index contents.
func (r *ReferenceIndex) Set(poses map[float64]pose.NormalizedPose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poses = make(map[int64]pose.NormalizedPose, len(poses))
	for ts, p := range poses {
		r.poses[roundMS(ts)] = p
	}
}

// Add inserts a single pose.
func (r *ReferenceIndex) Add(ts float64, p pose.NormalizedPose) {
	r.mu.Lock()
	r.poses[roundMS(ts)] = p
	r.mu.Unlock()
}

// Len returns the number of indexed poses.
func (r *ReferenceIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.poses)
}

// Find returns the pose at ts, or the pose at the nearest timestamp when it
// is strictly within ReferenceLookupWindow ms. A nearest match at a negative
// timestamp is never returned.
func (r *ReferenceIndex) Find(ts float64) (pose.NormalizedPose, bool) {
	key := roundMS(ts)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.poses[key]; ok {
		return p, true
	}

	closest := int64(-1)
	minDiff := int64(math.MaxInt64)
	for t := range r.poses {
		d := t - key
		if d < 0 {
			d = -d
		}
		// Equal distances resolve to the earlier timestamp for determinism
		if d < minDiff || (d == minDiff && t < closest) {
			minDiff, closest = d, t
		}
	}

	if closest >= 0 && minDiff < ReferenceLookupWindow {
		return r.poses[closest], true
	}
	return pose.NormalizedPose{}, false
}

// referenceFile is the on-disk layout written by mirror-extract.
type referenceFile struct {
	Version int                           `msgpack:"version"`
	Source  string                        `msgpack:"source"`
	Poses   map[int64]pose.NormalizedPose `msgpack:"poses"`
}

const referenceFileVersion = 1

// Encode writes the index as msgpack.
func (r *ReferenceIndex) Encode(w io.Writer, source string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return msgpack.NewEncoder(w).Encode(referenceFile{
		Version: referenceFileVersion,
		Source:  source,
		Poses:   r.poses,
	})
}

// Decode replaces the index contents with a msgpack stream and returns the
// recorded source path.
func (r *ReferenceIndex) Decode(rd io.Reader) (string, error) {
	var f referenceFile
	if err := msgpack.NewDecoder(rd).Decode(&f); err != nil {
		return "", fmt.Errorf("reference index: decode: %w", err)
	}
	if f.Version != referenceFileVersion {
		return "", fmt.Errorf("reference index: unsupported version %d", f.Version)
	}
	if f.Poses == nil {
		f.Poses = make(map[int64]pose.NormalizedPose)
	}

	r.mu.Lock()
	r.poses = f.Poses
	r.mu.Unlock()
	return f.Source, nil
}

// LoadReferenceIndex reads an index file written by mirror-extract.
func LoadReferenceIndex(path string) (*ReferenceIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference index: %w", err)
	}
	defer f.Close()

	idx := NewReferenceIndex()
	if _, err := idx.Decode(f); err != nil {
		return nil, err
	}
	return idx, nil
}
