package tracking

import (
	"sync"

	"go.viam.com/orbslam/slam/worldmap"
	"go.viam.com/orbslam/spatialmath"
)

// TrajectoryEntry is one logged frame: its pose relative to its reference keyframe, the
// reference, its timestamp and whether tracking was lost.
type TrajectoryEntry struct {
	Relative  spatialmath.Pose
	Reference *worldmap.KeyFrame
	Timestamp float64
	Lost      bool
}

// TrajectoryLog holds four append-only sequences that always have the same length.
type TrajectoryLog struct {
	mu         sync.Mutex
	relative   []spatialmath.Pose
	references []*worldmap.KeyFrame
	timestamps []float64
	lost       []bool
}

// Append adds one entry to every sequence.
func (l *TrajectoryLog) Append(e TrajectoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.relative = append(l.relative, e.Relative)
	l.references = append(l.references, e.Reference)
	l.timestamps = append(l.timestamps, e.Timestamp)
	l.lost = append(l.lost, e.Lost)
}

// Last returns the most recent entry.
func (l *TrajectoryLog) Last() (TrajectoryEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.timestamps)
	if n == 0 {
		return TrajectoryEntry{}, false
	}
	return TrajectoryEntry{
		Relative:  l.relative[n-1],
		Reference: l.references[n-1],
		Timestamp: l.timestamps[n-1],
		Lost:      l.lost[n-1],
	}, true
}

// Entries returns a copy of the log.
func (l *TrajectoryLog) Entries() []TrajectoryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TrajectoryEntry, len(l.timestamps))
	for i := range out {
		out[i] = TrajectoryEntry{
			Relative:  l.relative[i],
			Reference: l.references[i],
			Timestamp: l.timestamps[i],
			Lost:      l.lost[i],
		}
	}
	return out
}

// Lengths returns the length of each sequence.
func (l *TrajectoryLog) Lengths() [4]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return [4]int{len(l.relative), len(l.references), len(l.timestamps), len(l.lost)}
}

// Len returns the number of entries.
func (l *TrajectoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timestamps)
}

// Clear drops every entry.
func (l *TrajectoryLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.relative = nil
	l.references = nil
	l.timestamps = nil
	l.lost = nil
}
