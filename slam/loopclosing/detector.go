package loopclosing

import (
	"context"

	"go.viam.com/orbslam/slam/keyframedb"
	"go.viam.com/orbslam/slam/worldmap"
)

// A Detector looks for an earlier keyframe that closes a loop with kf.
type Detector interface {
	Detect(ctx context.Context, kf *worldmap.KeyFrame) (*worldmap.KeyFrame, bool)
}

// DatabaseDetector finds loops through the keyframe database: the best scoring candidate at least
// MinKeyFrameGap keyframes older than the query wins.
type DatabaseDetector struct {
	Database       *keyframedb.Database
	MinScore       float64
	MinKeyFrameGap uint64
}

// NewDatabaseDetector returns a detector with a 0.05 minimum score and a gap of 10 keyframes.
func NewDatabaseDetector(db *keyframedb.Database) *DatabaseDetector {
	return &DatabaseDetector{Database: db, MinScore: 0.05, MinKeyFrameGap: 10}
}

// Detect implements Detector.
func (d *DatabaseDetector) Detect(ctx context.Context, kf *worldmap.KeyFrame) (*worldmap.KeyFrame, bool) {
	if kf.ID < d.MinKeyFrameGap {
		return nil, false
	}
	cands := d.Database.DetectLoopCandidates(kf, d.MinScore, func(other *worldmap.KeyFrame) bool {
		return other.ID+d.MinKeyFrameGap > kf.ID
	})
	if len(cands) == 0 {
		return nil, false
	}
	return cands[0].KeyFrame, true
}
