package localmapping

import (
	"go.viam.com/orbslam/slam/worldmap"
)

// A Culler decides whether a keyframe is redundant and may be removed from the map.
type Culler interface {
	Redundant(kf *worldmap.KeyFrame) bool
}

// RedundancyCuller marks a keyframe redundant when more than Ratio of its map points are observed
// by at least MinObservers other keyframes.
type RedundancyCuller struct {
	Ratio        float64
	MinObservers int
}

// NewRedundancyCuller returns the default culler: 90% of points seen by 3 other keyframes.
func NewRedundancyCuller() RedundancyCuller {
	return RedundancyCuller{Ratio: 0.9, MinObservers: 3}
}

// Redundant implements Culler.
func (c RedundancyCuller) Redundant(kf *worldmap.KeyFrame) bool {
	var points, redundant int
	for _, mp := range kf.MapPoints() {
		if mp == nil || mp.IsBad() {
			continue
		}
		points++
		if mp.Observations()-1 >= c.MinObservers {
			redundant++
		}
	}
	return points > 0 && float64(redundant) > c.Ratio*float64(points)
}
