package worldmap

import (
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/spatialmath"
)

// KeyPoint is an undistorted image feature.
type KeyPoint struct {
	X      float64
	Y      float64
	Size   float64
	Angle  float64
	Octave int
}

// KeyFrame is a retained, posed observation used as a map anchor. Identity fields are fixed at
// creation; everything else is guarded by the keyframe's own lock.
type KeyFrame struct {
	ID          uint64
	FrameID     uint64
	Timestamp   float64
	KeyPoints   []KeyPoint
	Descriptors []vocabulary.Descriptor

	mu         sync.RWMutex
	tcw        spatialmath.Pose
	parent     *KeyFrame
	children   map[uint64]*KeyFrame
	tcp        spatialmath.Pose
	bad        bool
	notErase   bool
	toBeErased bool
	mapPoints  []*MapPoint
	vocabulary *vocabulary.Vocabulary
	bow        vocabulary.BowVector
}

func newKeyFrame(id, frameID uint64, timestamp float64, tcw spatialmath.Pose,
	keyPoints []KeyPoint, descriptors []vocabulary.Descriptor,
) *KeyFrame {
	return &KeyFrame{
		ID:          id,
		FrameID:     frameID,
		Timestamp:   timestamp,
		KeyPoints:   keyPoints,
		Descriptors: descriptors,
		tcw:         tcw,
		children:    map[uint64]*KeyFrame{},
		mapPoints:   make([]*MapPoint, len(keyPoints)),
	}
}

// Pose returns the world to camera transform Tcw.
func (kf *KeyFrame) Pose() spatialmath.Pose {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.tcw
}

// PoseInverse returns the camera to world transform Twc.
func (kf *KeyFrame) PoseInverse() spatialmath.Pose {
	return spatialmath.PoseInverse(kf.Pose())
}

// CameraCenter returns the camera position in world coordinates.
func (kf *KeyFrame) CameraCenter() r3.Vector {
	return kf.PoseInverse().Point()
}

// SetPose replaces Tcw. Optimizers call this.
func (kf *KeyFrame) SetPose(tcw spatialmath.Pose) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.tcw = tcw
}

// Parent returns the spanning tree parent, nil for a root.
func (kf *KeyFrame) Parent() *KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.parent
}

// Children returns the spanning tree children.
func (kf *KeyFrame) Children() []*KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(kf.children))
	for _, c := range kf.children {
		out = append(out, c)
	}
	return out
}

// RelativeToParent returns Tcp, the pose of this keyframe relative to its parent as recorded when
// it was marked bad. It is nil for keyframes that are not bad.
func (kf *KeyFrame) RelativeToParent() spatialmath.Pose {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.tcp
}

// IsBad reports whether the keyframe was culled.
func (kf *KeyFrame) IsBad() bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.bad
}

// SetNotErase protects the keyframe from culling while a loop closer works with it.
func (kf *KeyFrame) SetNotErase() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.notErase = true
}

// MapPoints returns the map points matched to each keypoint; entries may be nil.
func (kf *KeyFrame) MapPoints() []*MapPoint {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*MapPoint, len(kf.mapPoints))
	copy(out, kf.mapPoints)
	return out
}

// TrackedMapPoints counts matched map points that are not bad and have at least minObs
// observations.
func (kf *KeyFrame) TrackedMapPoints(minObs int) int {
	n := 0
	for _, mp := range kf.MapPoints() {
		if mp != nil && !mp.IsBad() && mp.Observations() >= minObs {
			n++
		}
	}
	return n
}

// SetVocabulary binds the vocabulary used by ComputeBoW.
func (kf *KeyFrame) SetVocabulary(voc *vocabulary.Vocabulary) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.vocabulary = voc
}

// ComputeBoW computes the bag-of-words vector from the descriptors. It is a no-op without a
// vocabulary or when already computed.
func (kf *KeyFrame) ComputeBoW() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if kf.vocabulary == nil || kf.bow != nil {
		return
	}
	kf.bow = kf.vocabulary.Transform(kf.Descriptors)
}

// BowVector returns the bag-of-words vector, nil until computed.
func (kf *KeyFrame) BowVector() vocabulary.BowVector {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.bow
}
