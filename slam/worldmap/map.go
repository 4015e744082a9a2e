// Package worldmap holds the shared SLAM map: keyframes, map points, the keyframe spanning tree
// and a change generation that advances on every structural mutation.
package worldmap

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/spatialmath"
)

// Map is the shared graph of keyframes and map points. Reads take a read lock; structural writes
// go through Mutate. Keyframe poses and point positions have their own locks so optimizers can
// adjust them without blocking readers of the graph.
type Map struct {
	mu             sync.RWMutex
	keyFrames      map[uint64]*KeyFrame
	mapPoints      map[uint64]*MapPoint
	origins        []*KeyFrame
	maxKeyFrameID  uint64
	nextKeyFrameID uint64
	nextMapPointID uint64
	generation     uint64
}

// New returns an empty map.
func New() *Map {
	return &Map{
		keyFrames: map[uint64]*KeyFrame{},
		mapPoints: map[uint64]*MapPoint{},
	}
}

// MutableMap is the write view of a Map handed to Mutate.
type MutableMap interface {
	// NewKeyFrame allocates a keyframe with the next id. It is not part of the map until added.
	NewKeyFrame(frameID uint64, timestamp float64, tcw spatialmath.Pose,
		keyPoints []KeyPoint, descriptors []vocabulary.Descriptor) *KeyFrame
	// AddKeyFrame inserts kf under parent. A nil parent makes kf a root.
	AddKeyFrame(kf, parent *KeyFrame)
	// AddMapPoint creates a point at pos.
	AddMapPoint(pos r3.Vector) *MapPoint
	// AddObservation records that keypoint idx of kf observes mp.
	AddObservation(kf *KeyFrame, idx int, mp *MapPoint) error
	// SetBadKeyFrame culls kf. It reports false when kf is a root or protected.
	SetBadKeyFrame(kf *KeyFrame) bool
	// SetBadMapPoint culls mp.
	SetBadMapPoint(mp *MapPoint)
	// KeyFrame looks up a live keyframe.
	KeyFrame(id uint64) (*KeyFrame, bool)
	// InformBigChange advances the generation without a structural edit, e.g. after a loop closure
	// moved many poses.
	InformBigChange()
	// Clear empties the map and resets its id counters.
	Clear()
}

// Mutate runs mutator with exclusive access to the graph. The generation advances once if the
// mutator changed anything.
func (m *Map) Mutate(mutator func(mm MutableMap)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm := &mutableMap{m: m}
	mutator(mm)
	if mm.changed {
		m.generation++
	}
}

type mutableMap struct {
	m       *Map
	changed bool
}

func (mm *mutableMap) NewKeyFrame(frameID uint64, timestamp float64, tcw spatialmath.Pose,
	keyPoints []KeyPoint, descriptors []vocabulary.Descriptor,
) *KeyFrame {
	id := mm.m.nextKeyFrameID
	mm.m.nextKeyFrameID++
	return newKeyFrame(id, frameID, timestamp, tcw, keyPoints, descriptors)
}

func (mm *mutableMap) AddKeyFrame(kf, parent *KeyFrame) {
	mm.m.keyFrames[kf.ID] = kf
	if kf.ID > mm.m.maxKeyFrameID || len(mm.m.keyFrames) == 1 {
		mm.m.maxKeyFrameID = kf.ID
	}
	if kf.ID >= mm.m.nextKeyFrameID {
		mm.m.nextKeyFrameID = kf.ID + 1
	}
	if parent == nil {
		mm.m.origins = append(mm.m.origins, kf)
	} else {
		link(kf, parent)
	}
	mm.changed = true
}

func link(child, parent *KeyFrame) {
	child.mu.Lock()
	child.parent = parent
	child.mu.Unlock()
	parent.mu.Lock()
	parent.children[child.ID] = child
	parent.mu.Unlock()
}

func (mm *mutableMap) AddMapPoint(pos r3.Vector) *MapPoint {
	mp := &MapPoint{ID: mm.m.nextMapPointID, position: pos, observations: map[uint64]int{}}
	mm.m.nextMapPointID++
	mm.m.mapPoints[mp.ID] = mp
	mm.changed = true
	return mp
}

func (mm *mutableMap) AddObservation(kf *KeyFrame, idx int, mp *MapPoint) error {
	kf.mu.Lock()
	if idx < 0 || idx >= len(kf.mapPoints) {
		kf.mu.Unlock()
		return errors.Errorf("keypoint index %d out of range for keyframe %d with %d keypoints",
			idx, kf.ID, len(kf.mapPoints))
	}
	kf.mapPoints[idx] = mp
	kf.mu.Unlock()
	mp.mu.Lock()
	mp.observations[kf.ID] = idx
	mp.mu.Unlock()
	mm.changed = true
	return nil
}

func (mm *mutableMap) SetBadKeyFrame(kf *KeyFrame) bool {
	if lo.Contains(mm.m.origins, kf) {
		return false
	}
	parent := kf.Parent()
	if parent == nil {
		return false
	}
	parentTwc := spatialmath.PoseInverse(parent.Pose())

	kf.mu.Lock()
	if kf.bad {
		kf.mu.Unlock()
		return false
	}
	if kf.notErase {
		kf.toBeErased = true
		kf.mu.Unlock()
		return false
	}
	children := lo.Values(kf.children)
	kf.children = map[uint64]*KeyFrame{}
	points := kf.mapPoints
	kf.tcp = spatialmath.Compose(kf.tcw, parentTwc)
	kf.bad = true
	kf.mu.Unlock()

	for _, child := range children {
		link(child, parent)
	}
	parent.mu.Lock()
	delete(parent.children, kf.ID)
	parent.mu.Unlock()

	for _, mp := range points {
		if mp == nil {
			continue
		}
		mp.mu.Lock()
		delete(mp.observations, kf.ID)
		orphan := len(mp.observations) == 0
		mp.mu.Unlock()
		if orphan {
			mm.SetBadMapPoint(mp)
		}
	}
	if mm.m.keyFrames[kf.ID] == kf {
		delete(mm.m.keyFrames, kf.ID)
	}
	mm.changed = true
	return true
}

func (mm *mutableMap) SetBadMapPoint(mp *MapPoint) {
	mp.mu.Lock()
	mp.bad = true
	obs := mp.observations
	mp.observations = map[uint64]int{}
	mp.mu.Unlock()
	for kfID, idx := range obs {
		if kf, ok := mm.m.keyFrames[kfID]; ok {
			kf.mu.Lock()
			if idx < len(kf.mapPoints) && kf.mapPoints[idx] == mp {
				kf.mapPoints[idx] = nil
			}
			kf.mu.Unlock()
		}
	}
	if mm.m.mapPoints[mp.ID] == mp {
		delete(mm.m.mapPoints, mp.ID)
	}
	mm.changed = true
}

func (mm *mutableMap) KeyFrame(id uint64) (*KeyFrame, bool) {
	kf, ok := mm.m.keyFrames[id]
	return kf, ok
}

func (mm *mutableMap) InformBigChange() {
	mm.changed = true
}

func (mm *mutableMap) Clear() {
	mm.m.keyFrames = map[uint64]*KeyFrame{}
	mm.m.mapPoints = map[uint64]*MapPoint{}
	mm.m.origins = nil
	mm.m.maxKeyFrameID = 0
	mm.m.nextKeyFrameID = 0
	mm.m.nextMapPointID = 0
	mm.changed = true
}

// SetErase lifts the culling protection set by KeyFrame.SetNotErase and culls kf if culling was
// attempted while it was protected.
func (m *Map) SetErase(kf *KeyFrame) bool {
	kf.mu.Lock()
	kf.notErase = false
	pending := kf.toBeErased
	kf.mu.Unlock()
	if !pending {
		return false
	}
	var culled bool
	m.Mutate(func(mm MutableMap) {
		culled = mm.SetBadKeyFrame(kf)
	})
	return culled
}

// Generation returns the change generation. It only ever increases, Clear included.
func (m *Map) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// KeyFrames returns every live keyframe, ascending by id.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kfs := lo.Values(m.keyFrames)
	sort.Slice(kfs, func(i, j int) bool { return kfs[i].ID < kfs[j].ID })
	return kfs
}

// MapPoints returns every live map point, ascending by id.
func (m *Map) MapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mps := lo.Values(m.mapPoints)
	sort.Slice(mps, func(i, j int) bool { return mps[i].ID < mps[j].ID })
	return mps
}

// KeyFrame looks up a live keyframe.
func (m *Map) KeyFrame(id uint64) (*KeyFrame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyFrames[id]
	return kf, ok
}

// KeyFramesInMap returns the number of live keyframes.
func (m *Map) KeyFramesInMap() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyFrames)
}

// MapPointsInMap returns the number of live map points.
func (m *Map) MapPointsInMap() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mapPoints)
}

// MaxKeyFrameID returns the highest keyframe id ever inserted since the last clear.
func (m *Map) MaxKeyFrameID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxKeyFrameID
}

// MaxFrameID returns the largest frame id among live keyframes and whether there is any.
func (m *Map) MaxFrameID() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.keyFrames) == 0 {
		return 0, false
	}
	return lo.MaxBy(lo.Values(m.keyFrames), func(a, b *KeyFrame) bool {
		return a.FrameID > b.FrameID
	}).FrameID, true
}

// SetVocabulary binds voc into every live keyframe and computes missing BoW vectors.
func (m *Map) SetVocabulary(voc *vocabulary.Vocabulary) {
	for _, kf := range m.KeyFrames() {
		kf.SetVocabulary(voc)
		kf.ComputeBoW()
	}
}
