package worldmap

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/spatialmath"
)

// PoseRecord is a serialized rigid transform.
type PoseRecord struct {
	Translation [3]float64 `cbor:"t"`
	// Rotation is the quaternion as w, x, y, z.
	Rotation [4]float64 `cbor:"q"`
}

// NewPoseRecord flattens p.
func NewPoseRecord(p spatialmath.Pose) PoseRecord {
	t, q := p.Point(), p.Quaternion()
	return PoseRecord{
		Translation: [3]float64{t.X, t.Y, t.Z},
		Rotation:    [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
	}
}

// Pose rebuilds the transform.
func (pr PoseRecord) Pose() spatialmath.Pose {
	return spatialmath.NewPose(
		r3.Vector{X: pr.Translation[0], Y: pr.Translation[1], Z: pr.Translation[2]},
		quat.Number{Real: pr.Rotation[0], Imag: pr.Rotation[1], Jmag: pr.Rotation[2], Kmag: pr.Rotation[3]},
	)
}

// KeyFrameRecord is a serialized keyframe. MapPoints holds point ids per keypoint, -1 for none.
type KeyFrameRecord struct {
	ID          uint64                  `cbor:"id"`
	FrameID     uint64                  `cbor:"frame"`
	Timestamp   float64                 `cbor:"ts"`
	Pose        PoseRecord              `cbor:"tcw"`
	Parent      int64                   `cbor:"parent"`
	KeyPoints   []KeyPoint              `cbor:"kps"`
	Descriptors []vocabulary.Descriptor `cbor:"desc"`
	MapPoints   []int64                 `cbor:"mps"`
}

// MapPointRecord is a serialized map point.
type MapPointRecord struct {
	ID       uint64     `cbor:"id"`
	Position [3]float64 `cbor:"pos"`
}

// Record is a frozen copy of a Map. Keyframes are ordered so every parent precedes its children.
type Record struct {
	KeyFrames      []KeyFrameRecord `cbor:"kfs"`
	MapPoints      []MapPointRecord `cbor:"mps"`
	NextKeyFrameID uint64           `cbor:"next_kf"`
	NextMapPointID uint64           `cbor:"next_mp"`
	MaxKeyFrameID  uint64           `cbor:"max_kf"`
}

// Snapshot returns a frozen copy of the live graph. Bad keyframes are not part of the copy; their
// live children are recorded under their nearest live ancestor.
func (m *Map) Snapshot() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec := &Record{
		NextKeyFrameID: m.nextKeyFrameID,
		NextMapPointID: m.nextMapPointID,
		MaxKeyFrameID:  m.maxKeyFrameID,
	}
	for _, mp := range m.mapPoints {
		pos := mp.Position()
		rec.MapPoints = append(rec.MapPoints, MapPointRecord{ID: mp.ID, Position: [3]float64{pos.X, pos.Y, pos.Z}})
	}
	sort.Slice(rec.MapPoints, func(i, j int) bool { return rec.MapPoints[i].ID < rec.MapPoints[j].ID })

	for _, kf := range treeOrder(m.origins, m.keyFrames) {
		parent := int64(-1)
		for p := kf.Parent(); p != nil; p = p.Parent() {
			if !p.IsBad() {
				parent = int64(p.ID)
				break
			}
		}
		kfRec := KeyFrameRecord{
			ID:          kf.ID,
			FrameID:     kf.FrameID,
			Timestamp:   kf.Timestamp,
			Pose:        NewPoseRecord(kf.Pose()),
			Parent:      parent,
			KeyPoints:   kf.KeyPoints,
			Descriptors: kf.Descriptors,
		}
		for _, mp := range kf.MapPoints() {
			id := int64(-1)
			if mp != nil && !mp.IsBad() {
				if _, ok := m.mapPoints[mp.ID]; ok {
					id = int64(mp.ID)
				}
			}
			kfRec.MapPoints = append(kfRec.MapPoints, id)
		}
		rec.KeyFrames = append(rec.KeyFrames, kfRec)
	}
	return rec
}

// treeOrder lists live keyframes breadth first from the roots, then any live keyframe the walk
// did not reach, ascending by id.
func treeOrder(origins []*KeyFrame, live map[uint64]*KeyFrame) []*KeyFrame {
	seen := map[uint64]bool{}
	var out []*KeyFrame
	queue := append([]*KeyFrame(nil), origins...)
	for len(queue) > 0 {
		kf := queue[0]
		queue = queue[1:]
		if seen[kf.ID] {
			continue
		}
		seen[kf.ID] = true
		if _, ok := live[kf.ID]; ok {
			out = append(out, kf)
		}
		children := kf.Children()
		sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
		queue = append(queue, children...)
	}
	var rest []*KeyFrame
	for id, kf := range live {
		if !seen[id] {
			rest = append(rest, kf)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	return append(out, rest...)
}

// Restore replaces the contents of m with rec in place, so every holder of m sees the loaded
// graph. Vocabulary binding is left to the caller.
func (m *Map) Restore(rec *Record) error {
	keyFrames := make(map[uint64]*KeyFrame, len(rec.KeyFrames))
	mapPoints := make(map[uint64]*MapPoint, len(rec.MapPoints))
	for _, mpRec := range rec.MapPoints {
		if _, dup := mapPoints[mpRec.ID]; dup {
			return errors.Errorf("duplicate map point id %d", mpRec.ID)
		}
		mapPoints[mpRec.ID] = &MapPoint{
			ID:           mpRec.ID,
			position:     r3.Vector{X: mpRec.Position[0], Y: mpRec.Position[1], Z: mpRec.Position[2]},
			observations: map[uint64]int{},
		}
	}

	var origins []*KeyFrame
	for _, kfRec := range rec.KeyFrames {
		if _, dup := keyFrames[kfRec.ID]; dup {
			return errors.Errorf("duplicate keyframe id %d", kfRec.ID)
		}
		if len(kfRec.MapPoints) != len(kfRec.KeyPoints) {
			return errors.Errorf("keyframe %d has %d keypoints but %d map point slots",
				kfRec.ID, len(kfRec.KeyPoints), len(kfRec.MapPoints))
		}
		kf := newKeyFrame(kfRec.ID, kfRec.FrameID, kfRec.Timestamp, kfRec.Pose.Pose(),
			kfRec.KeyPoints, kfRec.Descriptors)
		if kfRec.Parent < 0 {
			origins = append(origins, kf)
		} else {
			parent, ok := keyFrames[uint64(kfRec.Parent)]
			if !ok {
				return errors.Errorf("keyframe %d references parent %d that is not recorded before it", kfRec.ID, kfRec.Parent)
			}
			link(kf, parent)
		}
		for idx, mpID := range kfRec.MapPoints {
			if mpID < 0 {
				continue
			}
			mp, ok := mapPoints[uint64(mpID)]
			if !ok {
				return errors.Errorf("keyframe %d references unknown map point %d", kfRec.ID, mpID)
			}
			kf.mapPoints[idx] = mp
			mp.observations[kf.ID] = idx
		}
		keyFrames[kf.ID] = kf
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyFrames = keyFrames
	m.mapPoints = mapPoints
	m.origins = origins
	m.nextKeyFrameID = rec.NextKeyFrameID
	m.nextMapPointID = rec.NextMapPointID
	m.maxKeyFrameID = rec.MaxKeyFrameID
	m.generation++
	return nil
}
