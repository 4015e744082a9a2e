package worldmap

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
)

// MapPoint is a triangulated landmark observed by one or more keyframes.
type MapPoint struct {
	ID uint64

	mu           sync.RWMutex
	position     r3.Vector
	observations map[uint64]int
	bad          bool
}

// Position returns the world position.
func (mp *MapPoint) Position() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.position
}

// SetPosition moves the point. Optimizers call this.
func (mp *MapPoint) SetPosition(pos r3.Vector) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.position = pos
}

// Observations returns the number of keyframes observing the point.
func (mp *MapPoint) Observations() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.observations)
}

// ObservingKeyFrames returns the ids of keyframes observing the point, ascending.
func (mp *MapPoint) ObservingKeyFrames() []uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	ids := make([]uint64, 0, len(mp.observations))
	for id := range mp.observations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsBad reports whether the point was culled.
func (mp *MapPoint) IsBad() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.bad
}
