// Package keyframedb is the place recognition index: an inverted file from vocabulary words to
// the keyframes containing them.
package keyframedb

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/orbslam/slam/vocabulary"
	"go.viam.com/orbslam/slam/worldmap"
)

// Candidate is a keyframe returned by a place recognition query with its similarity score.
type Candidate struct {
	KeyFrame *worldmap.KeyFrame
	Score    float64
}

// Database is an inverted index over keyframe BoW vectors. It is safe for concurrent use.
type Database struct {
	mu           sync.Mutex
	voc          *vocabulary.Vocabulary
	invertedFile map[vocabulary.WordID][]*worldmap.KeyFrame
}

// New returns an empty index bound to voc.
func New(voc *vocabulary.Vocabulary) *Database {
	return &Database{voc: voc, invertedFile: map[vocabulary.WordID][]*worldmap.KeyFrame{}}
}

// SetVocabulary rebinds the index to voc. Entries are kept; callers recompute keyframe vectors.
func (db *Database) SetVocabulary(voc *vocabulary.Vocabulary) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.voc = voc
}

// Vocabulary returns the bound vocabulary.
func (db *Database) Vocabulary() *vocabulary.Vocabulary {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.voc
}

// Add indexes kf under every word of its BoW vector, computing the vector if needed.
func (db *Database) Add(kf *worldmap.KeyFrame) {
	kf.ComputeBoW()
	bow := kf.BowVector()
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range bow {
		if !lo.Contains(db.invertedFile[word], kf) {
			db.invertedFile[word] = append(db.invertedFile[word], kf)
		}
	}
}

// Erase removes kf from the index.
func (db *Database) Erase(kf *worldmap.KeyFrame) {
	bow := kf.BowVector()
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range bow {
		remaining := lo.Without(db.invertedFile[word], kf)
		if len(remaining) == 0 {
			delete(db.invertedFile, word)
			continue
		}
		db.invertedFile[word] = remaining
	}
}

// Clear empties the index.
func (db *Database) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.invertedFile = map[vocabulary.WordID][]*worldmap.KeyFrame{}
}

// Words returns the number of distinct indexed words.
func (db *Database) Words() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.invertedFile)
}

// sharing counts, for every indexed keyframe other than those excluded, how many words it shares
// with bow.
func (db *Database) sharing(bow vocabulary.BowVector, exclude func(*worldmap.KeyFrame) bool) map[*worldmap.KeyFrame]int {
	db.mu.Lock()
	defer db.mu.Unlock()
	common := map[*worldmap.KeyFrame]int{}
	for word := range bow {
		for _, kf := range db.invertedFile[word] {
			if kf.IsBad() || (exclude != nil && exclude(kf)) {
				continue
			}
			common[kf]++
		}
	}
	return common
}

// score keeps keyframes sharing at least 80% of the best shared word count and scores them.
func score(bow vocabulary.BowVector, common map[*worldmap.KeyFrame]int, minScore float64) []Candidate {
	maxCommon := 0
	for _, n := range common {
		if n > maxCommon {
			maxCommon = n
		}
	}
	minCommon := int(0.8 * float64(maxCommon))
	var out []Candidate
	for kf, n := range common {
		if n < minCommon || n == 0 {
			continue
		}
		s := vocabulary.L1Score(bow, kf.BowVector())
		if s >= minScore {
			out = append(out, Candidate{KeyFrame: kf, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].KeyFrame.ID < out[j].KeyFrame.ID
	})
	return out
}

// DetectLoopCandidates returns keyframes similar to kf scoring at least minScore, best first.
// kf itself, its spanning tree neighbours and anything exclude rejects are skipped.
func (db *Database) DetectLoopCandidates(kf *worldmap.KeyFrame, minScore float64,
	exclude func(*worldmap.KeyFrame) bool,
) []Candidate {
	neighbours := map[*worldmap.KeyFrame]bool{kf: true}
	if p := kf.Parent(); p != nil {
		neighbours[p] = true
	}
	for _, c := range kf.Children() {
		neighbours[c] = true
	}
	return score(kf.BowVector(), db.sharing(kf.BowVector(), func(other *worldmap.KeyFrame) bool {
		return neighbours[other] || (exclude != nil && exclude(other))
	}), minScore)
}

// DetectRelocalizationCandidates returns keyframes similar to bow, keeping those within 75% of
// the best score, best first.
func (db *Database) DetectRelocalizationCandidates(bow vocabulary.BowVector) []Candidate {
	cands := score(bow, db.sharing(bow, nil), 0)
	if len(cands) == 0 {
		return nil
	}
	best := cands[0].Score
	return lo.Filter(cands, func(c Candidate, _ int) bool { return c.Score >= 0.75*best })
}

// Record is a serialized index. Keyframes are referenced by id.
type Record struct {
	Words map[vocabulary.WordID][]uint64 `cbor:"words"`
}

// Snapshot returns a frozen copy of the index.
func (db *Database) Snapshot() *Record {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec := &Record{Words: make(map[vocabulary.WordID][]uint64, len(db.invertedFile))}
	for word, kfs := range db.invertedFile {
		ids := lo.FilterMap(kfs, func(kf *worldmap.KeyFrame, _ int) (uint64, bool) {
			return kf.ID, !kf.IsBad()
		})
		if len(ids) > 0 {
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			rec.Words[word] = ids
		}
	}
	return rec
}

// Restore replaces the index contents with rec, resolving keyframe ids through lookup. An id
// lookup cannot resolve is an error and leaves the index unchanged.
func (db *Database) Restore(rec *Record, lookup func(id uint64) (*worldmap.KeyFrame, bool)) error {
	inverted := make(map[vocabulary.WordID][]*worldmap.KeyFrame, len(rec.Words))
	for word, ids := range rec.Words {
		for _, id := range ids {
			kf, ok := lookup(id)
			if !ok {
				return errors.Errorf("index word %d references unknown keyframe %d", word, id)
			}
			inverted[word] = append(inverted[word], kf)
		}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.invertedFile = inverted
	return nil
}
