// Package vocabulary implements the ORB bag-of-words vocabulary used for place recognition: a
// k-ary tree of binary descriptors whose leaves are weighted words.
//
// Two on-disk formats are supported, chosen by file suffix:
//
// Text (".txt"): a header line "k L scoring weighting", then one line per node in id order starting
// at node 1: "parentID isLeaf d0 ... d31 weight", where d0..d31 are the descriptor bytes.
//
// Binary (".bin"): little endian. Header of six 32-bit fields: node count, node record size (41),
// k, L, scoring, weighting. Then one record per node starting at node 1: uint32 parent id, 32
// descriptor bytes, float32 weight, uint8 leaf flag.
package vocabulary

import (
	"math"
	"math/bits"
	"sort"

	"github.com/pkg/errors"

	"go.viam.com/orbslam/utils"
)

// DescriptorLength is the size in bytes of an ORB descriptor.
const DescriptorLength = 32

// Descriptor is a 256-bit binary ORB descriptor.
type Descriptor [DescriptorLength]byte

// NodeID identifies a node of the vocabulary tree. The root is node 0.
type NodeID uint32

// WordID identifies a leaf of the vocabulary tree.
type WordID uint32

// BowVector is a sparse, L1-normalized bag-of-words vector.
type BowVector map[WordID]float64

// Scoring is the scoring type recorded in the vocabulary header. Only L1 is used for scoring;
// the others are accepted so that vocabularies trained with them still load.
type Scoring int

// Weighting is the weighting type recorded in the vocabulary header.
type Weighting int

// Scoring types.
const (
	L1Norm Scoring = iota
	L2Norm
	ChiSquare
	KL
	Bhattacharyya
	DotProduct
)

// Weighting types.
const (
	TfIdf Weighting = iota
	TF
	IDF
	Binary
)

const (
	textSuffix   = ".txt"
	binarySuffix = ".bin"
)

type node struct {
	parent     NodeID
	children   []NodeID
	descriptor Descriptor
	weight     float64
	isLeaf     bool
	word       WordID
}

// Vocabulary is an immutable vocabulary tree. It is safe for concurrent use once loaded.
type Vocabulary struct {
	k         int
	l         int
	scoring   Scoring
	weighting Weighting
	nodes     []node
	words     []NodeID
}

// Load reads a vocabulary, choosing the format from the file suffix.
func Load(path string) (*Vocabulary, error) {
	switch {
	case utils.HasSuffix(path, textSuffix):
		return LoadFromTextFile(path)
	case utils.HasSuffix(path, binarySuffix):
		return LoadFromBinaryFile(path)
	default:
		return nil, utils.NewUnsupportedSuffixError(path, textSuffix, binarySuffix)
	}
}

func newVocabulary(k, l int, scoring Scoring, weighting Weighting) (*Vocabulary, error) {
	if k < 0 || k > 20 || l < 1 || l > 10 || scoring < L1Norm || scoring > DotProduct ||
		weighting < TfIdf || weighting > Binary {
		return nil, errors.Errorf("invalid vocabulary header k=%d L=%d scoring=%d weighting=%d", k, l, scoring, weighting)
	}
	return &Vocabulary{
		k:         k,
		l:         l,
		scoring:   scoring,
		weighting: weighting,
		nodes:     []node{{}},
	}, nil
}

func (v *Vocabulary) addNode(parent NodeID, desc Descriptor, weight float64, isLeaf bool) error {
	if int(parent) >= len(v.nodes) {
		return errors.Errorf("node %d references unknown parent %d", len(v.nodes), parent)
	}
	if v.nodes[parent].isLeaf {
		return errors.Errorf("node %d has leaf %d as parent", len(v.nodes), parent)
	}
	id := NodeID(len(v.nodes))
	n := node{parent: parent, descriptor: desc, weight: weight, isLeaf: isLeaf}
	if isLeaf {
		n.word = WordID(len(v.words))
		v.words = append(v.words, id)
	}
	v.nodes = append(v.nodes, n)
	v.nodes[parent].children = append(v.nodes[parent].children, id)
	return nil
}

// NewFlat builds a single-level vocabulary whose words are the given descriptors. weights may be
// nil, meaning every word weighs 1.
func NewFlat(words []Descriptor, weights []float64) (*Vocabulary, error) {
	if weights != nil && len(weights) != len(words) {
		return nil, errors.Errorf("got %d weights for %d words", len(weights), len(words))
	}
	v := &Vocabulary{k: len(words), l: 1, scoring: L1Norm, weighting: TfIdf, nodes: []node{{}}}
	for i, w := range words {
		weight := 1.0
		if weights != nil {
			weight = weights[i]
		}
		if err := v.addNode(0, w, weight, true); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// BranchingFactor returns k.
func (v *Vocabulary) BranchingFactor() int {
	return v.k
}

// DepthLevels returns L.
func (v *Vocabulary) DepthLevels() int {
	return v.l
}

// Scoring returns the scoring type from the header.
func (v *Vocabulary) Scoring() Scoring {
	return v.scoring
}

// Weighting returns the weighting type from the header.
func (v *Vocabulary) Weighting() Weighting {
	return v.weighting
}

// Size returns the number of words.
func (v *Vocabulary) Size() int {
	return len(v.words)
}

// Empty reports whether the vocabulary has no words.
func (v *Vocabulary) Empty() bool {
	return len(v.words) == 0
}

// WordWeight returns the weight of a word, or 0 for an unknown word.
func (v *Vocabulary) WordWeight(id WordID) float64 {
	if int(id) >= len(v.words) {
		return 0
	}
	return v.nodes[v.words[id]].weight
}

// HammingDistance counts the differing bits of two descriptors.
func HammingDistance(a, b Descriptor) int {
	dist := 0
	for i := range a {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// WordFor descends the tree to the word closest to desc.
func (v *Vocabulary) WordFor(desc Descriptor) (WordID, float64) {
	id := NodeID(0)
	for !v.nodes[id].isLeaf && len(v.nodes[id].children) > 0 {
		best, bestDist := v.nodes[id].children[0], math.MaxInt
		for _, child := range v.nodes[id].children {
			if d := HammingDistance(desc, v.nodes[child].descriptor); d < bestDist {
				best, bestDist = child, d
			}
		}
		id = best
	}
	return v.nodes[id].word, v.nodes[id].weight
}

// Transform converts a set of descriptors into a normalized bag-of-words vector. Words with zero
// weight are dropped.
func (v *Vocabulary) Transform(descs []Descriptor) BowVector {
	bow := BowVector{}
	if v.Empty() {
		return bow
	}
	for _, d := range descs {
		word, weight := v.WordFor(d)
		if weight > 0 {
			bow[word] += weight
		}
	}
	bow.normalize()
	return bow
}

func (bow BowVector) normalize() {
	var norm float64
	for _, w := range bow {
		norm += math.Abs(w)
	}
	if norm == 0 {
		return
	}
	for id, w := range bow {
		bow[id] = w / norm
	}
}

// Words returns the word ids of the vector in ascending order.
func (bow BowVector) Words() []WordID {
	ids := make([]WordID, 0, len(bow))
	for id := range bow {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Score returns the L1 similarity of two normalized vectors, in [0, 1].
func (v *Vocabulary) Score(a, b BowVector) float64 {
	return L1Score(a, b)
}

// L1Score returns the L1 similarity of two normalized vectors, in [0, 1].
func L1Score(a, b BowVector) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var score float64
	for id, va := range a {
		if vb, ok := b[id]; ok {
			score += math.Abs(va-vb) - math.Abs(va) - math.Abs(vb)
		}
	}
	return -score / 2
}
