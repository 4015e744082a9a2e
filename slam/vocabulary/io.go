package vocabulary

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const binaryNodeSize = 4 + DescriptorLength + 4 + 1

// LoadFromTextFile reads a vocabulary in the text format.
func LoadFromTextFile(path string) (*Vocabulary, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening vocabulary")
	}
	defer f.Close() //nolint:errcheck
	v, err := ReadText(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading vocabulary %q", path)
	}
	return v, nil
}

// ReadText parses the text format.
func ReadText(r io.Reader) (*Vocabulary, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("empty vocabulary file")
	}
	header, err := parseInts(strings.Fields(scanner.Text()), 4)
	if err != nil {
		return nil, errors.Wrap(err, "this is not a correct text file: bad header")
	}
	v, err := newVocabulary(header[0], header[1], Scoring(header[2]), Weighting(header[3]))
	if err != nil {
		return nil, err
	}

	line := 1
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2+DescriptorLength+1 {
			return nil, errors.Errorf("line %d: expected %d fields, got %d", line, 2+DescriptorLength+1, len(fields))
		}
		head, err := parseInts(fields[:2], 2)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		descInts, err := parseInts(fields[2:2+DescriptorLength], DescriptorLength)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		var desc Descriptor
		for i, b := range descInts {
			if b < 0 || b > math.MaxUint8 {
				return nil, errors.Errorf("line %d: descriptor byte %d out of range", line, b)
			}
			desc[i] = byte(b)
		}
		weight, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: weight", line)
		}
		if head[0] < 0 {
			return nil, errors.Errorf("line %d: negative parent id", line)
		}
		if err := v.addNode(NodeID(head[0]), desc, weight, head[1] != 0); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if v.Empty() {
		return nil, errors.New("vocabulary has no words")
	}
	return v, nil
}

func parseInts(fields []string, want int) ([]int, error) {
	if len(fields) != want {
		return nil, errors.Errorf("expected %d integers, got %d", want, len(fields))
	}
	out := make([]int, want)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// WriteText writes the vocabulary in the text format.
func (v *Vocabulary) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d %d %d %d\n", v.k, v.l, v.scoring, v.weighting); err != nil {
		return err
	}
	for _, n := range v.nodes[1:] {
		leaf := 0
		if n.isLeaf {
			leaf = 1
		}
		if _, err := fmt.Fprintf(bw, "%d %d", n.parent, leaf); err != nil {
			return err
		}
		for _, b := range n.descriptor {
			if _, err := fmt.Fprintf(bw, " %d", b); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(bw, " %g\n", n.weight); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LoadFromBinaryFile reads a vocabulary in the binary format.
func LoadFromBinaryFile(path string) (*Vocabulary, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening vocabulary")
	}
	defer f.Close() //nolint:errcheck
	v, err := ReadBinary(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "reading vocabulary %q", path)
	}
	return v, nil
}

type binaryHeader struct {
	NodeCount uint32
	NodeSize  uint32
	K         int32
	L         int32
	Scoring   int32
	Weighting int32
}

type binaryNode struct {
	Parent     uint32
	Descriptor Descriptor
	Weight     float32
	Leaf       uint8
}

// ReadBinary parses the binary format.
func ReadBinary(r io.Reader) (*Vocabulary, error) {
	var header binaryHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	if header.NodeSize != binaryNodeSize {
		return nil, errors.Errorf("unexpected node size %d, expected %d", header.NodeSize, binaryNodeSize)
	}
	v, err := newVocabulary(int(header.K), int(header.L), Scoring(header.Scoring), Weighting(header.Weighting))
	if err != nil {
		return nil, err
	}
	for i := uint32(1); i < header.NodeCount; i++ {
		var n binaryNode
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrapf(err, "reading node %d", i)
		}
		if err := v.addNode(NodeID(n.Parent), n.Descriptor, float64(n.Weight), n.Leaf != 0); err != nil {
			return nil, err
		}
	}
	if v.Empty() {
		return nil, errors.New("vocabulary has no words")
	}
	return v, nil
}

// WriteBinary writes the vocabulary in the binary format.
func (v *Vocabulary) WriteBinary(w io.Writer) (err error) {
	bw := bufio.NewWriter(w)
	defer func() {
		err = multierr.Combine(err, bw.Flush())
	}()
	header := binaryHeader{
		NodeCount: uint32(len(v.nodes)),
		NodeSize:  binaryNodeSize,
		K:         int32(v.k),
		L:         int32(v.l),
		Scoring:   int32(v.scoring),
		Weighting: int32(v.weighting),
	}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return err
	}
	for _, n := range v.nodes[1:] {
		rec := binaryNode{Parent: uint32(n.parent), Descriptor: n.descriptor, Weight: float32(n.weight)}
		if n.isLeaf {
			rec.Leaf = 1
		}
		if err := binary.Write(bw, binary.LittleEndian, rec); err != nil {
			return err
		}
	}
	return nil
}
