package vocabulary

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.viam.com/test"
)

func descriptorOf(b byte) Descriptor {
	var d Descriptor
	for i := range d {
		d[i] = b
	}
	return d
}

// twoLevel builds a k=2, L=2 tree: two inner nodes each with two leaves.
func twoLevel(t *testing.T) *Vocabulary {
	t.Helper()
	text := strings.Join([]string{
		"2 2 0 0",
		textNode(0, false, 0x00, 0),
		textNode(0, false, 0xff, 0),
		textNode(1, true, 0x00, 1.5),
		textNode(1, true, 0x0f, 0.5),
		textNode(2, true, 0xf0, 2),
		textNode(2, true, 0xff, 1),
	}, "\n")
	v, err := ReadText(strings.NewReader(text))
	test.That(t, err, test.ShouldBeNil)
	return v
}

func textNode(parent int, leaf bool, fill byte, weight float64) string {
	var sb strings.Builder
	l := 0
	if leaf {
		l = 1
	}
	sb.WriteString(strconv.Itoa(parent) + " " + strconv.Itoa(l))
	for i := 0; i < DescriptorLength; i++ {
		sb.WriteString(" " + strconv.Itoa(int(fill)))
	}
	sb.WriteString(" " + strconv.FormatFloat(weight, 'g', -1, 64))
	return sb.String()
}

func TestReadText(t *testing.T) {
	v := twoLevel(t)
	test.That(t, v.BranchingFactor(), test.ShouldEqual, 2)
	test.That(t, v.DepthLevels(), test.ShouldEqual, 2)
	test.That(t, v.Size(), test.ShouldEqual, 4)
	test.That(t, v.WordWeight(0), test.ShouldEqual, 1.5)
	test.That(t, v.WordWeight(99), test.ShouldEqual, 0)

	word, weight := v.WordFor(descriptorOf(0x0e))
	test.That(t, word, test.ShouldEqual, WordID(1))
	test.That(t, weight, test.ShouldEqual, 0.5)

	word, _ = v.WordFor(descriptorOf(0xfe))
	test.That(t, word, test.ShouldEqual, WordID(3))
}

func TestReadTextRejectsGarbage(t *testing.T) {
	_, err := ReadText(strings.NewReader("not a vocabulary\n"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadText(strings.NewReader("2 2 0 0\n0 1 1 2 3\n"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadText(strings.NewReader(""))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadText(strings.NewReader("99 2 0 0\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBinaryRoundTrip(t *testing.T) {
	v := twoLevel(t)
	var buf bytes.Buffer
	test.That(t, v.WriteBinary(&buf), test.ShouldBeNil)

	back, err := ReadBinary(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Size(), test.ShouldEqual, v.Size())
	for w := 0; w < v.Size(); w++ {
		test.That(t, back.WordWeight(WordID(w)), test.ShouldEqual, v.WordWeight(WordID(w)))
	}
}

func TestLoadBySuffix(t *testing.T) {
	dir := t.TempDir()
	v := twoLevel(t)

	var text bytes.Buffer
	test.That(t, v.WriteText(&text), test.ShouldBeNil)
	textPath := filepath.Join(dir, "voc.txt")
	test.That(t, os.WriteFile(textPath, text.Bytes(), 0o600), test.ShouldBeNil)

	var bin bytes.Buffer
	test.That(t, v.WriteBinary(&bin), test.ShouldBeNil)
	binPath := filepath.Join(dir, "voc.bin")
	test.That(t, os.WriteFile(binPath, bin.Bytes(), 0o600), test.ShouldBeNil)

	for _, p := range []string{textPath, binPath} {
		loaded, err := Load(p)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, loaded.Size(), test.ShouldEqual, 4)
	}

	_, err := Load(filepath.Join(dir, "voc.yaml"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Load(filepath.Join(dir, "missing.txt"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTransformAndScore(t *testing.T) {
	v := twoLevel(t)
	a := v.Transform([]Descriptor{descriptorOf(0x00), descriptorOf(0x00), descriptorOf(0xff)})
	test.That(t, len(a), test.ShouldEqual, 2)
	var sum float64
	for _, w := range a {
		sum += w
	}
	test.That(t, sum, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, a.Words(), test.ShouldResemble, []WordID{0, 3})

	test.That(t, v.Score(a, a), test.ShouldAlmostEqual, 1, 1e-12)

	b := v.Transform([]Descriptor{descriptorOf(0xf8)})
	test.That(t, v.Score(a, b), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestNewFlat(t *testing.T) {
	words := make([]Descriptor, 30)
	for i := range words {
		words[i] = descriptorOf(byte(i * 8))
	}
	v, err := NewFlat(words, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.Size(), test.ShouldEqual, 30)
	word, _ := v.WordFor(descriptorOf(17))
	test.That(t, word, test.ShouldEqual, WordID(2))

	_, err = NewFlat(words, []float64{1})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestHammingDistance(t *testing.T) {
	test.That(t, HammingDistance(descriptorOf(0x00), descriptorOf(0xff)), test.ShouldEqual, 256)
	test.That(t, HammingDistance(descriptorOf(0x01), descriptorOf(0x00)), test.ShouldEqual, 32)
}
