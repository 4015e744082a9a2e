package worldmap

import (
	"bufio"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrMapFileAbsent marks a map file that does not exist or cannot be read. Callers fall back to
// an empty map.
var ErrMapFileAbsent = errors.New("map file absent")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 27, MaxMapPairs: 1 << 27}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode writes rec followed by each of trailers as consecutive CBOR items, with no header.
func Encode(w io.Writer, rec *Record, trailers ...interface{}) error {
	enc := encMode.NewEncoder(w)
	if err := enc.Encode(rec); err != nil {
		return errors.Wrap(err, "encoding map")
	}
	for _, t := range trailers {
		if err := enc.Encode(t); err != nil {
			return errors.Wrap(err, "encoding map trailer")
		}
	}
	return nil
}

// Decode reads a map record followed by one CBOR item into each of trailers.
func Decode(r io.Reader, trailers ...interface{}) (*Record, error) {
	dec := decMode.NewDecoder(r)
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, errors.Wrap(err, "decoding map")
	}
	for _, t := range trailers {
		if err := dec.Decode(t); err != nil {
			return nil, errors.Wrap(err, "decoding map trailer")
		}
	}
	return &rec, nil
}

// WriteFile creates path and encodes rec and trailers into it.
func WriteFile(path string, rec *Record, trailers ...interface{}) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if err := Encode(w, rec, trailers...); err != nil {
		return err
	}
	return w.Flush()
}

// ReadFile decodes a file written by WriteFile. A missing or unreadable file yields an error
// wrapping ErrMapFileAbsent.
func ReadFile(path string, trailers ...interface{}) (*Record, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrMapFileAbsent, "cannot open %q: %v", path, err)
	}
	defer func() {
		//nolint:errcheck
		f.Close()
	}()
	return Decode(bufio.NewReader(f), trailers...)
}
