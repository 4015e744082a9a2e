package utils

import (
	"strings"

	"github.com/pkg/errors"
)

// HasSuffix reports whether path ends in suffix and has something before it, so ".bin" alone
// does not count as a binary file name.
func HasSuffix(path, suffix string) bool {
	return len(path) > len(suffix) && strings.HasSuffix(path, suffix)
}

// NewUnsupportedSuffixError is used when a file's suffix does not select any known format.
func NewUnsupportedSuffixError(path string, supported ...string) error {
	return errors.Errorf("file %q does not have a supported suffix %v", path, supported)
}
