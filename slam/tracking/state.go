package tracking

import (
	"strings"

	"github.com/pkg/errors"
)

// State is the tracking state.
type State int

// Tracking states.
const (
	NotReady State = iota - 1
	NoImagesYet
	NotInitialized
	Ok
	Lost
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "NotReady"
	case NoImagesYet:
		return "NoImagesYet"
	case NotInitialized:
		return "NotInitialized"
	case Ok:
		return "Ok"
	case Lost:
		return "Lost"
	default:
		return "Unknown"
	}
}

// Initialized reports whether a map exists for the state, which is when saving makes sense.
func (s State) Initialized() bool {
	return s == Ok || s == Lost
}

// Sensor is the input modality.
type Sensor int

// Sensor modalities.
const (
	Monocular Sensor = iota
	Stereo
	RGBD
)

func (s Sensor) String() string {
	switch s {
	case Monocular:
		return "mono"
	case Stereo:
		return "stereo"
	case RGBD:
		return "rgbd"
	default:
		return "unknown"
	}
}

// ParseSensor parses a sensor name as used in configuration.
func ParseSensor(name string) (Sensor, error) {
	switch strings.ToLower(name) {
	case "mono", "monocular":
		return Monocular, nil
	case "stereo":
		return Stereo, nil
	case "rgbd":
		return RGBD, nil
	default:
		return 0, errors.Errorf("unknown sensor %q, expected mono, stereo or rgbd", name)
	}
}
