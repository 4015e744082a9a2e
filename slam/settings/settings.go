// Package settings reads ORB-SLAM settings files. They are OpenCV FileStorage YAML documents:
// a "%YAML:1.0" directive, flat dotted keys and "!!opencv-matrix" tagged mappings for matrices.
package settings

import (
	"bytes"
	"os"
	"regexp"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// defaultFPS is used when Camera.fps is missing or zero.
const defaultFPS = 30

var (
	yamlDirective = regexp.MustCompile(`(?m)^%YAML[: ].*$`)
	opencvTag     = regexp.MustCompile(`!!opencv-matrix`)
)

// Matrix is an OpenCV matrix stored as a mapping with rows, cols, dt and row-major data.
type Matrix struct {
	Rows int       `mapstructure:"rows"`
	Cols int       `mapstructure:"cols"`
	DT   string    `mapstructure:"dt"`
	Data []float64 `mapstructure:"data"`
}

// At returns the element at row, col.
func (m *Matrix) At(row, col int) float64 {
	return m.Data[row*m.Cols+col]
}

func (m *Matrix) validate(name string) error {
	if m == nil {
		return nil
	}
	if m.Rows <= 0 || m.Cols <= 0 || len(m.Data) != m.Rows*m.Cols {
		return errors.Errorf("%s: matrix is %dx%d but has %d values", name, m.Rows, m.Cols, len(m.Data))
	}
	return nil
}

// Settings is the typed content of a settings file. Keys this package does not know end up in
// Extra.
type Settings struct {
	Fx     float64 `mapstructure:"Camera.fx"`
	Fy     float64 `mapstructure:"Camera.fy"`
	Cx     float64 `mapstructure:"Camera.cx"`
	Cy     float64 `mapstructure:"Camera.cy"`
	K1     float64 `mapstructure:"Camera.k1"`
	K2     float64 `mapstructure:"Camera.k2"`
	P1     float64 `mapstructure:"Camera.p1"`
	P2     float64 `mapstructure:"Camera.p2"`
	K3     float64 `mapstructure:"Camera.k3"`
	Width  int     `mapstructure:"Camera.width"`
	Height int     `mapstructure:"Camera.height"`
	FPS    float64 `mapstructure:"Camera.fps"`
	RGB    int     `mapstructure:"Camera.RGB"`

	// Bf is the stereo baseline times fx.
	Bf float64 `mapstructure:"Camera.bf"`

	ThDepth        float64 `mapstructure:"ThDepth"`
	DepthMapFactor float64 `mapstructure:"DepthMapFactor"`

	NFeatures   int     `mapstructure:"ORBextractor.nFeatures"`
	ScaleFactor float64 `mapstructure:"ORBextractor.scaleFactor"`
	NLevels     int     `mapstructure:"ORBextractor.nLevels"`
	IniThFAST   int     `mapstructure:"ORBextractor.iniThFAST"`
	MinThFAST   int     `mapstructure:"ORBextractor.minThFAST"`

	ViewerKeyFrameSize      float64 `mapstructure:"Viewer.KeyFrameSize"`
	ViewerKeyFrameLineWidth float64 `mapstructure:"Viewer.KeyFrameLineWidth"`
	ViewerGraphLineWidth    float64 `mapstructure:"Viewer.GraphLineWidth"`
	ViewerPointSize         float64 `mapstructure:"Viewer.PointSize"`
	ViewerCameraSize        float64 `mapstructure:"Viewer.CameraSize"`
	ViewerCameraLineWidth   float64 `mapstructure:"Viewer.CameraLineWidth"`

	LeftK  *Matrix `mapstructure:"LEFT.K"`
	LeftD  *Matrix `mapstructure:"LEFT.D"`
	LeftR  *Matrix `mapstructure:"LEFT.R"`
	LeftP  *Matrix `mapstructure:"LEFT.P"`
	RightK *Matrix `mapstructure:"RIGHT.K"`
	RightD *Matrix `mapstructure:"RIGHT.D"`
	RightR *Matrix `mapstructure:"RIGHT.R"`
	RightP *Matrix `mapstructure:"RIGHT.P"`

	Extra map[string]interface{} `mapstructure:",remain"`
}

// Load opens and parses a settings file.
func Load(path string) (*Settings, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open settings file at %q", path)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing settings file %q", path)
	}
	return s, nil
}

// Parse parses the content of a settings file.
func Parse(data []byte) (*Settings, error) {
	data = yamlDirective.ReplaceAll(data, nil)
	data = opencvTag.ReplaceAll(data, nil)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("settings file is empty")
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var s Settings
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &s,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the values every sensor needs.
func (s *Settings) Validate() error {
	if s.Fx <= 0 || s.Fy <= 0 {
		return errors.Errorf("camera focal lengths must be positive, got fx=%v fy=%v", s.Fx, s.Fy)
	}
	if s.FPS < 0 {
		return errors.Errorf("Camera.fps cannot be negative, got %v", s.FPS)
	}
	for name, m := range map[string]*Matrix{
		"LEFT.K": s.LeftK, "LEFT.D": s.LeftD, "LEFT.R": s.LeftR, "LEFT.P": s.LeftP,
		"RIGHT.K": s.RightK, "RIGHT.D": s.RightD, "RIGHT.R": s.RightR, "RIGHT.P": s.RightP,
	} {
		if err := m.validate(name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDepth checks the values stereo and RGB-D sensors additionally need.
func (s *Settings) ValidateDepth(needsDepthMapFactor bool) error {
	if s.ThDepth <= 0 {
		return errors.New("ThDepth must be positive for stereo and RGB-D sensors")
	}
	if needsDepthMapFactor && s.DepthMapFactor == 0 {
		return errors.New("DepthMapFactor must be set for RGB-D sensors")
	}
	return nil
}

// FrameRate returns Camera.fps, or a default when unset.
func (s *Settings) FrameRate() float64 {
	if s.FPS == 0 {
		return defaultFPS
	}
	return s.FPS
}

// Baseline returns the stereo baseline in meters.
func (s *Settings) Baseline() float64 {
	return s.Bf / s.Fx
}
