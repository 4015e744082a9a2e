package slam

import (
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/orbslam/slam/localmapping"
	"go.viam.com/orbslam/slam/loopclosing"
	"go.viam.com/orbslam/slam/tracking"
)

const mapFileSuffix = ".bin"

// Config describes a System.
type Config struct {
	VocabularyPath string `json:"vocabulary_path" mapstructure:"vocabulary_path"`
	SettingsPath   string `json:"settings_path" mapstructure:"settings_path"`
	// Sensor is one of mono, stereo or rgbd.
	Sensor    string `json:"sensor" mapstructure:"sensor"`
	UseViewer bool   `json:"use_viewer" mapstructure:"use_viewer"`
	// MapPath is loaded at startup and is the default target of SaveMap. It is only recognized
	// with a .bin suffix.
	MapPath          string `json:"map_path" mapstructure:"map_path"`
	ViewerOutputPath string `json:"viewer_output_path" mapstructure:"viewer_output_path"`
	// EarlyLossKeyFrames overrides the map size at or below which losing track resets the system.
	EarlyLossKeyFrames int `json:"early_loss_keyframes" mapstructure:"early_loss_keyframes"`

	Estimator    tracking.Estimator    `json:"-" mapstructure:"-"`
	Optimizer    loopclosing.Optimizer `json:"-" mapstructure:"-"`
	Culler       localmapping.Culler   `json:"-" mapstructure:"-"`
	LoopDetector loopclosing.Detector  `json:"-" mapstructure:"-"`
}

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) error {
	if config.VocabularyPath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "vocabulary_path")
	}
	if config.SettingsPath == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "settings_path")
	}
	if config.Sensor == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "sensor")
	}
	if _, err := tracking.ParseSensor(config.Sensor); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if config.Estimator == nil {
		return goutils.NewConfigValidationError(path, errors.New("an estimator is required"))
	}
	return nil
}
