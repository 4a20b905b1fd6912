// Package config implements attribute evaluation for the SLAM system:
// sensor mode, camera intrinsics and the loop-closing tunables.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/viam-orbslam/loopclosing"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// newError returns an error specific to a failure in the SLAM config.
func newError(configError string) error {
	return errors.Errorf("SLAM service configuration error: %s", configError)
}

// SensorMode selects the camera rig. Stereo and RGB-D rigs observe metric
// depth, so loop corrections are rigid; monocular rigs drift in scale and
// need the full similarity estimate.
type SensorMode string

// Supported sensor modes.
const (
	Monocular SensorMode = "mono"
	Stereo    SensorMode = "stereo"
	RGBD      SensorMode = "rgbd"
)

// FixScale reports whether loop corrections for this mode keep scale pinned
// to 1.
func (m SensorMode) FixScale() bool {
	return m == Stereo || m == RGBD
}

// Config describes how to configure the SLAM service.
type Config struct {
	Mode         string            `json:"mode" yaml:"mode"`
	ConfigParams map[string]string `json:"config_params" yaml:"config_params"`

	Camera CameraConfig `json:"camera" yaml:"camera"`

	VocabularySize int   `json:"vocabulary_size" yaml:"vocabulary_size"`
	VocabularySeed int64 `json:"vocabulary_seed" yaml:"vocabulary_seed"`

	// Telemetry enables the stats exporter for the background workers.
	Telemetry bool `json:"telemetry" yaml:"telemetry"`
}

// CameraConfig holds the pinhole intrinsics of the rig.
type CameraConfig struct {
	Fx float64 `json:"fx" yaml:"fx"`
	Fy float64 `json:"fy" yaml:"fy"`
	Cx float64 `json:"cx" yaml:"cx"`
	Cy float64 `json:"cy" yaml:"cy"`
}

// Intrinsics converts the camera attributes to the map's camera model.
func (c CameraConfig) Intrinsics() slammap.Camera {
	return slammap.Camera{Fx: c.Fx, Fy: c.Fy, Cx: c.Cx, Cy: c.Cy}
}

// Validate checks the required attributes.
func (config *Config) Validate() error {
	switch SensorMode(config.Mode) {
	case Monocular, Stereo, RGBD:
	case "":
		return newError("mode is a required input parameter")
	default:
		return newError("mode must be one of mono, stereo, rgbd")
	}

	if config.Camera.Fx <= 0 || config.Camera.Fy <= 0 {
		return newError("camera focal lengths must be positive")
	}

	if config.VocabularySize < 0 {
		return errors.New("cannot specify vocabulary_size less than zero")
	}

	return nil
}

// Load reads a YAML settings file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading settings file %s", path)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "parsing settings YAML")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

const (
	defaultVocabularySize = 4096
	defaultVocabularySeed = 42
)

// GetOptionalParameters sets any unset optional attributes to their defaults
// and returns the resolved vocabulary shape.
func GetOptionalParameters(config *Config, logger logging.Logger) (int, int64) {
	size := config.VocabularySize
	if size == 0 {
		size = defaultVocabularySize
		logger.Debugf("no vocabulary_size given, setting to default value of %d", defaultVocabularySize)
	}
	seed := config.VocabularySeed
	if seed == 0 {
		seed = defaultVocabularySeed
		logger.Debugf("no vocabulary_seed given, setting to default value of %d", defaultVocabularySeed)
	}
	return size, seed
}

// ParseLoopClosingParams overlays the config_params attribute map on the
// default loop-closing thresholds.
func ParseLoopClosingParams(configParams map[string]string, mode SensorMode, logger logging.Logger) (loopclosing.Params, error) {
	params := loopclosing.DefaultParams()
	params.FixScale = mode.FixScale()

	for k, val := range configParams {
		switch k {
		case "min_consistency":
			iVal, err := strconv.Atoi(val)
			if err != nil {
				return params, err
			}
			params.MinConsistency = iVal
		case "loop_gap":
			iVal, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return params, err
			}
			params.LoopGap = iVal
		case "min_bow_matches":
			iVal, err := strconv.Atoi(val)
			if err != nil {
				return params, err
			}
			params.MinBoWMatches = iVal
		case "min_sim3_inliers":
			iVal, err := strconv.Atoi(val)
			if err != nil {
				return params, err
			}
			params.MinSim3Inliers = iVal
		case "min_total_matches":
			iVal, err := strconv.Atoi(val)
			if err != nil {
				return params, err
			}
			params.MinTotalMatches = iVal
		case "ransac_probability":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return params, err
			}
			params.RansacProbability = fVal
		case "ransac_min_inliers":
			iVal, err := strconv.Atoi(val)
			if err != nil {
				return params, err
			}
			params.RansacMinInliers = iVal
		case "ransac_max_iterations":
			iVal, err := strconv.Atoi(val)
			if err != nil {
				return params, err
			}
			params.RansacMaxIterations = iVal
		case "sim3_search_radius":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return params, err
			}
			params.Sim3SearchRadius = fVal
		case "projection_search_radius":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return params, err
			}
			params.ProjectionSearchRadius = fVal
		case "fuse_search_radius":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return params, err
			}
			params.FuseSearchRadius = fVal
		case "max_sim3_chi2":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return params, err
			}
			params.MaxSim3Chi2 = fVal
		case "gba_iterations":
			iVal, err := strconv.Atoi(val)
			if err != nil {
				return params, err
			}
			params.GBAIterations = iVal
		default:
			logger.Warnf("unused config param: %s: %s", k, val)
		}
	}
	return params, nil
}
