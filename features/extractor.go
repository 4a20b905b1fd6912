// Package features wraps OpenCV's ORB detector to produce the keypoints and
// binary descriptors keyframes are built from.
package features

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-modules/viam-orbslam/slammap"
)

const descriptorBytes = 32

// ExtractorConfig mirrors the ORB detector settings: pyramid shape and FAST
// thresholds.
type ExtractorConfig struct {
	MaxFeatures   int
	ScaleFactor   float64
	PyramidLevels int
	FASTThreshold int
	MinThreshold  int
}

// DefaultExtractorConfig returns the detector settings used for keyframe
// extraction.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MaxFeatures:   1000,
		ScaleFactor:   1.2,
		PyramidLevels: 8,
		FASTThreshold: 20,
		MinThreshold:  7,
	}
}

// Extractor detects ORB features in grayscale images.
type Extractor struct {
	orb gocv.ORB
	cfg ExtractorConfig
}

// NewExtractor returns an extractor with the given configuration.
func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if cfg.MaxFeatures <= 0 {
		return nil, errors.New("max features must be positive")
	}
	if cfg.ScaleFactor <= 1 {
		return nil, errors.Errorf("scale factor must exceed 1, got %v", cfg.ScaleFactor)
	}
	orb := gocv.NewORBWithParams(
		cfg.MaxFeatures,
		float32(cfg.ScaleFactor),
		cfg.PyramidLevels,
		31, // edge threshold
		0,  // first level
		2,  // WTA_K
		gocv.ORBScoreTypeHarris,
		31, // patch size
		cfg.FASTThreshold,
	)
	return &Extractor{orb: orb, cfg: cfg}, nil
}

// Extract detects keypoints and computes their ORB descriptors in a
// grayscale image.
func (e *Extractor) Extract(img gocv.Mat) ([]slammap.Keypoint, [][]byte, error) {
	if img.Empty() {
		return nil, nil, errors.New("cannot extract features from an empty image")
	}

	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := e.orb.DetectAndCompute(img, mask)
	defer desc.Close()

	keypoints := make([]slammap.Keypoint, len(kps))
	for i, kp := range kps {
		keypoints[i] = slammap.Keypoint{U: kp.X, V: kp.Y, Octave: kp.Octave}
	}

	descriptors := make([][]byte, len(kps))
	raw := desc.ToBytes()
	for i := range descriptors {
		start := i * descriptorBytes
		if start+descriptorBytes > len(raw) {
			return nil, nil, errors.Errorf("descriptor matrix too short: %d rows expected, %d bytes present", len(kps), len(raw))
		}
		descriptors[i] = raw[start : start+descriptorBytes]
	}
	return keypoints, descriptors, nil
}

// Close releases the underlying detector.
func (e *Extractor) Close() error {
	return e.orb.Close()
}
