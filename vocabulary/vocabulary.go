// Package vocabulary implements the visual vocabulary used for place
// recognition and the inverted-file keyframe database queried for loop
// candidates.
package vocabulary

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/viam-modules/viam-orbslam/slammap"
)

const descriptorBytes = 32

// Vocabulary quantizes binary descriptors against a fixed table of visual
// words and scores bag-of-words vectors.
type Vocabulary struct {
	words [][]byte
}

// New returns a vocabulary over the given word prototypes.
func New(words [][]byte) (*Vocabulary, error) {
	if len(words) == 0 {
		return nil, errors.New("vocabulary requires at least one word")
	}
	for i, w := range words {
		if len(w) != descriptorBytes {
			return nil, errors.Errorf("word %d has %d bytes, want %d", i, len(w), descriptorBytes)
		}
	}
	return &Vocabulary{words: words}, nil
}

// NewRandom returns a deterministic vocabulary of size random word
// prototypes generated from seed.
func NewRandom(size int, seed int64) (*Vocabulary, error) {
	rng := rand.New(rand.NewSource(seed))
	words := make([][]byte, size)
	for i := range words {
		w := make([]byte, descriptorBytes)
		rng.Read(w)
		words[i] = w
	}
	return New(words)
}

// Size returns the number of visual words.
func (v *Vocabulary) Size() int {
	return len(v.words)
}

// Transform quantizes a keyframe's descriptors into a normalized
// bag-of-words vector and the word-to-feature-slot index used for guided
// matching.
func (v *Vocabulary) Transform(descriptors [][]byte) (slammap.BowVector, slammap.FeatureVector) {
	bow := make(slammap.BowVector)
	features := make(slammap.FeatureVector)
	for slot, d := range descriptors {
		word := v.quantize(d)
		bow[word]++
		features[word] = append(features[word], slot)
	}

	var norm float64
	for _, w := range bow {
		norm += w
	}
	if norm > 0 {
		for word := range bow {
			bow[word] /= norm
		}
	}
	return bow, features
}

func (v *Vocabulary) quantize(descriptor []byte) uint32 {
	best := 0
	bestDist := math.MaxInt
	for i, w := range v.words {
		if d := slammap.DescriptorDistance(descriptor, w); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return uint32(best)
}

// Score returns the L1 similarity of two normalized bag-of-words vectors in
// [0, 1]; higher is more similar.
func (v *Vocabulary) Score(a, b slammap.BowVector) float64 {
	var l1 float64
	for word, wa := range a {
		if wb, ok := b[word]; ok {
			l1 += math.Abs(wa-wb) - math.Abs(wa) - math.Abs(wb)
		}
	}
	// terms absent from the intersection contribute |wa| + |wb|
	for _, wa := range a {
		l1 += math.Abs(wa)
	}
	for _, wb := range b {
		l1 += math.Abs(wb)
	}
	return 1 - 0.5*l1
}
