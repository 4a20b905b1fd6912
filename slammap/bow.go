package slammap

import "math/bits"

// BowVector is a keyframe's visual-word histogram: word id to normalized
// tf-idf weight. Scoring between two vectors is done by the vocabulary.
type BowVector map[uint32]float64

// FeatureVector groups a keyframe's feature slots by the visual word they
// quantized to, enabling word-guided descriptor matching.
type FeatureVector map[uint32][]int

// DescriptorDistance returns the Hamming distance between two binary ORB
// descriptors.
func DescriptorDistance(a, b []byte) int {
	dist := 0
	for i := range a {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}
