// Package optimize implements the graph-optimization backends consumed by
// the loop closer: robust similarity-transform fitting, pose-graph
// propagation and bundle adjustment.
package optimize

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// chi2Threshold2D is the 99% chi-square bound for a 2-DoF reprojection
// residual at unit pixel noise.
const chi2Threshold2D = 9.21

// Sim3Solver estimates the similarity transform mapping the second
// keyframe's camera frame into the first's from putative map-point matches,
// by RANSAC over minimal 3-point samples with Horn's closed-form alignment.
type Sim3Solver struct {
	kf1, kf2 *slammap.KeyFrame
	fixScale bool

	x1, x2         []r3.Vector // camera-frame point pairs
	slots1, slots2 []int
	indices        []int // original match slots, for the inlier mask

	matchCount int

	probability   float64
	minInliers    int
	maxIterations int
	iterations    int

	bestSim3    geometry.Sim3
	bestInliers []bool
	bestCount   int

	rng *rand.Rand
}

// NewSim3Solver prepares a solver for the match set between kf1 and kf2.
// matches is indexed by kf1 feature slot; only slots where kf1 observes its
// own map point contribute correspondences. With fixScale the estimate is
// rigid (scale pinned to 1).
func NewSim3Solver(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, fixScale bool) *Sim3Solver {
	s := &Sim3Solver{
		kf1:      kf1,
		kf2:      kf2,
		fixScale: fixScale,
		// deterministic per keyframe pair, so detection replays are stable
		rng: rand.New(rand.NewSource(int64(kf1.ID)<<32 | int64(kf2.ID))),
	}

	t1w := kf1.Pose()
	t2w := kf2.Pose()
	points1 := kf1.MapPointMatches()
	for slot1, mp2 := range matches {
		if mp2 == nil || mp2.IsBad() {
			continue
		}
		mp1 := points1[slot1]
		if mp1 == nil || mp1.IsBad() {
			continue
		}
		slot2, ok := mp2.Observations()[kf2]
		if !ok {
			continue
		}
		s.x1 = append(s.x1, t1w.Apply(mp1.Position()))
		s.x2 = append(s.x2, t2w.Apply(mp2.Position()))
		s.slots1 = append(s.slots1, slot1)
		s.slots2 = append(s.slots2, slot2)
		s.indices = append(s.indices, slot1)
	}
	s.matchCount = len(matches)
	s.SetRansacParameters(0.99, 6, 300)
	return s
}

// SetRansacParameters configures the adaptive iteration bound from the
// desired success probability, minimum inlier count and iteration cap.
func (s *Sim3Solver) SetRansacParameters(probability float64, minInliers, maxIterations int) {
	s.probability = probability
	s.minInliers = minInliers
	s.maxIterations = maxIterations

	n := len(s.x1)
	if n < minInliers {
		s.maxIterations = 0
		return
	}
	// adaptive bound assuming the minimum acceptable inlier ratio
	epsilon := float64(minInliers) / float64(n)
	its := int(math.Ceil(math.Log(1-probability) / math.Log(1-math.Pow(epsilon, 3))))
	if its < 1 {
		its = 1
	}
	if its < s.maxIterations {
		s.maxIterations = its
	}
}

// Iterate runs up to n further RANSAC iterations. It returns the estimated
// transform, an inlier mask indexed like the original match slice, and
// whether an acceptable model was found.
func (s *Sim3Solver) Iterate(n int) (geometry.Sim3, []bool, bool) {
	if len(s.x1) < 3 || len(s.x1) < s.minInliers {
		s.iterations = s.maxIterations
		return geometry.IdentitySim3(), nil, false
	}

	for i := 0; i < n && s.iterations < s.maxIterations; i++ {
		s.iterations++

		a, b, c := s.sampleThree()
		model, ok := hornAlignment(
			[]r3.Vector{s.x2[a], s.x2[b], s.x2[c]},
			[]r3.Vector{s.x1[a], s.x1[b], s.x1[c]},
			s.fixScale,
		)
		if !ok {
			continue
		}

		inliers, count := s.checkInliers(model)
		if count > s.bestCount {
			s.bestCount = count
			s.bestSim3 = model
			s.bestInliers = inliers
		}
		if count >= s.minInliers {
			mask := make([]bool, s.matchCount)
			for j, in := range inliers {
				if in {
					mask[s.indices[j]] = true
				}
			}
			return model, mask, true
		}
	}
	return geometry.IdentitySim3(), nil, false
}

// Terminate reports whether the solver has exhausted its iteration budget
// without reaching the minimum inlier count.
func (s *Sim3Solver) Terminate() bool {
	return s.iterations >= s.maxIterations && s.bestCount < s.minInliers
}

func (s *Sim3Solver) sampleThree() (int, int, int) {
	n := len(s.x1)
	a := s.rng.Intn(n)
	b := s.rng.Intn(n)
	for b == a {
		b = s.rng.Intn(n)
	}
	c := s.rng.Intn(n)
	for c == a || c == b {
		c = s.rng.Intn(n)
	}
	return a, b, c
}

func (s *Sim3Solver) checkInliers(model geometry.Sim3) ([]bool, int) {
	inverse := model.Inverse()
	inliers := make([]bool, len(s.x1))
	count := 0
	for i := range s.x1 {
		// forward: kf2 point into kf1's image
		p1 := model.Map(s.x2[i])
		u1, v1, ok1 := s.kf1.Camera.Project(p1.X, p1.Y, p1.Z)
		// backward: kf1 point into kf2's image
		p2 := inverse.Map(s.x1[i])
		u2, v2, ok2 := s.kf2.Camera.Project(p2.X, p2.Y, p2.Z)
		if !ok1 || !ok2 {
			continue
		}
		kp1 := s.kf1.Keypoints[s.slots1[i]]
		kp2 := s.kf2.Keypoints[s.slots2[i]]
		e1 := sq(u1-kp1.U) + sq(v1-kp1.V)
		e2 := sq(u2-kp2.U) + sq(v2-kp2.V)
		if e1 < chi2Threshold2D && e2 < chi2Threshold2D {
			inliers[i] = true
			count++
		}
	}
	return inliers, count
}

func sq(x float64) float64 { return x * x }

// hornAlignment computes the similarity transform mapping src points onto
// dst points by Horn's closed-form quaternion method. With fixScale the
// scale is pinned to 1.
func hornAlignment(src, dst []r3.Vector, fixScale bool) (geometry.Sim3, bool) {
	n := len(src)
	if n < 3 || n != len(dst) {
		return geometry.Sim3{}, false
	}

	var srcCentroid, dstCentroid r3.Vector
	for i := range src {
		srcCentroid = srcCentroid.Add(src[i])
		dstCentroid = dstCentroid.Add(dst[i])
	}
	srcCentroid = srcCentroid.Mul(1 / float64(n))
	dstCentroid = dstCentroid.Mul(1 / float64(n))

	// cross-covariance of the centered point sets
	var sxx, sxy, sxz, syx, syy, syz, szx, szy, szz float64
	for i := range src {
		p := src[i].Sub(srcCentroid)
		q := dst[i].Sub(dstCentroid)
		sxx += p.X * q.X
		sxy += p.X * q.Y
		sxz += p.X * q.Z
		syx += p.Y * q.X
		syy += p.Y * q.Y
		syz += p.Y * q.Z
		szx += p.Z * q.X
		szy += p.Z * q.Y
		szz += p.Z * q.Z
	}

	nMat := mat.NewSymDense(4, []float64{
		sxx + syy + szz, syz - szy, szx - sxz, sxy - syx,
		syz - szy, sxx - syy - szz, sxy + syx, szx + sxz,
		szx - sxz, sxy + syx, -sxx + syy - szz, syz + szy,
		sxy - syx, szx + sxz, syz + szy, -sxx - syy + szz,
	})

	var es mat.EigenSym
	if !es.Factorize(nMat, true) {
		return geometry.Sim3{}, false
	}
	var vectors mat.Dense
	es.VectorsTo(&vectors)
	// gonum returns eigenvalues in ascending order; the rotation is the
	// eigenvector of the largest.
	r := quat.Number{
		Real: vectors.At(0, 3),
		Imag: vectors.At(1, 3),
		Jmag: vectors.At(2, 3),
		Kmag: vectors.At(3, 3),
	}
	if quat.Abs(r) == 0 {
		return geometry.Sim3{}, false
	}
	r = quat.Scale(1/quat.Abs(r), r)

	scale := 1.0
	if !fixScale {
		var num, den float64
		for i := range src {
			p := src[i].Sub(srcCentroid)
			q := dst[i].Sub(dstCentroid)
			num += q.Dot(geometry.Rotate(r, p))
			den += p.Norm2()
		}
		if den <= 0 || num <= 0 {
			return geometry.Sim3{}, false
		}
		scale = num / den
	}

	t := dstCentroid.Sub(geometry.Rotate(r, srcCentroid).Mul(scale))
	return geometry.NewSim3(r, t, scale), true
}
