package optimize

import (
	"math"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// huberDelta is the robust-kernel transition point in pixels.
const huberDelta = 2.447

// GlobalBundleAdjustment jointly refines all keyframe poses and map-point
// positions by alternating Gauss-Newton steps on the reprojection error. The
// stop flag is honored between iterations. Results are written only to the
// GBA scratch fields (TcwGBA / PosGBA), stamped with loopKFID, for the
// caller to apply under the map-update lock; if the run was stopped nothing
// is written.
func (o *Optimizer) GlobalBundleAdjustment(m *slammap.Map, iterations int, stop *atomic.Bool, loopKFID uint64, robust bool) {
	keyframes := m.AllKeyFrames()
	points := m.AllMapPoints()
	if len(keyframes) == 0 {
		return
	}

	poses := make(map[*slammap.KeyFrame]geometry.Pose, len(keyframes))
	for _, kf := range keyframes {
		poses[kf] = kf.Pose()
	}
	positions := make(map[*slammap.MapPoint]r3.Vector, len(points))
	type observation struct {
		kf   *slammap.KeyFrame
		u, v float64
	}
	observations := make(map[*slammap.MapPoint][]observation, len(points))
	for _, mp := range points {
		if mp.IsBad() {
			continue
		}
		positions[mp] = mp.Position()
		for kf, slot := range mp.Observations() {
			if _, tracked := poses[kf]; !tracked || slot >= len(kf.Keypoints) {
				continue
			}
			kp := kf.Keypoints[slot]
			observations[mp] = append(observations[mp], observation{kf: kf, u: kp.U, v: kp.V})
		}
	}

	for it := 0; it < iterations; it++ {
		if stop != nil && stop.Load() {
			return
		}

		// point step: 3x3 Gauss-Newton per map point with poses fixed
		for mp, obs := range observations {
			if len(obs) < 2 {
				continue
			}
			pos := positions[mp]
			h := mat.NewDense(3, 3, nil)
			b := mat.NewVecDense(3, nil)
			valid := 0
			for _, ob := range obs {
				pose := poses[ob.kf]
				pc := pose.Apply(pos)
				if pc.Z <= 0 {
					continue
				}
				ru, rv, ja := residualAndJacobian(ob.kf.Camera, pc, ob.u, ob.v)
				w := 1.0
				if robust {
					w = huberWeight(math.Hypot(ru, rv))
				}
				// chain through the rotation: d(pc)/d(pos) = R
				rm := rotationMatrix(pose.R)
				var jp mat.Dense
				jp.Mul(ja, rm)
				accumulate(h, b, &jp, ru, rv, w)
				valid++
			}
			if valid < 2 {
				continue
			}
			if delta, ok := solveDamped(h, b, 3); ok {
				positions[mp] = pos.Sub(r3.Vector{X: delta.AtVec(0), Y: delta.AtVec(1), Z: delta.AtVec(2)})
			}
		}

		if stop != nil && stop.Load() {
			return
		}

		// pose step: 6x6 Gauss-Newton per keyframe with points fixed; the
		// first origin stays pinned to anchor the gauge
		origins := m.KeyFrameOrigins()
		var anchor *slammap.KeyFrame
		if len(origins) > 0 {
			anchor = origins[0]
		}
		perKF := make(map[*slammap.KeyFrame][]struct {
			pos  r3.Vector
			u, v float64
		})
		for mp, obs := range observations {
			for _, ob := range obs {
				perKF[ob.kf] = append(perKF[ob.kf], struct {
					pos  r3.Vector
					u, v float64
				}{positions[mp], ob.u, ob.v})
			}
		}
		for kf, obs := range perKF {
			if kf == anchor || len(obs) < 3 {
				continue
			}
			pose := poses[kf]
			h := mat.NewDense(6, 6, nil)
			b := mat.NewVecDense(6, nil)
			valid := 0
			for _, ob := range obs {
				pc := pose.Apply(ob.pos)
				if pc.Z <= 0 {
					continue
				}
				ru, rv, ja := residualAndJacobian(kf.Camera, pc, ob.u, ob.v)
				w := 1.0
				if robust {
					w = huberWeight(math.Hypot(ru, rv))
				}
				// perturbation [omega, tau]: d(pc) = -[pc]x omega + tau
				jp := mat.NewDense(3, 6, []float64{
					0, pc.Z, -pc.Y, 1, 0, 0,
					-pc.Z, 0, pc.X, 0, 1, 0,
					pc.Y, -pc.X, 0, 0, 0, 1,
				})
				var j mat.Dense
				j.Mul(ja, jp)
				accumulate(h, b, &j, ru, rv, w)
				valid++
			}
			if valid < 3 {
				continue
			}
			delta, ok := solveDamped(h, b, 6)
			if !ok {
				continue
			}
			omega := r3.Vector{X: -delta.AtVec(0), Y: -delta.AtVec(1), Z: -delta.AtVec(2)}
			tau := r3.Vector{X: -delta.AtVec(3), Y: -delta.AtVec(4), Z: -delta.AtVec(5)}
			dq := quat.Number{Real: 1, Imag: omega.X / 2, Jmag: omega.Y / 2, Kmag: omega.Z / 2}
			poses[kf] = geometry.NewPose(
				quat.Mul(dq, pose.R),
				geometry.Rotate(dq, pose.T).Add(tau),
			)
		}
	}

	if stop != nil && stop.Load() {
		return
	}
	for kf, pose := range poses {
		kf.TcwGBA = pose
		kf.BAGlobalForKF = loopKFID
	}
	for mp, pos := range positions {
		mp.PosGBA = pos
		mp.BAGlobalForKF = loopKFID
	}
}

// residualAndJacobian returns the reprojection residual of a camera-frame
// point against a measured pixel and the 2x3 Jacobian of the projection with
// respect to the camera-frame point.
func residualAndJacobian(c slammap.Camera, pc r3.Vector, u, v float64) (float64, float64, *mat.Dense) {
	invZ := 1 / pc.Z
	pu := c.Fx*pc.X*invZ + c.Cx
	pv := c.Fy*pc.Y*invZ + c.Cy
	j := mat.NewDense(2, 3, []float64{
		c.Fx * invZ, 0, -c.Fx * pc.X * invZ * invZ,
		0, c.Fy * invZ, -c.Fy * pc.Y * invZ * invZ,
	})
	return pu - u, pv - v, j
}

func huberWeight(err float64) float64 {
	if err <= huberDelta {
		return 1
	}
	return huberDelta / err
}

// accumulate adds w * J^T J to h and w * J^T r to b.
func accumulate(h *mat.Dense, b *mat.VecDense, j *mat.Dense, ru, rv, w float64) {
	var jtj mat.Dense
	jtj.Mul(j.T(), j)
	jtj.Scale(w, &jtj)
	h.Add(h, &jtj)

	r := mat.NewVecDense(2, []float64{ru, rv})
	var jtr mat.VecDense
	jtr.MulVec(j.T(), r)
	jtr.ScaleVec(w, &jtr)
	b.AddVec(b, &jtr)
}

// solveDamped solves (H + lambda*I) x = b, returning false on a singular
// system.
func solveDamped(h *mat.Dense, b *mat.VecDense, dim int) (*mat.VecDense, bool) {
	const lambda = 1e-6
	damped := mat.NewDense(dim, dim, nil)
	damped.CloneFrom(h)
	for i := 0; i < dim; i++ {
		damped.Set(i, i, damped.At(i, i)+lambda)
	}
	x := mat.NewVecDense(dim, nil)
	if err := x.SolveVec(damped, b); err != nil {
		return nil, false
	}
	return x, true
}

// rotationMatrix expands a unit quaternion into its 3x3 rotation matrix.
func rotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}
