// Package geometry implements the rigid-body and similarity transforms used
// throughout the SLAM pipeline. Rotations are unit quaternions, translations
// are r3 vectors. A Pose maps world coordinates into camera coordinates.
package geometry

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid world-to-camera transform: x_cam = R*x_world + T.
type Pose struct {
	R quat.Number
	T r3.Vector
}

// NewPose returns a pose with the given rotation and translation. The
// rotation is normalized.
func NewPose(r quat.Number, t r3.Vector) Pose {
	return Pose{R: normalize(r), T: t}
}

// IdentityPose returns the identity transform.
func IdentityPose() Pose {
	return Pose{R: quat.Number{Real: 1}}
}

// Mul composes two poses: (p.Mul(q))(x) == p(q(x)).
func (p Pose) Mul(q Pose) Pose {
	return Pose{
		R: normalize(quat.Mul(p.R, q.R)),
		T: Rotate(p.R, q.T).Add(p.T),
	}
}

// Inverse returns the camera-to-world transform.
func (p Pose) Inverse() Pose {
	rInv := quat.Conj(p.R)
	return Pose{
		R: rInv,
		T: Rotate(rInv, p.T).Mul(-1),
	}
}

// Apply maps a world point into the camera frame.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return Rotate(p.R, v).Add(p.T)
}

// Spatial converts the pose to the camera's pose in the world frame as a
// spatialmath.Pose, for reporting at the service boundary.
func (p Pose) Spatial() spatialmath.Pose {
	twc := p.Inverse()
	return spatialmath.NewPose(twc.T, &spatialmath.Quaternion{
		Real: twc.R.Real,
		Imag: twc.R.Imag,
		Jmag: twc.R.Jmag,
		Kmag: twc.R.Kmag,
	})
}

// Rotate applies the rotation represented by unit quaternion q to v.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}
