package geometry

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Sim3 is a similarity transform: x' = S*R*x + T with positive scale S.
// With S fixed at 1 it reduces to a rigid transform.
type Sim3 struct {
	R quat.Number
	T r3.Vector
	S float64
}

// NewSim3 returns a similarity transform with the given rotation, translation
// and scale. The rotation is normalized.
func NewSim3(r quat.Number, t r3.Vector, s float64) Sim3 {
	return Sim3{R: normalize(r), T: t, S: s}
}

// Sim3FromPose lifts a rigid pose to a similarity transform with scale 1.
func Sim3FromPose(p Pose) Sim3 {
	return Sim3{R: p.R, T: p.T, S: 1}
}

// IdentitySim3 returns the identity similarity transform.
func IdentitySim3() Sim3 {
	return Sim3{R: quat.Number{Real: 1}, S: 1}
}

// Mul composes two similarity transforms: (a.Mul(b))(x) == a(b(x)).
func (a Sim3) Mul(b Sim3) Sim3 {
	return Sim3{
		R: normalize(quat.Mul(a.R, b.R)),
		T: Rotate(a.R, b.T).Mul(a.S).Add(a.T),
		S: a.S * b.S,
	}
}

// Inverse returns the inverse similarity transform.
func (s Sim3) Inverse() Sim3 {
	rInv := quat.Conj(s.R)
	return Sim3{
		R: rInv,
		T: Rotate(rInv, s.T).Mul(-1 / s.S),
		S: 1 / s.S,
	}
}

// Map applies the transform to a point.
func (s Sim3) Map(v r3.Vector) r3.Vector {
	return Rotate(s.R, v).Mul(s.S).Add(s.T)
}

// Pose converts the similarity transform to a rigid pose by dividing the
// translation by the scale and discarding the scale: [R t/s; 0 1].
func (s Sim3) Pose() Pose {
	return Pose{R: s.R, T: s.T.Mul(1 / s.S)}
}
