package geometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

const tol = 1e-9

func vecNear(t *testing.T, got, want r3.Vector) {
	t.Helper()
	test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, tol)
}

// rotation of 90 degrees about Z
func quarterTurnZ() quat.Number {
	s := math.Sqrt(2) / 2
	return quat.Number{Real: s, Kmag: s}
}

func TestPoseApply(t *testing.T) {
	p := NewPose(quarterTurnZ(), r3.Vector{X: 1, Y: 2, Z: 3})
	got := p.Apply(r3.Vector{X: 1})
	vecNear(t, got, r3.Vector{X: 1, Y: 3, Z: 3})
}

func TestPoseInverseRoundTrip(t *testing.T) {
	p := NewPose(quarterTurnZ(), r3.Vector{X: 0.5, Y: -1, Z: 2})
	v := r3.Vector{X: 3, Y: -4, Z: 5}
	vecNear(t, p.Inverse().Apply(p.Apply(v)), v)

	id := p.Mul(p.Inverse())
	vecNear(t, id.Apply(v), v)
}

func TestPoseMulComposition(t *testing.T) {
	a := NewPose(quarterTurnZ(), r3.Vector{X: 1})
	b := NewPose(quat.Number{Real: 1}, r3.Vector{Y: 2})
	v := r3.Vector{X: 1, Y: 1, Z: 1}
	vecNear(t, a.Mul(b).Apply(v), a.Apply(b.Apply(v)))
}

func TestPoseSpatial(t *testing.T) {
	p := NewPose(quat.Number{Real: 1}, r3.Vector{X: 1, Y: 2, Z: 3})
	sp := p.Spatial()
	// the spatial pose is the camera center in the world frame
	vecNear(t, sp.Point(), r3.Vector{X: -1, Y: -2, Z: -3})
}

func TestSim3RoundTrip(t *testing.T) {
	s := NewSim3(quarterTurnZ(), r3.Vector{X: 1, Y: -2, Z: 0.5}, 1.3)
	v := r3.Vector{X: 2, Y: 3, Z: -1}
	vecNear(t, s.Inverse().Map(s.Map(v)), v)
	vecNear(t, s.Mul(s.Inverse()).Map(v), v)
}

func TestSim3Composition(t *testing.T) {
	a := NewSim3(quarterTurnZ(), r3.Vector{X: 1}, 2)
	b := NewSim3(quat.Number{Real: 1}, r3.Vector{Z: -1}, 0.5)
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	vecNear(t, a.Mul(b).Map(v), a.Map(b.Map(v)))
	test.That(t, a.Mul(b).S, test.ShouldAlmostEqual, 1, tol)
}

func TestSim3FromPoseHasUnitScale(t *testing.T) {
	p := NewPose(quarterTurnZ(), r3.Vector{X: 1, Y: 2, Z: 3})
	s := Sim3FromPose(p)
	test.That(t, s.S, test.ShouldEqual, 1.0)
	v := r3.Vector{X: -1, Y: 0, Z: 4}
	vecNear(t, s.Map(v), p.Apply(v))
}

func TestSim3PoseDividesScaleOut(t *testing.T) {
	s := NewSim3(quarterTurnZ(), r3.Vector{X: 2, Y: 4, Z: -2}, 2)
	p := s.Pose()
	vecNear(t, p.T, r3.Vector{X: 1, Y: 2, Z: -1})
	test.That(t, p.R, test.ShouldResemble, s.R)
}

func TestIdentity(t *testing.T) {
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	vecNear(t, IdentityPose().Apply(v), v)
	vecNear(t, IdentitySim3().Map(v), v)
}
