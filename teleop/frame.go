package teleop

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"vr_teleop/kinematics"
)

// vrToRobot re-labels headset axes as robot base axes: headset forward (-z)
// becomes +x, headset right (+x) becomes -y and headset up (+y) becomes +z.
var vrToRobot = mat.NewDense(3, 3, []float64{
	0, 0, -1,
	-1, 0, 0,
	0, 1, 0,
})

// Matrix4 is a homogeneous transform stored row-major.
type Matrix4 [16]float64

// Identity4 is the identity transform.
var Identity4 = Matrix4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}

// Translation returns the matrix's translation column.
func (m Matrix4) Translation() r3.Vector {
	return r3.Vector{X: m[3], Y: m[7], Z: m[11]}
}

func (m Matrix4) rotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	})
}

// NewMatrix4 builds the row-major transform with rotation o and translation p.
func NewMatrix4(o spatialmath.Orientation, p r3.Vector) Matrix4 {
	m := Identity4
	for c := 0; c < 3; c++ {
		a := kinematics.OrientationAxis(o, c)
		m[c], m[4+c], m[8+c] = a.X, a.Y, a.Z
	}
	m[3], m[7], m[11] = p.X, p.Y, p.Z
	return m
}

// Transpose converts between row-major and column-major storage.
func (m Matrix4) Transpose() Matrix4 {
	var out Matrix4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[c*4+r] = m[r*4+c]
		}
	}
	return out
}

func (m Matrix4) finite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// RobotTarget converts a headset-frame pose into the robot base frame, adds
// the head-to-base offset and raises the target to floorZ if it is below it.
// Rotations are re-expressed in robot axes, so an identity headset rotation
// stays the identity.
func RobotTarget(m Matrix4, headOffset r3.Vector, floorZ float64) (spatialmath.Pose, error) {
	if !m.finite() {
		return nil, errors.New("pose contains non-finite values")
	}

	var p mat.VecDense
	t := m.Translation()
	p.MulVec(vrToRobot, mat.NewVecDense(3, []float64{t.X, t.Y, t.Z}))
	point := r3.Vector{X: p.AtVec(0), Y: p.AtVec(1), Z: p.AtVec(2)}.Add(headOffset)
	point.Z = math.Max(point.Z, floorZ)

	var rot mat.Dense
	rot.Product(vrToRobot, m.rotation(), vrToRobot.T())
	// RotationMatrix keeps its entries column-major.
	var cm mat.Dense
	cm.CloneFrom(rot.T())
	rm, err := spatialmath.NewRotationMatrix(cm.RawMatrix().Data)
	if err != nil {
		return nil, errors.Wrap(err, "invalid rotation")
	}
	return spatialmath.NewPose(point, rm), nil
}
