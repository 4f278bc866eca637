package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

var (
	// ErrMalformedDescription is returned by Load for cycles, dangling parent
	// references, unsupported joint types and invalid axes or limits.
	ErrMalformedDescription = errors.New("malformed kinematic description")
	// ErrUnknownLink is returned when a link name is not part of the tree.
	ErrUnknownLink = errors.New("unknown link")
)

// JointDescriptor is a validated joint. It is never mutated after Load.
type JointDescriptor struct {
	Name   string
	Type   JointType
	Axis   r3.Vector
	Lower  float64
	Upper  float64
	Parent string
	Child  string
	// Index into the joint-angle vector, or -1 for fixed joints.
	Index int

	origin spatialmath.Pose
}

// Active reports whether the joint consumes an entry of the joint vector.
func (j *JointDescriptor) Active() bool {
	return j.Index >= 0
}

// Origin returns the fixed parent-to-child transform at zero angle.
func (j *JointDescriptor) Origin() spatialmath.Pose {
	return j.origin
}

// Transform returns the parent-to-child transform at the given angle.
func (j *JointDescriptor) Transform(angle float64) spatialmath.Pose {
	if !j.Active() || angle == 0 {
		return j.origin
	}
	rot := spatialmath.NewPoseFromOrientation(&spatialmath.R4AA{
		Theta: angle,
		RX:    j.Axis.X,
		RY:    j.Axis.Y,
		RZ:    j.Axis.Z,
	})
	return spatialmath.Compose(j.origin, rot)
}

var unitAxes = [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}

// OrientationAxis returns where o sends the c'th unit vector, i.e. column c
// of its rotation matrix. It goes through Compose so it does not depend on
// how RotationMatrix lays out its storage.
func OrientationAxis(o spatialmath.Orientation, c int) r3.Vector {
	return spatialmath.Compose(
		spatialmath.NewPoseFromOrientation(o),
		spatialmath.NewPoseFromPoint(unitAxes[c]),
	).Point()
}

// Chain is the ordered list of joints from the root link to Tip.
type Chain struct {
	Tip    string
	Joints []*JointDescriptor
}

// ActiveIndices returns the joint-vector indices that move this chain.
func (c Chain) ActiveIndices() []int {
	var out []int
	for _, j := range c.Joints {
		if j.Active() {
			out = append(out, j.Index)
		}
	}
	return out
}

func (c Chain) pose(q []float64) spatialmath.Pose {
	pose := spatialmath.NewZeroPose()
	for _, j := range c.Joints {
		angle := 0.0
		if j.Active() {
			angle = q[j.Index]
		}
		pose = spatialmath.Compose(pose, j.Transform(angle))
	}
	return pose
}

// Model is an immutable kinematic tree. It is safe for concurrent use.
type Model struct {
	name   string
	root   string
	joints []*JointDescriptor
	active []*JointDescriptor
	index  map[string]int
	chains map[string]Chain
}

// Load validates a description and builds the model.
func Load(desc Description) (*Model, error) {
	links := make(map[string]bool, len(desc.Links))
	for _, l := range desc.Links {
		if l == "" {
			return nil, errors.Wrap(ErrMalformedDescription, "empty link name")
		}
		links[l] = true
	}
	// A description without an explicit link list declares links through joints.
	implicitLinks := len(desc.Links) == 0

	m := &Model{
		name:   desc.Name,
		index:  make(map[string]int),
		chains: make(map[string]Chain),
	}

	parentJoint := make(map[string]*JointDescriptor)
	names := make(map[string]bool)
	for _, jd := range desc.Joints {
		j, err := newJointDescriptor(jd)
		if err != nil {
			return nil, err
		}
		if names[j.Name] {
			return nil, errors.Wrapf(ErrMalformedDescription, "duplicate joint %q", j.Name)
		}
		names[j.Name] = true

		if implicitLinks {
			links[j.Parent] = true
			links[j.Child] = true
		}
		if !links[j.Parent] {
			return nil, errors.Wrapf(ErrMalformedDescription, "joint %q references missing parent link %q", j.Name, j.Parent)
		}
		if !links[j.Child] {
			return nil, errors.Wrapf(ErrMalformedDescription, "joint %q references missing child link %q", j.Name, j.Child)
		}
		if j.Parent == j.Child {
			return nil, errors.Wrapf(ErrMalformedDescription, "joint %q connects link %q to itself", j.Name, j.Parent)
		}
		if prev, ok := parentJoint[j.Child]; ok {
			return nil, errors.Wrapf(ErrMalformedDescription, "link %q has two parent joints (%q, %q)", j.Child, prev.Name, j.Name)
		}
		parentJoint[j.Child] = j

		if j.Type != JointFixed {
			j.Index = len(m.active)
			m.index[j.Name] = j.Index
			m.active = append(m.active, j)
		}
		m.joints = append(m.joints, j)
	}

	var roots []string
	for l := range links {
		if _, ok := parentJoint[l]; !ok {
			roots = append(roots, l)
		}
	}
	if len(roots) != 1 {
		return nil, errors.Wrapf(ErrMalformedDescription, "expected exactly one root link, found %d", len(roots))
	}
	m.root = roots[0]
	m.chains[m.root] = Chain{Tip: m.root}

	// Every link must be reachable from the root by walking parent joints. A
	// walk that revisits a link is a cycle.
	for l := range links {
		if l == m.root {
			continue
		}
		var rev []*JointDescriptor
		seen := map[string]bool{l: true}
		cur := l
		for cur != m.root {
			j, ok := parentJoint[cur]
			if !ok {
				return nil, errors.Wrapf(ErrMalformedDescription, "link %q is not connected to root %q", l, m.root)
			}
			rev = append(rev, j)
			cur = j.Parent
			if seen[cur] {
				return nil, errors.Wrapf(ErrMalformedDescription, "cycle through link %q", cur)
			}
			seen[cur] = true
		}
		chain := Chain{Tip: l, Joints: make([]*JointDescriptor, len(rev))}
		for i := range rev {
			chain.Joints[i] = rev[len(rev)-1-i]
		}
		m.chains[l] = chain
	}

	return m, nil
}

func newJointDescriptor(jd JointDescription) (*JointDescriptor, error) {
	if jd.Name == "" {
		return nil, errors.Wrap(ErrMalformedDescription, "joint without name")
	}
	if jd.Parent == "" || jd.Child == "" {
		return nil, errors.Wrapf(ErrMalformedDescription, "joint %q must name parent and child links", jd.Name)
	}

	j := &JointDescriptor{
		Name:   jd.Name,
		Type:   jd.Type,
		Parent: jd.Parent,
		Child:  jd.Child,
		Index:  -1,
	}

	switch jd.Type {
	case JointFixed:
	case JointRevolute:
		if jd.Lower > jd.Upper {
			return nil, errors.Wrapf(ErrMalformedDescription, "joint %q lower limit %v above upper %v", jd.Name, jd.Lower, jd.Upper)
		}
		j.Lower, j.Upper = jd.Lower, jd.Upper
	case JointContinuous:
		j.Lower, j.Upper = math.Inf(-1), math.Inf(1)
		if jd.Lower < jd.Upper {
			j.Lower, j.Upper = jd.Lower, jd.Upper
		}
	default:
		return nil, errors.Wrapf(ErrMalformedDescription, "joint %q has unsupported type %q", jd.Name, jd.Type)
	}

	if jd.Type != JointFixed {
		axis := r3.Vector{X: jd.Axis[0], Y: jd.Axis[1], Z: jd.Axis[2]}
		n := axis.Norm()
		if n < 1e-9 || math.IsNaN(n) {
			return nil, errors.Wrapf(ErrMalformedDescription, "joint %q has zero axis", jd.Name)
		}
		j.Axis = axis.Mul(1 / n)
	}

	j.origin = spatialmath.NewPose(
		r3.Vector{X: jd.Origin.XYZ[0], Y: jd.Origin.XYZ[1], Z: jd.Origin.XYZ[2]},
		&spatialmath.EulerAngles{Roll: jd.Origin.RPY[0], Pitch: jd.Origin.RPY[1], Yaw: jd.Origin.RPY[2]},
	)
	return j, nil
}

// Name is the robot name from the description.
func (m *Model) Name() string {
	return m.name
}

// Root is the single link without a parent joint.
func (m *Model) Root() string {
	return m.root
}

// DoF is the length of the joint-angle vector.
func (m *Model) DoF() int {
	return len(m.active)
}

// JointNames returns active joint names in vector order.
func (m *Model) JointNames() []string {
	out := make([]string, len(m.active))
	for i, j := range m.active {
		out[i] = j.Name
	}
	return out
}

// Joints returns all joints, fixed ones included, in description order.
func (m *Model) Joints() []*JointDescriptor {
	out := make([]*JointDescriptor, len(m.joints))
	copy(out, m.joints)
	return out
}

// JointIndex maps an active joint name to its vector index.
func (m *Model) JointIndex(name string) (int, bool) {
	i, ok := m.index[name]
	return i, ok
}

// Limits returns the lower and upper bound vectors.
func (m *Model) Limits() (lower, upper []float64) {
	lower = make([]float64, len(m.active))
	upper = make([]float64, len(m.active))
	for i, j := range m.active {
		lower[i], upper[i] = j.Lower, j.Upper
	}
	return lower, upper
}

// Home is the zero vector clamped into the joint limits.
func (m *Model) Home() []float64 {
	lower, upper := m.Limits()
	home := make([]float64, len(m.active))
	for i := range home {
		home[i] = math.Max(lower[i], math.Min(upper[i], 0))
	}
	return home
}

// ChainTo returns the chain from the root to link.
func (m *Model) ChainTo(link string) (Chain, error) {
	chain, ok := m.chains[link]
	if !ok {
		return Chain{}, errors.Wrapf(ErrUnknownLink, "%q", link)
	}
	joints := make([]*JointDescriptor, len(chain.Joints))
	copy(joints, chain.Joints)
	return Chain{Tip: chain.Tip, Joints: joints}, nil
}

// ForwardKinematics returns the pose of each named link, in the root frame,
// for joint vector q.
func (m *Model) ForwardKinematics(q []float64, links ...string) ([]spatialmath.Pose, error) {
	if len(q) != len(m.active) {
		return nil, errors.Errorf("expected %d joint values, got %d", len(m.active), len(q))
	}
	poses := make([]spatialmath.Pose, 0, len(links))
	for _, link := range links {
		chain, ok := m.chains[link]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownLink, "%q", link)
		}
		poses = append(poses, chain.pose(q))
	}
	return poses, nil
}
