package kinematics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// JointType is the kind of a joint in the tree. Only fixed and single-axis
// rotational joints are supported.
type JointType string

const (
	JointFixed      JointType = "fixed"
	JointRevolute   JointType = "revolute"
	JointContinuous JointType = "continuous"
)

// Origin is the fixed transform from a joint's parent link to its child link
// at zero angle. RPY is applied as roll about x, then pitch about y, then yaw
// about z, all in the parent frame.
type Origin struct {
	XYZ [3]float64 `json:"xyz"`
	RPY [3]float64 `json:"rpy"`
}

// JointDescription is one joint of a raw description, before validation.
type JointDescription struct {
	Name   string     `json:"name"`
	Type   JointType  `json:"type"`
	Parent string     `json:"parent"`
	Child  string     `json:"child"`
	Origin Origin     `json:"origin"`
	Axis   [3]float64 `json:"axis"`
	Lower  float64    `json:"lower"`
	Upper  float64    `json:"upper"`
}

// Description is a robot joint tree as read from disk. Joint order matters:
// active joints are indexed in the order they appear here.
type Description struct {
	Name   string             `json:"name"`
	Links  []string           `json:"links"`
	Joints []JointDescription `json:"joints"`
}

// ParseJSON decodes a JSON joint-tree description.
func ParseJSON(data []byte) (Description, error) {
	var desc Description
	if err := json.Unmarshal(data, &desc); err != nil {
		return Description{}, errors.Wrap(ErrMalformedDescription, err.Error())
	}
	return desc, nil
}

// LoadFile reads a model from a .urdf/.xml or .json file.
func LoadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".urdf", ".xml":
		return LoadURDF(data)
	case ".json":
		desc, err := ParseJSON(data)
		if err != nil {
			return nil, err
		}
		return Load(desc)
	default:
		return nil, errors.Errorf("unsupported model file extension %q", filepath.Ext(path))
	}
}
