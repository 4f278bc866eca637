package kinematics

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type urdfRobot struct {
	XMLName xml.Name    `xml:"robot"`
	Name    string      `xml:"name,attr"`
	Links   []urdfLink  `xml:"link"`
	Joints  []urdfJoint `xml:"joint"`
}

type urdfLink struct {
	Name string `xml:"name,attr"`
}

type urdfJoint struct {
	Name   string      `xml:"name,attr"`
	Type   string      `xml:"type,attr"`
	Parent urdfLinkRef `xml:"parent"`
	Child  urdfLinkRef `xml:"child"`
	Origin *urdfOrigin `xml:"origin"`
	Axis   *urdfAxis   `xml:"axis"`
	Limit  *urdfLimit  `xml:"limit"`
}

type urdfLinkRef struct {
	Link string `xml:"link,attr"`
}

type urdfOrigin struct {
	XYZ string `xml:"xyz,attr"`
	RPY string `xml:"rpy,attr"`
}

type urdfAxis struct {
	XYZ string `xml:"xyz,attr"`
}

type urdfLimit struct {
	Lower float64 `xml:"lower,attr"`
	Upper float64 `xml:"upper,attr"`
}

// LoadURDF parses a URDF document and builds a model from it.
func LoadURDF(data []byte) (*Model, error) {
	desc, err := ParseURDF(data)
	if err != nil {
		return nil, err
	}
	return Load(desc)
}

// ParseURDF converts a URDF document into a Description. Geometry, inertia and
// visual elements are ignored.
func ParseURDF(data []byte) (Description, error) {
	var robot urdfRobot
	if err := xml.Unmarshal(data, &robot); err != nil {
		return Description{}, errors.Wrap(ErrMalformedDescription, err.Error())
	}

	desc := Description{Name: robot.Name}
	for _, l := range robot.Links {
		desc.Links = append(desc.Links, l.Name)
	}

	for _, j := range robot.Joints {
		jd := JointDescription{
			Name:   j.Name,
			Type:   JointType(j.Type),
			Parent: j.Parent.Link,
			Child:  j.Child.Link,
			// URDF default axis
			Axis: [3]float64{1, 0, 0},
		}

		if j.Origin != nil {
			xyz, err := parseTriple(j.Origin.XYZ)
			if err != nil {
				return Description{}, errors.Wrapf(ErrMalformedDescription, "joint %q origin xyz: %v", j.Name, err)
			}
			rpy, err := parseTriple(j.Origin.RPY)
			if err != nil {
				return Description{}, errors.Wrapf(ErrMalformedDescription, "joint %q origin rpy: %v", j.Name, err)
			}
			jd.Origin = Origin{XYZ: xyz, RPY: rpy}
		}

		if j.Axis != nil && j.Axis.XYZ != "" {
			axis, err := parseTriple(j.Axis.XYZ)
			if err != nil {
				return Description{}, errors.Wrapf(ErrMalformedDescription, "joint %q axis: %v", j.Name, err)
			}
			jd.Axis = axis
		}

		switch jd.Type {
		case JointRevolute:
			if j.Limit == nil {
				return Description{}, errors.Wrapf(ErrMalformedDescription, "revolute joint %q has no limit", j.Name)
			}
			jd.Lower, jd.Upper = j.Limit.Lower, j.Limit.Upper
		case JointContinuous:
			if j.Limit != nil && j.Limit.Lower < j.Limit.Upper {
				jd.Lower, jd.Upper = j.Limit.Lower, j.Limit.Upper
			}
		}

		desc.Joints = append(desc.Joints, jd)
	}

	return desc, nil
}

// parseTriple reads "x y z". An empty string is the zero vector.
func parseTriple(s string) ([3]float64, error) {
	var out [3]float64
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return out, nil
	}
	if len(fields) != 3 {
		return out, errors.Errorf("expected 3 values, got %d", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}
