// Package command encodes joint and gripper targets into the robot's wire
// command and ships them without blocking the control loop.
package command

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// ControlVector16 is the field layout the robot firmware reads. Base velocity
// and posture come first, then right and left arm joints.
var ControlVector16 = []string{
	"XVel", "YVel", "YawRate",
	"BaseHeight", "BaseRoll", "BasePitch",
	"RShoulderPitch", "RShoulderRoll", "RElbowPitch", "RElbowRoll",
	"RWristRoll", "RWristYaw", "RWristPitch",
	"LShoulderPitch", "LShoulderRoll", "LElbowPitch", "LElbowRoll",
	"LWristPitch",
}

// Schema is an ordered, fixed set of command fields.
type Schema struct {
	fields []string
	index  map[string]int
}

// NewSchema builds a schema. Field names must be unique and non-empty.
func NewSchema(fields []string) (*Schema, error) {
	if len(fields) == 0 {
		return nil, errors.New("schema has no fields")
	}
	s := &Schema{
		fields: append([]string(nil), fields...),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f == "" {
			return nil, errors.Errorf("schema field %d is empty", i)
		}
		if _, dup := s.index[f]; dup {
			return nil, errors.Errorf("duplicate schema field %q", f)
		}
		s.index[f] = i
	}
	return s, nil
}

// DefaultSchema is ControlVector16 plus the left wrist roll and both
// grippers.
func DefaultSchema() *Schema {
	fields := append(append([]string(nil), ControlVector16...), "LWristRoll", "RGripper", "LGripper")
	s, err := NewSchema(fields)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the field names in wire order.
func (s *Schema) Fields() []string {
	return append([]string(nil), s.fields...)
}

// Index returns the slot of a field.
func (s *Schema) Index(field string) (int, bool) {
	i, ok := s.index[field]
	return i, ok
}

// NewCommand returns a zeroed command.
func (s *Schema) NewCommand() Command {
	return Command{schema: s, values: make([]float64, len(s.fields))}
}

// Command is one complete set of field values. Unset fields are zero.
type Command struct {
	schema *Schema
	values []float64
}

// Set assigns a field by name.
func (c Command) Set(field string, v float64) error {
	i, ok := c.schema.Index(field)
	if !ok {
		return errors.Errorf("unknown command field %q", field)
	}
	c.values[i] = v
	return nil
}

// Get reads a field by name.
func (c Command) Get(field string) (float64, bool) {
	if c.schema == nil {
		return 0, false
	}
	i, ok := c.schema.Index(field)
	if !ok {
		return 0, false
	}
	return c.values[i], true
}

// Values returns the raw values in schema order.
func (c Command) Values() []float64 {
	return append([]float64(nil), c.values...)
}

// MarshalJSON writes a flat object in schema order.
func (c Command) MarshalJSON() ([]byte, error) {
	if c.schema == nil {
		return nil, errors.New("command has no schema")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range c.schema.fields {
		v := c.values[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Errorf("field %s is not finite", f)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode returns the datagram body: the JSON object and a trailing newline.
func (c Command) Encode() ([]byte, error) {
	body, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}
